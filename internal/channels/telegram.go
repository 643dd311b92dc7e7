package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/store"
)

const stallTimeout = 150 * time.Second

// TelegramChannel implements Channel over Telegram's long-poll API.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	router     Router
	store      *store.Store
	queue      *queue.Queue
	bus        *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	pendingMu    sync.Mutex
	pendingTasks map[string]int64 // taskID -> chatID
}

// NewTelegramChannel builds a TelegramChannel. allowedIDs gates which
// Telegram user ids may submit messages or approve HITL callbacks.
func NewTelegramChannel(token string, allowedIDs []int64, router Router, s *store.Store, q *queue.Queue, b *bus.Bus, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		router:       router,
		store:        s,
		queue:        q,
		bus:          b,
		logger:       logger,
		pendingTasks: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Start connects the bot and reconnects with exponential backoff across
// transient poll disconnects, until ctx is cancelled.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram: bot started", "user", t.bot.Self.UserName)

	if t.bus != nil {
		go t.monitorCompletions(ctx)
		go t.monitorApprovals(ctx)
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram: poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes, or no
// update arrives for 2.5x the long-poll timeout (stall detection).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, allowed := t.allowedIDs[update.Message.From.ID]; !allowed {
					t.logger.Warn("telegram: access denied", "userId", update.Message.From.ID)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				if _, allowed := t.allowedIDs[update.CallbackQuery.From.ID]; !allowed {
					t.logger.Warn("telegram: callback access denied", "userId", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}
	chatID := fmt.Sprintf("telegram-%d", msg.Chat.ID)

	taskID, err := t.router.CreateChatTask(ctx, chatID, content)
	if err != nil {
		t.logger.Error("telegram: failed to create task", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not schedule task: %v", err))
		return
	}

	t.pendingMu.Lock()
	t.pendingTasks[taskID] = msg.Chat.ID
	t.pendingMu.Unlock()
}

// handleCallbackQuery resolves an HITL approval button press. Callback
// data is "hitl:<taskId>:<instanceId>:<nodeId>:<approved|rejected>".
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	taskID, instanceID, nodeID, decision, ok := parseHITLCallback(query.Data)
	if !ok {
		return
	}

	ack := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Recording %s...", decision))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("telegram: failed to ack callback", "error", err)
	}

	if err := t.recordApprovalDecision(ctx, taskID, instanceID, nodeID, decision); err != nil {
		t.logger.Error("telegram: failed to record approval decision", "taskId", taskID, "error", err)
		return
	}

	if query.Message != nil {
		t.editMessageText(query.Message.Chat.ID, query.Message.MessageID, fmt.Sprintf("%s\n\n_Decision: %s_", query.Message.Text, decision))
	}
}

// recordApprovalDecision namespaces decision under the instance's
// approval variable (internal/engine's executeHuman reads it back on
// re-dispatch) and releases the node's job from human_waiting.
func (t *TelegramChannel) recordApprovalDecision(ctx context.Context, taskID, instanceID, nodeID, decision string) error {
	inst, found := t.store.GetInstance(taskID)
	if !found {
		return fmt.Errorf("instance not found for task %q", taskID)
	}
	if inst.Variables == nil {
		inst.Variables = map[string]interface{}{}
	}
	inst.Variables[engine.ApprovalVariablePrefix+nodeID] = decision
	if err := t.store.PutInstance(taskID, inst); err != nil {
		return fmt.Errorf("persist approval decision: %w", err)
	}
	if _, err := t.queue.ResumeWaitingForInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("resume waiting jobs: %w", err)
	}
	return nil
}

// monitorCompletions replies in the originating chat once a pending task
// reaches task:completed.
func (t *TelegramChannel) monitorCompletions(ctx context.Context) {
	sub := t.bus.Subscribe(bus.EventTaskCompleted)
	defer t.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			t.pendingMu.Lock()
			chatID, pending := t.pendingTasks[ev.TaskID]
			if pending {
				delete(t.pendingTasks, ev.TaskID)
			}
			t.pendingMu.Unlock()
			if !pending {
				continue
			}

			task, ok := t.store.GetTask(ev.TaskID)
			if !ok {
				t.reply(chatID, "Task finished but its details could not be loaded.")
				continue
			}
			if task.Status == store.TaskFailed {
				t.reply(chatID, fmt.Sprintf("Task failed: %s", task.Output))
				continue
			}
			if task.Status == store.TaskCancelled {
				t.reply(chatID, "Task was cancelled.")
				continue
			}
			t.reply(chatID, task.Output)
		}
	}
}

// monitorApprovals sends an inline Approve/Reject prompt for every human
// node that starts waiting, in the chat that originated the task.
func (t *TelegramChannel) monitorApprovals(ctx context.Context) {
	sub := t.bus.Subscribe(bus.EventNodeStarted)
	defer t.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			prompt, _ := ev.Payload["approvalPrompt"].(string)
			if prompt == "" {
				continue
			}
			t.pendingMu.Lock()
			chatID, pending := t.pendingTasks[ev.TaskID]
			t.pendingMu.Unlock()
			if !pending {
				continue
			}
			t.sendApprovalPrompt(chatID, ev.TaskID, ev.InstanceID, ev.NodeID, prompt)
		}
	}
}

func (t *TelegramChannel) sendApprovalPrompt(chatID int64, taskID, instanceID, nodeID, prompt string) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("hitl:%s:%s:%s:approved", taskID, instanceID, nodeID)),
			tgbotapi.NewInlineKeyboardButtonData("Reject", fmt.Sprintf("hitl:%s:%s:%s:rejected", taskID, instanceID, nodeID)),
		),
	)
	msg := tgbotapi.NewMessage(chatID, "Approval needed: "+prompt)
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram: failed to send approval prompt", "error", err)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if text == "" {
		text = "(no output)"
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram: failed to send reply", "error", err)
	}
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("telegram: failed to edit message", "error", err)
	}
}

// parseHITLCallback splits "hitl:<taskId>:<instanceId>:<nodeId>:<decision>".
func parseHITLCallback(data string) (taskID, instanceID, nodeID, decision string, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 5 || parts[0] != "hitl" {
		return "", "", "", "", false
	}
	return parts[1], parts[2], parts[3], parts[4], true
}
