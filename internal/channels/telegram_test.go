package channels

import (
	"context"
	"testing"

	"github.com/basket/go-claw/internal/engine"
	"github.com/basket/go-claw/internal/queue"
	"github.com/basket/go-claw/internal/store"
)

func TestParseHITLCallbackValidFormat(t *testing.T) {
	taskID, instanceID, nodeID, decision, ok := parseHITLCallback("hitl:task-1:inst-1:approve:approved")
	if !ok {
		t.Fatal("expected a valid callback to parse")
	}
	if taskID != "task-1" || instanceID != "inst-1" || nodeID != "approve" || decision != "approved" {
		t.Fatalf("unexpected fields: %q %q %q %q", taskID, instanceID, nodeID, decision)
	}
}

func TestParseHITLCallbackRejectsOtherPrefixes(t *testing.T) {
	if _, _, _, _, ok := parseHITLCallback("something:else"); ok {
		t.Fatal("expected a non-hitl callback to be rejected")
	}
}

func TestParseHITLCallbackRejectsWrongFieldCount(t *testing.T) {
	if _, _, _, _, ok := parseHITLCallback("hitl:task-1:inst-1"); ok {
		t.Fatal("expected a malformed callback to be rejected")
	}
}

func newTestChannel(t *testing.T) (*TelegramChannel, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(s)
	return NewTelegramChannel("token", []int64{1}, nil, s, q, nil, nil), s
}

func TestRecordApprovalDecisionSetsInstanceVariable(t *testing.T) {
	ch, s := newTestChannel(t)
	inst := store.WorkflowInstance{ID: "inst-1", Variables: map[string]interface{}{}}
	if err := s.PutInstance("task-1", inst); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}

	if err := ch.recordApprovalDecision(context.Background(), "task-1", "inst-1", "approve", "approved"); err != nil {
		t.Fatalf("recordApprovalDecision: %v", err)
	}

	got, ok := s.GetInstance("task-1")
	if !ok {
		t.Fatal("expected instance to still exist")
	}
	if got.Variables[engine.ApprovalVariablePrefix+"approve"] != "approved" {
		t.Fatalf("expected approval variable set, got %+v", got.Variables)
	}
}

func TestRecordApprovalDecisionResumesHumanWaitingJob(t *testing.T) {
	ch, s := newTestChannel(t)
	inst := store.WorkflowInstance{ID: "inst-2", Variables: map[string]interface{}{}}
	if err := s.PutInstance("task-2", inst); err != nil {
		t.Fatalf("PutInstance: %v", err)
	}
	jobID, err := ch.queue.Enqueue(context.Background(), queue.JobData{TaskID: "task-2", InstanceID: "inst-2", NodeID: "approve"}, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := ch.queue.MarkHumanWaiting(context.Background(), jobID); err != nil {
		t.Fatalf("MarkHumanWaiting: %v", err)
	}

	if err := ch.recordApprovalDecision(context.Background(), "task-2", "inst-2", "approve", "approved"); err != nil {
		t.Fatalf("recordApprovalDecision: %v", err)
	}

	waiting, err := ch.queue.ListByStatus(context.Background(), queue.StatusWaiting)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	found := false
	for _, j := range waiting {
		if j.ID == jobID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected job %s to move back to waiting, got %+v", jobID, waiting)
	}
}

func TestRecordApprovalDecisionMissingInstanceErrors(t *testing.T) {
	ch, _ := newTestChannel(t)
	if err := ch.recordApprovalDecision(context.Background(), "no-such-task", "inst-x", "approve", "approved"); err == nil {
		t.Fatal("expected an error for a missing instance")
	}
}

func TestNewTelegramChannelName(t *testing.T) {
	ch, _ := newTestChannel(t)
	if ch.Name() != "telegram" {
		t.Fatalf("expected name 'telegram', got %q", ch.Name())
	}
}

func TestPendingTasksTrackChatID(t *testing.T) {
	ch, _ := newTestChannel(t)
	ch.pendingMu.Lock()
	ch.pendingTasks["task-3"] = 42
	ch.pendingMu.Unlock()

	ch.pendingMu.Lock()
	chatID, ok := ch.pendingTasks["task-3"]
	ch.pendingMu.Unlock()
	if !ok || chatID != 42 {
		t.Fatalf("expected pending task mapped to chat 42, got %v %v", chatID, ok)
	}
}
