// Package channels is the chat-bot transport surface (spec.md's intake
// API, "@agent"-style routing left to Router): a small Channel interface
// plus one concrete Telegram implementation proving it against the
// Session Manager and the Event Bus.
package channels

import "context"

// Channel is a messaging platform integration. Start blocks until ctx is
// cancelled or a fatal error occurs.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
}

// Router creates a task from an inbound chat message and returns its id.
// Implemented by whatever owns session continuity and task launch
// (cmd/orchestrate): map chatID to a Session Manager session, persist a
// pending Task, and hand it to a Launcher the way internal/schedule does.
type Router interface {
	CreateChatTask(ctx context.Context, chatID, content string) (string, error)
}
