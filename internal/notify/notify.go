// Package notify abstracts the outbound notification channel. Delivery
// mechanism (IM, email, pager) is irrelevant to the core.
package notify

import (
	"context"
	"log/slog"

	"github.com/wardenhq/warden/internal/log"
)

// Notifier delivers a human-readable message to an actor.
type Notifier interface {
	Notify(ctx context.Context, actorID, message string) error
}

// LogNotifier writes notifications to the structured log. It is the default
// when no real channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, actorID, message string) error {
	n.logger.Info("notification", "actor", actorID, "message", message)
	return nil
}

// FuncNotifier adapts a function into a Notifier. Used in tests.
type FuncNotifier func(ctx context.Context, actorID, message string) error

func (f FuncNotifier) Notify(ctx context.Context, actorID, message string) error {
	return f(ctx, actorID, message)
}
