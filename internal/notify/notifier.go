// Package notify declares the completion-event collaborator. Receipt and
// attestation emails are someone else's job; the engine only guarantees
// at-most-one event per transition into complete.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"formapilot/collecte/internal/collect"
)

// CompletionEvent is handed to the dispatcher when a resource transitions
// into complete.
type CompletionEvent struct {
	ResourceID  uuid.UUID
	Kind        collect.Kind
	CompletedAt time.Time
}

// Notifier receives completion events.
type Notifier interface {
	ResourceCompleted(ctx context.Context, event CompletionEvent) error
}

// LogNotifier records completion events in the log. It stands in until a
// real dispatcher is wired behind the interface.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a logging notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) ResourceCompleted(_ context.Context, event CompletionEvent) error {
	n.logger.Info("resource completed",
		zap.String("resourceId", event.ResourceID.String()),
		zap.String("kind", string(event.Kind)),
		zap.Time("completedAt", event.CompletedAt),
	)
	return nil
}
