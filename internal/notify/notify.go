// Package notify delivers order outcomes to the buyer through the chat
// collaborator. The pipeline only depends on the Notifier interface;
// delivery failures are recorded and re-driven by the settlement sweep.
package notify

import (
	"context"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, buyerID int64, text string, payload map[string]string) error
}

// LogNotifier is used in tests and when no bot token is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) Notify(_ context.Context, buyerID int64, text string, _ map[string]string) error {
	n.Log.Info("notification", zap.Int64("buyer_id", buyerID), zap.String("text", text))
	return nil
}
