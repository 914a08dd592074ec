// Package notify delivers user-visible notifications about run and batch
// outcomes. The transport (toast, push, email digest) is a collaborator
// concern; this package fixes the message contract.
package notify

import (
	"go.uber.org/zap"
)

// Notifier surfaces outcomes to the user. Implementations must be safe for
// concurrent use.
type Notifier interface {
	// Success announces a completed search or batch.
	Success(userID, message string)
	// Failure announces a failed search or batch.
	Failure(userID, message string)
	// Progress replaces any prior progress display for the user with
	// current/total and the target-status label.
	Progress(userID string, current, total int, label string)
}

// LogNotifier writes notifications as structured logs. It stands in wherever
// no real delivery channel is attached (server-side processing, tests).
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier wires a zap logger to the Notifier interface.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Success logs a success notification.
func (n *LogNotifier) Success(userID, message string) {
	n.logger.Info("notification",
		zap.String("kind", "success"),
		zap.String("user_id", userID),
		zap.String("message", message),
	)
}

// Failure logs a failure notification.
func (n *LogNotifier) Failure(userID, message string) {
	n.logger.Warn("notification",
		zap.String("kind", "failure"),
		zap.String("user_id", userID),
		zap.String("message", message),
	)
}

// Progress logs a progress notification.
func (n *LogNotifier) Progress(userID string, current, total int, label string) {
	n.logger.Info("notification",
		zap.String("kind", "progress"),
		zap.String("user_id", userID),
		zap.Int("current", current),
		zap.Int("total", total),
		zap.String("label", label),
	)
}
