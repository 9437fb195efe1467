// Package notify delivers failure alerts to external channels. The scheduler
// calls it on terminal FAILED/EXCEPTION outcomes; delivery failures are
// logged upstream and never affect task state.
package notify

import (
	"context"
)

// Notifier sends a titled notification.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// MultiNotifier fans a notification out to several channels. It keeps going
// after individual failures and returns the last error seen.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

func (m *MultiNotifier) Send(ctx context.Context, title, body string) error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoOpNotifier is used when no channel is configured.
type NoOpNotifier struct{}

func (n *NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}
