// Package notify delivers operational alerts for the money-moving pipelines:
// terminal withdrawal failures, sweep failures, and completed payout runs.
// Alerts fan out to every configured channel; they are for operators, never
// for end users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is one delivery channel for operational alerts.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel in logs and error messages.
	Name() string
}

// Notifier fans alerts out to the configured channels, filtered by event
// name. The workers emit a small fixed vocabulary (withdrawal_failed,
// sweep_failed, payout_completed, error); operators whitelist the ones they
// want paged about.
type Notifier struct {
	channels []Sender
	allowed  map[string]bool
	logger   *slog.Logger
}

// NewNotifier creates a Notifier delivering to channels. Only events named in
// the events list pass the filter; an empty list lets everything through.
func NewNotifier(channels []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		channels: channels,
		allowed:  allowed,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers the alert to every channel when the event passes the
// filter. A failing channel never blocks delivery to the others; the
// failures are joined into the returned error.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.allowed) > 0 && !n.allowed[event] {
		n.logger.DebugContext(ctx, "alert filtered out", slog.String("event", event))
		return nil
	}
	if len(n.channels) == 0 {
		return nil
	}

	var errs []error
	for _, ch := range n.channels {
		if err := ch.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "alert delivery failed",
				slog.String("channel", ch.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert delivered",
			slog.String("channel", ch.Name()),
			slog.String("event", event),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
