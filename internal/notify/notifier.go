// Package notify pushes operator alerts to external channels. Emergency
// transitions and failed steps go out through every configured sender
// (Telegram, Discord); delivery is best effort and never blocks the keeper.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/looplabs/loopkeeper/internal/engine"
)

// Sender is one delivery channel.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name identifies the channel (e.g. "telegram").
	Name() string
}

// Notifier fans alerts out to the configured senders. It keeps a set of
// allowed event names; Alert drops events outside the set. An empty set
// allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders, filtered
// to the given event names.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Alert formats the event detail and dispatches it to every sender. Sender
// failures are logged, not returned; an alert must never fail a step.
func (n *Notifier) Alert(ctx context.Context, event string, detail map[string]any) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	title := "loopkeeper: " + event
	n.dispatch(ctx, title, formatDetail(detail))
}

// Notify sends an arbitrary titled message through the same filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) {
	if len(n.events) > 0 && !n.events[event] {
		return
	}
	n.dispatch(ctx, title, message)
}

func (n *Notifier) dispatch(ctx context.Context, title, message string) {
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}

// formatDetail renders the detail map as sorted "key: value" lines so the
// same event always reads the same way in a channel.
func formatDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return "(no detail)"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, detail[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ engine.Alerter = (*Notifier)(nil)
