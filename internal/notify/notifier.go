// Package notify forwards selected treasury events to operator chat
// channels such as Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// DefaultEvents are the events forwarded when none are configured.
var DefaultEvents = []string{
	"fallback.status_changed",
	"fallback.paused",
	"fallback.resumed",
	"fallback.emergency_converted",
	"splitter.distribution_failed",
	"governance.proposal_executed",
}

// Sender delivers one message to a channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

var _ domain.EventSink = (*Notifier)(nil)

// Notifier is an event sink that renders allowed events and sends them to
// every sender. Events are named "<stream>.<type>".
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty events list uses DefaultEvents.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	if len(events) == 0 {
		events = DefaultEvents
	}
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

// Name identifies the sink in logs.
func (n *Notifier) Name() string { return "notifier" }

// Wants reports whether events named name are forwarded.
func (n *Notifier) Wants(name string) bool {
	return n.events[name] || n.events["*"]
}

// Handle renders ev and sends it when its name is allowed.
func (n *Notifier) Handle(ctx context.Context, ev domain.Event) error {
	name := ev.Stream + "." + ev.Type
	if !n.Wants(name) {
		return nil
	}
	title, message := Render(ev)
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
