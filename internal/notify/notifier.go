// Package notify alerts operators about settlement events that need a
// human: new disputes, resolutions and settlements stuck past their
// deadline. Alerts go to every registered sender, filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/marketcore/internal/domain"
)

// Notifier dispatches notifications to one or more Senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types; empty allows all
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for senders. Only event types listed in
// events are forwarded; an empty list forwards everything.
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

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Wants reports whether event passes the type filter.
func (n *Notifier) Wants(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify sends title and message when event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Wants(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Publish renders a domain event as an operator alert. Failures are logged;
// they never reach the caller.
func (n *Notifier) Publish(ctx context.Context, ev domain.Event) {
	if !n.Enabled() {
		return
	}
	title, message := render(ev)
	if err := n.Notify(ctx, string(ev.Type), title, message); err != nil {
		n.logger.WarnContext(ctx, "alert not delivered",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func render(ev domain.Event) (string, string) {
	var title string
	switch ev.Type {
	case domain.EventDisputeOpened:
		title = "Dispute opened"
	case domain.EventDisputeResolved:
		title = "Dispute resolved"
	case domain.EventSettlementStuck:
		title = "Settlement stuck"
	default:
		title = string(ev.Type)
	}

	var b strings.Builder
	if ev.TransactionID != "" {
		fmt.Fprintf(&b, "transaction: %s\n", ev.TransactionID)
	}
	if ev.AuctionID != "" {
		fmt.Fprintf(&b, "auction: %s\n", ev.AuctionID)
	}
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, ev.Data[k])
	}
	fmt.Fprintf(&b, "at: %s", ev.OccurredAt.UTC().Format("2006-01-02 15:04:05Z"))
	return title, b.String()
}

// dispatch sends to every sender. One sender failing does not stop the rest;
// the failures are combined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

var _ domain.EventPublisher = (*Notifier)(nil)
