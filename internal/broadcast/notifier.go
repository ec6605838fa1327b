package broadcast

import (
	"context"

	"github.com/devblac/event-relay/internal/event"
)

// Notifier announces filter registry changes as control messages.
type Notifier struct {
	pub event.Publisher
}

func NewNotifier(pub event.Publisher) *Notifier {
	return &Notifier{pub: pub}
}

func (n *Notifier) FilterAdded(ctx context.Context, f event.Filter) error {
	return n.pub.PublishMessage(ctx, event.Message{Type: event.MessageFilterAdded, Details: f})
}

func (n *Notifier) FilterRemoved(ctx context.Context, f event.Filter) error {
	return n.pub.PublishMessage(ctx, event.Message{Type: event.MessageFilterRemoved, Details: f})
}
