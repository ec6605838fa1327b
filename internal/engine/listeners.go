package engine

import (
	"context"
	"fmt"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/watermark"
)

// PersistListener saves occurrences that add information to the store:
// new natural keys and status escalations.
func PersistListener(store event.Store) event.Listener {
	return event.ListenerFunc(func(ctx context.Context, o event.Occurrence) error {
		existing, err := event.IsExisting(ctx, store, o)
		if err != nil {
			return err
		}
		if existing {
			return nil
		}
		if err := store.Save(ctx, o); err != nil {
			return fmt.Errorf("persist %s: %w", o.Key(), err)
		}
		return nil
	})
}

// WatermarkListener raises the (signature, address) watermark to the occurrence's block.
func WatermarkListener(marks *watermark.Store) event.Listener {
	return event.ListenerFunc(func(_ context.Context, o event.Occurrence) error {
		marks.Advance(o.Signature, o.BlockNumber, o.Address)
		return nil
	})
}

// BroadcastListener publishes every transition.
func BroadcastListener(pub event.Publisher) event.Listener {
	return event.ListenerFunc(func(ctx context.Context, o event.Occurrence) error {
		return pub.PublishEvent(ctx, o)
	})
}

// CursorWriter records node progress.
type CursorWriter interface {
	UpsertCursor(ctx context.Context, node string, height uint64, hash string) error
}

// CursorListener persists each delivered block as the node's cursor.
func CursorListener(store CursorWriter) event.BlockListener {
	return event.BlockListenerFunc(func(ctx context.Context, b chain.Block) error {
		return store.UpsertCursor(ctx, b.Node, b.Number, b.Hash)
	})
}

// BlockPublisher forwards blocks to pub.
func BlockPublisher(pub event.Publisher) event.BlockListener {
	return event.BlockListenerFunc(func(ctx context.Context, b chain.Block) error {
		return pub.PublishBlock(ctx, b)
	})
}

// BlockCounter counts delivered blocks.
func BlockCounter(mtr *metrics.Metrics) event.BlockListener {
	return event.BlockListenerFunc(func(context.Context, chain.Block) error {
		mtr.BlocksProcessed()
		return nil
	})
}
