package event

import (
	"context"

	"github.com/devblac/event-relay/internal/chain"
)

// Store persists occurrences and node progress.
type Store interface {
	Find(ctx context.Context, key NaturalKey) (Occurrence, bool, error)
	Save(ctx context.Context, o Occurrence) error
	LatestForSignatureAddress(ctx context.Context, signature, address string) (Occurrence, bool, error)
	LatestBlockForNode(ctx context.Context, node string) (uint64, bool, error)
}

// FilterStore persists registered filters.
type FilterStore interface {
	FindAll(ctx context.Context) ([]Filter, error)
	Save(ctx context.Context, f Filter) error
	DeleteByID(ctx context.Context, id string) error
}

// Factory decodes a raw log into an occurrence for a filter.
type Factory interface {
	Decode(ctx context.Context, f Filter, lg chain.RawLog) (Occurrence, error)
}

// Publisher delivers payloads to an external transport.
type Publisher interface {
	PublishBlock(ctx context.Context, b chain.Block) error
	PublishEvent(ctx context.Context, o Occurrence) error
	PublishTransaction(ctx context.Context, tx Transaction) error
	PublishMessage(ctx context.Context, m Message) error
}

// Notifier announces filter registry changes to other instances.
type Notifier interface {
	FilterAdded(ctx context.Context, f Filter) error
	FilterRemoved(ctx context.Context, f Filter) error
}

// Listener receives occurrence transitions.
type Listener interface {
	OnEvent(ctx context.Context, o Occurrence) error
}

// BlockListener receives blocks from node feeds.
type BlockListener interface {
	OnBlock(ctx context.Context, b chain.Block) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, o Occurrence) error

func (f ListenerFunc) OnEvent(ctx context.Context, o Occurrence) error { return f(ctx, o) }

// BlockListenerFunc adapts a function to BlockListener.
type BlockListenerFunc func(ctx context.Context, b chain.Block) error

func (f BlockListenerFunc) OnBlock(ctx context.Context, b chain.Block) error { return f(ctx, b) }
