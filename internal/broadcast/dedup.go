// Package broadcast delivers blocks, events and control messages to an
// external transport, suppressing re-deliveries of identical payloads.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedup wraps a publisher and forwards each distinct payload at most once
// per expiration window. Blocks bypass the caches.
type Dedup struct {
	next          event.Publisher
	publishBlocks bool
	metrics       *metrics.Metrics

	mu           sync.Mutex
	events       *expirable.LRU[uint64, struct{}]
	transactions *expirable.LRU[uint64, struct{}]
	messages     *expirable.LRU[uint64, struct{}]
}

// DedupOptions configures the caches.
type DedupOptions struct {
	Expiration    time.Duration
	Size          int
	PublishBlocks bool
	Metrics       *metrics.Metrics
}

// NewDedup wraps next. Expired entries are swept by the caches' own timers.
func NewDedup(next event.Publisher, opts DedupOptions) *Dedup {
	return &Dedup{
		next:          next,
		publishBlocks: opts.PublishBlocks,
		metrics:       opts.Metrics,
		events:        expirable.NewLRU[uint64, struct{}](opts.Size, nil, opts.Expiration),
		transactions:  expirable.NewLRU[uint64, struct{}](opts.Size, nil, opts.Expiration),
		messages:      expirable.NewLRU[uint64, struct{}](opts.Size, nil, opts.Expiration),
	}
}

func (d *Dedup) PublishBlock(ctx context.Context, b chain.Block) error {
	if !d.publishBlocks {
		return nil
	}
	if err := d.next.PublishBlock(ctx, b); err != nil {
		return err
	}
	d.metrics.BroadcastsSent()
	return nil
}

// PublishEvent hashes o without its timestamp: a re-delivered log decodes to a
// new observation time but is the same event.
func (d *Dedup) PublishEvent(ctx context.Context, o event.Occurrence) error {
	keyed := o
	keyed.Timestamp = time.Time{}
	return d.once(d.events, keyed, func() error { return d.next.PublishEvent(ctx, o) })
}

func (d *Dedup) PublishTransaction(ctx context.Context, tx event.Transaction) error {
	return d.once(d.transactions, tx, func() error { return d.next.PublishTransaction(ctx, tx) })
}

func (d *Dedup) PublishMessage(ctx context.Context, m event.Message) error {
	return d.once(d.messages, m, func() error { return d.next.PublishMessage(ctx, m) })
}

// once forwards payload unless its hash is cached. A failed forward
// releases the key so a retry is not suppressed.
func (d *Dedup) once(cache *expirable.LRU[uint64, struct{}], payload any, forward func() error) error {
	key, err := identity(payload)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, seen := cache.Get(key); seen {
		d.mu.Unlock()
		d.metrics.BroadcastsSuppressed()
		return nil
	}
	cache.Add(key, struct{}{})
	d.mu.Unlock()

	if err := forward(); err != nil {
		cache.Remove(key)
		return err
	}
	d.metrics.BroadcastsSent()
	return nil
}

// identity hashes the payload's JSON encoding; map keys marshal sorted so
// structurally equal payloads collide.
func identity(payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("hash payload: %w", err)
	}
	return xxhash.Sum64(raw), nil
}
