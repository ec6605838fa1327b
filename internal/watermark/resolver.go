package watermark

import (
	"context"
	"fmt"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
)

// Resolver picks the block a filter's subscription resumes from.
type Resolver struct {
	marks    *Store
	events   event.Store
	networks chain.Networks
}

// NewResolver builds a resolver over the watermark cache, persisted events and configured networks.
func NewResolver(marks *Store, events event.Store, networks chain.Networks) *Resolver {
	return &Resolver{marks: marks, events: events, networks: networks}
}

// Resolve returns the start block for f. The first rule that applies wins:
// watermark+1, latest persisted event+1, node start block, filter start block, head.
// Catch-up from the first two rules and from the filter start block is capped at
// the node's max-blocks-to-sync window behind head.
func (r *Resolver) Resolve(ctx context.Context, f event.Filter) (uint64, error) {
	nw, err := r.networks.Lookup(f.Node)
	if err != nil {
		return 0, err
	}
	node := nw.Node

	next, ok, err := r.Resume(ctx, f)
	if err != nil {
		return 0, err
	}
	if ok {
		return r.capped(ctx, nw, next)
	}

	if node.InitialStartBlock != nil {
		return *node.InitialStartBlock, nil
	}

	if f.StartBlock != nil {
		return r.capped(ctx, nw, *f.StartBlock)
	}

	return head(ctx, nw)
}

// Resume returns the block after the last one processed for f's signature and
// address: watermark+1, else latest persisted event+1. ok is false when neither exists.
func (r *Resolver) Resume(ctx context.Context, f event.Filter) (uint64, bool, error) {
	if mark, ok := r.marks.Get(f.Signature, f.Address); ok {
		return mark + 1, true, nil
	}
	latest, ok, err := r.events.LatestForSignatureAddress(ctx, f.Signature, event.NormalizeAddress(f.Address))
	if err != nil {
		return 0, false, fmt.Errorf("latest event for %s: %w", f.Signature, err)
	}
	if !ok {
		return 0, false, nil
	}
	return latest.BlockNumber + 1, true, nil
}

func (r *Resolver) capped(ctx context.Context, nw chain.Network, candidate uint64) (uint64, error) {
	h, err := head(ctx, nw)
	if err != nil {
		return 0, err
	}
	return CapToWindow(candidate, h, nw.Node.MaxBlocksToSync), nil
}

// CapToWindow returns head-window when candidate lies further than window behind head.
// A zero window disables the cap.
func CapToWindow(candidate, head, window uint64) uint64 {
	if window == 0 || candidate >= head {
		return candidate
	}
	if head-candidate > window {
		return head - window
	}
	return candidate
}

func head(ctx context.Context, nw chain.Network) (uint64, error) {
	h, err := nw.Reader.CurrentHead(ctx)
	if err != nil {
		return 0, fmt.Errorf("node %s head: %w: %v", nw.Node.Name, chain.ErrChainUnavailable, err)
	}
	return h, nil
}
