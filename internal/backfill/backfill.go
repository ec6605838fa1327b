// Package backfill replays historical logs for filters that carry an explicit
// start block, before the live tail for their node begins.
package backfill

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/watermark"
	"golang.org/x/sync/errgroup"
)

// Processor handles one matched raw log.
type Processor interface {
	Process(ctx context.Context, f event.Filter, lg chain.RawLog) error
}

// Backfiller replays [start, head] per filter in chunks.
type Backfiller struct {
	log      *slog.Logger
	networks chain.Networks
	marks    *watermark.Store
	resume   *watermark.Resolver
	proc     Processor
	chunk    uint64
	workers  int
}

// New builds a backfiller. resume, when set, moves a filter's start past blocks already processed.
func New(log *slog.Logger, networks chain.Networks, marks *watermark.Store, resume *watermark.Resolver, proc Processor, chunk uint64, workers int) *Backfiller {
	if chunk == 0 {
		chunk = 1
	}
	if workers <= 0 {
		workers = 1
	}
	return &Backfiller{log: log, networks: networks, marks: marks, resume: resume, proc: proc, chunk: chunk, workers: workers}
}

// Run replays every filter, at most workers at a time, and returns once all are
// done. Per-log processing failures are logged; a failed range query fails that
// filter only. The first filter error is returned.
func (b *Backfiller) Run(ctx context.Context, filters []event.Filter) error {
	var g errgroup.Group
	g.SetLimit(b.workers)
	for _, f := range filters {
		f := f
		g.Go(func() error {
			if err := b.replay(ctx, f); err != nil {
				b.log.Error("backfill failed", "filter", f.ID, "node", f.Node, "error", err)
				return fmt.Errorf("backfill %s: %w", f.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *Backfiller) replay(ctx context.Context, f event.Filter) error {
	if f.StartBlock == nil {
		return nil
	}
	nw, err := b.networks.Lookup(f.Node)
	if err != nil {
		return err
	}
	head, err := nw.Reader.CurrentHead(ctx)
	if err != nil {
		return fmt.Errorf("%w: head: %v", chain.ErrChainUnavailable, err)
	}

	start := *f.StartBlock
	if b.resume != nil {
		next, ok, err := b.resume.Resume(ctx, f)
		if err != nil {
			return err
		}
		if ok && next > start {
			start = next
		}
	}
	from := watermark.CapToWindow(start, head, nw.Node.MaxBlocksToSync)
	q := chain.LogQuery{Address: f.Address, Signature: f.Signature}
	b.log.Info("backfill starting", "filter", f.ID, "node", f.Node, "from", from, "to", head)

	var processed int
	for start := from; start <= head; start += b.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + b.chunk - 1
		if end > head {
			end = head
		}
		logs, err := nw.Reader.MatchingLogs(ctx, q, start, end)
		if err != nil {
			return fmt.Errorf("logs %d-%d: %w", start, end, err)
		}
		for _, lg := range logs {
			if err := b.proc.Process(ctx, f, lg); err != nil {
				b.log.Warn("backfill log failed", "filter", f.ID, "tx", lg.TxHash, "log_index", lg.LogIndex, "error", err)
				continue
			}
			processed++
		}
	}

	if head >= from {
		b.marks.Advance(f.Signature, head, f.Address)
	}
	b.log.Info("backfill complete", "filter", f.ID, "node", f.Node, "logs", processed)
	return nil
}
