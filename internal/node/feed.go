// Package node runs one block feed per configured node, delivering blocks in
// increasing order to the registered block listeners.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/watermark"
)

// Retry bounds the per-call retries of a feed tick.
type Retry struct {
	MaxAttempts uint64
	Initial     time.Duration
	Max         time.Duration
}

func (r Retry) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.Initial > 0 {
		b.InitialInterval = r.Initial
	}
	if r.Max > 0 {
		b.MaxInterval = r.Max
	}
	b.MaxElapsedTime = 0
	var p backoff.BackOff = b
	if r.MaxAttempts > 0 {
		p = backoff.WithMaxRetries(p, r.MaxAttempts)
	}
	return backoff.WithContext(p, ctx)
}

// Feed polls one node for new blocks.
type Feed struct {
	log       *slog.Logger
	nw        chain.Network
	progress  event.Store
	interval  time.Duration
	retry     Retry
	metrics   *metrics.Metrics
	listeners []event.BlockListener

	mu      sync.Mutex
	next    uint64
	started bool
}

// NewFeed builds a feed for nw. progress supplies the last processed block on restart.
func NewFeed(log *slog.Logger, nw chain.Network, progress event.Store, interval time.Duration, retry Retry, mtr *metrics.Metrics, listeners ...event.BlockListener) *Feed {
	return &Feed{
		log:       log.With("node", nw.Node.Name),
		nw:        nw,
		progress:  progress,
		interval:  interval,
		retry:     retry,
		metrics:   mtr,
		listeners: listeners,
	}
}

// StartBlock returns the first block to deliver: the persisted cursor minus the
// replay depth (capped to the sync window), else the node's configured start block,
// else the current head.
func (f *Feed) StartBlock(ctx context.Context, head uint64) (uint64, error) {
	n := f.nw.Node
	latest, ok, err := f.progress.LatestBlockForNode(ctx, n.Name)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		next := latest + 1
		if n.ReplayDepth >= next {
			next = 0
		} else {
			next -= n.ReplayDepth
		}
		return watermark.CapToWindow(next, head, n.MaxBlocksToSync), nil
	}
	if n.InitialStartBlock != nil {
		return *n.InitialStartBlock, nil
	}
	return head, nil
}

// Run delivers blocks until ctx is done. A tick that exhausts its retries is
// logged and the loop continues with the next tick.
func (f *Feed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		if err := f.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.metrics.Errors()
			f.log.Error("block feed tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick delivers every block from the feed position up to the current head.
// Ticks run one at a time from Run; mu only guards the position, never a call.
func (f *Feed) Tick(ctx context.Context) error {
	head, err := f.headWithRetry(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	next, started := f.next, f.started
	f.mu.Unlock()

	if !started {
		next, err = f.StartBlock(ctx, head)
		if err != nil {
			return err
		}
		f.setNext(next, true)
		f.log.Info("block feed starting", "from", next, "head", head)
	}

	for ; next <= head; next++ {
		b, err := f.blockWithRetry(ctx, next)
		if err != nil {
			return fmt.Errorf("block %d: %w", next, err)
		}
		b.Node = f.nw.Node.Name
		event.NotifyBlockListenersIsolated(ctx, f.log, f.listeners, b)
		f.setNext(next+1, true)
	}
	return nil
}

func (f *Feed) setNext(n uint64, started bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = n
	f.started = started
}

// Next returns the next block number the feed will deliver.
func (f *Feed) Next() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *Feed) headWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	op := func() error {
		h, err := f.nw.Reader.CurrentHead(ctx)
		if err != nil {
			return err
		}
		head = h
		return nil
	}
	if err := backoff.RetryNotify(op, f.retry.policy(ctx), f.notify("head")); err != nil {
		return 0, err
	}
	return head, nil
}

func (f *Feed) blockWithRetry(ctx context.Context, n uint64) (chain.Block, error) {
	var b chain.Block
	op := func() error {
		got, err := f.nw.Reader.BlockByNumber(ctx, n)
		if err != nil {
			return err
		}
		b = got
		return nil
	}
	if err := backoff.RetryNotify(op, f.retry.policy(ctx), f.notify("block")); err != nil {
		return chain.Block{}, err
	}
	return b, nil
}

func (f *Feed) notify(call string) backoff.Notify {
	return func(err error, wait time.Duration) {
		f.log.Warn("chain call failed, retrying", "call", call, "wait", wait, "error", err)
	}
}

// Feeds runs a set of node feeds.
type Feeds struct {
	feeds []*Feed
	wg    sync.WaitGroup
}

func NewFeeds(feeds ...*Feed) *Feeds {
	return &Feeds{feeds: feeds}
}

// Start launches every feed in its own goroutine.
func (fs *Feeds) Start(ctx context.Context) {
	for _, f := range fs.feeds {
		fs.wg.Add(1)
		go func(f *Feed) {
			defer fs.wg.Done()
			_ = f.Run(ctx)
		}(f)
	}
}

// Wait blocks until every feed has returned.
func (fs *Feeds) Wait() {
	fs.wg.Wait()
}
