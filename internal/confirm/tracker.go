// Package confirm tracks event occurrences from first sighting until they are
// confirmed at depth or invalidated by a reorg.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
)

// Tracker assigns initial statuses, confirms occurrences and fans transitions out to listeners.
// It is an event.BlockListener: attach it to every node feed.
type Tracker struct {
	log       *slog.Logger
	networks  chain.Networks
	events    event.Store
	metrics   *metrics.Metrics
	listeners []event.Listener

	mu       sync.Mutex
	watchers map[string]map[event.NaturalKey]*watcher
}

// watcher counts new block heights above the occurrence's block. Replayed or lagging
// blocks at or below the highest counted height are not confirmations.
type watcher struct {
	occ  event.Occurrence
	last uint64
	seen uint64
}

// NewTracker builds a tracker. Listeners are called in order for every transition.
func NewTracker(log *slog.Logger, networks chain.Networks, events event.Store, mtr *metrics.Metrics, listeners ...event.Listener) *Tracker {
	return &Tracker{
		log:       log,
		networks:  networks,
		events:    events,
		metrics:   mtr,
		listeners: listeners,
		watchers:  map[string]map[event.NaturalKey]*watcher{},
	}
}

// InitialStatus is the status of a newly seen occurrence.
func InitialStatus(removed bool, node chain.Node) event.Status {
	switch {
	case removed:
		return event.StatusInvalidated
	case node.Confirmations == 0:
		return event.StatusConfirmed
	default:
		return event.StatusUnconfirmed
	}
}

// Create handles the first sighting of o. Occurrences already stored with a terminal status
// are ignored; stored unconfirmed occurrences get their block-count listener back without
// being re-emitted unless they confirm instantly.
func (t *Tracker) Create(ctx context.Context, o event.Occurrence) error {
	nw, err := t.networks.Lookup(o.Node)
	if err != nil {
		return err
	}

	stored, exists, err := t.events.Find(ctx, o.Key())
	if err != nil {
		return fmt.Errorf("lookup %s: %w", o.Key(), err)
	}
	if exists && stored.Status.Terminal() {
		t.unwatch(o)
		return nil
	}

	o.Status = InitialStatus(o.Removed, nw.Node)

	if o.Status == event.StatusUnconfirmed && !nw.Node.IsMirror() {
		ok, err := t.shouldInstantlyConfirm(ctx, nw, o)
		if err != nil {
			t.log.Warn("instant confirmation check failed", "node", o.Node, "tx", o.TxHash, "error", err)
		}
		if ok {
			o.Status = event.StatusConfirmed
		}
	}

	if o.Status == event.StatusUnconfirmed {
		t.watch(o)
		if exists {
			return nil
		}
	} else {
		t.unwatch(o)
	}

	t.count(o.Status, !exists)
	return event.NotifyListenersStrict(ctx, t.log, t.listeners, o)
}

func (t *Tracker) shouldInstantlyConfirm(ctx context.Context, nw chain.Network, o event.Occurrence) (bool, error) {
	head, err := nw.Reader.CurrentHead(ctx)
	if err != nil {
		return false, err
	}
	if head < o.BlockNumber+nw.Node.Confirmations {
		return false, nil
	}
	rcpt, err := nw.Reader.TransactionReceipt(ctx, o.TxHash)
	if err != nil {
		return false, err
	}
	return rcpt.Exists && rcpt.BlockHash == o.BlockHash, nil
}

// OnBlock advances the block counters of the block's node and settles occurrences that
// reached their confirmation depth. Only heights above the occurrence's block count. A failed receipt lookup keeps the listener for the next block.
func (t *Tracker) OnBlock(ctx context.Context, b chain.Block) error {
	nw, err := t.networks.Lookup(b.Node)
	if err != nil {
		return nil
	}

	var due []event.Occurrence
	t.mu.Lock()
	for _, w := range t.watchers[b.Node] {
		if b.Number <= w.last {
			continue
		}
		w.last = b.Number
		w.seen++
		if w.seen >= nw.Node.Confirmations {
			due = append(due, w.occ)
		}
	}
	t.mu.Unlock()

	var errs []error
	for _, o := range due {
		rcpt, err := nw.Reader.TransactionReceipt(ctx, o.TxHash)
		if err != nil {
			t.log.Warn("receipt lookup failed, retrying next block", "node", b.Node, "tx", o.TxHash, "error", err)
			continue
		}
		if rcpt.Exists && rcpt.BlockHash == o.BlockHash {
			o.Status = event.StatusConfirmed
		} else {
			o.Status = event.StatusInvalidated
			t.log.Info("occurrence orphaned by reorg", "node", b.Node, "tx", o.TxHash, "block_hash", o.BlockHash, "receipt_hash", rcpt.BlockHash)
		}
		if !t.unwatch(o) {
			// settled by a removed log while the receipt was in flight
			continue
		}
		t.count(o.Status, false)
		if err := event.NotifyListenersStrict(ctx, t.log, t.listeners, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of block-count listeners registered for node.
func (t *Tracker) Pending(node string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.watchers[node])
}

func (t *Tracker) watch(o event.Occurrence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey, ok := t.watchers[o.Node]
	if !ok {
		byKey = map[event.NaturalKey]*watcher{}
		t.watchers[o.Node] = byKey
	}
	if _, ok := byKey[o.Key()]; ok {
		return
	}
	byKey[o.Key()] = &watcher{occ: o, last: o.BlockNumber}
}

func (t *Tracker) unwatch(o event.Occurrence) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	byKey := t.watchers[o.Node]
	if _, ok := byKey[o.Key()]; !ok {
		return false
	}
	delete(byKey, o.Key())
	return true
}

func (t *Tracker) count(s event.Status, created bool) {
	if created {
		t.metrics.EventsCreated()
	}
	switch s {
	case event.StatusConfirmed:
		t.metrics.EventsConfirmed()
	case event.StatusInvalidated:
		t.metrics.EventsInvalidated()
	}
}
