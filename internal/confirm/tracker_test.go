package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/chain/chaintest"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/event/eventtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []event.Occurrence
}

func (r *recorder) OnEvent(_ context.Context, o event.Occurrence) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, o)
	return nil
}

func (r *recorder) statuses() []event.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Status, 0, len(r.seen))
	for _, o := range r.seen {
		out = append(out, o.Status)
	}
	return out
}

type fixture struct {
	tracker *Tracker
	reader  *chaintest.Reader
	store   *eventtest.Store
	rec     *recorder
}

func newFixture(kind chain.Kind, confirmations, head uint64) fixture {
	reader := chaintest.NewReader(head)
	store := eventtest.NewStore()
	rec := &recorder{}
	nets := chain.Networks{"main": {
		Node:   chain.Node{Name: "main", Kind: kind, Confirmations: confirmations},
		Reader: reader,
	}}
	persist := event.ListenerFunc(func(ctx context.Context, o event.Occurrence) error { return store.Save(ctx, o) })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fixture{
		tracker: NewTracker(log, nets, store, nil, persist, rec),
		reader:  reader,
		store:   store,
		rec:     rec,
	}
}

func occurrence(block uint64) event.Occurrence {
	return event.Occurrence{
		Name:        "Transfer",
		FilterID:    "f1",
		Node:        "main",
		Address:     "0xabc",
		Signature:   "Transfer(address,address,uint256)",
		TxHash:      "0xtx",
		BlockHash:   "0xhash",
		BlockNumber: block,
	}
}

func feed(t *testing.T, f fixture, from, count uint64) {
	t.Helper()
	for n := from; n < from+count; n++ {
		require.NoError(t, f.tracker.OnBlock(context.Background(), chain.Block{Node: "main", Number: n}))
	}
}

func TestZeroConfirmationsCreatesConfirmed(t *testing.T) {
	f := newFixture(chain.KindEVM, 0, 100)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(100)))

	assert.Equal(t, []event.Status{event.StatusConfirmed}, f.rec.statuses())
	assert.Zero(t, f.tracker.Pending("main"))
	assert.Zero(t, f.reader.ReceiptCalls)
}

func TestRemovedLogCreatesInvalidated(t *testing.T) {
	f := newFixture(chain.KindEVM, 10, 100)
	o := occurrence(100)
	o.Removed = true

	require.NoError(t, f.tracker.Create(context.Background(), o))

	assert.Equal(t, []event.Status{event.StatusInvalidated}, f.rec.statuses())
	assert.Zero(t, f.tracker.Pending("main"))
}

func TestInstantConfirm(t *testing.T) {
	f := newFixture(chain.KindEVM, 10, 2015)
	f.reader.SetReceipt("0xtx", "0xhash", 2000)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))

	assert.Equal(t, []event.Status{event.StatusConfirmed}, f.rec.statuses())
	assert.Zero(t, f.tracker.Pending("main"))
}

func TestInstantConfirmSkippedOnHashMismatch(t *testing.T) {
	f := newFixture(chain.KindEVM, 10, 2015)
	f.reader.SetReceipt("0xtx", "0xother", 2001)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))

	assert.Equal(t, []event.Status{event.StatusUnconfirmed}, f.rec.statuses())
	assert.Equal(t, 1, f.tracker.Pending("main"))
}

func TestMirrorNodeNeverInstantConfirms(t *testing.T) {
	f := newFixture(chain.KindMirror, 2, 2015)
	f.reader.SetReceipt("0xtx", "0xhash", 2000)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))

	assert.Equal(t, []event.Status{event.StatusUnconfirmed}, f.rec.statuses())
	assert.Equal(t, 1, f.tracker.Pending("main"))
	assert.Zero(t, f.reader.ReceiptCalls)
}

func TestDeferredConfirm(t *testing.T) {
	f := newFixture(chain.KindEVM, 10, 2000)
	f.reader.SetReceipt("0xtx", "0xhash", 2000)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))
	assert.Equal(t, []event.Status{event.StatusUnconfirmed}, f.rec.statuses())
	assert.Equal(t, 1, f.tracker.Pending("main"))

	feed(t, f, 2001, 9)
	assert.Equal(t, 1, f.tracker.Pending("main"))
	assert.Len(t, f.rec.statuses(), 1)

	feed(t, f, 2010, 1)
	assert.Equal(t, []event.Status{event.StatusUnconfirmed, event.StatusConfirmed}, f.rec.statuses())
	assert.Zero(t, f.tracker.Pending("main"))

	stored := f.store.Events()
	require.Len(t, stored, 1)
	assert.Equal(t, event.StatusConfirmed, stored[0].Status)
}

func TestDeferredReorgInvalidates(t *testing.T) {
	f := newFixture(chain.KindEVM, 3, 2000)
	f.reader.SetReceipt("0xtx", "0xhash", 2000)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))
	f.reader.SetReceipt("0xtx", "0xmoved", 2002)

	feed(t, f, 2001, 3)
	assert.Equal(t, []event.Status{event.StatusUnconfirmed, event.StatusInvalidated}, f.rec.statuses())
	assert.Zero(t, f.tracker.Pending("main"))
}

func TestDeferredMissingReceiptInvalidates(t *testing.T) {
	f := newFixture(chain.KindEVM, 1, 2000)

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))
	feed(t, f, 2001, 1)

	assert.Equal(t, []event.Status{event.StatusUnconfirmed, event.StatusInvalidated}, f.rec.statuses())
}

func TestReceiptErrorKeepsListener(t *testing.T) {
	f := newFixture(chain.KindEVM, 1, 2000)
	f.reader.SetReceipt("0xtx", "0xhash", 2000)
	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))

	f.reader.SetReceiptErr(errors.New("timeout"))
	feed(t, f, 2001, 1)
	assert.Equal(t, 1, f.tracker.Pending("main"))

	f.reader.SetReceiptErr(nil)
	feed(t, f, 2002, 1)
	assert.Zero(t, f.tracker.Pending("main"))
	assert.Equal(t, []event.Status{event.StatusUnconfirmed, event.StatusConfirmed}, f.rec.statuses())
}

func TestBlocksOnOtherNodesAreIgnored(t *testing.T) {
	f := newFixture(chain.KindEVM, 1, 2000)
	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))

	require.NoError(t, f.tracker.OnBlock(context.Background(), chain.Block{Node: "other", Number: 2001}))
	assert.Equal(t, 1, f.tracker.Pending("main"))
}

func TestStoredTerminalOccurrenceIsIgnored(t *testing.T) {
	f := newFixture(chain.KindEVM, 0, 100)
	o := occurrence(100)
	o.Status = event.StatusConfirmed
	require.NoError(t, f.store.Save(context.Background(), o))

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(100)))
	assert.Empty(t, f.rec.statuses())
}

func TestStoredUnconfirmedOccurrenceRearmsWithoutReemit(t *testing.T) {
	f := newFixture(chain.KindEVM, 10, 2000)
	o := occurrence(2000)
	o.Status = event.StatusUnconfirmed
	require.NoError(t, f.store.Save(context.Background(), o))

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))
	assert.Empty(t, f.rec.statuses())
	assert.Equal(t, 1, f.tracker.Pending("main"))

	require.NoError(t, f.tracker.Create(context.Background(), occurrence(2000)))
	assert.Equal(t, 1, f.tracker.Pending("main"))
}

func TestListenerFailureStopsFanOut(t *testing.T) {
	reader := chaintest.NewReader(0)
	store := eventtest.NewStore()
	rec := &recorder{}
	boom := errors.New("boom")
	nets := chain.Networks{"main": {Node: chain.Node{Name: "main", Kind: chain.KindEVM}, Reader: reader}}
	failing := event.ListenerFunc(func(context.Context, event.Occurrence) error { return boom })
	tr := NewTracker(slog.New(slog.NewTextHandler(io.Discard, nil)), nets, store, nil, failing, rec)

	err := tr.Create(context.Background(), occurrence(1))
	require.ErrorIs(t, err, boom)
	assert.Empty(t, rec.statuses())
}

func TestStaleBlocksDoNotConfirm(t *testing.T) {
	f := newFixture(chain.KindEVM, 3, 100)
	f.reader.SetReceipt("0xtx", "0xhash", 100)
	require.NoError(t, f.tracker.Create(context.Background(), occurrence(100)))

	feed(t, f, 97, 4)
	assert.Equal(t, []event.Status{event.StatusUnconfirmed}, f.rec.statuses())
	assert.Equal(t, 1, f.tracker.Pending("main"))

	// a restart replays heights already counted
	feed(t, f, 101, 2)
	feed(t, f, 101, 2)
	assert.Equal(t, 1, f.tracker.Pending("main"))

	feed(t, f, 103, 1)
	assert.Equal(t, []event.Status{event.StatusUnconfirmed, event.StatusConfirmed}, f.rec.statuses())
	assert.Zero(t, f.tracker.Pending("main"))
}

func TestRemovedLogSettlesWatchedOccurrence(t *testing.T) {
	f := newFixture(chain.KindEVM, 3, 100)
	f.reader.SetReceipt("0xtx", "0xhash", 100)
	require.NoError(t, f.tracker.Create(context.Background(), occurrence(100)))
	require.Equal(t, 1, f.tracker.Pending("main"))

	removed := occurrence(100)
	removed.Removed = true
	require.NoError(t, f.tracker.Create(context.Background(), removed))
	assert.Zero(t, f.tracker.Pending("main"))

	f.reader.SetReceipt("0xtx", "0xmoved", 101)
	feed(t, f, 101, 3)
	assert.Equal(t, []event.Status{event.StatusUnconfirmed, event.StatusInvalidated}, f.rec.statuses())
}
