package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/chain/chaintest"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/event/eventtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockLog struct {
	mu     sync.Mutex
	blocks []uint64
	nodes  []string
}

func (l *blockLog) OnBlock(_ context.Context, b chain.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = append(l.blocks, b.Number)
	l.nodes = append(l.nodes, b.Node)
	return nil
}

func (l *blockLog) numbers() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint64(nil), l.blocks...)
}

// flakyReader fails BlockByNumber for one block a fixed number of times.
type flakyReader struct {
	*chaintest.Reader
	mu       sync.Mutex
	failAt   uint64
	failures int
}

func (r *flakyReader) BlockByNumber(ctx context.Context, n uint64) (chain.Block, error) {
	r.mu.Lock()
	if n == r.failAt && r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return chain.Block{}, chain.ErrChainUnavailable
	}
	r.mu.Unlock()
	return r.Reader.BlockByNumber(ctx, n)
}

var fastRetry = Retry{MaxAttempts: 2, Initial: time.Millisecond, Max: 2 * time.Millisecond}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFeed(n chain.Node, reader chain.Reader, store *eventtest.Store, listeners ...event.BlockListener) *Feed {
	nw := chain.Network{Node: n, Reader: reader}
	return NewFeed(discard(), nw, store, 10*time.Millisecond, fastRetry, nil, listeners...)
}

func ptr(v uint64) *uint64 { return &v }

func TestStartBlockFromCursorWithReplay(t *testing.T) {
	store := eventtest.NewStore()
	store.SetCursor("main", 50)
	rec := &blockLog{}
	f := newFeed(chain.Node{Name: "main", ReplayDepth: 5}, chaintest.NewReader(53), store, rec)

	require.NoError(t, f.Tick(context.Background()))
	assert.Equal(t, []uint64{46, 47, 48, 49, 50, 51, 52, 53}, rec.numbers())
	assert.Equal(t, uint64(54), f.Next())
	assert.Equal(t, "main", rec.nodes[0])
}

func TestStartBlockCappedBySyncWindow(t *testing.T) {
	store := eventtest.NewStore()
	store.SetCursor("main", 10)
	f := newFeed(chain.Node{Name: "main", MaxBlocksToSync: 20}, chaintest.NewReader(100), store)

	start, err := f.StartBlock(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(80), start)
}

func TestStartBlockFallbacks(t *testing.T) {
	store := eventtest.NewStore()

	withStart := newFeed(chain.Node{Name: "main", InitialStartBlock: ptr(7)}, chaintest.NewReader(100), store)
	start, err := withStart.StartBlock(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), start)

	bare := newFeed(chain.Node{Name: "main"}, chaintest.NewReader(100), store)
	start, err = bare.StartBlock(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), start)
}

func TestReplayDepthBeyondCursorStartsAtGenesis(t *testing.T) {
	store := eventtest.NewStore()
	store.SetCursor("main", 2)
	f := newFeed(chain.Node{Name: "main", ReplayDepth: 10}, chaintest.NewReader(100), store)

	start, err := f.StartBlock(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), start)
}

func TestTickStopsOnExhaustedRetriesAndResumes(t *testing.T) {
	store := eventtest.NewStore()
	store.SetCursor("main", 9)
	reader := &flakyReader{Reader: chaintest.NewReader(13), failAt: 12, failures: 3}
	rec := &blockLog{}
	f := newFeed(chain.Node{Name: "main"}, reader, store, rec)

	err := f.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, []uint64{10, 11}, rec.numbers())

	require.NoError(t, f.Tick(context.Background()))
	assert.Equal(t, []uint64{10, 11, 12, 13}, rec.numbers())
}

func TestListenerFailureIsIsolated(t *testing.T) {
	store := eventtest.NewStore()
	failing := event.BlockListenerFunc(func(context.Context, chain.Block) error { return errors.New("boom") })
	rec := &blockLog{}
	f := newFeed(chain.Node{Name: "main"}, chaintest.NewReader(5), store, failing, rec)

	require.NoError(t, f.Tick(context.Background()))
	assert.Equal(t, []uint64{5}, rec.numbers())
}

func TestHeadFailureEndsTick(t *testing.T) {
	reader := chaintest.NewReader(5)
	reader.SetHeadErr(chain.ErrChainUnavailable)
	f := newFeed(chain.Node{Name: "main"}, reader, eventtest.NewStore())

	err := f.Tick(context.Background())
	assert.ErrorIs(t, err, chain.ErrChainUnavailable)
}

func TestFeedsRunUntilCancelled(t *testing.T) {
	reader := chaintest.NewReader(3)
	rec := &blockLog{}
	f := newFeed(chain.Node{Name: "main"}, reader, eventtest.NewStore(), rec)
	ctx, cancel := context.WithCancel(context.Background())

	fs := NewFeeds(f)
	fs.Start(ctx)
	require.Eventually(t, func() bool { return len(rec.numbers()) == 1 }, time.Second, 5*time.Millisecond)

	reader.SetHead(5)
	require.Eventually(t, func() bool { return len(rec.numbers()) == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	fs.Wait()
	assert.Equal(t, []uint64{3, 4, 5}, rec.numbers())
}

func TestNextIsReadableDuringTick(t *testing.T) {
	store := eventtest.NewStore()
	store.SetCursor("main", 10)
	var f *Feed
	var positions []uint64
	peek := event.BlockListenerFunc(func(_ context.Context, b chain.Block) error {
		done := make(chan uint64, 1)
		go func() { done <- f.Next() }()
		select {
		case n := <-done:
			positions = append(positions, n)
		case <-time.After(time.Second):
			return errors.New("position locked during delivery")
		}
		return nil
	})
	f = newFeed(chain.Node{Name: "main"}, chaintest.NewReader(13), store, peek)

	require.NoError(t, f.Tick(context.Background()))
	assert.Equal(t, []uint64{11, 12, 13}, positions)
	assert.Equal(t, uint64(14), f.Next())
}
