// Package subscription owns the registry of live filter subscriptions and the
// one-way startup sequence of backfill followed by live tailing.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/google/uuid"
)

// State is the process-wide subscription service state.
type State int32

const (
	StateUninitialised State = iota
	StateSyncingEvents
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateSyncingEvents:
		return "SYNCING_EVENTS"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "UNINITIALISED"
	}
}

// Resolver picks the block a new subscription starts from.
type Resolver interface {
	Resolve(ctx context.Context, f event.Filter) (uint64, error)
}

// Processor handles one matched raw log.
type Processor interface {
	Process(ctx context.Context, f event.Filter, lg chain.RawLog) error
}

// Backfiller replays history for filters with an explicit start block.
type Backfiller interface {
	Run(ctx context.Context, filters []event.Filter) error
}

// Feeds starts the per-node block feeds.
type Feeds interface {
	Start(ctx context.Context)
}

// RetryPolicy shapes the backoff of RegisterFilterWithRetries. Retries are
// unbounded in count and end only on success, a permanent error or Close.
type RetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// Options wires a Manager's collaborators. Backfill, Feeds, Notifier and
// Metrics are optional.
type Options struct {
	Log       *slog.Logger
	Networks  chain.Networks
	Resolver  Resolver
	Filters   event.FilterStore
	Processor Processor
	Backfill  Backfiller
	Feeds     Feeds
	Notifier  event.Notifier
	Metrics   *metrics.Metrics
	Retry     RetryPolicy
	// Buffer is the capacity of each subscription's log channel.
	Buffer int
}

// Manager registers, tracks and tears down filter subscriptions.
type Manager struct {
	opts        Options
	log         *slog.Logger
	state       atomic.Int32
	initialized atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	registry map[string]*filterSubscription
	pending  map[string]*retrying
}

// retrying is a background registration that UnregisterFilter can cancel.
type retrying struct {
	filter event.Filter
	cancel context.CancelFunc
	done   chan struct{}
}

// filterSubscription binds a filter to its live log stream.
type filterSubscription struct {
	filter     event.Filter
	startBlock uint64
	sub        chain.Subscription
	sink       chan chain.RawLog
	ctx        context.Context
	cancel     context.CancelFunc
}

func (h *filterSubscription) stop() {
	h.cancel()
	h.sub.Unsubscribe()
}

func NewManager(opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		log:      opts.Log,
		ctx:      ctx,
		cancel:   cancel,
		registry: map[string]*filterSubscription{},
		pending:  map[string]*retrying{},
	}
}

// State returns the current service state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Initialize backfills filters that carry a start block, starts the node feeds and
// registers every filter in the background. It runs once; cancelling ctx shuts the
// manager down like Close.
func (m *Manager) Initialize(ctx context.Context, filters []event.Filter) error {
	if !m.initialized.CompareAndSwap(false, true) {
		return errors.New("subscription manager already initialized")
	}
	context.AfterFunc(ctx, m.cancel)

	var withStart []event.Filter
	for _, f := range filters {
		if f.StartBlock != nil {
			withStart = append(withStart, f)
		}
	}

	if len(withStart) > 0 && m.opts.Backfill != nil {
		m.state.Store(int32(StateSyncingEvents))
		m.log.Info("syncing events", "filters", len(withStart))
		if err := m.opts.Backfill.Run(m.ctx, withStart); err != nil {
			m.log.Error("backfill incomplete", "error", err)
		}
	}

	if m.opts.Feeds != nil {
		m.opts.Feeds.Start(m.ctx)
	}
	m.state.Store(int32(StateSubscribed))
	m.log.Info("subscribed", "nodes", len(m.opts.Networks), "filters", len(filters))

	for _, f := range filters {
		m.RegisterFilterWithRetries(f, false)
	}
	return nil
}

// RegisterFilter subscribes f if it is not registered yet, persists it and puts it
// in the registry. New registrations are announced when broadcast is set.
// The stored filter is returned with its id and resolved start block.
func (m *Manager) RegisterFilter(ctx context.Context, f event.Filter, broadcast bool) (event.Filter, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	f.Address = event.NormalizeAddress(f.Address)

	nw, err := m.opts.Networks.Lookup(f.Node)
	if err != nil {
		return f, err
	}

	m.mu.RLock()
	_, registered := m.registry[f.ID]
	m.mu.RUnlock()

	var handle *filterSubscription
	if !registered {
		start, err := m.opts.Resolver.Resolve(ctx, f)
		if err != nil {
			return f, err
		}
		handle, err = m.subscribe(nw, f, start)
		if err != nil {
			return f, fmt.Errorf("%w: filter %s: %v", chain.ErrSubscriptionFailed, f.ID, err)
		}
		f.StartBlock = &start
		handle.filter = f
	}

	if err := m.opts.Filters.Save(ctx, f); err != nil {
		if handle != nil {
			handle.stop()
		}
		return f, fmt.Errorf("persist filter %s: %w", f.ID, err)
	}

	isNew, err := m.put(ctx, f, handle)
	if err != nil {
		return f, err
	}
	if isNew {
		m.log.Info("filter registered", "filter", f.ID, "node", f.Node, "address", f.Address, "event", f.Signature, "from", *f.StartBlock)
		if broadcast && m.opts.Notifier != nil {
			if err := m.opts.Notifier.FilterAdded(ctx, f); err != nil {
				m.log.Warn("filter added notification failed", "filter", f.ID, "error", err)
			}
		}
	}
	return f, nil
}

// put stores f in the registry. A nil handle, or one that lost a registration race,
// only replaces the filter of the live entry. It reports whether a new entry was added.
// A cancelled ctx means the filter was unregistered meanwhile; nothing is stored.
func (m *Manager) put(ctx context.Context, f event.Filter, handle *filterSubscription) (bool, error) {
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		if handle != nil {
			handle.stop()
		}
		return false, err
	}
	cur, exists := m.registry[f.ID]
	switch {
	case exists:
		cur.filter = f
	case handle != nil:
		m.registry[f.ID] = handle
	}
	n := len(m.registry)
	m.mu.Unlock()

	if exists && handle != nil {
		handle.stop()
		return false, nil
	}
	if handle == nil {
		return false, nil
	}
	m.opts.Metrics.FiltersRegistered(n)
	m.wg.Add(1)
	go m.consume(handle)
	return true, nil
}

// RegisterFilterWithRetries registers f in the background, retrying with backoff until
// it succeeds, fails permanently, the filter is unregistered or the manager is closed.
// A newer call for the same id replaces a pending one.
func (m *Manager) RegisterFilterWithRetries(f event.Filter, broadcast bool) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(m.ctx)
	r := &retrying{filter: f, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	prev := m.pending[f.ID]
	m.pending[f.ID] = r
	m.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer func() {
			cancel()
			m.mu.Lock()
			if m.pending[f.ID] == r {
				delete(m.pending, f.ID)
			}
			m.mu.Unlock()
		}()
		op := func() error {
			_, err := m.RegisterFilter(ctx, f, broadcast)
			if errors.Is(err, chain.ErrNotFound) || errors.Is(err, chain.ErrInvalidConfiguration) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, wait time.Duration) {
			m.log.Warn("filter registration failed, retrying", "filter", f.ID, "node", f.Node, "wait", wait, "error", err)
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(m.policy(), ctx), notify); err != nil && ctx.Err() == nil {
			m.opts.Metrics.Errors()
			m.log.Error("filter registration abandoned", "filter", f.ID, "node", f.Node, "error", err)
		}
	}()
}

func (m *Manager) policy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if m.opts.Retry.Initial > 0 {
		b.InitialInterval = m.opts.Retry.Initial
	}
	if m.opts.Retry.Max > 0 {
		b.MaxInterval = m.opts.Retry.Max
	}
	b.MaxElapsedTime = 0
	return b
}

// UnregisterFilter cancels a pending registration of id, deletes the filter from the
// store, then removes it from the registry and stops its subscription. Unknown ids fail
// with chain.ErrNotFound. A failed delete leaves the live subscription in place.
func (m *Manager) UnregisterFilter(ctx context.Context, id string, broadcast bool) error {
	m.mu.Lock()
	h, live := m.registry[id]
	r, retrying := m.pending[id]
	if retrying {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !live && !retrying {
		return fmt.Errorf("filter %s: %w", id, chain.ErrNotFound)
	}

	f := event.Filter{ID: id}
	if retrying {
		r.cancel()
		<-r.done
		f = r.filter
	}
	if live {
		f = m.current(h)
	}

	if err := m.opts.Filters.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("delete filter %s: %w", id, err)
	}

	m.mu.Lock()
	h, live = m.registry[id]
	if live {
		delete(m.registry, id)
	}
	n := len(m.registry)
	m.mu.Unlock()
	if live {
		h.stop()
	}
	m.opts.Metrics.FiltersRegistered(n)
	m.log.Info("filter unregistered", "filter", id, "node", f.Node)

	if broadcast && m.opts.Notifier != nil {
		if err := m.opts.Notifier.FilterRemoved(ctx, f); err != nil {
			m.log.Warn("filter removed notification failed", "filter", id, "error", err)
		}
	}
	return nil
}

// UnsubscribeAllForNode stops every subscription of node without notifications.
// Persisted filters are kept so they resume when the node returns.
func (m *Manager) UnsubscribeAllForNode(node string) int {
	m.mu.Lock()
	var removed []*filterSubscription
	for id, h := range m.registry {
		if h.filter.Node == node {
			removed = append(removed, h)
			delete(m.registry, id)
		}
	}
	n := len(m.registry)
	m.mu.Unlock()

	for _, h := range removed {
		h.stop()
	}
	m.opts.Metrics.FiltersRegistered(n)
	if len(removed) > 0 {
		m.log.Info("node subscriptions removed", "node", node, "filters", len(removed))
	}
	return len(removed)
}

// Filters returns the registered filters ordered by id.
func (m *Manager) Filters() []event.Filter {
	m.mu.RLock()
	out := make([]event.Filter, 0, len(m.registry))
	for _, h := range m.registry {
		out = append(out, h.filter)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops all subscriptions and pending registrations and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	handles := make([]*filterSubscription, 0, len(m.registry))
	for id, h := range m.registry {
		handles = append(handles, h)
		delete(m.registry, id)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.stop()
	}
	m.wg.Wait()
}

func (m *Manager) subscribe(nw chain.Network, f event.Filter, start uint64) (*filterSubscription, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	sink := make(chan chain.RawLog, m.opts.Buffer)
	q := chain.LogQuery{Address: f.Address, Signature: f.Signature}
	sub, err := nw.Reader.SubscribeLogs(ctx, q, start, sink)
	if err != nil {
		cancel()
		return nil, err
	}
	return &filterSubscription{
		filter:     f,
		startBlock: start,
		sub:        sub,
		sink:       sink,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// consume feeds the subscription's logs to the processor. When the stream fails the
// handle is dropped and the filter re-registered from its resolved start block.
func (m *Manager) consume(h *filterSubscription) {
	defer m.wg.Done()
	for {
		select {
		case lg := <-h.sink:
			f := m.current(h)
			if err := m.opts.Processor.Process(h.ctx, f, lg); err != nil {
				m.opts.Metrics.Errors()
				m.log.Error("log processing failed", "filter", f.ID, "tx", lg.TxHash, "log_index", lg.LogIndex, "error", err)
			}
		case err, ok := <-h.sub.Err():
			if !ok || err == nil {
				return
			}
			f := m.current(h)
			if !m.drop(h) {
				return
			}
			m.opts.Metrics.Errors()
			m.log.Error("subscription failed, re-registering", "filter", f.ID, "node", f.Node, "error", err)
			m.RegisterFilterWithRetries(f, false)
			return
		case <-h.ctx.Done():
			return
		}
	}
}

func (m *Manager) current(h *filterSubscription) event.Filter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return h.filter
}

// drop removes h if it is still the registered handle for its filter.
func (m *Manager) drop(h *filterSubscription) bool {
	m.mu.Lock()
	id := h.filter.ID
	cur, ok := m.registry[id]
	if ok && cur == h {
		delete(m.registry, id)
	}
	n := len(m.registry)
	m.mu.Unlock()
	if !ok || cur != h {
		return false
	}
	h.cancel()
	m.opts.Metrics.FiltersRegistered(n)
	return true
}
