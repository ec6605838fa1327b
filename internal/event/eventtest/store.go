// Package eventtest provides in-memory event stores and publishers for tests.
package eventtest

import (
	"context"
	"sync"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
)

// Store is an in-memory event.Store and event.FilterStore.
type Store struct {
	mu      sync.Mutex
	events  map[event.NaturalKey]event.Occurrence
	filters map[string]event.Filter
	cursors map[string]uint64
	Saves   int
	// DeleteErr fails DeleteByID when set.
	DeleteErr error
}

func NewStore() *Store {
	return &Store{
		events:  map[event.NaturalKey]event.Occurrence{},
		filters: map[string]event.Filter{},
		cursors: map[string]uint64{},
	}
}

func (s *Store) Find(_ context.Context, key event.NaturalKey) (event.Occurrence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.events[key]
	return o, ok, nil
}

func (s *Store) Save(_ context.Context, o event.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Saves++
	s.events[o.Key()] = o
	return nil
}

func (s *Store) LatestForSignatureAddress(_ context.Context, signature, address string) (event.Occurrence, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  event.Occurrence
		found bool
	)
	for k, o := range s.events {
		if k.Signature != signature || k.Address != event.NormalizeAddress(address) {
			continue
		}
		if !found || o.BlockNumber > best.BlockNumber {
			best, found = o, true
		}
	}
	return best, found, nil
}

// SetCursor records the latest processed block for node.
func (s *Store) SetCursor(node string, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[node] = block
}

func (s *Store) LatestBlockForNode(_ context.Context, node string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.cursors[node]
	return b, ok, nil
}

// Events returns all stored occurrences.
func (s *Store) Events() []event.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Occurrence, 0, len(s.events))
	for _, o := range s.events {
		out = append(out, o)
	}
	return out
}

func (s *Store) FindAll(context.Context) ([]event.Filter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Filter, 0, len(s.filters))
	for _, f := range s.filters {
		out = append(out, f)
	}
	return out, nil
}

// SaveFilter is FilterStore.Save; see FilterStore.
func (s *Store) SaveFilter(_ context.Context, f event.Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters[f.ID] = f
	return nil
}

func (s *Store) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	delete(s.filters, id)
	return nil
}

// Filter returns a persisted filter by id.
func (s *Store) Filter(id string) (event.Filter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[id]
	return f, ok
}

// Filters adapts the store to event.FilterStore.
func (s *Store) Filters() event.FilterStore { return filterStore{s} }

type filterStore struct{ s *Store }

func (f filterStore) FindAll(ctx context.Context) ([]event.Filter, error) { return f.s.FindAll(ctx) }
func (f filterStore) Save(ctx context.Context, flt event.Filter) error  { return f.s.SaveFilter(ctx, flt) }
func (f filterStore) DeleteByID(ctx context.Context, id string) error   { return f.s.DeleteByID(ctx, id) }

// Publisher records published payloads.
type Publisher struct {
	mu       sync.Mutex
	Blocks   []chain.Block
	Events   []event.Occurrence
	Txs      []event.Transaction
	Messages []event.Message
	Err      error
}

func (p *Publisher) PublishBlock(_ context.Context, b chain.Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Blocks = append(p.Blocks, b)
	return p.Err
}

func (p *Publisher) PublishEvent(_ context.Context, o event.Occurrence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, o)
	return p.Err
}

func (p *Publisher) PublishTransaction(_ context.Context, tx event.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Txs = append(p.Txs, tx)
	return p.Err
}

func (p *Publisher) PublishMessage(_ context.Context, m event.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages = append(p.Messages, m)
	return p.Err
}

// EventCount returns the number of published events.
func (p *Publisher) EventCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Events)
}

// MessageTypes returns the types of published messages in order.
func (p *Publisher) MessageTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Messages))
	for _, m := range p.Messages {
		out = append(out, m.Type)
	}
	return out
}
