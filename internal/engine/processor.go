package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
)

// Creator receives decoded occurrences. *confirm.Tracker satisfies it.
type Creator interface {
	Create(ctx context.Context, o event.Occurrence) error
}

// Processor turns raw logs into occurrences: decode, filter by the
// filter's where clauses, then hand off to the confirmation tracker.
type Processor struct {
	log       *slog.Logger
	factories map[string]event.Factory
	creator   Creator

	mu    sync.RWMutex
	preds map[string][]Predicate
}

// NewProcessor builds a processor. factories is keyed by node name.
func NewProcessor(log *slog.Logger, factories map[string]event.Factory, creator Creator) *Processor {
	return &Processor{
		log:       log,
		factories: factories,
		creator:   creator,
		preds:     map[string][]Predicate{},
	}
}

// Process decodes lg for f and pushes the occurrence through the tracker.
// Logs rejected by the where clauses are dropped silently.
func (p *Processor) Process(ctx context.Context, f event.Filter, lg chain.RawLog) error {
	factory, ok := p.factories[f.Node]
	if !ok {
		return fmt.Errorf("factory for node %s: %w", f.Node, chain.ErrNotFound)
	}

	o, err := factory.Decode(ctx, f, lg)
	if err != nil {
		return fmt.Errorf("decode %s log %s#%d: %w", f.Node, lg.TxHash, lg.LogIndex, err)
	}

	preds, err := p.predicates(f.Where)
	if err != nil {
		return fmt.Errorf("filter %s predicates: %w", f.ID, err)
	}
	pass, err := allPredicates(preds, o.Params)
	if err != nil {
		return err
	}
	if !pass {
		p.log.Debug("log filtered out", "filter", f.ID, "tx", lg.TxHash, "log_index", lg.LogIndex)
		return nil
	}

	return p.creator.Create(ctx, o)
}

func (p *Processor) predicates(where []string) ([]Predicate, error) {
	if len(where) == 0 {
		return nil, nil
	}
	key := strings.Join(where, "\x00")

	p.mu.RLock()
	preds, ok := p.preds[key]
	p.mu.RUnlock()
	if ok {
		return preds, nil
	}

	preds, err := CompilePredicates(where)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.preds[key] = preds
	p.mu.Unlock()
	return preds, nil
}

func allPredicates(preds []Predicate, args map[string]any) (bool, error) {
	for _, p := range preds {
		ok, err := p(args)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
