package broadcast

import (
	"context"
	"log/slog"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
)

// LogPublisher writes payloads to the structured log. Used for dry runs.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) PublishBlock(_ context.Context, b chain.Block) error {
	p.log.Info("broadcast block", "node", b.Node, "height", b.Number, "hash", b.Hash)
	return nil
}

func (p *LogPublisher) PublishEvent(_ context.Context, o event.Occurrence) error {
	p.log.Info("broadcast event",
		"filter", o.FilterID,
		"node", o.Node,
		"name", o.Name,
		"status", o.Status,
		"height", o.BlockNumber,
		"tx", o.TxHash,
		"log_index", o.LogIndex,
		"params", o.Params,
	)
	return nil
}

func (p *LogPublisher) PublishTransaction(_ context.Context, tx event.Transaction) error {
	p.log.Info("broadcast transaction", "node", tx.Node, "tx", tx.Hash, "status", tx.Status)
	return nil
}

func (p *LogPublisher) PublishMessage(_ context.Context, m event.Message) error {
	p.log.Info("broadcast message", "type", m.Type, "details", m.Details)
	return nil
}
