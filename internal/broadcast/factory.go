package broadcast

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/event"
	"github.com/devblac/event-relay/internal/metrics"
)

// Transport types selectable in config.
const (
	TypeLog     = "log"
	TypeWebhook = "webhook"
	TypeSlack   = "slack"
	TypeTeams   = "teams"
)

// New builds the configured transport and wraps it with a Dedup.
func New(cfg config.Broadcaster, log *slog.Logger, mtr *metrics.Metrics) (*Dedup, error) {
	transport, err := NewTransport(cfg, log)
	if err != nil {
		return nil, err
	}
	return NewDedup(transport, DedupOptions{
		Expiration:    cfg.Expiration(),
		Size:          cfg.Size(),
		PublishBlocks: cfg.PublishBlocks,
		Metrics:       mtr,
	}), nil
}

// NewTransport returns the raw publisher for cfg.Type.
func NewTransport(cfg config.Broadcaster, log *slog.Logger) (event.Publisher, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeLog:
		return NewLogPublisher(log), nil
	case TypeWebhook:
		return NewWebhookPublisher(cfg.URL, cfg.Method, cfg.Template, nil)
	case TypeSlack:
		return NewSlackPublisher(cfg.URL, cfg.Template)
	case TypeTeams:
		return NewTeamsPublisher(cfg.URL, cfg.Template)
	default:
		return nil, fmt.Errorf("%w: unsupported broadcaster type %q", chain.ErrInvalidConfiguration, cfg.Type)
	}
}
