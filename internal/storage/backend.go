package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/event"
)

// Storage drivers selectable in config.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Cursor is the latest processed block of a node.
type Cursor struct {
	Node      string
	Height    uint64
	Hash      string
	UpdatedAt time.Time
}

// Backend is the persistence surface used by the relay.
type Backend interface {
	event.Store
	Filters() event.FilterStore
	UpsertCursor(ctx context.Context, node string, height uint64, hash string) error
	Cursors(ctx context.Context) ([]Cursor, error)
	Events(ctx context.Context, limit int) ([]event.Occurrence, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*GormStore)(nil)
)

// Open returns the backend selected by cfg.Driver.
func Open(cfg config.Storage) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverPostgres:
		return OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", chain.ErrInvalidConfiguration, cfg.Driver)
	}
}
