package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/event-relay/internal/event"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for events, filters, and node cursors.
type Store struct {
	db *sql.DB
}

// OpenSQLite initializes a SQLite database and runs minimal schema setup.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  node        TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
  signature      TEXT NOT NULL,
  address        TEXT NOT NULL,
  block_hash     TEXT NOT NULL,
  tx_hash        TEXT NOT NULL,
  log_index      INTEGER NOT NULL,
  name           TEXT NOT NULL,
  filter_id      TEXT NOT NULL,
  node           TEXT NOT NULL,
  block_number   INTEGER NOT NULL,
  status         TEXT NOT NULL,
  correlation_id TEXT,
  params_json    TEXT,
  observed_at    TIMESTAMP NOT NULL,
  PRIMARY KEY(signature, address, block_hash, tx_hash, log_index)
);

CREATE INDEX IF NOT EXISTS events_latest ON events(signature, address, block_number);

CREATE TABLE IF NOT EXISTS filters (
  id          TEXT PRIMARY KEY,
  node        TEXT NOT NULL,
  body_json   TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertCursor records the latest processed height/hash for a node.
func (s *Store) UpsertCursor(ctx context.Context, node string, height uint64, hash string) error {
	if node == "" {
		return errors.New("node required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (node, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(node) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`, node, height, hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a node.
func (s *Store) GetCursor(ctx context.Context, node string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM cursors WHERE node = ?;
`, node)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// Cursors lists every node cursor.
func (s *Store) Cursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node, height, hash, updated_at FROM cursors ORDER BY node;`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Node, &c.Height, &c.Hash, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestBlockForNode returns the cursor height for node.
func (s *Store) LatestBlockForNode(ctx context.Context, node string) (uint64, bool, error) {
	h, _, ok, err := s.GetCursor(ctx, node)
	return h, ok, err
}

// Save upserts an occurrence by natural key; an existing row takes the new status.
func (s *Store) Save(ctx context.Context, o event.Occurrence) error {
	params, err := json.Marshal(o.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	k := o.Key()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO events (signature, address, block_hash, tx_hash, log_index, name, filter_id, node,
  block_number, status, correlation_id, params_json, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(signature, address, block_hash, tx_hash, log_index) DO UPDATE SET
  status=excluded.status;
`, k.Signature, k.Address, k.BlockHash, k.TxHash, k.LogIndex, o.Name, o.FilterID, o.Node,
		o.BlockNumber, string(o.Status), o.CorrelationID, string(params), observedAt(o.Timestamp))
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

const eventColumns = `signature, address, block_hash, tx_hash, log_index, name, filter_id, node,
  block_number, status, correlation_id, params_json, observed_at`

// Find loads an occurrence by natural key.
func (s *Store) Find(ctx context.Context, key event.NaturalKey) (event.Occurrence, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE signature = ? AND address = ? AND block_hash = ? AND tx_hash = ? AND log_index = ?;`,
		key.Signature, key.Address, key.BlockHash, key.TxHash, key.LogIndex)
	return scanEvent(row)
}

// LatestForSignatureAddress returns the highest-block occurrence for (signature, address).
func (s *Store) LatestForSignatureAddress(ctx context.Context, signature, address string) (event.Occurrence, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events
WHERE signature = ? AND address = ? ORDER BY block_number DESC, log_index DESC LIMIT 1;`,
		signature, event.NormalizeAddress(address))
	return scanEvent(row)
}

// Events lists stored occurrences, newest first, at most limit rows (0 = all).
func (s *Store) Events(ctx context.Context, limit int) ([]event.Occurrence, error) {
	q := `SELECT ` + eventColumns + ` FROM events ORDER BY block_number DESC, log_index DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []event.Occurrence
	for rows.Next() {
		o, _, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (event.Occurrence, bool, error) {
	var (
		o           event.Occurrence
		status      string
		correlation sql.NullString
		params      sql.NullString
	)
	err := row.Scan(&o.Signature, &o.Address, &o.BlockHash, &o.TxHash, &o.LogIndex, &o.Name, &o.FilterID, &o.Node,
		&o.BlockNumber, &status, &correlation, &params, &o.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Occurrence{}, false, nil
	}
	if err != nil {
		return event.Occurrence{}, false, fmt.Errorf("scan event: %w", err)
	}
	o.Status = event.Status(status)
	o.CorrelationID = correlation.String
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &o.Params); err != nil {
			return event.Occurrence{}, false, fmt.Errorf("decode params: %w", err)
		}
	}
	return o, true, nil
}

// Filters adapts the store to event.FilterStore.
func (s *Store) Filters() event.FilterStore { return sqliteFilters{s.db} }

type sqliteFilters struct {
	db *sql.DB
}

func (f sqliteFilters) FindAll(ctx context.Context) ([]event.Filter, error) {
	rows, err := f.db.QueryContext(ctx, `SELECT body_json FROM filters ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	defer rows.Close()

	var out []event.Filter
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		var flt event.Filter
		if err := json.Unmarshal([]byte(body), &flt); err != nil {
			return nil, fmt.Errorf("decode filter: %w", err)
		}
		out = append(out, flt)
	}
	return out, rows.Err()
}

func (f sqliteFilters) Save(ctx context.Context, flt event.Filter) error {
	if flt.ID == "" {
		return errors.New("filter id required")
	}
	body, err := json.Marshal(flt)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	_, err = f.db.ExecContext(ctx, `
INSERT INTO filters (id, node, body_json, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  node=excluded.node,
  body_json=excluded.body_json,
  updated_at=CURRENT_TIMESTAMP;
`, flt.ID, flt.Node, string(body))
	if err != nil {
		return fmt.Errorf("save filter: %w", err)
	}
	return nil
}

func (f sqliteFilters) DeleteByID(ctx context.Context, id string) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM filters WHERE id = ?;`, id); err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

func observedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
