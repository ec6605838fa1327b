package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/devblac/event-relay/internal/event"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore persists events, filters and cursors in Postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

type eventRow struct {
	Signature     string `gorm:"primaryKey;index:events_latest,priority:1"`
	Address       string `gorm:"primaryKey;index:events_latest,priority:2"`
	BlockHash     string `gorm:"primaryKey"`
	TxHash        string `gorm:"primaryKey"`
	LogIndex      uint64 `gorm:"primaryKey;autoIncrement:false"`
	Name          string
	FilterID      string
	Node          string
	BlockNumber   uint64 `gorm:"index:events_latest,priority:3"`
	Status        string
	CorrelationID string
	ParamsJSON    string
	ObservedAt    time.Time
}

func (eventRow) TableName() string { return "events" }

type filterRow struct {
	ID        string `gorm:"primaryKey"`
	Node      string
	BodyJSON  string
	UpdatedAt time.Time
}

func (filterRow) TableName() string { return "filters" }

type cursorRow struct {
	Node      string `gorm:"primaryKey"`
	Height    uint64
	Hash      string
	UpdatedAt time.Time
}

func (cursorRow) TableName() string { return "cursors" }

// OpenPostgres connects with dsn and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&eventRow{}, &filterRow{}, &cursorRow{}); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Save(ctx context.Context, o event.Occurrence) error {
	row, err := toEventRow(o)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "signature"}, {Name: "address"}, {Name: "block_hash"}, {Name: "tx_hash"}, {Name: "log_index"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return nil
}

func (s *GormStore) Find(ctx context.Context, key event.NaturalKey) (event.Occurrence, bool, error) {
	var row eventRow
	err := s.db.WithContext(ctx).
		Where("signature = ? AND address = ? AND block_hash = ? AND tx_hash = ? AND log_index = ?",
			key.Signature, key.Address, key.BlockHash, key.TxHash, key.LogIndex).
		Take(&row).Error
	return fromEventResult(row, err)
}

func (s *GormStore) LatestForSignatureAddress(ctx context.Context, signature, address string) (event.Occurrence, bool, error) {
	var row eventRow
	err := s.db.WithContext(ctx).
		Where("signature = ? AND address = ?", signature, event.NormalizeAddress(address)).
		Order("block_number DESC, log_index DESC").
		Take(&row).Error
	return fromEventResult(row, err)
}

func (s *GormStore) Events(ctx context.Context, limit int) ([]event.Occurrence, error) {
	q := s.db.WithContext(ctx).Order("block_number DESC, log_index DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]event.Occurrence, 0, len(rows))
	for _, r := range rows {
		o, err := fromEventRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *GormStore) UpsertCursor(ctx context.Context, node string, height uint64, hash string) error {
	if node == "" {
		return errors.New("node required")
	}
	row := cursorRow{Node: node, Height: height, Hash: hash, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

func (s *GormStore) LatestBlockForNode(ctx context.Context, node string) (uint64, bool, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).Where("node = ?", node).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cursor: %w", err)
	}
	return row.Height, true, nil
}

func (s *GormStore) Cursors(ctx context.Context) ([]Cursor, error) {
	var rows []cursorRow
	if err := s.db.WithContext(ctx).Order("node").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	out := make([]Cursor, 0, len(rows))
	for _, r := range rows {
		out = append(out, Cursor{Node: r.Node, Height: r.Height, Hash: r.Hash, UpdatedAt: r.UpdatedAt})
	}
	return out, nil
}

// Filters adapts the store to event.FilterStore.
func (s *GormStore) Filters() event.FilterStore { return gormFilters{s.db} }

type gormFilters struct {
	db *gorm.DB
}

func (f gormFilters) FindAll(ctx context.Context) ([]event.Filter, error) {
	var rows []filterRow
	if err := f.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	out := make([]event.Filter, 0, len(rows))
	for _, r := range rows {
		var flt event.Filter
		if err := json.Unmarshal([]byte(r.BodyJSON), &flt); err != nil {
			return nil, fmt.Errorf("decode filter %s: %w", r.ID, err)
		}
		out = append(out, flt)
	}
	return out, nil
}

func (f gormFilters) Save(ctx context.Context, flt event.Filter) error {
	if flt.ID == "" {
		return errors.New("filter id required")
	}
	body, err := json.Marshal(flt)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	row := filterRow{ID: flt.ID, Node: flt.Node, BodyJSON: string(body), UpdatedAt: time.Now().UTC()}
	err = f.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save filter: %w", err)
	}
	return nil
}

func (f gormFilters) DeleteByID(ctx context.Context, id string) error {
	if err := f.db.WithContext(ctx).Delete(&filterRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

func toEventRow(o event.Occurrence) (eventRow, error) {
	params, err := json.Marshal(o.Params)
	if err != nil {
		return eventRow{}, fmt.Errorf("marshal params: %w", err)
	}
	k := o.Key()
	return eventRow{
		Signature:     k.Signature,
		Address:       k.Address,
		BlockHash:     k.BlockHash,
		TxHash:        k.TxHash,
		LogIndex:      k.LogIndex,
		Name:          o.Name,
		FilterID:      o.FilterID,
		Node:          o.Node,
		BlockNumber:   o.BlockNumber,
		Status:        string(o.Status),
		CorrelationID: o.CorrelationID,
		ParamsJSON:    string(params),
		ObservedAt:    observedAt(o.Timestamp),
	}, nil
}

func fromEventResult(row eventRow, err error) (event.Occurrence, bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return event.Occurrence{}, false, nil
	}
	if err != nil {
		return event.Occurrence{}, false, fmt.Errorf("find event: %w", err)
	}
	o, err := fromEventRow(row)
	if err != nil {
		return event.Occurrence{}, false, err
	}
	return o, true, nil
}

func fromEventRow(r eventRow) (event.Occurrence, error) {
	o := event.Occurrence{
		Name:          r.Name,
		FilterID:      r.FilterID,
		Node:          r.Node,
		Address:       r.Address,
		LogIndex:      r.LogIndex,
		TxHash:        r.TxHash,
		BlockHash:     r.BlockHash,
		BlockNumber:   r.BlockNumber,
		Signature:     r.Signature,
		Status:        event.Status(r.Status),
		Timestamp:     r.ObservedAt,
		CorrelationID: r.CorrelationID,
	}
	if r.ParamsJSON != "" && r.ParamsJSON != "null" {
		if err := json.Unmarshal([]byte(r.ParamsJSON), &o.Params); err != nil {
			return event.Occurrence{}, fmt.Errorf("decode params: %w", err)
		}
	}
	return o, nil
}
