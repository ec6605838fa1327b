package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/event"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	store, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleEvent(block uint64, status event.Status) event.Occurrence {
	return event.Occurrence{
		Name:        "Transfer",
		FilterID:    "f1",
		Node:        "main",
		Params:      map[string]any{"value": "1000"},
		Address:     "0xAbC",
		LogIndex:    2,
		TxHash:      "0xtx",
		BlockHash:   "0xhash",
		BlockNumber: block,
		Signature:   "Transfer(address,address,uint256)",
		Status:      status,
		Timestamp:   time.Now(),
	}
}

func TestCursorUpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCursor(ctx, "main", 10, "hashA"); err != nil {
		t.Fatalf("upsert cursor: %v", err)
	}
	h, hash, ok, err := store.GetCursor(ctx, "main")
	if err != nil || !ok {
		t.Fatalf("get cursor failed err=%v ok=%v", err, ok)
	}
	if h != 10 || hash != "hashA" {
		t.Fatalf("unexpected cursor: %d %s", h, hash)
	}

	if err := store.UpsertCursor(ctx, "main", 20, "hashB"); err != nil {
		t.Fatalf("upsert cursor update: %v", err)
	}
	h, ok, err = store.LatestBlockForNode(ctx, "main")
	if err != nil || !ok || h != 20 {
		t.Fatalf("cursor not updated: %d err=%v ok=%v", h, err, ok)
	}

	cursors, err := store.Cursors(ctx)
	if err != nil || len(cursors) != 1 || cursors[0].Hash != "hashB" {
		t.Fatalf("unexpected cursors: %+v err=%v", cursors, err)
	}

	if _, ok, _ := store.LatestBlockForNode(ctx, "other"); ok {
		t.Fatalf("expected no cursor for unknown node")
	}
}

func TestSaveEscalatesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, sampleEvent(100, event.StatusUnconfirmed)); err != nil {
		t.Fatalf("save unconfirmed: %v", err)
	}
	if err := store.Save(ctx, sampleEvent(100, event.StatusConfirmed)); err != nil {
		t.Fatalf("save confirmed: %v", err)
	}

	all, err := store.Events(ctx, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(all))
	}
	if all[0].Status != event.StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", all[0].Status)
	}
	if all[0].Params["value"] != "1000" {
		t.Fatalf("params not round-tripped: %+v", all[0].Params)
	}
}

func TestFindAndLatest(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := sampleEvent(100, event.StatusConfirmed)
	newer := sampleEvent(250, event.StatusUnconfirmed)
	newer.TxHash = "0xtx2"
	for _, o := range []event.Occurrence{older, newer} {
		if err := store.Save(ctx, o); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, ok, err := store.Find(ctx, older.Key())
	if err != nil || !ok {
		t.Fatalf("find failed ok=%v err=%v", ok, err)
	}
	if got.BlockNumber != 100 || got.Address != "0xabc" {
		t.Fatalf("unexpected occurrence: %+v", got)
	}

	latest, ok, err := store.LatestForSignatureAddress(ctx, older.Signature, "0xABC")
	if err != nil || !ok {
		t.Fatalf("latest failed ok=%v err=%v", ok, err)
	}
	if latest.BlockNumber != 250 {
		t.Fatalf("expected latest block 250, got %d", latest.BlockNumber)
	}

	if _, ok, _ := store.LatestForSignatureAddress(ctx, "Other()", "0xabc"); ok {
		t.Fatalf("expected no match for other signature")
	}
}

func TestFilterStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	filters := store.Filters()

	start := uint64(42)
	f := event.Filter{ID: "f1", Node: "main", Address: "0xabc", Signature: "E()", StartBlock: &start}
	if err := filters.Save(ctx, f); err != nil {
		t.Fatalf("save filter: %v", err)
	}
	start2 := uint64(43)
	f.StartBlock = &start2
	if err := filters.Save(ctx, f); err != nil {
		t.Fatalf("overwrite filter: %v", err)
	}

	all, err := filters.FindAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("find all: %v len=%d", err, len(all))
	}
	if all[0].StartBlock == nil || *all[0].StartBlock != 43 {
		t.Fatalf("start block not overwritten: %+v", all[0])
	}

	if err := filters.DeleteByID(ctx, "f1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, _ = filters.FindAll(ctx)
	if len(all) != 0 {
		t.Fatalf("expected no filters after delete")
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	store.Close()
	if err := store.Ping(ctx); err == nil {
		t.Fatalf("expected ping to fail after close")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	b, err := Open(config.Storage{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	_ = b.Close()

	_, err = Open(config.Storage{Driver: "mongo"})
	if !errors.Is(err, chain.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestEventRowConversion(t *testing.T) {
	o := sampleEvent(7, event.StatusInvalidated)
	row, err := toEventRow(o)
	if err != nil {
		t.Fatalf("to row: %v", err)
	}
	if row.Address != "0xabc" || row.Status != "INVALIDATED" {
		t.Fatalf("unexpected row: %+v", row)
	}
	back, err := fromEventRow(row)
	if err != nil {
		t.Fatalf("from row: %v", err)
	}
	if back.Key() != o.Key() || back.Params["value"] != "1000" {
		t.Fatalf("conversion lost data: %+v", back)
	}
}
