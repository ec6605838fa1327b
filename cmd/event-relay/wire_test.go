package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/chain/chaintest"
	"github.com/devblac/event-relay/internal/event"
)

func TestMergeFiltersAdoptsPersistedIDs(t *testing.T) {
	start := uint64(100)
	persisted := []event.Filter{
		{ID: "a1", Node: "mainnet", Address: "0xabc", Signature: "Transfer(address,address,uint256)"},
		{ID: "runtime", Node: "mainnet", Address: "0xdef", Signature: "Approval(address,address,uint256)"},
	}
	configured := []event.Filter{
		{Node: "mainnet", Address: "0xABC", Signature: "Transfer(address,address,uint256)", StartBlock: &start},
		{ID: "fresh", Node: "algo", Address: "123", Signature: "Swap(uint64)"},
		{Node: "mainnet", Address: "0x999", Signature: "Transfer(address,address,uint256)"},
	}

	got := mergeFilters(persisted, configured)
	if len(got) != 4 {
		t.Fatalf("expected 4 filters, got %d: %+v", len(got), got)
	}
	if got[0].ID != "a1" || got[0].StartBlock == nil || *got[0].StartBlock != 100 {
		t.Fatalf("configured filter did not replace persisted one: %+v", got[0])
	}
	if got[1].ID != "runtime" {
		t.Fatalf("runtime filter lost: %+v", got[1])
	}
	if got[2].ID != "fresh" || got[3].ID != "" {
		t.Fatalf("unexpected tail %+v %+v", got[2], got[3])
	}
}

func TestWriteEventsCSV(t *testing.T) {
	events := []event.Occurrence{{
		Name:        "Transfer",
		FilterID:    "usdc",
		Node:        "mainnet",
		Address:     "0xabc",
		Signature:   "Transfer(address,address,uint256)",
		Status:      event.StatusConfirmed,
		BlockNumber: 42,
		BlockHash:   "0xb",
		TxHash:      "0xt",
		LogIndex:    1,
		Timestamp:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Params:      map[string]any{"value": "10"},
	}}

	var buf bytes.Buffer
	if err := writeEvents(&buf, "csv", events); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 || len(rows[1]) != len(csvHeader) {
		t.Fatalf("unexpected rows %v", rows)
	}
	if rows[1][5] != "CONFIRMED" || rows[1][6] != "42" || rows[1][11] != "2024-01-02T03:04:05Z" || rows[1][12] != `{"value":"10"}` {
		t.Fatalf("unexpected row %v", rows[1])
	}

	buf.Reset()
	if err := writeEvents(&buf, "JSON", events); err != nil || !strings.Contains(buf.String(), `"transactionHash": "0xt"`) {
		t.Fatalf("unexpected json %q err=%v", buf.String(), err)
	}
	if err := writeEvents(&buf, "xml", events); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}

func TestPingNodesUsesReaders(t *testing.T) {
	down := chaintest.NewReader(0)
	down.SetHeadErr(errors.New("dial tcp: refused"))
	networks := chain.Networks{
		"algo":    {Node: chain.Node{Name: "algo", Kind: chain.KindMirror}, Reader: down},
		"mainnet": {Node: chain.Node{Name: "mainnet", Kind: chain.KindEVM, Confirmations: 12}, Reader: chaintest.NewReader(500)},
	}

	var out bytes.Buffer
	if failures := pingNodes(context.Background(), &out, networks); failures != 1 {
		t.Fatalf("expected 1 failure, got %d", failures)
	}
	if !strings.Contains(out.String(), "- node algo (mirror): ERROR") {
		t.Fatalf("missing failure line:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "- node mainnet (evm): head 500, confirmations 12 OK") {
		t.Fatalf("missing success line:\n%s", out.String())
	}
}
