package event

import (
	"fmt"
	"strings"
	"time"
)

// Status is the confirmation state of an occurrence.
type Status string

const (
	StatusUnconfirmed Status = "UNCONFIRMED"
	StatusConfirmed   Status = "CONFIRMED"
	StatusInvalidated Status = "INVALIDATED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusInvalidated
}

// Correlation id strategies.
const (
	CorrelationIndexed    = "indexed_parameter"
	CorrelationNonIndexed = "non_indexed_parameter"
)

// Correlation picks one decoded parameter as the occurrence's correlation id.
type Correlation struct {
	Strategy string `json:"strategy" yaml:"strategy"`
	Index    int    `json:"index" yaml:"index"`
}

// Filter is a registered log subscription.
type Filter struct {
	ID          string         `json:"id"`
	Node        string         `json:"node"`
	Address     string         `json:"address"`
	Signature   string         `json:"signature"`
	StartBlock  *uint64        `json:"startBlock,omitempty"`
	Correlation *Correlation   `json:"correlation,omitempty"`
	Where       []string       `json:"where,omitempty"`
	Extension   map[string]any `json:"extension,omitempty"`
}

// Name returns the event name portion of the signature.
func (f Filter) Name() string {
	if i := strings.Index(f.Signature, "("); i > 0 {
		return f.Signature[:i]
	}
	return f.Signature
}

// Occurrence is one observed log event.
type Occurrence struct {
	Name          string         `json:"name"`
	FilterID      string         `json:"filterId"`
	Node          string         `json:"node"`
	Params        map[string]any `json:"params,omitempty"`
	Address       string         `json:"address"`
	LogIndex      uint64         `json:"logIndex"`
	TxHash        string         `json:"transactionHash"`
	BlockHash     string         `json:"blockHash"`
	BlockNumber   uint64         `json:"blockNumber"`
	Signature     string         `json:"eventSignature"`
	Status        Status         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Removed       bool           `json:"-"`
}

// NaturalKey identifies one occurrence for idempotent storage.
type NaturalKey struct {
	Signature string
	Address   string
	BlockHash string
	TxHash    string
	LogIndex  uint64
}

func (k NaturalKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s|%d", k.Signature, k.Address, k.BlockHash, k.TxHash, k.LogIndex)
}

// Key returns the occurrence's natural key.
func (o Occurrence) Key() NaturalKey {
	return NaturalKey{
		Signature: o.Signature,
		Address:   NormalizeAddress(o.Address),
		BlockHash: o.BlockHash,
		TxHash:    o.TxHash,
		LogIndex:  o.LogIndex,
	}
}

// Transaction is an account transaction payload for publishers.
type Transaction struct {
	Node        string `json:"node"`
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
	Status      Status `json:"status"`
}

// Message types carried by publishers.
const (
	MessageFilterAdded   = "FILTER_ADDED"
	MessageFilterRemoved = "FILTER_REMOVED"
)

// Message is a control message for other instances.
type Message struct {
	Type    string `json:"type"`
	Details any    `json:"details"`
}

// NormalizeAddress lowercases and trims an address so map and store lookups agree.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
