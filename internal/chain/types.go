package chain

import (
	"context"
	"time"
)

// Kind distinguishes account-model chains from mirror-node chains.
type Kind string

const (
	KindEVM    Kind = "evm"
	KindMirror Kind = "mirror"
)

// Node is the immutable connection identity of one configured network.
type Node struct {
	Name              string
	Kind              Kind
	Confirmations     uint64
	ReplayDepth       uint64
	MaxBlocksToSync   uint64
	InitialStartBlock *uint64
}

// IsMirror reports whether the node is a mirror-node chain without live log subscriptions.
func (n Node) IsMirror() bool { return n.Kind == KindMirror }

// Block is a block header as delivered by a node feed.
type Block struct {
	Node       string    `json:"node"`
	Number     uint64    `json:"number"`
	Hash       string    `json:"hash"`
	ParentHash string    `json:"parentHash"`
	Timestamp  time.Time `json:"timestamp"`
}

// RawLog is a log entry before decoding. Topics[0] carries the event selector.
type RawLog struct {
	Node        string
	Address     string
	Topics      []string
	Data        []byte
	BlockNumber uint64
	BlockHash   string
	TxHash      string
	LogIndex    uint64
	Removed     bool
	// Timestamp is the block time when the source knows it, zero otherwise.
	Timestamp   time.Time
}

// Receipt is the subset of a transaction receipt used for confirmation checks.
type Receipt struct {
	BlockHash   string
	BlockNumber uint64
	Exists      bool
}

// LogQuery selects logs of one event signature emitted by one contract.
type LogQuery struct {
	Address   string
	Signature string
}

// Subscription is a live log stream. It matches go-ethereum's event.Subscription.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Reader is the per-node chain access used by the engine.
type Reader interface {
	CurrentHead(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
	TransactionReceipt(ctx context.Context, txHash string) (Receipt, error)
	MatchingLogs(ctx context.Context, q LogQuery, from, to uint64) ([]RawLog, error)
	SubscribeLogs(ctx context.Context, q LogQuery, from uint64, sink chan<- RawLog) (Subscription, error)
}
