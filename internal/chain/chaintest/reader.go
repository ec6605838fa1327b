// Package chaintest provides an in-memory chain.Reader for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/ethereum/go-ethereum/event"
)

// Reader is a programmable chain.Reader.
type Reader struct {
	mu          sync.Mutex
	head        uint64
	headErr     error
	receipts    map[string]chain.Receipt
	receiptErr  error
	logs        []chain.RawLog
	subscribeFn func(q chain.LogQuery, from uint64) error

	ReceiptCalls int
	Subscribed   []SubscribeCall
}

// SubscribeCall records one SubscribeLogs invocation.
type SubscribeCall struct {
	Query chain.LogQuery
	From  uint64
	Sink  chan<- chain.RawLog
	Sub   *Subscription
}

// NewReader returns a reader reporting head.
func NewReader(head uint64) *Reader {
	return &Reader{head: head, receipts: map[string]chain.Receipt{}}
}

func (r *Reader) SetHead(h uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = h
}

func (r *Reader) SetHeadErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headErr = err
}

// SetReceipt records the block hash the receipt for txHash reports.
func (r *Reader) SetReceipt(txHash, blockHash string, block uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts[txHash] = chain.Receipt{BlockHash: blockHash, BlockNumber: block, Exists: true}
}

func (r *Reader) DropReceipt(txHash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.receipts, txHash)
}

func (r *Reader) SetReceiptErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiptErr = err
}

// AddLogs appends logs returned by MatchingLogs.
func (r *Reader) AddLogs(logs ...chain.RawLog) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, logs...)
}

// OnSubscribe installs a hook that may fail SubscribeLogs.
func (r *Reader) OnSubscribe(fn func(q chain.LogQuery, from uint64) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribeFn = fn
}

// Subscriptions returns a copy of the recorded SubscribeLogs calls.
func (r *Reader) Subscriptions() []SubscribeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SubscribeCall(nil), r.Subscribed...)
}

func (r *Reader) CurrentHead(context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, r.headErr
}

func (r *Reader) BlockByNumber(_ context.Context, n uint64) (chain.Block, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.head {
		return chain.Block{}, fmt.Errorf("block %d: %w", n, chain.ErrNotFound)
	}
	return chain.Block{Number: n, Hash: BlockHash(n), ParentHash: BlockHash(n - 1)}, nil
}

func (r *Reader) TransactionReceipt(_ context.Context, txHash string) (chain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ReceiptCalls++
	if r.receiptErr != nil {
		return chain.Receipt{}, r.receiptErr
	}
	return r.receipts[txHash], nil
}

func (r *Reader) MatchingLogs(_ context.Context, q chain.LogQuery, from, to uint64) ([]chain.RawLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []chain.RawLog
	for _, lg := range r.logs {
		if lg.Address == q.Address && lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (r *Reader) SubscribeLogs(_ context.Context, q chain.LogQuery, from uint64, sink chan<- chain.RawLog) (chain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscribeFn != nil {
		if err := r.subscribeFn(q, from); err != nil {
			return nil, err
		}
	}
	sub := newSubscription()
	r.Subscribed = append(r.Subscribed, SubscribeCall{Query: q, From: from, Sink: sink, Sub: sub})
	return sub, nil
}

// Subscription is a controllable live subscription.
type Subscription struct {
	chain.Subscription
	fail chan error
}

func newSubscription() *Subscription {
	fail := make(chan error, 1)
	s := &Subscription{fail: fail}
	s.Subscription = event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case err := <-fail:
			return err
		case <-quit:
			return nil
		}
	})
	return s
}

// Fail ends the subscription with err.
func (s *Subscription) Fail(err error) {
	s.fail <- err
}

// BlockHash returns the deterministic hash used for block n.
func BlockHash(n uint64) string {
	return fmt.Sprintf("0xblock%d", n)
}
