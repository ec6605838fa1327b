package algorand

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/algorand/go-codec/codec"
	"github.com/devblac/event-relay/internal/chain"
)

type fakeStatus struct {
	resp models.NodeStatus
	err  error
}

func (f fakeStatus) Do(ctx context.Context, headers ...*common.Header) (models.NodeStatus, error) {
	return f.resp, f.err
}

type fakeBlock struct {
	raw []byte
	err error
}

func (f fakeBlock) Do(ctx context.Context, headers ...*common.Header) ([]byte, error) {
	return f.raw, f.err
}

type fakeBlockHash struct {
	resp models.BlockHashResponse
	err  error
}

func (f fakeBlockHash) Do(ctx context.Context, headers ...*common.Header) (models.BlockHashResponse, error) {
	return f.resp, f.err
}

type fakeTxn struct {
	resp models.TransactionResponse
	err  error
}

func (f fakeTxn) Do(ctx context.Context, headers ...*common.Header) (models.TransactionResponse, error) {
	return f.resp, f.err
}

var errNotFound = errors.New("HTTP 404: not found")

type fakeAlgod struct {
	t      *testing.T
	mu     sync.Mutex
	status fakeStatus
	blocks map[uint64]sdk.Block
	fetch  map[uint64]int
	txns   map[string]uint64
}

func newFakeAlgod(t *testing.T, last uint64) *fakeAlgod {
	return &fakeAlgod{
		t:      t,
		status: fakeStatus{resp: models.NodeStatus{LastRound: last}},
		blocks: map[uint64]sdk.Block{},
		fetch:  map[uint64]int{},
		txns:   map[string]uint64{},
	}
}

func (f *fakeAlgod) Status() statusGetter {
	return f.status
}

func (f *fakeAlgod) BlockRaw(round uint64) blockGetter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetch[round]++
	block, ok := f.blocks[round]
	if !ok {
		if round > f.status.resp.LastRound {
			return fakeBlock{err: errNotFound}
		}
		block = sdk.Block{BlockHeader: sdk.BlockHeader{Round: sdk.Round(round)}}
	}
	raw, err := encodeBlock(block)
	if err != nil {
		f.t.Fatalf("encode block: %v", err)
	}
	return fakeBlock{raw: raw}
}

func (f *fakeAlgod) GetBlockHash(round uint64) blockHashGetter {
	if round > f.status.resp.LastRound {
		return fakeBlockHash{err: errNotFound}
	}
	return fakeBlockHash{resp: models.BlockHashResponse{Blockhash: roundHash(round)}}
}

func (f *fakeAlgod) LookupTransaction(txid string) txnGetter {
	round, ok := f.txns[txid]
	if !ok {
		return fakeTxn{err: errNotFound}
	}
	return fakeTxn{resp: models.TransactionResponse{Transaction: models.Transaction{ConfirmedRound: round}}}
}

func roundHash(round uint64) string {
	return "HASH" + string(rune('A'+round%26))
}

func encodeBlock(block sdk.Block) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &codec.MsgpackHandle{})
	if err := enc.Encode(blockResponse{Block: block}); err != nil {
		return nil, err
	}
	return out, nil
}

const swapSig = "Swap(uint64,address)"

func swapLog(t *testing.T, amount uint64, who sdk.Address) string {
	t.Helper()
	typ, err := abi.TypeOf("(uint64,address)")
	if err != nil {
		t.Fatalf("type: %v", err)
	}
	data, err := typ.Encode([]interface{}{amount, who[:]})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return string(Selector(swapSig)) + string(data)
}

func appCall(app uint64, logs []string, inner ...sdk.SignedTxnWithAD) sdk.SignedTxnWithAD {
	return sdk.SignedTxnWithAD{
		SignedTxn: sdk.SignedTxn{
			Txn: sdk.Transaction{
				Type:   sdk.ApplicationCallTx,
				Header: sdk.Header{Sender: mustAddress(), FirstValid: sdk.Round(app)},
				ApplicationFields: sdk.ApplicationFields{
					ApplicationCallTxnFields: sdk.ApplicationCallTxnFields{
						ApplicationID: sdk.AppIndex(app),
						OnCompletion:  sdk.NoOpOC,
					},
				},
			},
		},
		ApplyData: sdk.ApplyData{EvalDelta: sdk.EvalDelta{Logs: logs, InnerTxns: inner}},
	}
}

func mustAddress() sdk.Address {
	var a sdk.Address
	copy(a[:], []byte("SENDER0000000000000000000000000000000000000000000000000000")[:])
	return a
}

func swapQuery() chain.LogQuery {
	return chain.LogQuery{Address: "123", Signature: swapSig}
}

func TestReaderMatchingLogsIncludesInnerTransactions(t *testing.T) {
	algod := newFakeAlgod(t, 10)
	outer := appCall(123, []string{
		"not an event",
		swapLog(t, 5, mustAddress()),
	}, appCall(123, []string{swapLog(t, 6, mustAddress())}), appCall(999, []string{swapLog(t, 7, mustAddress())}))
	algod.blocks[7] = sdk.Block{
		BlockHeader: sdk.BlockHeader{Round: 7, TimeStamp: 1700000000},
		Payset:      []sdk.SignedTxnInBlock{{SignedTxnWithAD: outer}},
	}

	r := NewReader("algo", algod, algod, Options{})
	logs, err := r.MatchingLogs(context.Background(), swapQuery(), 6, 8)
	if err != nil {
		t.Fatalf("matching logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 logs, got %d", len(logs))
	}
	if logs[0].LogIndex != 1 || logs[1].LogIndex != 2 {
		t.Fatalf("unexpected log indexes %d %d", logs[0].LogIndex, logs[1].LogIndex)
	}
	txid := crypto.TransactionIDString(outer.Txn)
	for _, lg := range logs {
		if lg.TxHash != txid || lg.BlockHash != roundHash(7) || lg.BlockNumber != 7 || lg.Address != "123" {
			t.Fatalf("unexpected log %+v", lg)
		}
		if !lg.Timestamp.Equal(time.Unix(1700000000, 0)) {
			t.Fatalf("expected round time, got %s", lg.Timestamp)
		}
		if lg.Topics[0] != hex.EncodeToString(Selector(swapSig)) {
			t.Fatalf("unexpected selector %s", lg.Topics[0])
		}
	}
}

func TestReaderCachesRounds(t *testing.T) {
	algod := newFakeAlgod(t, 10)
	r := NewReader("algo", algod, algod, Options{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.MatchingLogs(ctx, swapQuery(), 1, 3); err != nil {
			t.Fatalf("matching logs: %v", err)
		}
	}
	if _, err := r.BlockByNumber(ctx, 2); err != nil {
		t.Fatalf("block: %v", err)
	}
	if algod.fetch[2] != 1 {
		t.Fatalf("round fetched %d times", algod.fetch[2])
	}
}

func TestReaderRejectsNonNumericApplication(t *testing.T) {
	algod := newFakeAlgod(t, 10)
	r := NewReader("algo", algod, algod, Options{})

	_, err := r.MatchingLogs(context.Background(), chain.LogQuery{Address: "0xabc", Signature: swapSig}, 1, 1)
	if !errors.Is(err, chain.ErrInvalidConfiguration) {
		t.Fatalf("expected invalid configuration, got %v", err)
	}
}

func TestReaderBlockAndHead(t *testing.T) {
	algod := newFakeAlgod(t, 10)
	var prev sdk.BlockHash
	copy(prev[:], []byte("previous-block-hash-0000000000000"))
	algod.blocks[4] = sdk.Block{BlockHeader: sdk.BlockHeader{Round: 4, Branch: prev, TimeStamp: 1700000000}}
	r := NewReader("algo", algod, algod, Options{})
	ctx := context.Background()

	head, err := r.CurrentHead(ctx)
	if err != nil || head != 10 {
		t.Fatalf("head=%d err=%v", head, err)
	}
	b, err := r.BlockByNumber(ctx, 4)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if b.Node != "algo" || b.Hash != roundHash(4) || b.ParentHash != digestToString(prev[:]) || !b.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected block %+v", b)
	}
	if _, err := r.BlockByNumber(ctx, 11); !errors.Is(err, chain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	algod.status = fakeStatus{err: errors.New("connection refused")}
	if _, err := r.CurrentHead(ctx); !errors.Is(err, chain.ErrChainUnavailable) {
		t.Fatalf("expected chain unavailable, got %v", err)
	}
}

func TestReaderReceiptFromIndexer(t *testing.T) {
	algod := newFakeAlgod(t, 10)
	algod.txns["TXID"] = 7
	r := NewReader("algo", algod, algod, Options{})
	ctx := context.Background()

	rcpt, err := r.TransactionReceipt(ctx, "TXID")
	if err != nil {
		t.Fatalf("receipt: %v", err)
	}
	if !rcpt.Exists || rcpt.BlockNumber != 7 || rcpt.BlockHash != roundHash(7) {
		t.Fatalf("unexpected receipt %+v", rcpt)
	}

	missing, err := r.TransactionReceipt(ctx, "OTHER")
	if err != nil || missing.Exists {
		t.Fatalf("expected missing receipt, got %+v err=%v", missing, err)
	}
}

func TestReaderSubscribePolls(t *testing.T) {
	algod := newFakeAlgod(t, 10)
	algod.blocks[9] = sdk.Block{
		BlockHeader: sdk.BlockHeader{Round: 9},
		Payset:      []sdk.SignedTxnInBlock{{SignedTxnWithAD: appCall(123, []string{swapLog(t, 1, mustAddress())})}},
	}
	r := NewReader("algo", algod, algod, Options{PollInterval: 5 * time.Millisecond})
	sink := make(chan chain.RawLog, 1)

	sub, err := r.SubscribeLogs(context.Background(), swapQuery(), 8, sink)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	select {
	case lg := <-sink:
		if lg.BlockNumber != 9 {
			t.Fatalf("expected round 9, got %d", lg.BlockNumber)
		}
	case <-time.After(time.Second):
		t.Fatalf("no log delivered")
	}
}
