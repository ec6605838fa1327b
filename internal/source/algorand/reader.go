// Package algorand reads ARC-28 application events from Algorand through algod and the indexer.
package algorand

import (
	"context"
	"crypto/sha512"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/common/models"
	"github.com/algorand/go-algorand-sdk/v2/client/v2/indexer"
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/algorand/go-codec/codec"
	"github.com/devblac/event-relay/internal/chain"
	lru "github.com/hashicorp/golang-lru/v2"
)

const blockCacheSize = 256

// statusGetter models the algod Status() fluent call.
type statusGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.NodeStatus, error)
}

// blockGetter models the algod BlockRaw() fluent call.
type blockGetter interface {
	Do(ctx context.Context, headers ...*common.Header) ([]byte, error)
}

type blockHashGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.BlockHashResponse, error)
}

type txnGetter interface {
	Do(ctx context.Context, headers ...*common.Header) (models.TransactionResponse, error)
}

// AlgodClient is the minimal subset of the algod client we need.
type AlgodClient interface {
	Status() statusGetter
	BlockRaw(round uint64) blockGetter
	GetBlockHash(round uint64) blockHashGetter
}

// IndexerClient resolves confirmed transactions.
type IndexerClient interface {
	LookupTransaction(txid string) txnGetter
}

// NewAlgodClient constructs a real algod client.
func NewAlgodClient(url, token string) (AlgodClient, error) {
	cli, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, err
	}
	return &algodAdapter{c: cli}, nil
}

// NewIndexerClient constructs a real indexer client.
func NewIndexerClient(url, token string) (IndexerClient, error) {
	cli, err := indexer.MakeClient(url, token)
	if err != nil {
		return nil, err
	}
	return &indexerAdapter{c: cli}, nil
}

type algodAdapter struct {
	c *algod.Client
}

func (a *algodAdapter) Status() statusGetter { return a.c.Status() }
func (a *algodAdapter) BlockRaw(round uint64) blockGetter {
	return a.c.BlockRaw(round)
}
func (a *algodAdapter) GetBlockHash(round uint64) blockHashGetter {
	return a.c.GetBlockHash(round)
}

type indexerAdapter struct {
	c *indexer.Client
}

func (a *indexerAdapter) LookupTransaction(txid string) txnGetter {
	return a.c.LookupTransaction(txid)
}

// Options tunes a Reader.
type Options struct {
	PollInterval time.Duration
	ChunkSize    uint64
}

// Reader implements chain.Reader for an Algorand node. Contract addresses are
// application IDs in decimal; Topics[0] is the hex ARC-28 selector.
type Reader struct {
	node    string
	algod   AlgodClient
	indexer IndexerClient
	opts    Options
	// rounds are final once produced, so decoded blocks never go stale.
	blocks *lru.Cache[uint64, round]
}

type round struct {
	block sdk.Block
	hash  string
}

var _ chain.Reader = (*Reader)(nil)

func NewReader(node string, algodClient AlgodClient, indexerClient IndexerClient, opts Options) *Reader {
	cache, _ := lru.New[uint64, round](blockCacheSize)
	return &Reader{node: node, algod: algodClient, indexer: indexerClient, opts: opts, blocks: cache}
}

func (r *Reader) CurrentHead(ctx context.Context) (uint64, error) {
	status, err := r.algod.Status().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: latest status: %v", chain.ErrChainUnavailable, err)
	}
	return status.LastRound, nil
}

func (r *Reader) BlockByNumber(ctx context.Context, n uint64) (chain.Block, error) {
	rd, err := r.round(ctx, n)
	if err != nil {
		return chain.Block{}, err
	}
	return chain.Block{
		Node:       r.node,
		Number:     n,
		Hash:       rd.hash,
		ParentHash: digestToString(rd.block.Branch[:]),
		Timestamp:  time.Unix(rd.block.TimeStamp, 0).UTC(),
	}, nil
}

// TransactionReceipt looks txHash up in the indexer. Unknown transactions yield Exists false.
func (r *Reader) TransactionReceipt(ctx context.Context, txHash string) (chain.Receipt, error) {
	resp, err := r.indexer.LookupTransaction(txHash).Do(ctx)
	if isNotFound(err) {
		return chain.Receipt{}, nil
	}
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("%w: lookup %s: %v", chain.ErrChainUnavailable, txHash, err)
	}
	confirmed := resp.Transaction.ConfirmedRound
	if confirmed == 0 {
		return chain.Receipt{}, nil
	}
	hash, err := r.blockHash(ctx, confirmed)
	if err != nil {
		return chain.Receipt{}, err
	}
	return chain.Receipt{BlockHash: hash, BlockNumber: confirmed, Exists: true}, nil
}

// MatchingLogs walks rounds from..to and returns the ARC-28 logs of q, including
// logs emitted by inner transactions. LogIndex is the position among all logs of the round.
func (r *Reader) MatchingLogs(ctx context.Context, q chain.LogQuery, from, to uint64) ([]chain.RawLog, error) {
	appID, err := strconv.ParseUint(strings.TrimSpace(q.Address), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("application id %q: %w", q.Address, chain.ErrInvalidConfiguration)
	}
	selector := Selector(q.Signature)

	var out []chain.RawLog
	for n := from; n <= to; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rd, err := r.round(ctx, n)
		if err != nil {
			return nil, err
		}
		var index uint64
		for _, stib := range rd.block.Payset {
			txn := stib.SignedTxn.Txn
			if stib.HasGenesisID {
				txn.GenesisID = rd.block.GenesisID
			}
			txn.GenesisHash = rd.block.GenesisHash
			txid := crypto.TransactionIDString(txn)

			walk(stib.SignedTxnWithAD, func(app uint64, msg string) {
				defer func() { index++ }()
				if app != appID || len(msg) < 4 || msg[:4] != string(selector) {
					return
				}
				out = append(out, chain.RawLog{
					Node:        r.node,
					Address:     strconv.FormatUint(appID, 10),
					Topics:      []string{hex.EncodeToString(selector)},
					Data:        []byte(msg[4:]),
					BlockNumber: n,
					BlockHash:   rd.hash,
					TxHash:      txid,
					LogIndex:    index,
					Timestamp:   time.Unix(rd.block.TimeStamp, 0).UTC(),
				})
			})
		}
	}
	return out, nil
}

// SubscribeLogs polls for new rounds; algod offers no push feed for logs.
func (r *Reader) SubscribeLogs(ctx context.Context, q chain.LogQuery, from uint64, sink chan<- chain.RawLog) (chain.Subscription, error) {
	return chain.PollLogs(ctx, r, q, from, r.opts.PollInterval, r.opts.ChunkSize, sink), nil
}

func (r *Reader) round(ctx context.Context, n uint64) (round, error) {
	if rd, ok := r.blocks.Get(n); ok {
		return rd, nil
	}
	raw, err := r.algod.BlockRaw(n).Do(ctx)
	if isNotFound(err) {
		return round{}, fmt.Errorf("round %d: %w", n, chain.ErrNotFound)
	}
	if err != nil {
		return round{}, fmt.Errorf("%w: block %d: %v", chain.ErrChainUnavailable, n, err)
	}
	block, err := decodeBlock(raw)
	if err != nil {
		return round{}, fmt.Errorf("decode block %d: %w", n, err)
	}
	hash, err := r.blockHash(ctx, n)
	if err != nil {
		return round{}, err
	}
	rd := round{block: block, hash: hash}
	r.blocks.Add(n, rd)
	return rd, nil
}

func (r *Reader) blockHash(ctx context.Context, n uint64) (string, error) {
	resp, err := r.algod.GetBlockHash(n).Do(ctx)
	if isNotFound(err) {
		return "", fmt.Errorf("round %d: %w", n, chain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("%w: block hash %d: %v", chain.ErrChainUnavailable, n, err)
	}
	return resp.Blockhash, nil
}

// walk visits the logs of a transaction and its inner transactions in execution order.
func walk(txn sdk.SignedTxnWithAD, visit func(app uint64, msg string)) {
	app := uint64(txn.Txn.ApplicationID)
	if app == 0 {
		app = uint64(txn.ApplyData.ApplicationID)
	}
	for _, msg := range txn.EvalDelta.Logs {
		visit(app, msg)
	}
	for _, inner := range txn.EvalDelta.InnerTxns {
		walk(inner, visit)
	}
}

// Selector returns the ARC-28 event selector: the first four bytes of SHA-512/256 of the signature.
func Selector(signature string) []byte {
	sum := sha512.Sum512_256([]byte(signature))
	return sum[:4]
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "HTTP 404")
}

func digestToString(b []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}

// blockResponse is the msgpack envelope returned by algod's raw block endpoint.
type blockResponse struct {
	Block sdk.Block `codec:"block"`
}

func decodeBlock(raw []byte) (sdk.Block, error) {
	var resp blockResponse
	h := &codec.MsgpackHandle{}
	dec := codec.NewDecoderBytes(raw, h)
	if err := dec.Decode(&resp); err != nil {
		return sdk.Block{}, err
	}
	return resp.Block, nil
}
