package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/time/rate"
)

// Client captures the subset of ethclient used by the reader.
type Client interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// StreamClient pushes new logs over a websocket connection.
type StreamClient interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// RPCClient is a thin wrapper over ethclient.Client that satisfies Client and StreamClient.
type RPCClient struct {
	*ethclient.Client
}

// NewRPCClient builds an RPC client to an EVM node. ws:// and wss:// URLs support streaming.
func NewRPCClient(rpcURL string) (*RPCClient, error) {
	c, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial evm rpc: %w", err)
	}
	return &RPCClient{Client: c}, nil
}

// Options tunes a Reader.
type Options struct {
	// PollInterval paces log tailing when no stream client is configured.
	PollInterval time.Duration
	// ChunkSize bounds the block range of one eth_getLogs call.
	ChunkSize uint64
	// RateLimit caps requests per second; zero disables limiting.
	RateLimit float64
}

// Reader implements chain.Reader for an EVM node.
type Reader struct {
	node    string
	client  Client
	stream  StreamClient
	limiter *rate.Limiter
	opts    Options
}

var _ chain.Reader = (*Reader)(nil)

// NewReader builds a reader. stream may be nil, in which case live logs are polled.
func NewReader(node string, client Client, stream StreamClient, opts Options) *Reader {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := int(opts.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &Reader{node: node, client: client, stream: stream, limiter: limiter, opts: opts}
}

func (r *Reader) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", chain.ErrChainUnavailable, err)
	}
	return nil
}

func (r *Reader) CurrentHead(ctx context.Context) (uint64, error) {
	if err := r.wait(ctx); err != nil {
		return 0, err
	}
	h, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: latest header: %v", chain.ErrChainUnavailable, err)
	}
	return h.Number.Uint64(), nil
}

func (r *Reader) BlockByNumber(ctx context.Context, n uint64) (chain.Block, error) {
	if err := r.wait(ctx); err != nil {
		return chain.Block{}, err
	}
	h, err := r.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if errors.Is(err, ethereum.NotFound) {
		return chain.Block{}, fmt.Errorf("header %d: %w", n, chain.ErrNotFound)
	}
	if err != nil {
		return chain.Block{}, fmt.Errorf("%w: header %d: %v", chain.ErrChainUnavailable, n, err)
	}
	return chain.Block{
		Node:       r.node,
		Number:     h.Number.Uint64(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  time.Unix(int64(h.Time), 0).UTC(),
	}, nil
}

// TransactionReceipt reports where txHash was mined. A dropped or unknown
// transaction yields a receipt with Exists false.
func (r *Reader) TransactionReceipt(ctx context.Context, txHash string) (chain.Receipt, error) {
	if err := r.wait(ctx); err != nil {
		return chain.Receipt{}, err
	}
	rcpt, err := r.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return chain.Receipt{}, nil
	}
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("%w: receipt %s: %v", chain.ErrChainUnavailable, txHash, err)
	}
	var number uint64
	if rcpt.BlockNumber != nil {
		number = rcpt.BlockNumber.Uint64()
	}
	return chain.Receipt{BlockHash: rcpt.BlockHash.Hex(), BlockNumber: number, Exists: true}, nil
}

func (r *Reader) MatchingLogs(ctx context.Context, q chain.LogQuery, from, to uint64) ([]chain.RawLog, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	fq := filterQuery(q)
	fq.FromBlock = new(big.Int).SetUint64(from)
	fq.ToBlock = new(big.Int).SetUint64(to)
	logs, err := r.client.FilterLogs(ctx, fq)
	if err != nil {
		return nil, fmt.Errorf("%w: logs %d-%d: %v", chain.ErrChainUnavailable, from, to, err)
	}
	out := make([]chain.RawLog, 0, len(logs))
	for _, lg := range logs {
		out = append(out, toRawLog(r.node, lg))
	}
	return out, nil
}

// SubscribeLogs tails logs from block from. With a stream client the live
// subscription is opened first, history up to head is replayed, then pushed
// logs are forwarded; otherwise logs are polled.
func (r *Reader) SubscribeLogs(ctx context.Context, q chain.LogQuery, from uint64, sink chan<- chain.RawLog) (chain.Subscription, error) {
	if r.stream == nil {
		return chain.PollLogs(ctx, r, q, from, r.opts.PollInterval, r.opts.ChunkSize, sink), nil
	}

	pushed := make(chan types.Log, 256)
	live, err := r.stream.SubscribeFilterLogs(ctx, filterQuery(q), pushed)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer live.Unsubscribe()

		forward := func(lg chain.RawLog) bool {
			select {
			case sink <- lg:
				return true
			case <-quit:
				return false
			case <-ctx.Done():
				return false
			}
		}

		head, err := r.CurrentHead(ctx)
		if err != nil {
			return err
		}
		chunk := r.opts.ChunkSize
		if chunk == 0 {
			chunk = 1000
		}
		for next := from; next <= head; next += chunk {
			to := next + chunk - 1
			if to > head {
				to = head
			}
			logs, err := r.MatchingLogs(ctx, q, next, to)
			if err != nil {
				return err
			}
			for _, lg := range logs {
				if !forward(lg) {
					return nil
				}
			}
		}

		for {
			select {
			case lg := <-pushed:
				if lg.BlockNumber < from {
					continue
				}
				// replayed above; removals still pass
				if !lg.Removed && lg.BlockNumber <= head {
					continue
				}
				if !forward(toRawLog(r.node, lg)) {
					return nil
				}
			case err := <-live.Err():
				return err
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			}
		}
	}), nil
}

func filterQuery(q chain.LogQuery) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(q.Address)},
		Topics:    [][]common.Hash{{crypto.Keccak256Hash([]byte(q.Signature))}},
	}
}

func toRawLog(node string, lg types.Log) chain.RawLog {
	topics := make([]string, 0, len(lg.Topics))
	for _, t := range lg.Topics {
		topics = append(topics, t.Hex())
	}
	return chain.RawLog{
		Node:        node,
		Address:     strings.ToLower(lg.Address.Hex()),
		Topics:      topics,
		Data:        lg.Data,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash.Hex(),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    uint64(lg.Index),
		Removed:     lg.Removed,
	}
}
