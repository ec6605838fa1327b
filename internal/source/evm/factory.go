package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Factory decodes EVM logs into occurrences using loaded ABIs, falling back
// to an event synthesized from the filter's signature.
type Factory struct {
	abis map[string]*abi.ABI
	now  func() time.Time

	mu       sync.RWMutex
	decoders map[string]*decoder
}

type decoder struct {
	topic0 common.Hash
	event  *abi.Event
	// synthetic events do not know which inputs are indexed.
	synthetic bool
}

var _ event.Factory = (*Factory)(nil)

func NewFactory(abis map[string]*abi.ABI) *Factory {
	return &Factory{abis: abis, now: time.Now, decoders: map[string]*decoder{}}
}

// Decode checks lg against f and unpacks its topics and data into params.
func (fc *Factory) Decode(_ context.Context, f event.Filter, lg chain.RawLog) (event.Occurrence, error) {
	if event.NormalizeAddress(lg.Address) != event.NormalizeAddress(f.Address) {
		return event.Occurrence{}, fmt.Errorf("log address %s does not match filter %s", lg.Address, f.ID)
	}
	d, err := fc.decoder(f.Signature)
	if err != nil {
		return event.Occurrence{}, err
	}
	if len(lg.Topics) == 0 || common.HexToHash(lg.Topics[0]) != d.topic0 {
		return event.Occurrence{}, fmt.Errorf("log topic does not match %s", f.Signature)
	}

	params, inputs, err := d.unpack(lg)
	if err != nil {
		return event.Occurrence{}, err
	}

	o := event.Occurrence{
		Name:        f.Name(),
		FilterID:    f.ID,
		Node:        lg.Node,
		Params:      params,
		Address:     event.NormalizeAddress(lg.Address),
		LogIndex:    lg.LogIndex,
		TxHash:      lg.TxHash,
		BlockHash:   lg.BlockHash,
		BlockNumber: lg.BlockNumber,
		Signature:   f.Signature,
		Timestamp:   stamp(lg, fc.now),
		Removed:     lg.Removed,
	}
	if f.Correlation != nil {
		id, err := correlationID(*f.Correlation, inputs, params)
		if err != nil {
			return event.Occurrence{}, err
		}
		o.CorrelationID = id
	}
	return o, nil
}

func (fc *Factory) decoder(signature string) (*decoder, error) {
	fc.mu.RLock()
	d, ok := fc.decoders[signature]
	fc.mu.RUnlock()
	if ok {
		return d, nil
	}

	d = &decoder{topic0: crypto.Keccak256Hash([]byte(signature))}
	if found, ok := FindEvent(fc.abis, signature); ok {
		d.event = found
	} else {
		synthetic, err := syntheticEvent(signature)
		if err != nil {
			return nil, err
		}
		d.event = synthetic
		d.synthetic = true
	}

	fc.mu.Lock()
	fc.decoders[signature] = d
	fc.mu.Unlock()
	return d, nil
}

// unpack decodes lg and returns the params with the inputs as interpreted.
// For synthetic events the leading inputs are taken as indexed, one per extra topic.
func (d *decoder) unpack(lg chain.RawLog) (map[string]any, abi.Arguments, error) {
	inputs := d.event.Inputs
	if d.synthetic {
		indexedCount := len(lg.Topics) - 1
		if indexedCount > len(inputs) {
			return nil, nil, fmt.Errorf("log has %d indexed topics, %s declares %d inputs", indexedCount, d.event.Name, len(inputs))
		}
		inputs = make(abi.Arguments, len(d.event.Inputs))
		copy(inputs, d.event.Inputs)
		for i := 0; i < indexedCount; i++ {
			inputs[i].Indexed = true
		}
	}

	topics := make([]common.Hash, 0, len(lg.Topics)-1)
	for _, t := range lg.Topics[1:] {
		topics = append(topics, common.HexToHash(t))
	}

	raw := map[string]any{}
	indexed, nonIndexed := splitIndexed(inputs)
	if err := abi.ParseTopicsIntoMap(raw, indexed, topics); err != nil {
		return nil, nil, fmt.Errorf("parse topics: %w", err)
	}
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(raw, lg.Data); err != nil {
			return nil, nil, fmt.Errorf("unpack data: %w", err)
		}
	}

	params := make(map[string]any, len(raw))
	for k, v := range raw {
		params[k] = normalizeValue(v)
	}
	return params, inputs, nil
}

// correlationID picks the Index-th indexed or non-indexed input.
func correlationID(c event.Correlation, inputs abi.Arguments, params map[string]any) (string, error) {
	indexed, nonIndexed := splitIndexed(inputs)
	pool := nonIndexed
	if c.Strategy == event.CorrelationIndexed {
		pool = indexed
	}
	if c.Index < 0 || c.Index >= len(pool) {
		return "", fmt.Errorf("correlation %s index %d out of range (%d inputs)", c.Strategy, c.Index, len(pool))
	}
	return fmt.Sprint(params[pool[c.Index].Name]), nil
}

// normalizeValue maps go-ethereum decoded values to JSON-stable forms.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case common.Address:
		return strings.ToLower(x.Hex())
	case common.Hash:
		return x.Hex()
	case *big.Int:
		return x.String()
	case [32]byte:
		return "0x" + hex.EncodeToString(x[:])
	case []byte:
		return "0x" + hex.EncodeToString(x)
	default:
		return v
	}
}

// syntheticEvent builds a minimal ABI Event from a signature like Transfer(address,address,uint256).
// Inputs are named arg0, arg1, ...
func syntheticEvent(signature string) (*abi.Event, error) {
	l := strings.Index(signature, "(")
	r := strings.LastIndex(signature, ")")
	if l <= 0 || r <= l {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	name := signature[:l]
	rawArgs := strings.Split(signature[l+1:r], ",")
	args := make(abi.Arguments, 0, len(rawArgs))
	for _, a := range rawArgs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		t, err := abi.NewType(a, "", nil)
		if err != nil {
			return nil, fmt.Errorf("parse type %s: %w", a, err)
		}
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", len(args)), Type: t})
	}
	ev := abi.NewEvent(name, name, false, args)
	return &ev, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

// stamp prefers the block time carried by the log over the decode time.
func stamp(lg chain.RawLog, now func() time.Time) time.Time {
	if !lg.Timestamp.IsZero() {
		return lg.Timestamp.UTC()
	}
	return now().UTC()
}
