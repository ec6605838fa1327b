package algorand

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/abi"
	sdk "github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/devblac/event-relay/internal/chain"
	"github.com/devblac/event-relay/internal/event"
)

// Factory decodes ARC-28 logs into occurrences. Arguments are named arg0, arg1, ...
type Factory struct {
	now func() time.Time

	mu     sync.RWMutex
	events map[string]*arc28
}

type arc28 struct {
	name     string
	selector string
	args     []string
	tuple    abi.Type
}

var _ event.Factory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{now: time.Now, events: map[string]*arc28{}}
}

func (fc *Factory) Decode(_ context.Context, f event.Filter, lg chain.RawLog) (event.Occurrence, error) {
	if event.NormalizeAddress(lg.Address) != event.NormalizeAddress(f.Address) {
		return event.Occurrence{}, fmt.Errorf("log application %s does not match filter %s", lg.Address, f.ID)
	}
	ev, err := fc.event(f.Signature)
	if err != nil {
		return event.Occurrence{}, err
	}
	if len(lg.Topics) == 0 || !strings.EqualFold(lg.Topics[0], ev.selector) {
		return event.Occurrence{}, fmt.Errorf("log selector does not match %s", f.Signature)
	}

	params := map[string]any{}
	values := []any{}
	if len(ev.args) > 0 {
		decoded, err := ev.tuple.Decode(lg.Data)
		if err != nil {
			return event.Occurrence{}, fmt.Errorf("decode %s: %w", f.Signature, err)
		}
		var ok bool
		values, ok = decoded.([]interface{})
		if !ok || len(values) != len(ev.args) {
			return event.Occurrence{}, fmt.Errorf("decode %s: unexpected value %T", f.Signature, decoded)
		}
		for i, v := range values {
			values[i] = normalizeValue(ev.args[i], v)
			params[fmt.Sprintf("arg%d", i)] = values[i]
		}
	}

	o := event.Occurrence{
		Name:        ev.name,
		FilterID:    f.ID,
		Node:        lg.Node,
		Params:      params,
		Address:     event.NormalizeAddress(lg.Address),
		LogIndex:    lg.LogIndex,
		TxHash:      lg.TxHash,
		BlockHash:   lg.BlockHash,
		BlockNumber: lg.BlockNumber,
		Signature:   f.Signature,
		Timestamp:   lg.Timestamp,
		Removed:     lg.Removed,
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = fc.now().UTC()
	}
	if c := f.Correlation; c != nil {
		// ARC-28 events carry no indexed arguments.
		if c.Strategy == event.CorrelationIndexed {
			return event.Occurrence{}, fmt.Errorf("correlation %s: %s has no indexed parameters", c.Strategy, f.Signature)
		}
		if c.Index < 0 || c.Index >= len(values) {
			return event.Occurrence{}, fmt.Errorf("correlation %s index %d out of range (%d inputs)", c.Strategy, c.Index, len(values))
		}
		o.CorrelationID = fmt.Sprint(values[c.Index])
	}
	return o, nil
}

func (fc *Factory) event(signature string) (*arc28, error) {
	fc.mu.RLock()
	ev, ok := fc.events[signature]
	fc.mu.RUnlock()
	if ok {
		return ev, nil
	}

	l := strings.Index(signature, "(")
	if l <= 0 || !strings.HasSuffix(signature, ")") {
		return nil, fmt.Errorf("invalid event signature: %s", signature)
	}
	ev = &arc28{name: signature[:l], selector: hex.EncodeToString(Selector(signature))}

	inner := signature[l+1 : len(signature)-1]
	if inner != "" {
		tuple, err := abi.TypeOf("(" + inner + ")")
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", signature, err)
		}
		ev.tuple = tuple
		ev.args = splitArgs(inner)
	}

	fc.mu.Lock()
	fc.events[signature] = ev
	fc.mu.Unlock()
	return ev, nil
}

// splitArgs splits a type list on top-level commas: "uint64,(address,bool)" -> [uint64 (address,bool)].
func splitArgs(list string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range list {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(list[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(list[start:]))
}

// normalizeValue maps decoded ABI values to JSON-stable forms. Addresses become
// their checksummed base32 form, other byte strings base64.
func normalizeValue(typ string, v any) any {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case []byte:
		if typ == "address" && len(x) == len(sdk.Address{}) {
			var a sdk.Address
			copy(a[:], x)
			return a.String()
		}
		return base64.StdEncoding.EncodeToString(x)
	case [32]byte:
		if typ == "address" {
			return sdk.Address(x).String()
		}
		return base64.StdEncoding.EncodeToString(x[:])
	case []interface{}:
		children := elementTypes(typ, len(x))
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(children[i], e)
		}
		return out
	default:
		return v
	}
}

// elementTypes returns the member types of a tuple or array type string.
func elementTypes(typ string, n int) []string {
	out := make([]string, n)
	switch {
	case strings.HasPrefix(typ, "(") && strings.HasSuffix(typ, ")"):
		copy(out, splitArgs(typ[1:len(typ)-1]))
	case strings.HasSuffix(typ, "]"):
		elem := typ[:strings.LastIndex(typ, "[")]
		for i := range out {
			out[i] = elem
		}
	}
	return out
}
