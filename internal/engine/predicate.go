package engine

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

// Predicate evaluates whether decoded event params satisfy a condition.
type Predicate func(args map[string]any) (bool, error)

// CompilePredicates parses simple expressions into executable predicates.
// Supported operators: ==, !=, >, <, in, contains.
// Examples:
//
//	"value > 10"
//	"sender in a,b,c"
//	"memo contains alert"
func CompilePredicates(exprs []string) ([]Predicate, error) {
	var preds []Predicate
	for _, raw := range exprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := compile(raw)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compile(expr string) (Predicate, error) {
	if strings.Contains(expr, " in ") {
		parts := strings.SplitN(expr, " in ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid in expression: %s", expr)
		}
		field := strings.TrimSpace(parts[0])
		rawList := strings.Split(parts[1], ",")
		values := make(map[string]struct{}, len(rawList))
		for _, v := range rawList {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			values[strings.ToLower(v)] = struct{}{}
		}
		return func(args map[string]any) (bool, error) {
			arg, ok := args[field]
			if !ok {
				return false, nil
			}
			_, hit := values[strings.ToLower(fmt.Sprint(arg))]
			return hit, nil
		}, nil
	}

	if strings.Contains(expr, " contains ") {
		parts := strings.SplitN(expr, " contains ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid contains expression: %s", expr)
		}
		field := strings.TrimSpace(parts[0])
		needle := strings.TrimSpace(parts[1])
		return func(args map[string]any) (bool, error) {
			val, ok := args[field]
			if !ok {
				return false, nil
			}
			return strings.Contains(fmt.Sprint(val), needle), nil
		}, nil
	}

	var op string
	switch {
	case strings.Contains(expr, "=="):
		op = "=="
	case strings.Contains(expr, "!="):
		op = "!="
	case strings.Contains(expr, ">="):
		op = ">="
	case strings.Contains(expr, "<="):
		op = "<="
	case strings.Contains(expr, ">"):
		op = ">"
	case strings.Contains(expr, "<"):
		op = "<"
	default:
		return nil, fmt.Errorf("unsupported expression: %s", expr)
	}

	parts := strings.SplitN(expr, op, 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid expression: %s", expr)
	}
	field := strings.TrimSpace(parts[0])
	rhsRaw := strings.TrimSpace(parts[1])

	numRHS, rhsIsNum := evaluateNumber(rhsRaw)

	return func(args map[string]any) (bool, error) {
		val, ok := args[field]
		if !ok {
			return false, nil
		}

		if rhsIsNum {
			lhs, ok := toNumber(val)
			if !ok {
				return false, nil
			}
			cmp := lhs.Cmp(numRHS)
			switch op {
			case "==":
				return cmp == 0, nil
			case "!=":
				return cmp != 0, nil
			case ">":
				return cmp > 0, nil
			case "<":
				return cmp < 0, nil
			case ">=":
				return cmp >= 0, nil
			case "<=":
				return cmp <= 0, nil
			}
		}

		// Addresses and other strings compare case-insensitively.
		lhs := fmt.Sprint(val)
		switch op {
		case "==":
			return strings.EqualFold(lhs, rhsRaw), nil
		case "!=":
			return !strings.EqualFold(lhs, rhsRaw), nil
		default:
			return false, nil
		}
	}, nil
}

// unit helpers scale their argument to the chain's base unit.
var unitHelpers = map[string]*big.Rat{
	"wei":        big.NewRat(1, 1),
	"gwei":       new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(9), nil)),
	"ether":      new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)),
	"microAlgos": big.NewRat(1, 1),
	"algos":      big.NewRat(1_000_000, 1),
}

// evaluateNumber evaluates a numeric literal exactly. Accepted forms:
// "100", "1e18", "1_000_000", "2.5", unit helpers such as "ether(1.5)" or
// "algos(10)", and one multiplication "1_000_000 * 1e6".
func evaluateNumber(s string) (*big.Rat, bool) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "_", "")

	if strings.Contains(s, "*") {
		parts := strings.Split(s, "*")
		if len(parts) != 2 {
			return nil, false
		}
		a, ok1 := evaluateNumber(parts[0])
		b, ok2 := evaluateNumber(parts[1])
		if !ok1 || !ok2 {
			return nil, false
		}
		return new(big.Rat).Mul(a, b), true
	}

	if open := strings.Index(s, "("); open > 0 && strings.HasSuffix(s, ")") {
		scale, ok := unitHelpers[s[:open]]
		if !ok {
			return nil, false
		}
		v, ok := evaluateNumber(s[open+1 : len(s)-1])
		if !ok {
			return nil, false
		}
		return new(big.Rat).Mul(v, scale), true
	}

	if s == "" || strings.Contains(s, "/") {
		return nil, false
	}
	return new(big.Rat).SetString(s)
}

func toNumber(v any) (*big.Rat, bool) {
	switch n := v.(type) {
	case int:
		return new(big.Rat).SetInt64(int64(n)), true
	case int64:
		return new(big.Rat).SetInt64(n), true
	case uint64:
		return new(big.Rat).SetUint64(n), true
	case uint32:
		return new(big.Rat).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Rat).SetUint64(uint64(n)), true
	case uint8:
		return new(big.Rat).SetUint64(uint64(n)), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, false
		}
		return new(big.Rat).SetFloat64(n), true
	case float32:
		return toNumber(float64(n))
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Rat).SetInt(n), true
	case string:
		return evaluateNumber(n)
	default:
		return nil, false
	}
}
