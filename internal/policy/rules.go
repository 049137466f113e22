package policy

import (
	"fmt"
	"strings"
)

// The rule language is a closed JSON-Logic-style operator set evaluated
// over a context document. Evaluation is total: it never panics and
// never errors at runtime. Unknown variables produce nil, comparisons
// against nil are false, arithmetic on non-numbers and division by
// zero produce nil. Rules are validated against the operator set at
// write time instead.

var operators = map[string]struct{ minArgs, maxArgs int }{
	"==":   {2, 2},
	"!=":   {2, 2},
	"<":    {2, 2},
	"<=":   {2, 2},
	">":    {2, 2},
	">=":   {2, 2},
	"and":  {1, -1},
	"or":   {1, -1},
	"!":    {1, 1},
	"in":   {2, 2},
	"!in":  {2, 2},
	"+":    {1, -1},
	"-":    {1, 2},
	"*":    {1, -1},
	"/":    {2, 2},
	"var":  {1, 2},
	"some": {2, 2},
	"all":  {2, 2},
	"if":   {2, -1},
}

// ValidateRule walks a rule tree and rejects unknown operators and bad
// arity. Called on every policy write.
func ValidateRule(node any) error {
	switch n := node.(type) {
	case map[string]any:
		if len(n) != 1 {
			return fmt.Errorf("%w: expression must have exactly one operator, got %d", ErrInvalidRule, len(n))
		}
		for op, args := range n {
			spec, ok := operators[op]
			if !ok {
				return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, op)
			}
			list := argList(args)
			if len(list) < spec.minArgs || (spec.maxArgs >= 0 && len(list) > spec.maxArgs) {
				return fmt.Errorf("%w: operator %q takes %d..%d args, got %d",
					ErrInvalidRule, op, spec.minArgs, spec.maxArgs, len(list))
			}
			if op == "var" {
				if _, ok := list[0].(string); !ok {
					return fmt.Errorf("%w: var path must be a string", ErrInvalidRule)
				}
				continue
			}
			for _, arg := range list {
				if err := ValidateRule(arg); err != nil {
					return err
				}
			}
		}
		return nil
	case []any:
		for _, item := range n {
			if err := ValidateRule(item); err != nil {
				return err
			}
		}
		return nil
	case nil, bool, float64, int, int64, string:
		return nil
	default:
		return fmt.Errorf("%w: unsupported literal type %T", ErrInvalidRule, node)
	}
}

// EvalRule evaluates a rule tree against the context and returns the
// resulting value.
func EvalRule(node any, data map[string]any) any {
	switch n := node.(type) {
	case map[string]any:
		for op, args := range n {
			return applyOp(op, argList(args), data)
		}
		return nil
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = EvalRule(item, data)
		}
		return out
	default:
		return node
	}
}

// Matches evaluates a rule as a policy match predicate. Only an
// explicit boolean true matches; a non-boolean root is a non-match.
func Matches(rule any, data map[string]any) bool {
	v, ok := EvalRule(rule, data).(bool)
	return ok && v
}

func applyOp(op string, args []any, data map[string]any) any {
	switch op {
	case "var":
		path, _ := args[0].(string)
		v, ok := lookupVar(data, path)
		if !ok && len(args) > 1 {
			return EvalRule(args[1], data)
		}
		return v

	case "==":
		return looseEqual(EvalRule(args[0], data), EvalRule(args[1], data))
	case "!=":
		return !looseEqual(EvalRule(args[0], data), EvalRule(args[1], data))

	case "<", "<=", ">", ">=":
		a, aok := toNumber(EvalRule(args[0], data))
		b, bok := toNumber(EvalRule(args[1], data))
		if !aok || !bok {
			return false
		}
		switch op {
		case "<":
			return a < b
		case "<=":
			return a <= b
		case ">":
			return a > b
		default:
			return a >= b
		}

	case "and":
		var last any = true
		for _, arg := range args {
			last = EvalRule(arg, data)
			if !truthy(last) {
				return last
			}
		}
		return last
	case "or":
		var last any
		for _, arg := range args {
			last = EvalRule(arg, data)
			if truthy(last) {
				return last
			}
		}
		return last
	case "!":
		return !truthy(EvalRule(args[0], data))

	case "in":
		return memberOf(EvalRule(args[0], data), EvalRule(args[1], data))
	case "!in":
		return !memberOf(EvalRule(args[0], data), EvalRule(args[1], data))

	case "+", "*":
		acc := 0.0
		if op == "*" {
			acc = 1.0
		}
		for _, arg := range args {
			n, ok := toNumber(EvalRule(arg, data))
			if !ok {
				return nil
			}
			if op == "+" {
				acc += n
			} else {
				acc *= n
			}
		}
		return acc
	case "-":
		a, ok := toNumber(EvalRule(args[0], data))
		if !ok {
			return nil
		}
		if len(args) == 1 {
			return -a
		}
		b, ok := toNumber(EvalRule(args[1], data))
		if !ok {
			return nil
		}
		return a - b
	case "/":
		a, aok := toNumber(EvalRule(args[0], data))
		b, bok := toNumber(EvalRule(args[1], data))
		if !aok || !bok || b == 0 {
			return nil
		}
		return a / b

	case "some", "all":
		// Both are false over an empty list; vacuous truth for "all"
		// would make a policy match on absent data.
		list, _ := EvalRule(args[0], data).([]any)
		if len(list) == 0 {
			return false
		}
		for _, item := range list {
			scoped := elementScope(item, data)
			match := truthy(EvalRule(args[1], scoped))
			if op == "some" && match {
				return true
			}
			if op == "all" && !match {
				return false
			}
		}
		return op == "all"

	case "if":
		// [cond, then, cond2, then2, ..., else?]
		i := 0
		for ; i+1 < len(args); i += 2 {
			if truthy(EvalRule(args[i], data)) {
				return EvalRule(args[i+1], data)
			}
		}
		if i < len(args) {
			return EvalRule(args[i], data)
		}
		return nil
	}
	return nil
}

// elementScope makes the iterated element visible to var lookups inside
// some/all. Object elements expose their keys directly; scalars are
// reachable as the empty path.
func elementScope(item any, parent map[string]any) map[string]any {
	scoped := make(map[string]any, len(parent)+1)
	for k, v := range parent {
		scoped[k] = v
	}
	if obj, ok := item.(map[string]any); ok {
		for k, v := range obj {
			scoped[k] = v
		}
	}
	scoped[""] = item
	return scoped
}

func lookupVar(data map[string]any, path string) (any, bool) {
	if path == "" {
		if v, ok := data[""]; ok {
			return v, true
		}
		return data, true
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		if n, ok := toNumber(v); ok {
			return n != 0
		}
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
		return false
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
		return false
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return false
}

func memberOf(needle, haystack any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if looseEqual(needle, item) {
				return true
			}
		}
		return false
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	default:
		return false
	}
}

func argList(args any) []any {
	if list, ok := args.([]any); ok {
		return list
	}
	return []any{args}
}
