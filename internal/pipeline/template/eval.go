package template

import (
	"fmt"
	"strings"
	"time"
)

// LookupError reports a selector path that does not exist in the context
// document, naming the longest path prefix that failed to resolve.
type LookupError struct {
	Path string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unknown field %q", e.Path)
}

type env struct {
	doc        map[string]any
	current    any
	hasCurrent bool
}

// Eval evaluates the expression against a context document. Paths resolve
// from the document root, now resolves from doc["now"], and @ is only valid
// inside array filters.
func (e *Expr) Eval(doc map[string]any) (any, error) {
	val, err := e.root.eval(&env{doc: doc})
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", e.src, err)
	}
	return val, nil
}

func (n *literalNode) eval(*env) (any, error) {
	return n.val, nil
}

func (n *nowNode) eval(env *env) (any, error) {
	raw, ok := env.doc["now"]
	if !ok {
		return nil, &LookupError{Path: "now"}
	}
	var base time.Time
	switch v := raw.(type) {
	case time.Time:
		base = v
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, v)
		}
		if err != nil {
			return nil, fmt.Errorf("now is not a timestamp: %q", v)
		}
		base = parsed
	default:
		return nil, fmt.Errorf("now is not a timestamp: %s", typeName(raw))
	}
	return base.Add(time.Duration(n.offsetSeconds) * time.Second), nil
}

func (n *pathNode) eval(ev *env) (any, error) {
	var cur any
	var trail strings.Builder
	if n.isAt {
		if !ev.hasCurrent {
			return nil, fmt.Errorf("@ is only valid inside a filter")
		}
		cur = ev.current
		trail.WriteString("@")
	} else {
		val, ok := ev.doc[n.root]
		if !ok {
			return nil, &LookupError{Path: n.root}
		}
		cur = val
		trail.WriteString(n.root)
	}

	for _, seg := range n.segs {
		switch seg.kind {
		case segField:
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot select field %q from %s at %s", seg.field, typeName(cur), trail.String())
			}
			val, ok := obj[seg.field]
			if !ok {
				return nil, &LookupError{Path: trail.String() + "." + seg.field}
			}
			cur = val
			fmt.Fprintf(&trail, ".%s", seg.field)
		case segIndex:
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot index %s at %s", typeName(cur), trail.String())
			}
			if seg.index >= len(arr) {
				return nil, fmt.Errorf("index %d out of range at %s, length %d", seg.index, trail.String(), len(arr))
			}
			cur = arr[seg.index]
			fmt.Fprintf(&trail, "[%d]", seg.index)
		case segFilter:
			arr, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("cannot filter %s at %s", typeName(cur), trail.String())
			}
			matched := make([]any, 0, len(arr))
			for i, elem := range arr {
				verdict, err := seg.filter.eval(&env{doc: ev.doc, current: elem, hasCurrent: true})
				if err != nil {
					return nil, err
				}
				keep, ok := verdict.(bool)
				if !ok {
					return nil, fmt.Errorf("filter at %s[%d] produced %s, want boolean", trail.String(), i, typeName(verdict))
				}
				if keep {
					matched = append(matched, elem)
				}
			}
			cur = matched
			trail.WriteString("[?]")
		}
	}
	return cur, nil
}

func (n *notNode) eval(env *env) (any, error) {
	val, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	b, ok := val.(bool)
	if !ok {
		return nil, fmt.Errorf("! expects a boolean, got %s", typeName(val))
	}
	return !b, nil
}

func (n *binaryNode) eval(env *env) (any, error) {
	if n.op == "&&" || n.op == "||" {
		return n.evalLogical(env)
	}
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	return compare(n.op, left, right)
}

func (n *binaryNode) evalLogical(env *env) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	lb, ok := left.(bool)
	if !ok {
		return nil, fmt.Errorf("%s expects booleans, got %s", n.op, typeName(left))
	}
	if n.op == "&&" && !lb {
		return false, nil
	}
	if n.op == "||" && lb {
		return true, nil
	}
	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}
	rb, ok := right.(bool)
	if !ok {
		return nil, fmt.Errorf("%s expects booleans, got %s", n.op, typeName(right))
	}
	return rb, nil
}

func compare(op string, left, right any) (any, error) {
	// Null participates in equality only.
	if left == nil || right == nil {
		switch op {
		case "==":
			return left == nil && right == nil, nil
		case "!=":
			return !(left == nil && right == nil), nil
		default:
			return nil, fmt.Errorf("cannot order null values with %s", op)
		}
	}

	if lt, lok := asTime(left); lok {
		rt, rok := coerceTime(right)
		if !rok {
			return nil, fmt.Errorf("cannot compare timestamp with %s", typeName(right))
		}
		return compareTimes(op, lt, rt)
	}
	if rt, rok := asTime(right); rok {
		lt, lok := coerceTime(left)
		if !lok {
			return nil, fmt.Errorf("cannot compare %s with timestamp", typeName(left))
		}
		return compareTimes(op, lt, rt)
	}

	lf, lnum := asFloat(left)
	rf, rnum := asFloat(right)
	if lnum && rnum {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls, lstr := left.(string)
	rs, rstr := right.(string)
	if lstr && rstr {
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}

	lb, lbool := left.(bool)
	rb, rbool := right.(bool)
	if lbool && rbool {
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		default:
			return nil, fmt.Errorf("cannot order booleans with %s", op)
		}
	}

	return nil, fmt.Errorf("cannot compare %s with %s", typeName(left), typeName(right))
}

func compareTimes(op string, l, r time.Time) (any, error) {
	switch op {
	case "==":
		return l.Equal(r), nil
	case "!=":
		return !l.Equal(r), nil
	case ">":
		return l.After(r), nil
	case ">=":
		return l.After(r) || l.Equal(r), nil
	case "<":
		return l.Before(r), nil
	case "<=":
		return l.Before(r) || l.Equal(r), nil
	default:
		return nil, fmt.Errorf("unsupported comparison %s", op)
	}
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok
}

// coerceTime accepts time values and RFC 3339 strings so stored timestamps
// compare naturally against now arithmetic.
func coerceTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, val); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case time.Time:
		return "timestamp"
	default:
		return fmt.Sprintf("%T", v)
	}
}
