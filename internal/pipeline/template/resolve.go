// Package template implements the ${...} selector language used by pipeline
// steps to reference params, prior step outputs, event payloads and the run
// timestamp. Expressions are parsed into a small AST once and evaluated
// against a plain JSON-style document, so resolution never reaches outside
// the run context.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type span struct {
	start int
	end   int // byte after the closing brace
	inner string
}

// extract finds every ${...} placeholder in s. Closing braces inside quoted
// strings do not terminate a placeholder, so filters like
// ${items[?(@.name == "}")]} survive.
func extract(s string) ([]span, error) {
	var spans []span
	for i := 0; i < len(s); {
		open := strings.Index(s[i:], "${")
		if open < 0 {
			break
		}
		open += i
		var quote byte
		escaped := false
		end := -1
		for j := open + 2; j < len(s); j++ {
			c := s[j]
			if quote != 0 {
				if escaped {
					escaped = false
					continue
				}
				switch c {
				case '\\':
					escaped = true
				case quote:
					quote = 0
				}
				continue
			}
			switch c {
			case '\'', '"':
				quote = c
			case '}':
				end = j
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return nil, fmt.Errorf("unterminated ${ at offset %d", open)
		}
		spans = append(spans, span{start: open, end: end + 1, inner: s[open+2 : end]})
		i = end + 1
	}
	return spans, nil
}

// ResolveString substitutes placeholders in a single string. A string that
// is exactly one placeholder yields the selected value with its type intact;
// placeholders embedded in surrounding text are stringified in place.
func ResolveString(s string, doc map[string]any) (any, error) {
	spans, err := extract(s)
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return s, nil
	}
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(s) {
		expr, err := Parse(spans[0].inner)
		if err != nil {
			return nil, err
		}
		val, err := expr.Eval(doc)
		if err != nil {
			return nil, err
		}
		if t, ok := val.(time.Time); ok {
			return t.Format(time.RFC3339), nil
		}
		return val, nil
	}

	var out strings.Builder
	last := 0
	for _, sp := range spans {
		out.WriteString(s[last:sp.start])
		expr, err := Parse(sp.inner)
		if err != nil {
			return nil, err
		}
		val, err := expr.Eval(doc)
		if err != nil {
			return nil, err
		}
		text, err := stringify(val)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", sp.inner, err)
		}
		out.WriteString(text)
		last = sp.end
	}
	out.WriteString(s[last:])
	return out.String(), nil
}

// ResolveValue walks maps, arrays and strings, substituting placeholders
// everywhere. Non-string scalars pass through untouched.
func ResolveValue(v any, doc map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return ResolveString(val, doc)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := ResolveValue(elem, doc)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := ResolveValue(elem, doc)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// EvalCondition evaluates a step condition. The text may be a single
// ${...} placeholder or a bare expression; either way it must produce a
// boolean.
func EvalCondition(s string, doc map[string]any) (bool, error) {
	expr, err := parseCondition(s)
	if err != nil {
		return false, err
	}
	val, err := expr.Eval(doc)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q produced %s, want boolean", s, typeName(val))
	}
	return b, nil
}

// CheckCondition validates condition syntax without a context document.
func CheckCondition(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	_, err := parseCondition(s)
	return err
}

// CheckValue validates the syntax of every placeholder reachable in v.
func CheckValue(v any) error {
	switch val := v.(type) {
	case string:
		spans, err := extract(val)
		if err != nil {
			return err
		}
		for _, sp := range spans {
			if _, err := Parse(sp.inner); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, elem := range val {
			if err := CheckValue(elem); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, elem := range val {
			if err := CheckValue(elem); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

func parseCondition(s string) (*Expr, error) {
	trimmed := strings.TrimSpace(s)
	spans, err := extract(trimmed)
	if err != nil {
		return nil, err
	}
	if len(spans) == 1 && spans[0].start == 0 && spans[0].end == len(trimmed) {
		return Parse(spans[0].inner)
	}
	if len(spans) > 0 {
		return nil, fmt.Errorf("condition %q mixes placeholders with text", s)
	}
	return Parse(trimmed)
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case time.Time:
		return val.Format(time.RFC3339), nil
	case []any, map[string]any:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("cannot embed value: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("cannot embed %s in a string", typeName(v))
	}
}
