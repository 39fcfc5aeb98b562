package tools

import (
	"context"
	"time"

	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// Compiled-in test tools. They exist so pipelines can be exercised end to
// end without any external endpoint; catalog entries shadow them.
func builtinSpecs() map[string]Spec {
	anyObject := map[string]any{"type": "object"}
	return map[string]Spec{
		"echo": {
			Address:      "echo",
			Transport:    TransportBuiltin,
			InputSchema:  anyObject,
			OutputSchema: anyObject,
		},
		"const": {
			Address:      "const",
			Transport:    TransportBuiltin,
			InputSchema:  anyObject,
			OutputSchema: anyObject,
		},
		"sleep": {
			Address:   "sleep",
			Transport: TransportBuiltin,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"seconds": map[string]any{"type": "number", "minimum": 0},
				},
				"required": []any{"seconds"},
			},
			OutputSchema: anyObject,
		},
		"flaky": {
			Address:   "flaky",
			Transport: TransportBuiltin,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"succeed_after": map[string]any{"type": "integer", "minimum": 1},
				},
				"required": []any{"succeed_after"},
			},
			OutputSchema: anyObject,
		},
	}
}

func runBuiltin(ctx context.Context, address string, args map[string]any, hints Hints) (map[string]any, error) {
	switch address {
	case "echo":
		return map[string]any{"out": args["msg"]}, nil
	case "const":
		out := make(map[string]any, len(args))
		for key, value := range args {
			out[key] = value
		}
		return out, nil
	case "sleep":
		seconds, ok := asSeconds(args["seconds"])
		if !ok {
			return nil, taskerr.Tool(false, "sleep: seconds must be a number")
		}
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[string]any{"slept": seconds}, nil
		}
	case "flaky":
		after, ok := asSeconds(args["succeed_after"])
		if !ok {
			return nil, taskerr.Tool(false, "flaky: succeed_after must be an integer")
		}
		if hints.Attempt < int(after) {
			return nil, taskerr.Tool(true, "flaky: transient failure on attempt %d", hints.Attempt)
		}
		return map[string]any{"ok": true, "attempt": hints.Attempt}, nil
	default:
		return nil, taskerr.Tool(false, "unknown builtin %q", address)
	}
}

func asSeconds(v any) (float64, bool) {
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
