package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yoda-digital/ordinaut/internal/httpclient"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
)

// Hints carries run identity to the tool so external implementations can
// correlate logs and deduplicate side effects across retries.
type Hints struct {
	TaskID  string `json:"task_id"`
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

type wireRequest struct {
	Args         map[string]any `json:"args"`
	ContextHints Hints          `json:"context_hints"`
}

type wireEnvelope struct {
	Error *wireError `json:"error"`
}

type wireError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable *bool  `json:"retryable"`
}

// Invoker calls tools over their declared transport and enforces the
// input and output schemas around the call.
type Invoker struct {
	client    *http.Client
	schemas   *SchemaCache
	logger    logging.Logger
	bodyLimit int64
}

func NewInvoker(client *http.Client, logger logging.Logger) *Invoker {
	if client == nil {
		client = httpclient.NewWithBreakers(0, httpclient.DefaultBreakerConfig(), logger)
	}
	return &Invoker{
		client:    client,
		schemas:   NewSchemaCache(256),
		logger:    logging.OrNop(logger),
		bodyLimit: 4 << 20,
	}
}

// Invoke validates args against the tool's input schema, performs the
// call, and validates the response against the output schema. The context
// carries the per-step deadline; set it before calling.
func (inv *Invoker) Invoke(ctx context.Context, spec Spec, args map[string]any, hints Hints) (map[string]any, error) {
	if err := inv.schemas.ValidateInput(spec, args); err != nil {
		return nil, err
	}

	var out map[string]any
	var err error
	switch spec.Transport {
	case TransportBuiltin:
		out, err = runBuiltin(ctx, spec.Address, args, hints)
	case TransportHTTP:
		out, err = inv.invokeHTTP(ctx, spec, args, hints)
	default:
		return nil, taskerr.Tool(false, "tool %s: unsupported transport %q", spec.Address, spec.Transport)
	}
	if err != nil {
		return nil, classifyInvokeErr(spec.Address, err)
	}

	if err := inv.schemas.ValidateOutput(spec, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (inv *Invoker) invokeHTTP(ctx context.Context, spec Spec, args map[string]any, hints Hints) (map[string]any, error) {
	body, err := json.Marshal(wireRequest{Args: args, ContextHints: hints})
	if err != nil {
		return nil, taskerr.Tool(false, "tool %s: marshal request: %v", spec.Address, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, taskerr.Tool(false, "tool %s: build request: %v", spec.Address, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := inv.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort on defer

	payload, err := httpclient.ReadBody(resp.Body, inv.bodyLimit)
	if err != nil {
		return nil, err
	}
	return interpretResponse(spec.Address, resp.StatusCode, payload)
}

// interpretResponse maps one wire response onto the single-shape tool
// protocol: a JSON output document, or {error:{kind,message,retryable?}}.
func interpretResponse(address string, status int, payload []byte) (map[string]any, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error != nil {
		// The tool's explicit retryable flag wins; otherwise infer from
		// the HTTP status, treating 2xx envelopes as permanent refusals.
		retryable := false
		if status < 200 || status >= 300 {
			retryable = taskerr.IsTransient(&taskerr.StatusError{Code: status})
		}
		if envelope.Error.Retryable != nil {
			retryable = *envelope.Error.Retryable
		}
		kind := envelope.Error.Kind
		if kind == "" {
			kind = "error"
		}
		return nil, taskerr.Tool(retryable, "tool %s: %s: %s", address, kind, envelope.Error.Message)
	}

	if status < 200 || status >= 300 {
		statusErr := &taskerr.StatusError{Code: status, Body: truncate(string(payload), 200)}
		e := taskerr.Wrap(taskerr.KindTool, statusErr, "tool %s", address)
		e.Retryable = taskerr.IsTransient(statusErr)
		return nil, e
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, taskerr.Tool(false, "tool %s: response is not a JSON object: %v", address, err)
	}
	return doc, nil
}

// classifyInvokeErr maps raw context and transport failures onto the
// error taxonomy; already-classified errors pass through untouched.
func classifyInvokeErr(address string, err error) error {
	var classified *taskerr.Error
	if errors.As(err, &classified) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return taskerr.Timeout("tool %s exceeded its deadline", address)
	case errors.Is(err, context.Canceled):
		return taskerr.Wrap(taskerr.KindCanceled, err, "tool %s interrupted", address)
	case errors.Is(err, httpclient.ErrOpen):
		e := taskerr.Wrap(taskerr.KindTool, err, "tool %s", address)
		e.Retryable = true
		return e
	default:
		e := taskerr.Wrap(taskerr.KindTool, err, "tool %s", address)
		e.Retryable = taskerr.IsTransient(err)
		return e
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
