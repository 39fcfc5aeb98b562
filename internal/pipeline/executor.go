// Package pipeline executes a task's declarative step list against the
// tool registry. Each run gets a fresh context document seeded with the
// task params, the run timestamp, and the triggering event payload when
// there is one; steps append their outputs under steps.<save_as> and later
// steps reference them through ${...} selectors.
//
// Execution is strictly sequential and deterministic: the same document
// and the same tool responses produce the same resolved arguments. A step
// failure aborts the attempt with a classified error; the worker decides
// whether the attempt is retried.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yoda-digital/ordinaut/internal/domain/task"
	"github.com/yoda-digital/ordinaut/internal/observability"
	"github.com/yoda-digital/ordinaut/internal/pipeline/template"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
	"github.com/yoda-digital/ordinaut/internal/taskerr"
	"github.com/yoda-digital/ordinaut/internal/tools"
)

// Registry resolves a step's tool address to its catalog entry.
type Registry interface {
	Lookup(address string) (tools.Spec, bool)
}

// Invoker performs one schema-checked tool call.
type Invoker interface {
	Invoke(ctx context.Context, spec tools.Spec, args map[string]any, hints tools.Hints) (map[string]any, error)
}

// Gate is polled before every step. Returning an error aborts the attempt
// with that error; the worker uses it to surface lease loss and task
// cancellation between steps.
type Gate func(ctx context.Context) error

// Request describes one attempt of one run.
type Request struct {
	Task    *task.Task
	RunID   uuid.UUID
	Attempt int
	// Event is the triggering event payload for event-driven tasks,
	// nil for timed ones.
	Event json.RawMessage
	Gate  Gate
}

// Executor runs pipelines. It is stateless across runs and safe for
// concurrent use by multiple worker loops.
type Executor struct {
	registry Registry
	invoker  Invoker
	logger   logging.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer

	// now stamps the context document; swapped in tests.
	now func() time.Time
}

// NewExecutor builds an executor. Metrics may be nil; a nil tracer
// disables spans.
func NewExecutor(registry Registry, invoker Invoker, logger logging.Logger, metrics *observability.Metrics, tracer trace.Tracer) *Executor {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("ordinaut")
	}
	return &Executor{
		registry: registry,
		invoker:  invoker,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
	}
}

// Execute runs every step of the task's pipeline in order and returns the
// final context document (without params) as the run output. On failure
// the returned error carries a taxonomy kind; the document built so far is
// discarded.
func (e *Executor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	t := req.Task
	if t.Payload == nil {
		return nil, taskerr.Validation("task %s has no pipeline", t.ID)
	}

	ctx, span := e.tracer.Start(ctx, observability.SpanRunExecute,
		trace.WithAttributes(observability.RunAttrs(t.ID.String(), req.RunID.String(), req.Attempt)...))
	defer span.End()

	doc, err := e.buildDocument(t, req.Event)
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		return nil, err
	}
	steps := doc["steps"].(map[string]any)

	for i := range t.Payload.Steps {
		step := &t.Payload.Steps[i]
		if err := e.checkGate(ctx, req.Gate); err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			return nil, err
		}
		if err := e.runStep(ctx, req, step, doc, steps); err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			span.SetAttributes(attribute.String(observability.AttrOutcome, "failed"))
			return nil, err
		}
	}

	span.SetAttributes(attribute.String(observability.AttrOutcome, "succeeded"))
	output, err := json.Marshal(outputDocument(doc))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindTool, err, "task %s: encode run output", t.ID)
	}
	return output, nil
}

// buildDocument seeds the run context. The event payload rides along
// exactly as persisted; a payload that is not valid JSON means the row
// was corrupted and the run cannot proceed.
func (e *Executor) buildDocument(t *task.Task, event json.RawMessage) (map[string]any, error) {
	doc := map[string]any{
		"now":    e.now().UTC().Format(time.RFC3339),
		"params": t.Payload.Params,
		"steps":  map[string]any{},
	}
	if len(event) > 0 {
		var payload any
		if err := json.Unmarshal(event, &payload); err != nil {
			return nil, taskerr.Validation("task %s: event payload is not valid JSON: %v", t.ID, err)
		}
		doc["event"] = payload
	}
	return doc, nil
}

func (e *Executor) runStep(ctx context.Context, req Request, step *task.Step, doc, steps map[string]any) error {
	ctx, span := e.tracer.Start(ctx, observability.SpanStepExecute,
		trace.WithAttributes(observability.StepAttrs(step.ID, step.Uses)...))
	defer span.End()

	if step.If != "" {
		proceed, err := template.EvalCondition(step.If, doc)
		if err != nil {
			return taskerr.Wrap(taskerr.KindTemplate, err, "step %q: if", step.ID)
		}
		if !proceed {
			e.logger.Debug("task %s: step %q skipped by condition", req.Task.ID, step.ID)
			span.SetAttributes(attribute.Bool("skipped", true))
			return nil
		}
	}

	if step.SaveAs != "" {
		if _, taken := steps[step.SaveAs]; taken {
			return taskerr.Template("step %q: save_as %q already written by an earlier step", step.ID, step.SaveAs)
		}
	}

	spec, ok := e.registry.Lookup(step.Uses)
	if !ok {
		return taskerr.Tool(false, "step %q: unknown tool %q", step.ID, step.Uses)
	}

	resolved, err := template.ResolveValue(step.With, doc)
	if err != nil {
		return taskerr.Wrap(taskerr.KindTemplate, err, "step %q: with", step.ID)
	}
	args, _ := resolved.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	out, err := e.invoke(ctx, req, step, spec, args)
	if err != nil {
		return err
	}
	if step.SaveAs != "" {
		steps[step.SaveAs] = out
	}
	return nil
}

// invoke performs the tool call under the step deadline. The step's own
// timeout_seconds wins over the tool's declared default.
func (e *Executor) invoke(ctx context.Context, req Request, step *task.Step, spec tools.Spec, args map[string]any) (map[string]any, error) {
	timeout := spec.Timeout()
	if step.TimeoutSeconds > 0 {
		timeout = step.Timeout()
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := e.tracer.Start(stepCtx, observability.SpanToolInvoke)
	started := time.Now()
	out, err := e.invoker.Invoke(ctx, spec, args, tools.Hints{
		TaskID:  req.Task.ID.String(),
		RunID:   req.RunID.String(),
		Attempt: req.Attempt,
	})
	elapsed := time.Since(started)
	span.SetAttributes(observability.ErrorAttrs(err)...)
	span.End()
	e.metrics.RecordToolCall(ctx, step.Uses, err, elapsed)

	if err != nil {
		// A failure caused by the step deadline is a timeout, not a
		// tool fault. The run context is cancel-only, so a deadline on
		// stepCtx can only be the step's own.
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) && taskerr.KindOf(err) != taskerr.KindTimeout {
			err = taskerr.Wrap(taskerr.KindTimeout, err, "tool %q exceeded %s", step.Uses, timeout)
		}
		e.logger.Warn("task %s: step %q failed after %s: %v", req.Task.ID, step.ID, elapsed.Round(time.Millisecond), err)
		return nil, fmt.Errorf("step %q: %w", step.ID, err)
	}
	e.logger.Debug("task %s: step %q completed in %s", req.Task.ID, step.ID, elapsed.Round(time.Millisecond))
	return out, nil
}

func (e *Executor) checkGate(ctx context.Context, gate Gate) error {
	if err := ctx.Err(); err != nil {
		return taskerr.Wrap(taskerr.KindCanceled, err, "run interrupted")
	}
	if gate == nil {
		return nil
	}
	return gate(ctx)
}

// outputDocument strips params from the final context; they are already
// persisted on the task row and only bloat the run record.
func outputDocument(doc map[string]any) map[string]any {
	out := map[string]any{
		"now":   doc["now"],
		"steps": doc["steps"],
	}
	if event, ok := doc["event"]; ok {
		out["event"] = event
	}
	return out
}
