// Package observability wires the process-wide metrics and tracing
// providers. Metrics are OpenTelemetry instruments exported through the
// Prometheus bridge and served on a small HTTP endpoint; tracing is off
// unless an exporter is configured.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yoda-digital/ordinaut/internal/shared/async"
	"github.com/yoda-digital/ordinaut/internal/shared/logging"
)

const meterName = "ordinaut"

// Metrics holds the orchestrator's instruments. A nil *Metrics records
// nothing, so components can be handed nil in tests without wiring a
// meter provider.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	server   *http.Server
	logger   logging.Logger

	materialized metric.Int64Counter
	suppressed   metric.Int64Counter
	exhausted    metric.Int64Counter
	triggers     metric.Int64Gauge
	leader       metric.Int64Gauge

	leases       metric.Int64Counter
	emptyPolls   metric.Int64Counter
	runs         metric.Int64Counter
	attempts     metric.Int64Histogram
	runDuration  metric.Float64Histogram
	backoffDelay metric.Float64Histogram
	renewals     metric.Int64Counter

	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram
}

// NewMetrics registers the instrument set on a fresh meter provider and
// installs it as the OpenTelemetry global.
func NewMetrics(logger logging.Logger) (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter(meterName)

	m := &Metrics{provider: provider, logger: logging.OrNop(logger)}

	m.materialized, err = meter.Int64Counter("ordinaut.scheduler.materialized",
		metric.WithDescription("Work items created by the scheduler"),
		metric.WithUnit("{workitem}"))
	if err != nil {
		return nil, fmt.Errorf("create materialized counter: %w", err)
	}
	m.suppressed, err = meter.Int64Counter("ordinaut.scheduler.suppressed",
		metric.WithDescription("Materialisations skipped by dedupe"),
		metric.WithUnit("{workitem}"))
	if err != nil {
		return nil, fmt.Errorf("create suppressed counter: %w", err)
	}
	m.exhausted, err = meter.Int64Counter("ordinaut.scheduler.exhausted",
		metric.WithDescription("Schedules that ran out of occurrences"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, fmt.Errorf("create exhausted counter: %w", err)
	}
	m.triggers, err = meter.Int64Gauge("ordinaut.scheduler.triggers",
		metric.WithDescription("Armed timers on the active scheduler"),
		metric.WithUnit("{task}"))
	if err != nil {
		return nil, fmt.Errorf("create triggers gauge: %w", err)
	}
	m.leader, err = meter.Int64Gauge("ordinaut.scheduler.leader",
		metric.WithDescription("1 while this process holds the scheduler lock"))
	if err != nil {
		return nil, fmt.Errorf("create leader gauge: %w", err)
	}

	m.leases, err = meter.Int64Counter("ordinaut.worker.leases",
		metric.WithDescription("Work items leased"),
		metric.WithUnit("{workitem}"))
	if err != nil {
		return nil, fmt.Errorf("create leases counter: %w", err)
	}
	m.emptyPolls, err = meter.Int64Counter("ordinaut.worker.empty_polls",
		metric.WithDescription("Poll cycles that found no ready work"))
	if err != nil {
		return nil, fmt.Errorf("create empty polls counter: %w", err)
	}
	m.runs, err = meter.Int64Counter("ordinaut.worker.runs",
		metric.WithDescription("Finished runs by outcome"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	m.attempts, err = meter.Int64Histogram("ordinaut.worker.attempts",
		metric.WithDescription("Attempts consumed before a run settled"),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, fmt.Errorf("create attempts histogram: %w", err)
	}
	m.runDuration, err = meter.Float64Histogram("ordinaut.run.duration",
		metric.WithDescription("Wall time of a run, first attempt to settlement"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create run duration histogram: %w", err)
	}
	m.backoffDelay, err = meter.Float64Histogram("ordinaut.worker.backoff",
		metric.WithDescription("Delay slept between retry attempts"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create backoff histogram: %w", err)
	}
	m.renewals, err = meter.Int64Counter("ordinaut.worker.lease_renewals",
		metric.WithDescription("Lease renewal attempts by result"))
	if err != nil {
		return nil, fmt.Errorf("create renewals counter: %w", err)
	}

	m.toolCalls, err = meter.Int64Counter("ordinaut.tool.calls",
		metric.WithDescription("Tool invocations by address and status"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, fmt.Errorf("create tool calls counter: %w", err)
	}
	m.toolDuration, err = meter.Float64Histogram("ordinaut.tool.duration",
		metric.WithDescription("Tool invocation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create tool duration histogram: %w", err)
	}

	return m, nil
}

// StartServer exposes /metrics and /healthz on addr. No-op when addr is
// empty.
func (m *Metrics) StartServer(addr string) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	async.Go(m.logger, "metrics-server", func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server failed: %v", err)
		}
	})
	m.logger.Info("metrics listening on %s", addr)
}

// Shutdown stops the HTTP endpoint and flushes the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	var errs []error
	if m.server != nil {
		if err := m.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.provider != nil {
		if err := m.provider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordMaterialized counts one work item created for a schedule kind.
func (m *Metrics) RecordMaterialized(ctx context.Context, kind string) {
	if m == nil || m.materialized == nil {
		return
	}
	m.materialized.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSuppressed counts one materialisation skipped by dedupe.
func (m *Metrics) RecordSuppressed(ctx context.Context) {
	if m == nil || m.suppressed == nil {
		return
	}
	m.suppressed.Add(ctx, 1)
}

// RecordExhausted counts one schedule that has no further occurrences.
func (m *Metrics) RecordExhausted(ctx context.Context) {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.Add(ctx, 1)
}

// SetTriggerCount reports the number of armed timers.
func (m *Metrics) SetTriggerCount(ctx context.Context, n int) {
	if m == nil || m.triggers == nil {
		return
	}
	m.triggers.Record(ctx, int64(n))
}

// SetLeader reports whether this process currently schedules.
func (m *Metrics) SetLeader(ctx context.Context, leading bool) {
	if m == nil || m.leader == nil {
		return
	}
	v := int64(0)
	if leading {
		v = 1
	}
	m.leader.Record(ctx, v)
}

// RecordLease counts one successful lease.
func (m *Metrics) RecordLease(ctx context.Context) {
	if m == nil || m.leases == nil {
		return
	}
	m.leases.Add(ctx, 1)
}

// RecordEmptyPoll counts one poll cycle that found nothing ready.
func (m *Metrics) RecordEmptyPoll(ctx context.Context) {
	if m == nil || m.emptyPolls == nil {
		return
	}
	m.emptyPolls.Add(ctx, 1)
}

// RecordRun records a settled run: its outcome label, the attempts it
// consumed, and its wall time.
func (m *Metrics) RecordRun(ctx context.Context, outcome string, attempt int, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if m.runs != nil {
		m.runs.Add(ctx, 1, attrs)
	}
	if m.attempts != nil {
		m.attempts.Record(ctx, int64(attempt), attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordBackoff records the delay slept before a retry.
func (m *Metrics) RecordBackoff(ctx context.Context, delay time.Duration) {
	if m == nil || m.backoffDelay == nil {
		return
	}
	m.backoffDelay.Record(ctx, delay.Seconds())
}

// RecordLeaseRenewal counts one renewal attempt.
func (m *Metrics) RecordLeaseRenewal(ctx context.Context, ok bool) {
	if m == nil || m.renewals == nil {
		return
	}
	m.renewals.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, address string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", address),
		attribute.String("status", status),
	)
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, attrs)
	}
	if m.toolDuration != nil {
		m.toolDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
