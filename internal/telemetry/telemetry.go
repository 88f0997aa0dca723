// Package telemetry exports fleet metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "vetfleet"

type Config struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
}

// Setup installs a global meter provider exporting to cfg.OTLPEndpoint. When
// telemetry is disabled the global no-op provider stays in place and the
// returned shutdown is a no-op.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	logger := slog.Default().With("component", "telemetry")
	if !cfg.Enabled {
		logger.DebugContext(ctx, "telemetry disabled")
		return func(context.Context) error { return nil }, nil
	}
	name := cfg.ServiceName
	if name == "" {
		name = meterName
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(mp)
	logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.OTLPEndpoint, "service", name)
	return mp.Shutdown, nil
}

// Metrics holds the instruments shared by the sweeps and the LLM client.
type Metrics struct {
	proposalsRouted  metric.Int64Counter
	proposalsApplied metric.Int64Counter
	healthIssues     metric.Int64Counter
	runsKilled       metric.Int64Counter
	agentsPaused     metric.Int64Counter
	llmRequests      metric.Int64Counter
	llmTokens        metric.Int64Counter
	llmDuration      metric.Float64Histogram
}

// NewMetrics creates instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error
	if m.proposalsRouted, err = meter.Int64Counter("vetfleet.proposals.triaged",
		metric.WithDescription("Pending proposals triaged by the supervisor"),
		metric.WithUnit("{proposal}")); err != nil {
		return nil, err
	}
	if m.proposalsApplied, err = meter.Int64Counter("vetfleet.proposals.applied",
		metric.WithDescription("Apply attempts by outcome"),
		metric.WithUnit("{proposal}")); err != nil {
		return nil, err
	}
	if m.healthIssues, err = meter.Int64Counter("vetfleet.health.issues",
		metric.WithDescription("Fleet health issues raised"),
		metric.WithUnit("{issue}")); err != nil {
		return nil, err
	}
	if m.runsKilled, err = meter.Int64Counter("vetfleet.runs.killed",
		metric.WithDescription("Stuck runs terminated"),
		metric.WithUnit("{run}")); err != nil {
		return nil, err
	}
	if m.agentsPaused, err = meter.Int64Counter("vetfleet.agents.paused",
		metric.WithDescription("Agents paused for error streaks"),
		metric.WithUnit("{agent}")); err != nil {
		return nil, err
	}
	if m.llmRequests, err = meter.Int64Counter("vetfleet.llm.requests",
		metric.WithDescription("LLM chat calls by outcome"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.llmTokens, err = meter.Int64Counter("vetfleet.llm.tokens",
		metric.WithDescription("Tokens consumed"),
		metric.WithUnit("{token}")); err != nil {
		return nil, err
	}
	if m.llmDuration, err = meter.Float64Histogram("vetfleet.llm.duration",
		metric.WithDescription("LLM call latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Default returns instruments on the global meter provider.
func Default() *Metrics {
	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Default().With("component", "telemetry").Warn("falling back to detached metrics", "error", err)
		return &Metrics{}
	}
	return m
}

func (m *Metrics) ProposalTriaged(ctx context.Context, outcome, proposalType string) {
	if m == nil || m.proposalsRouted == nil {
		return
	}
	m.proposalsRouted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("proposal_type", proposalType),
	))
}

func (m *Metrics) ProposalApplied(ctx context.Context, proposalType string, ok bool) {
	if m == nil || m.proposalsApplied == nil {
		return
	}
	m.proposalsApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("proposal_type", proposalType),
		attribute.Bool("success", ok),
	))
}

func (m *Metrics) HealthIssues(ctx context.Context, n int) {
	if m == nil || m.healthIssues == nil || n == 0 {
		return
	}
	m.healthIssues.Add(ctx, int64(n))
}

func (m *Metrics) RunKilled(ctx context.Context, agentID string) {
	if m == nil || m.runsKilled == nil {
		return
	}
	m.runsKilled.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (m *Metrics) AgentPaused(ctx context.Context, agentID string) {
	if m == nil || m.agentsPaused == nil {
		return
	}
	m.agentsPaused.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (m *Metrics) LLMCall(ctx context.Context, agentID, model string, tokens int64, d time.Duration, ok bool) {
	if m == nil || m.llmRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("model", model),
		attribute.Bool("success", ok),
	)
	m.llmRequests.Add(ctx, 1, attrs)
	if tokens > 0 {
		m.llmTokens.Add(ctx, tokens, attrs)
	}
	m.llmDuration.Record(ctx, d.Seconds(), attrs)
}
