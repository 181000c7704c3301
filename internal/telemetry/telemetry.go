// Package telemetry turns bus events into OpenTelemetry metrics. With
// export disabled the instruments are backed by a no-op provider, so
// callers never need to check whether telemetry is on.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/domain"
	"github.com/Iron-Ham/teamrun/internal/event"
	"github.com/Iron-Ham/teamrun/internal/logging"
)

const (
	serviceName = "teamrun"
	meterName   = "github.com/Iron-Ham/teamrun"
)

// ConnectionStats is the part of the connection registry observed as gauges.
type ConnectionStats interface {
	Len() int
	Stats() (delivered, detached uint64)
}

// Telemetry holds the meter provider and the instruments fed by the bus.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	logger   *logging.Logger

	events       metric.Int64Counter
	turns        metric.Int64Counter
	turnCost     metric.Float64Counter
	sessionsDone metric.Int64Counter
	budgetWarns  metric.Int64Counter
	proposed     metric.Int64Counter
	resolved     metric.Int64Counter
	builds       metric.Int64Counter

	busSub string
	bus    *event.Bus
}

// New builds a Telemetry from cfg. When cfg.Enabled is false the returned
// value records into a no-op meter.
func New(ctx context.Context, cfg config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if !cfg.Enabled {
		return newTelemetry(noop.NewMeterProvider().Meter(meterName), nil, logger)
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("telemetry: endpoint is required when enabled")
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval() > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval()))
	}
	return NewWithReader(ctx, sdkmetric.NewPeriodicReader(exp, readerOpts...), logger)
}

// NewWithReader builds a Telemetry exporting through reader.
func NewWithReader(ctx context.Context, reader sdkmetric.Reader, logger *logging.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return newTelemetry(provider.Meter(meterName), provider, logger)
}

func newTelemetry(meter metric.Meter, provider *sdkmetric.MeterProvider, logger *logging.Logger) (*Telemetry, error) {
	t := &Telemetry{provider: provider, logger: logger.With("component", "telemetry")}

	var err error
	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	t.events = counter("teamrun_events_total", "Events published on the bus", "{event}")
	t.turns = counter("teamrun_agent_turns_total", "Completed agent turns", "{turn}")
	t.sessionsDone = counter("teamrun_sessions_finished_total", "Sessions reaching a terminal status", "{session}")
	t.budgetWarns = counter("teamrun_budget_warnings_total", "Turns that pushed a team over its budget", "{warning}")
	t.proposed = counter("teamrun_change_proposals_total", "Change proposal notifications, labelled by conflict", "{change}")
	t.resolved = counter("teamrun_changes_resolved_total", "Applied or rejected file changes", "{change}")
	t.builds = counter("teamrun_builds_total", "Finished builds", "{build}")
	if err != nil {
		return nil, fmt.Errorf("telemetry: create counter: %w", err)
	}

	t.turnCost, err = meter.Float64Counter("teamrun_agent_turn_cost_usd",
		metric.WithDescription("Cost charged by agent turns"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create cost counter: %w", err)
	}
	return t, nil
}

// Attach records every event published on bus until Close.
func (t *Telemetry) Attach(bus *event.Bus) {
	t.bus = bus
	t.busSub = bus.SubscribeAll(t.Record)
}

// ObserveConnections registers gauges reading live connection stats.
func (t *Telemetry) ObserveConnections(stats ConnectionStats) error {
	if t.provider == nil {
		return nil
	}
	meter := t.provider.Meter(meterName)
	open, err := meter.Int64ObservableGauge("teamrun_ws_connections",
		metric.WithDescription("Open event stream connections"))
	if err != nil {
		return fmt.Errorf("telemetry: create gauge: %w", err)
	}
	delivered, err := meter.Int64ObservableCounter("teamrun_ws_delivered_total",
		metric.WithDescription("Events enqueued to connections"))
	if err != nil {
		return fmt.Errorf("telemetry: create counter: %w", err)
	}
	detached, err := meter.Int64ObservableCounter("teamrun_ws_detached_total",
		metric.WithDescription("Connections dropped for falling behind"))
	if err != nil {
		return fmt.Errorf("telemetry: create counter: %w", err)
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		d, x := stats.Stats()
		o.ObserveInt64(open, int64(stats.Len()))
		o.ObserveInt64(delivered, int64(d))
		o.ObserveInt64(detached, int64(x))
		return nil
	}, open, delivered, detached)
	if err != nil {
		return fmt.Errorf("telemetry: register callback: %w", err)
	}
	return nil
}

// Record updates the instruments for one event.
func (t *Telemetry) Record(e event.Event) {
	ctx := context.Background()
	t.events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))

	switch p := e.Payload.(type) {
	case event.ReasoningPayload:
		attrs := metric.WithAttributes(attribute.String("role", p.AgentRole))
		t.turns.Add(ctx, 1, attrs)
		t.turnCost.Add(ctx, p.Cost, attrs)
	case event.SessionPayload:
		if domain.Status(p.Status).IsTerminal() {
			t.sessionsDone.Add(ctx, 1, metric.WithAttributes(
				attribute.String("status", p.Status),
				attribute.String("reason", p.Reason)))
		}
	case event.BudgetPayload:
		t.budgetWarns.Add(ctx, 1)
	case event.ChangesPayload:
		n := int64(len(p.ChangeIDs))
		switch e.Type {
		case event.ChangeProposed:
			t.proposed.Add(ctx, n, metric.WithAttributes(attribute.Bool("conflict", p.Conflict)))
		case event.ChangeResolved:
			t.resolved.Add(ctx, n, metric.WithAttributes(attribute.String("decision", p.Decision)))
		}
	case event.BuildPayload:
		if e.Type == event.BuildCompleted || e.Type == event.BuildFailed {
			t.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", p.Status)))
		}
	}
}

// Close detaches from the bus and flushes pending metrics.
func (t *Telemetry) Close(ctx context.Context) error {
	if t.bus != nil {
		t.bus.Unsubscribe(t.busSub)
		t.bus = nil
	}
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
