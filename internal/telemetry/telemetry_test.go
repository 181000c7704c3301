package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Iron-Ham/teamrun/internal/config"
	"github.com/Iron-Ham/teamrun/internal/event"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]float64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			}
		}
	}
	return out
}

func TestRecordFromBus(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := NewWithReader(context.Background(), reader, nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := event.NewBus(nil)
	tel.Attach(bus)

	bus.Publish(event.NewAgentReasoningEvent("p", "s", event.ReasoningPayload{AgentRole: "coder", Cost: 0.25}))
	bus.Publish(event.NewAgentReasoningEvent("p", "s", event.ReasoningPayload{AgentRole: "planner", Cost: 0.5}))
	bus.Publish(event.NewSessionUpdateEvent("p", "s", event.SessionPayload{Status: "running"}))
	bus.Publish(event.NewSessionUpdateEvent("p", "s", event.SessionPayload{Status: "completed", PreviousStatus: "running"}))
	bus.Publish(event.NewBudgetWarningEvent("p", "s", event.BudgetPayload{Overshoot: 0.1}))
	bus.Publish(event.NewChangesEvent(event.ChangeProposed, "p", "s", event.ChangesPayload{ChangeIDs: []string{"a"}}))
	bus.Publish(event.NewChangesEvent(event.ChangeResolved, "p", "", event.ChangesPayload{ChangeIDs: []string{"a", "b"}, Decision: "apply"}))
	bus.Publish(event.NewBuildEvent(event.BuildStarted, "p", event.BuildPayload{Status: "running"}))
	bus.Publish(event.NewBuildEvent(event.BuildFailed, "p", event.BuildPayload{Status: "failed"}))

	got := collect(t, reader)
	want := map[string]float64{
		"teamrun_events_total":            9,
		"teamrun_agent_turns_total":       2,
		"teamrun_agent_turn_cost_usd":     0.75,
		"teamrun_sessions_finished_total": 1,
		"teamrun_budget_warnings_total":   1,
		"teamrun_change_proposals_total":  1,
		"teamrun_changes_resolved_total":  2,
		"teamrun_builds_total":            1,
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s = %v, want %v", name, got[name], w)
		}
	}

	if err := tel.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := bus.SubscriptionCount(); n != 0 {
		t.Errorf("bus subscriptions after Close = %d, want 0", n)
	}
}

type fakeStats struct{}

func (fakeStats) Len() int                            { return 3 }
func (fakeStats) Stats() (delivered, detached uint64) { return 40, 2 }

func TestObserveConnections(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	tel, err := NewWithReader(context.Background(), reader, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tel.Close(context.Background())

	if err := tel.ObserveConnections(fakeStats{}); err != nil {
		t.Fatal(err)
	}
	got := collect(t, reader)
	if got["teamrun_ws_connections"] != 3 || got["teamrun_ws_delivered_total"] != 40 || got["teamrun_ws_detached_total"] != 2 {
		t.Errorf("connection metrics = %v", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tel.Record(event.NewAgentReasoningEvent("p", "s", event.ReasoningPayload{Cost: 1}))
	if err := tel.ObserveConnections(fakeStats{}); err != nil {
		t.Errorf("ObserveConnections() error = %v", err)
	}
	if err := tel.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestEnabledNeedsEndpoint(t *testing.T) {
	if _, err := New(context.Background(), config.TelemetryConfig{Enabled: true}, nil); err == nil {
		t.Error("New() without endpoint succeeded")
	}
}
