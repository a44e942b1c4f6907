package metrics_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/coordinator"
	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/metrics"
	"github.com/atlas-desktop/coordination-fabric/internal/soldier"
)

type noopSoldierEngine struct{}

func (n *noopSoldierEngine) Infer(ctx context.Context, symbol string, tick soldier.MarketTick) (soldier.InferenceResult, error) {
	return soldier.InferenceResult{}, nil
}

type noopCoordEngine struct{}

func (n *noopCoordEngine) Invoke(ctx context.Context, mc fabric.MarketContext) (fabric.BrainDecision, error) {
	return fabric.BrainDecision{}, nil
}

func TestSampleWithNilComponentsLeavesGaugesRegistered(t *testing.T) {
	reg := metrics.New()
	reg.Sample(nil, nil, nil)

	count, err := testutil.GatherAndCount(reg.Registerer())
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count == 0 {
		t.Error("expected the registry to still expose its registered collectors with nil components")
	}
}

func TestSampleReflectsEventBusStats(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig(), nil)
	defer bus.Shutdown()
	bus.Publish(events.NewEvent(events.EventTypeHeartbeat, "test", nil))

	reg := metrics.New()
	reg.Sample(bus, nil, nil)

	metric := `
		# HELP fabric_event_bus_events_published_total Total events published to the bus.
		# TYPE fabric_event_bus_events_published_total gauge
		fabric_event_bus_events_published_total 1
	`
	if err := testutil.GatherAndCompare(reg.Registerer(), strings.NewReader(metric), "fabric_event_bus_events_published_total"); err != nil {
		t.Errorf("unexpected events_published_total: %v", err)
	}
}

func TestSampleReflectsSoldierOfflineMode(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig(), nil)
	defer bus.Shutdown()
	engine := &noopSoldierEngine{}
	sol := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, engine, engine)
	sol.ForceOffline()

	reg := metrics.New()
	reg.Sample(nil, nil, sol)

	metric := `
		# HELP fabric_soldier_mode 1 if the soldier is currently in the named mode, else 0.
		# TYPE fabric_soldier_mode gauge
		fabric_soldier_mode{mode="degraded"} 0
		fabric_soldier_mode{mode="normal"} 0
		fabric_soldier_mode{mode="offline"} 1
	`
	if err := testutil.GatherAndCompare(reg.Registerer(), strings.NewReader(metric), "fabric_soldier_mode"); err != nil {
		t.Errorf("unexpected soldier_mode: %v", err)
	}
}

func TestSampleReflectsCoordinatorConflicts(t *testing.T) {
	engine := &noopCoordEngine{}
	c := coordinator.NewCoordinator(zap.NewNop(), nil, coordinator.DefaultConfig(), engine, engine, engine)
	defer c.Shutdown()
	c.ResolveConflicts([]fabric.BrainDecision{
		{PrimaryBrain: fabric.BrainSoldier, Confidence: 0.5},
		{PrimaryBrain: fabric.BrainScholar, Confidence: 0.51},
	})

	reg := metrics.New()
	reg.Sample(nil, c, nil)

	metric := `
		# HELP fabric_coordinator_coordination_conflicts_total Total decision conflicts resolved across two or more brains.
		# TYPE fabric_coordinator_coordination_conflicts_total gauge
		fabric_coordinator_coordination_conflicts_total 1
	`
	if err := testutil.GatherAndCompare(reg.Registerer(), strings.NewReader(metric), "fabric_coordinator_coordination_conflicts_total"); err != nil {
		t.Errorf("unexpected coordination_conflicts_total: %v", err)
	}
}
