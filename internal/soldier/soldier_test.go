package soldier_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/soldier"
)

type stubEngine struct {
	result soldier.InferenceResult
	err    error
	calls  int
}

func (s *stubEngine) Infer(ctx context.Context, symbol string, tick soldier.MarketTick) (soldier.InferenceResult, error) {
	s.calls++
	return s.result, s.err
}

func testBus() *events.Bus {
	return events.NewBus(zap.NewNop(), events.DefaultConfig(), nil)
}

func TestMakeDecisionUsesLocalEngineInNormalMode(t *testing.T) {
	local := &stubEngine{result: soldier.InferenceResult{Action: "buy", Confidence: 0.8}}
	cloud := &stubEngine{result: soldier.InferenceResult{Action: "sell", Confidence: 0.3}}

	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, local, cloud)

	decision := s.MakeDecision(context.Background(), "BTCUSDT", soldier.MarketTick{Close: 100, MA20: 95})
	if decision.Action != "buy" {
		t.Errorf("expected local engine's decision in normal mode, got %q", decision.Action)
	}
	if local.calls != 1 || cloud.calls != 0 {
		t.Errorf("expected only the local engine to be called, got local=%d cloud=%d", local.calls, cloud.calls)
	}
}

func TestMakeDecisionFallsBackToCloudAfterFailures(t *testing.T) {
	local := &stubEngine{err: errors.New("local inference down")}
	cloud := &stubEngine{result: soldier.InferenceResult{Action: "hold", Confidence: 0.4}}

	bus := testBus()
	defer bus.Shutdown()
	cfg := fabric.DefaultSoldierConfig()
	cfg.FailureThreshold = 1
	s := soldier.NewSoldier(zap.NewNop(), cfg, bus, local, cloud)

	tick := soldier.MarketTick{Close: 100, MA20: 95, Volume: 10, AvgVolume: 10}
	s.MakeDecision(context.Background(), "SYM1", tick)
	decision := s.MakeDecision(context.Background(), "SYM2", tick)

	if s.State() == soldier.ModeNormal {
		t.Errorf("expected the soldier to have degraded after repeated local failures, state=%v", s.State())
	}
	if decision.Action != "hold" {
		t.Errorf("expected the cloud engine's decision once degraded, got %q", decision.Action)
	}
}

func TestDecisionCacheHitSkipsEngineCall(t *testing.T) {
	local := &stubEngine{result: soldier.InferenceResult{Action: "buy", Confidence: 0.9}}
	cloud := &stubEngine{}

	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, local, cloud)

	tick := soldier.MarketTick{Close: 100, MA20: 95, Volume: 5, AvgVolume: 5}
	first := s.MakeDecision(context.Background(), "BTCUSDT", tick)
	second := s.MakeDecision(context.Background(), "BTCUSDT", tick)

	if local.calls != 1 {
		t.Errorf("expected the cache hit to skip the second engine call, got %d calls", local.calls)
	}
	if first.Action != second.Action {
		t.Errorf("expected cached decision to match original: %q vs %q", first.Action, second.Action)
	}
}

func TestOfflinePolicyIsDeterministic(t *testing.T) {
	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, &stubEngine{}, &stubEngine{})
	s.ForceOffline()

	tick := soldier.MarketTick{Close: 110, MA20: 100, Volume: 20, AvgVolume: 10}
	decision := s.MakeDecision(context.Background(), "BTCUSDT", tick)

	if decision.Action != fabric.ActionBuy {
		t.Errorf("expected the deterministic offline rule to return buy for close>MA20 with volume surge, got %q", decision.Action)
	}
	if decision.SourceMode != fabric.ModeOffline {
		t.Errorf("expected source_mode=offline, got %q", decision.SourceMode)
	}
}

func TestP99LatencyNonNegative(t *testing.T) {
	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, &stubEngine{result: soldier.InferenceResult{Action: "hold"}}, &stubEngine{})

	s.MakeDecision(context.Background(), "A", soldier.MarketTick{})
	s.MakeDecision(context.Background(), "B", soldier.MarketTick{Close: 1})

	if s.P99Latency() < 0 {
		t.Errorf("expected a non-negative p99 latency, got %v", s.P99Latency())
	}
}

func TestAverageLatencyTracksFullLifetimeNotJustSlidingWindow(t *testing.T) {
	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, &stubEngine{result: soldier.InferenceResult{Action: "hold"}}, &stubEngine{})

	if avg := s.AverageLatency(); avg != 0 {
		t.Errorf("expected a fresh soldier to report 0 average latency, got %v", avg)
	}

	s.MakeDecision(context.Background(), "A", soldier.MarketTick{})
	s.MakeDecision(context.Background(), "B", soldier.MarketTick{Close: 1})

	avg := s.AverageLatency()
	if avg <= 0 {
		t.Errorf("expected a positive running average latency after two decisions, got %v", avg)
	}

	stats := s.Statistics()
	if stats.AvgLatencyMs != avg {
		t.Errorf("expected Statistics().AvgLatencyMs to match AverageLatency(), got %v vs %v", stats.AvgLatencyMs, avg)
	}
}

func TestRequestExternalAnalysisIsFireAndForgetAndFoldsIntoExternalAnalysis(t *testing.T) {
	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, &stubEngine{}, &stubEngine{})

	received := make(chan *events.Event, 2)
	bus.Subscribe(events.EventTypeMarketDataRequest, "test_listener", func(evt *events.Event) error {
		received <- evt
		return nil
	})

	s.RequestExternalAnalysis("BTCUSDT")

	select {
	case evt := <-received:
		if evt.Data["symbol"] != "BTCUSDT" {
			t.Errorf("expected the market_data_request to carry symbol=BTCUSDT, got %+v", evt.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("expected RequestExternalAnalysis to publish a market_data_request event")
	}

	completed := events.NewEvent(events.EventTypeAnalysisCompleted, "test_analyst", map[string]interface{}{
		"symbol": "BTCUSDT",
		"signal": "bullish",
	})
	if err := bus.Publish(completed); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if analysis, ok := s.ExternalAnalysis("BTCUSDT"); ok {
			if analysis["signal"] != "bullish" {
				t.Errorf("expected the folded analysis to carry signal=bullish, got %+v", analysis)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected analysis_completed to be folded into external_analysis for BTCUSDT")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStatisticsSnapshot(t *testing.T) {
	bus := testBus()
	defer bus.Shutdown()
	s := soldier.NewSoldier(zap.NewNop(), fabric.DefaultSoldierConfig(), bus, &stubEngine{result: soldier.InferenceResult{Action: "hold"}}, &stubEngine{})

	s.MakeDecision(context.Background(), "A", soldier.MarketTick{Volume: 1, AvgVolume: 1})

	stats := s.Statistics()
	if stats.LocalDecisions != 1 {
		t.Errorf("expected 1 local decision recorded, got %d", stats.LocalDecisions)
	}
	if stats.State != fabric.ModeNormal {
		t.Errorf("expected state normal, got %q", stats.State)
	}
}
