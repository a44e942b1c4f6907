package router_test

import (
	"testing"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/router"
)

type stubPredictor struct {
	strategy   string
	confidence float64
}

func (s *stubPredictor) PredictBestStrategy(ctx fabric.MarketContext) (string, float64) {
	return s.strategy, s.confidence
}

func TestNewRouterRejectsInvertedThresholds(t *testing.T) {
	_, err := router.NewRouter(zap.NewNop(), &stubPredictor{}, router.Config{LowConfidenceThreshold: 0.9, HighConfidenceThreshold: 0.1})
	if err == nil {
		t.Fatal("expected low>high thresholds to be rejected")
	}
}

func TestRouteDecisionHighConfidenceUsesPredictionDirectly(t *testing.T) {
	p := &stubPredictor{strategy: fabric.StrategyLayer, confidence: 0.85}
	r, err := router.NewRouter(zap.NewNop(), p, router.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	decision := r.RouteDecision(fabric.MarketContext{})
	if decision.SelectedStrategy != fabric.StrategyLayer {
		t.Errorf("expected direct pass-through of the predicted strategy, got %q", decision.SelectedStrategy)
	}
	if decision.FallbackUsed {
		t.Error("expected no fallback at high confidence")
	}
}

func TestRouteDecisionMediumConfidenceSelectsHybrid(t *testing.T) {
	p := &stubPredictor{strategy: fabric.StrategyLayer, confidence: 0.70}
	r, err := router.NewRouter(zap.NewNop(), p, router.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	decision := r.RouteDecision(fabric.MarketContext{})
	if decision.SelectedStrategy != fabric.StrategyHybrid {
		t.Errorf("expected hybrid at medium confidence, got %q", decision.SelectedStrategy)
	}
}

func TestRouteDecisionLowConfidenceFallsBackToHardcoded(t *testing.T) {
	p := &stubPredictor{strategy: fabric.StrategyLayer, confidence: 0.10}
	r, err := router.NewRouter(zap.NewNop(), p, router.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	decision := r.RouteDecision(fabric.MarketContext{})
	if decision.SelectedStrategy != fabric.StrategyHardcoded {
		t.Errorf("expected hardcoded fallback at low confidence, got %q", decision.SelectedStrategy)
	}
	if !decision.FallbackUsed {
		t.Error("expected FallbackUsed=true at low confidence")
	}
}

func TestStatisticsTracksFallbackRate(t *testing.T) {
	p := &stubPredictor{strategy: fabric.StrategyLayer, confidence: 0.10}
	r, err := router.NewRouter(zap.NewNop(), p, router.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	r.RouteDecision(fabric.MarketContext{})
	r.RouteDecision(fabric.MarketContext{})

	stats := r.Statistics()
	if stats.TotalRoutes != 2 {
		t.Errorf("expected 2 total routes, got %d", stats.TotalRoutes)
	}
	if stats.FallbackRate != 1.0 {
		t.Errorf("expected a 100%% fallback rate, got %v", stats.FallbackRate)
	}
}

func TestRecentDecisionsReturnsMostRecentLast(t *testing.T) {
	p := &stubPredictor{strategy: fabric.StrategyHardcoded, confidence: 0.5}
	r, err := router.NewRouter(zap.NewNop(), p, router.DefaultConfig())
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	r.RouteDecision(fabric.MarketContext{})
	p.confidence = 0.9
	r.RouteDecision(fabric.MarketContext{})

	recent := r.RecentDecisions(1)
	if len(recent) != 1 || recent[0].Confidence != 0.9 {
		t.Errorf("expected the most recent decision (confidence=0.9), got %+v", recent)
	}
}
