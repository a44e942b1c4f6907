package runner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/runner"
)

type stubArchitecture struct {
	decision fabric.ArchitectureDecision
	err      error
}

func (s *stubArchitecture) Decide(ctx context.Context, mc fabric.MarketContext) (fabric.ArchitectureDecision, error) {
	return s.decision, s.err
}

type stubLearner struct{ winner string }

func (s *stubLearner) ObserveAndLearn(ctx fabric.MarketContext, perfA, perfB fabric.PerformanceMetrics) string {
	return s.winner
}

func TestNewRunnerRejectsInvalidExecutionMode(t *testing.T) {
	a := &stubArchitecture{}
	_, err := runner.NewRunner(zap.NewNop(), a, a, "yolo", &stubLearner{})
	if err == nil {
		t.Fatal("expected an invalid execution mode to be rejected")
	}
}

func TestConservativeModeAlwaysSelectsArchitectureA(t *testing.T) {
	a := &stubArchitecture{decision: fabric.ArchitectureDecision{Confidence: 0.1}}
	b := &stubArchitecture{decision: fabric.ArchitectureDecision{Confidence: 0.9}}
	r, err := runner.NewRunner(zap.NewNop(), a, b, runner.ModeConservative, &stubLearner{})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	result := r.RunParallel(context.Background(), runner.MarketSnapshot{}, runner.Portfolio{})
	if result.Selected.Strategy != result.DecisionA.Strategy {
		t.Errorf("expected conservative mode to select architecture A regardless of confidence")
	}
}

func TestBalancedModeSelectsHigherConfidence(t *testing.T) {
	a := &stubArchitecture{decision: fabric.ArchitectureDecision{Confidence: 0.2}}
	b := &stubArchitecture{decision: fabric.ArchitectureDecision{Confidence: 0.8}}
	r, err := runner.NewRunner(zap.NewNop(), a, b, runner.ModeBalanced, &stubLearner{})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	result := r.RunParallel(context.Background(), runner.MarketSnapshot{}, runner.Portfolio{})
	if result.Selected.Confidence != 0.8 {
		t.Errorf("expected balanced mode to select the higher-confidence decision, got %v", result.Selected.Confidence)
	}
}

func TestArchitectureErrorProducesSafeDefault(t *testing.T) {
	a := &stubArchitecture{err: errors.New("architecture unavailable")}
	b := &stubArchitecture{decision: fabric.ArchitectureDecision{Confidence: 0.5}}
	r, err := runner.NewRunner(zap.NewNop(), a, b, runner.ModeBalanced, &stubLearner{})
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	result := r.RunParallel(context.Background(), runner.MarketSnapshot{}, runner.Portfolio{})
	if result.DecisionA.Confidence != 0.0 || result.DecisionA.RiskLevel != fabric.RiskLow {
		t.Errorf("expected a safe-default decision on architecture error, got %+v", result.DecisionA)
	}
	if result.DecisionA.Metadata["error"] == nil {
		t.Error("expected the error to be captured in the safe default's metadata")
	}
}

func TestExtractMarketContextComputesHerfindahlConcentration(t *testing.T) {
	portfolio := runner.Portfolio{
		Positions: []runner.Position{
			{Symbol: "A", Value: decimal.NewFromFloat(50)},
			{Symbol: "B", Value: decimal.NewFromFloat(50)},
		},
	}
	mc := runner.ExtractMarketContext(runner.MarketSnapshot{}, portfolio)

	want := 0.5 // two equal 50% shares: 0.5^2 + 0.5^2 = 0.5
	if diff := mc.PortfolioConcentration - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected Herfindahl concentration %v, got %v", want, mc.PortfolioConcentration)
	}
}

func TestExtractMarketContextFullyConcentrated(t *testing.T) {
	portfolio := runner.Portfolio{
		Positions: []runner.Position{{Symbol: "A", Value: decimal.NewFromFloat(100)}},
	}
	mc := runner.ExtractMarketContext(runner.MarketSnapshot{}, portfolio)
	if diff := mc.PortfolioConcentration - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected full concentration of 1.0 for a single position, got %v", mc.PortfolioConcentration)
	}
}

func TestEvaluatePerformanceTracksWinner(t *testing.T) {
	a := &stubArchitecture{}
	learner := &stubLearner{winner: "strategy_a"}
	r, err := runner.NewRunner(zap.NewNop(), a, a, runner.ModeBalanced, learner)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	winner := r.EvaluatePerformance(fabric.MarketContext{}, fabric.ArchitectureDecision{}, fabric.ArchitectureDecision{}, fabric.PerformanceMetrics{}, fabric.PerformanceMetrics{})
	if winner != "strategy_a" {
		t.Errorf("expected winner strategy_a, got %q", winner)
	}

	stats := r.Statistics()
	if stats.ArchitectureAWins != 1 {
		t.Errorf("expected architecture A's win to be recorded, got %d", stats.ArchitectureAWins)
	}
}
