package blender_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/blender"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

func TestDecideWithNoRulesMatchingUsesEvenWeights(t *testing.T) {
	b := blender.NewBlender(zap.NewNop(), blender.DefaultRules())
	decision := b.Decide(fabric.MarketContext{Volatility: 0.1, AUM: decimal.NewFromFloat(100), Liquidity: decimal.NewFromFloat(1_000_000)},
		fabric.ArchitectureDecision{Confidence: 1.0}, fabric.ArchitectureDecision{Confidence: 0.0})

	if decision.WeightA != 0.5 || decision.WeightB != 0.5 {
		t.Errorf("expected default 50/50 weights when no rule matches, got %v/%v", decision.WeightA, decision.WeightB)
	}
	if decision.BlendingReason != "using default weights (50/50)" {
		t.Errorf("unexpected blending reason: %q", decision.BlendingReason)
	}
}

func TestDecideLargeDrawdownUsesHardcodedOnly(t *testing.T) {
	b := blender.NewBlender(zap.NewNop(), blender.DefaultRules())
	ctx := fabric.MarketContext{RecentDrawdown: -0.20, Liquidity: decimal.NewFromFloat(1_000_000), AUM: decimal.NewFromFloat(100)}

	decision := b.Decide(ctx, fabric.ArchitectureDecision{Confidence: 1.0}, fabric.ArchitectureDecision{Confidence: 1.0})
	if decision.WeightA != 1.0 || decision.WeightB != 0.0 {
		t.Errorf("expected a large drawdown to force architecture A weight=1.0, got %v/%v", decision.WeightA, decision.WeightB)
	}
}

func TestDecideBlendsPositionsBySymbol(t *testing.T) {
	b := blender.NewBlender(zap.NewNop(), blender.DefaultRules())
	ctx := fabric.MarketContext{Liquidity: decimal.NewFromFloat(1_000_000), AUM: decimal.NewFromFloat(100)}

	decisionA := fabric.ArchitectureDecision{Positions: []fabric.HybridPosition{{Symbol: "BTC", Size: decimal.NewFromFloat(10)}}}
	decisionB := fabric.ArchitectureDecision{Positions: []fabric.HybridPosition{{Symbol: "BTC", Size: decimal.NewFromFloat(20)}}}

	decision := b.Decide(ctx, decisionA, decisionB)
	if len(decision.Positions) != 1 {
		t.Fatalf("expected positions for the same symbol to merge into one entry, got %d", len(decision.Positions))
	}
	if decision.Positions[0].Source != "both" {
		t.Errorf("expected a merged position to be sourced as 'both', got %q", decision.Positions[0].Source)
	}
	want := decimal.NewFromFloat(10).Mul(decimal.NewFromFloat(decision.WeightA)).
		Add(decimal.NewFromFloat(20).Mul(decimal.NewFromFloat(decision.WeightB)))
	if !decision.Positions[0].Size.Equal(want) {
		t.Errorf("expected blended size %v, got %v", want, decision.Positions[0].Size)
	}
}

func TestStatisticsTracksRuleTriggers(t *testing.T) {
	b := blender.NewBlender(zap.NewNop(), blender.DefaultRules())
	ctx := fabric.MarketContext{RecentDrawdown: -0.20, Liquidity: decimal.NewFromFloat(1_000_000), AUM: decimal.NewFromFloat(100)}

	b.Decide(ctx, fabric.ArchitectureDecision{}, fabric.ArchitectureDecision{})

	stats := b.Statistics()
	if stats.TotalDecisions != 1 {
		t.Errorf("expected 1 total decision, got %d", stats.TotalDecisions)
	}
	if stats.RulesTriggered["large_drawdown_conservative"] != 1 {
		t.Errorf("expected the drawdown rule to be recorded as triggered, got %+v", stats.RulesTriggered)
	}
}

func TestRecentDecisionsReturnsMostRecentLast(t *testing.T) {
	b := blender.NewBlender(zap.NewNop(), blender.DefaultRules())
	ctx := fabric.MarketContext{Liquidity: decimal.NewFromFloat(1_000_000), AUM: decimal.NewFromFloat(100)}

	b.Decide(ctx, fabric.ArchitectureDecision{Confidence: 0.1}, fabric.ArchitectureDecision{Confidence: 0.1})
	b.Decide(ctx, fabric.ArchitectureDecision{Confidence: 0.9}, fabric.ArchitectureDecision{Confidence: 0.9})

	recent := b.RecentDecisions(1)
	if len(recent) != 1 || recent[0].Confidence < 0.85 {
		t.Errorf("expected the most recent decision last, got %+v", recent)
	}
}
