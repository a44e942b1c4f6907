// Package blender implements the hybrid risk-control blender (C7):
// context-sensitive weighting of two architectures' position lists into
// one, driven by a bespoke condition-DSL rule set.
package blender

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

// DefaultRules returns the five default rules from
// hybrid_risk_control.py's _get_default_rules, reproduced field-for-field.
func DefaultRules() []fabric.HybridRule {
	return []fabric.HybridRule{
		{
			Name:             "high_volatility_conservative",
			Condition:        "volatility > 0.30",
			Action:           fabric.ActionIncreaseHardcodedWeight,
			WeightAdjustment: 0.3,
			Reason:           "high volatility environment, increase conservative risk control weight",
		},
		{
			Name:             "large_aum_flexible",
			Condition:        "aum > 1000000",
			Action:           fabric.ActionIncreaseStrategyLayerWeight,
			WeightAdjustment: 0.2,
			Reason:           "large capital scale, increase flexible risk control weight",
		},
		{
			Name:             "large_drawdown_conservative",
			Condition:        "recent_drawdown < -0.10",
			Action:           fabric.ActionUseHardcodedOnly,
			WeightAdjustment: 1.0,
			Reason:           "drawdown too large, switch to conservative risk control",
		},
		{
			Name:             "strong_trend_aggressive",
			Condition:        "abs(trend_strength) > 0.7",
			Action:           fabric.ActionIncreaseStrategyLayerWeight,
			WeightAdjustment: 0.25,
			Reason:           "clear trend, increase aggressive risk control weight",
		},
		{
			Name:             "low_liquidity_conservative",
			Condition:        "liquidity < 500000",
			Action:           fabric.ActionIncreaseHardcodedWeight,
			WeightAdjustment: 0.2,
			Reason:           "insufficient liquidity, increase conservative risk control weight",
		},
	}
}

// stats mirrors hybrid_risk_control.py's running statistics.
type stats struct {
	mu                   sync.Mutex
	totalDecisions       int64
	rulesTriggered       map[string]int64
	avgWeightA           float64
	avgWeightB           float64
}

// Blender combines two architecture decisions into one HybridDecision.
type Blender struct {
	logger *zap.Logger
	rules  []fabric.HybridRule

	historyMu sync.Mutex
	history   []fabric.HybridDecision

	stats stats
}

// NewBlender constructs a Blender. A nil/empty rules slice uses
// DefaultRules, matching hybrid_risk_control.py's constructor default.
func NewBlender(logger *zap.Logger, rules []fabric.HybridRule) *Blender {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Blender{
		logger: logger.With(zap.String("component", "hybrid_blender")),
		rules:  rules,
		stats:  stats{rulesTriggered: make(map[string]int64)},
	}
}

// Decide blends decisionA and decisionB under ctx, applying the rule set
// and producing a single HybridDecision (spec.md §4.7).
func (b *Blender) Decide(ctx fabric.MarketContext, decisionA, decisionB fabric.ArchitectureDecision) fabric.HybridDecision {
	b.stats.mu.Lock()
	b.stats.totalDecisions++
	b.stats.mu.Unlock()

	applied, weightA, weightB := b.evaluateRules(ctx)

	positions := blendPositions(decisionA.Positions, decisionB.Positions, weightA, weightB)
	riskLevel := blendRiskLevel(decisionA.RiskLevel, decisionB.RiskLevel, weightA, weightB)
	confidence := blendConfidence(decisionA.Confidence, decisionB.Confidence, weightA, weightB)

	reason := "using default weights (50/50)"
	names := make([]string, 0, len(applied))
	if len(applied) > 0 {
		for _, r := range applied {
			names = append(names, r.Name)
		}
		reason = fmt.Sprintf("applied rules: %s", strings.Join(names, ", "))
	}

	decision := fabric.HybridDecision{
		Positions:      positions,
		RiskLevel:      riskLevel,
		Confidence:     confidence,
		WeightA:        weightA,
		WeightB:        weightB,
		BlendingReason: reason,
		RulesApplied:   names,
		Timestamp:      time.Now(),
	}

	b.appendHistory(decision)
	b.updateStatistics(weightA, weightB, names)

	return decision
}

// evaluateRules runs every rule's condition against ctx and accumulates
// weight adjustments exactly as hybrid_risk_control.py's
// _evaluate_rules does: start at (0.5, 0.5), apply each matching rule's
// action, then normalize and clamp.
func (b *Blender) evaluateRules(ctx fabric.MarketContext) ([]fabric.HybridRule, float64, float64) {
	weightA, weightB := 0.5, 0.5
	var applied []fabric.HybridRule

	for _, rule := range b.rules {
		matched, err := EvaluateCondition(rule.Condition, ctx)
		if err != nil {
			b.logger.Warn("rule condition failed to evaluate",
				zap.String("rule", rule.Name),
				zap.String("condition", rule.Condition),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}
		applied = append(applied, rule)
		switch rule.Action {
		case fabric.ActionIncreaseHardcodedWeight:
			weightA += rule.WeightAdjustment
			weightB -= rule.WeightAdjustment
		case fabric.ActionIncreaseStrategyLayerWeight:
			weightB += rule.WeightAdjustment
			weightA -= rule.WeightAdjustment
		case fabric.ActionUseHardcodedOnly:
			weightA, weightB = 1.0, 0.0
		case fabric.ActionUseStrategyLayerOnly:
			weightA, weightB = 0.0, 1.0
		}
	}

	total := weightA + weightB
	if total > 0 {
		weightA /= total
		weightB /= total
	} else {
		weightA, weightB = 0.5, 0.5
	}
	weightA = clamp01(weightA)
	weightB = clamp01(weightB)

	return applied, weightA, weightB
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// blendPositions merges two position lists keyed by symbol (spec.md
// §4.7 "Merging positions").
func blendPositions(a, b []fabric.HybridPosition, weightA, weightB float64) []fabric.HybridPosition {
	merged := make(map[string]*fabric.HybridPosition)
	order := make([]string, 0, len(a)+len(b))

	wA := decimal.NewFromFloat(weightA)
	for _, pos := range a {
		merged[pos.Symbol] = &fabric.HybridPosition{
			Symbol: pos.Symbol,
			Size:   pos.Size.Mul(wA),
			Source: "architecture_a",
		}
		order = append(order, pos.Symbol)
	}

	wB := decimal.NewFromFloat(weightB)
	for _, pos := range b {
		contribution := pos.Size.Mul(wB)
		if existing, ok := merged[pos.Symbol]; ok {
			existing.Size = existing.Size.Add(contribution)
			existing.Source = "both"
			continue
		}
		merged[pos.Symbol] = &fabric.HybridPosition{
			Symbol: pos.Symbol,
			Size:   contribution,
			Source: "architecture_b",
		}
		order = append(order, pos.Symbol)
	}

	out := make([]fabric.HybridPosition, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, sym := range order {
		if seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, *merged[sym])
	}
	return out
}

var riskRank = map[string]float64{fabric.RiskLow: 1, fabric.RiskMedium: 2, fabric.RiskHigh: 3}

func blendRiskLevel(riskA, riskB string, weightA, weightB float64) string {
	ra, ok := riskRank[riskA]
	if !ok {
		ra = 2
	}
	rb, ok := riskRank[riskB]
	if !ok {
		rb = 2
	}
	blended := ra*weightA + rb*weightB
	switch {
	case blended < 1.5:
		return fabric.RiskLow
	case blended < 2.5:
		return fabric.RiskMedium
	default:
		return fabric.RiskHigh
	}
}

func blendConfidence(confA, confB, weightA, weightB float64) float64 {
	return clamp01(confA*weightA + confB*weightB)
}

// appendHistory records decision, bounding the ring to the most recent
// 10,000 entries as hybrid_risk_control.py's decision_history does.
func (b *Blender) appendHistory(decision fabric.HybridDecision) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, decision)
	if len(b.history) > 10000 {
		b.history = b.history[len(b.history)-10000:]
	}
}

func (b *Blender) updateStatistics(weightA, weightB float64, rulesApplied []string) {
	b.stats.mu.Lock()
	defer b.stats.mu.Unlock()

	for _, name := range rulesApplied {
		b.stats.rulesTriggered[name]++
	}
	n := float64(b.stats.totalDecisions)
	b.stats.avgWeightA = (b.stats.avgWeightA*(n-1) + weightA) / n
	b.stats.avgWeightB = (b.stats.avgWeightB*(n-1) + weightB) / n
}

// Statistics is the blender's get_statistics()-equivalent snapshot,
// carrying over hybrid_risk_control.py's per-rule trigger counts and
// running average weights per SPEC_FULL's Supplemented Features.
type Statistics struct {
	TotalDecisions       int64            `json:"total_decisions"`
	AvgArchitectureAWeight float64        `json:"avg_architecture_a_weight"`
	AvgArchitectureBWeight float64        `json:"avg_architecture_b_weight"`
	RulesTriggered       map[string]int64 `json:"rules_triggered"`
	TotalRules           int              `json:"total_rules"`
	DecisionHistorySize  int              `json:"decision_history_size"`
}

// Statistics returns a snapshot of the blender's running statistics.
func (b *Blender) Statistics() Statistics {
	b.stats.mu.Lock()
	triggered := make(map[string]int64, len(b.stats.rulesTriggered))
	for k, v := range b.stats.rulesTriggered {
		triggered[k] = v
	}
	s := Statistics{
		TotalDecisions:         b.stats.totalDecisions,
		AvgArchitectureAWeight: b.stats.avgWeightA,
		AvgArchitectureBWeight: b.stats.avgWeightB,
		RulesTriggered:         triggered,
		TotalRules:             len(b.rules),
	}
	b.stats.mu.Unlock()

	b.historyMu.Lock()
	s.DecisionHistorySize = len(b.history)
	b.historyMu.Unlock()

	return s
}

// RecentDecisions returns the n most recently produced decisions,
// most-recent-last (hybrid_risk_control.py's get_recent_decisions).
func (b *Blender) RecentDecisions(n int) []fabric.HybridDecision {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}
	out := make([]fabric.HybridDecision, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}
