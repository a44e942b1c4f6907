// Package runner implements the dual-architecture runner (C4): it runs
// two candidate architectures on the same market tick, selects one to
// execute per the configured execution mode, and feeds realized
// performance back to the meta-learner.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

// Architecture is the decide-shaped engine adapter boundary each
// candidate architecture implements (spec.md §6's engine-adapter
// pattern, specialized to the runner's two architectures).
type Architecture interface {
	Decide(ctx context.Context, mc fabric.MarketContext) (fabric.ArchitectureDecision, error)
}

// Learner is the subset of the meta-learner's surface the runner
// depends on for performance feedback.
type Learner interface {
	ObserveAndLearn(ctx fabric.MarketContext, perfA, perfB fabric.PerformanceMetrics) string
}

// Position is one portfolio holding used to extract MarketContext's
// Herfindahl concentration (spec.md §4.4).
type Position struct {
	Symbol string
	Value  decimal.Decimal
}

// Portfolio is the runner's view of account state for context
// extraction, mirroring dual_architecture_runner.py's portfolio dict.
type Portfolio struct {
	TotalValue     decimal.Decimal
	Positions      []Position
	RecentDrawdown float64
}

// MarketSnapshot is the runner's view of current market conditions for
// context extraction, mirroring dual_architecture_runner.py's
// market_data dict.
type MarketSnapshot struct {
	Volatility    float64
	AvgVolume     decimal.Decimal
	TrendStrength float64
	Regime        string
}

const (
	ModeConservative = "conservative"
	ModeAggressive   = "aggressive"
	ModeBalanced     = "balanced"
)

type stats struct {
	mu                sync.Mutex
	totalRuns         int64
	architectureASelected int64
	architectureBSelected int64
	architectureAWins int64
	architectureBWins int64
	ties              int64
}

// Runner is the dual-architecture runner described in spec.md §4.4.
type Runner struct {
	logger        *zap.Logger
	architectureA Architecture
	architectureB Architecture
	executionMode string
	learner       Learner

	historyMu sync.Mutex
	history   []RunResult

	stats stats
}

// NewRunner constructs a Runner. executionMode must be one of
// conservative/aggressive/balanced, matching
// DualArchitectureRunner.__init__'s validation.
func NewRunner(logger *zap.Logger, architectureA, architectureB Architecture, executionMode string, learner Learner) (*Runner, error) {
	switch executionMode {
	case ModeConservative, ModeAggressive, ModeBalanced:
	default:
		return nil, fabric.ErrInvalidArgument.WithMessage("runner: execution_mode must be conservative, aggressive, or balanced")
	}
	return &Runner{
		logger:        logger.With(zap.String("component", "dual_architecture_runner")),
		architectureA: architectureA,
		architectureB: architectureB,
		executionMode: executionMode,
		learner:       learner,
	}, nil
}

// RunResult bundles one tick's outcome (spec.md §4.4 run_parallel).
type RunResult struct {
	MarketContext    fabric.MarketContext
	DecisionA        fabric.ArchitectureDecision
	DecisionB        fabric.ArchitectureDecision
	Selected         fabric.ArchitectureDecision
	ExecutionMode    string
	ExecutedPositions []fabric.HybridPosition
	Timestamp        time.Time
}

// ExtractMarketContext builds a MarketContext from raw market/portfolio
// state, computing the Herfindahl-Hirschman concentration index exactly
// as dual_architecture_runner.py's _extract_market_context does.
func ExtractMarketContext(market MarketSnapshot, portfolio Portfolio) fabric.MarketContext {
	concentration := 0.0
	if len(portfolio.Positions) > 0 {
		total := 0.0
		values := make([]float64, len(portfolio.Positions))
		for i, p := range portfolio.Positions {
			v, _ := p.Value.Float64()
			values[i] = v
			total += v
		}
		if total > 0 {
			for _, v := range values {
				share := v / total
				concentration += share * share
			}
		}
	}

	return fabric.MarketContext{
		Volatility:             market.Volatility,
		Liquidity:              market.AvgVolume,
		TrendStrength:          market.TrendStrength,
		Regime:                 market.Regime,
		AUM:                    portfolio.TotalValue,
		PortfolioConcentration: concentration,
		RecentDrawdown:         portfolio.RecentDrawdown,
	}
}

// RunParallel runs both architectures concurrently against a common
// context, selects one per the configured execution mode, and records
// the tick to bounded history (spec.md §4.4).
func (r *Runner) RunParallel(ctx context.Context, market MarketSnapshot, portfolio Portfolio) RunResult {
	r.stats.mu.Lock()
	r.stats.totalRuns++
	r.stats.mu.Unlock()

	marketContext := ExtractMarketContext(market, portfolio)

	var decisionA, decisionB fabric.ArchitectureDecision
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		decisionA = r.runArchitecture(ctx, r.architectureA, marketContext, "hardcoded")
	}()
	go func() {
		defer wg.Done()
		decisionB = r.runArchitecture(ctx, r.architectureB, marketContext, "strategy_layer")
	}()
	wg.Wait()

	selected := r.selectDecision(decisionA, decisionB)

	result := RunResult{
		MarketContext:     marketContext,
		DecisionA:         decisionA,
		DecisionB:         decisionB,
		Selected:          selected,
		ExecutionMode:     r.executionMode,
		ExecutedPositions: selected.Positions,
		Timestamp:         time.Now(),
	}

	r.appendHistory(result)
	return result
}

// runArchitecture invokes arch.Decide, falling back to a safe default
// decision on error (spec.md §4.4): confidence 0, risk_level low, empty
// positions, error captured in metadata.
func (r *Runner) runArchitecture(ctx context.Context, arch Architecture, mc fabric.MarketContext, strategy string) fabric.ArchitectureDecision {
	start := time.Now()
	decision, err := arch.Decide(ctx, mc)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		r.logger.Error("architecture decide failed, using safe default", zap.String("strategy", strategy), zap.Error(err))
		return fabric.ArchitectureDecision{
			Strategy:   strategy,
			Positions:  nil,
			RiskLevel:  fabric.RiskLow,
			Confidence: 0.0,
			LatencyMs:  elapsed,
			Metadata:   map[string]interface{}{"error": err.Error()},
		}
	}

	decision.Strategy = strategy
	decision.LatencyMs = elapsed
	if decision.Metadata == nil {
		decision.Metadata = map[string]interface{}{}
	}
	return decision
}

// selectDecision applies the execution_mode selection rule (spec.md §4.4).
func (r *Runner) selectDecision(decisionA, decisionB fabric.ArchitectureDecision) fabric.ArchitectureDecision {
	switch r.executionMode {
	case ModeConservative:
		r.bumpSelected(true)
		return decisionA
	case ModeAggressive:
		r.bumpSelected(false)
		return decisionB
	default: // balanced
		if decisionA.Confidence > decisionB.Confidence {
			r.bumpSelected(true)
			return decisionA
		}
		if decisionB.Confidence > decisionA.Confidence {
			r.bumpSelected(false)
			return decisionB
		}
		r.bumpSelected(true)
		return decisionA
	}
}

func (r *Runner) bumpSelected(isA bool) {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()
	if isA {
		r.stats.architectureASelected++
	} else {
		r.stats.architectureBSelected++
	}
}

func (r *Runner) appendHistory(result RunResult) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, result)
	if len(r.history) > 10000 {
		r.history = r.history[len(r.history)-10000:]
	}
}

// EvaluatePerformance feeds already-computed PerformanceMetrics for both
// architectures to the meta-learner (spec.md §4.4) and tallies the
// returned winner. It does not compute the metrics itself, and
// decisionA/decisionB are not read.
func (r *Runner) EvaluatePerformance(mc fabric.MarketContext, decisionA, decisionB fabric.ArchitectureDecision, metricsA, metricsB fabric.PerformanceMetrics) string {
	winner := r.learner.ObserveAndLearn(mc, metricsA, metricsB)

	r.stats.mu.Lock()
	switch winner {
	case "strategy_a":
		r.stats.architectureAWins++
	case "strategy_b":
		r.stats.architectureBWins++
	default:
		r.stats.ties++
	}
	r.stats.mu.Unlock()

	return winner
}

// Statistics is the get_statistics()-equivalent snapshot, carrying over
// dual_architecture_runner.py's win/selection counters per SPEC_FULL's
// Supplemented Features.
type Statistics struct {
	TotalRuns             int64   `json:"total_runs"`
	ArchitectureASelected  int64   `json:"architecture_a_selected"`
	ArchitectureBSelected  int64   `json:"architecture_b_selected"`
	ArchitectureASelectRate float64 `json:"architecture_a_select_rate"`
	ArchitectureBSelectRate float64 `json:"architecture_b_select_rate"`
	ArchitectureAWins      int64   `json:"architecture_a_wins"`
	ArchitectureBWins      int64   `json:"architecture_b_wins"`
	Ties                   int64   `json:"ties"`
	ExecutionMode          string  `json:"execution_mode"`
	DecisionHistorySize    int     `json:"decision_history_size"`
}

// Statistics returns a snapshot of the runner's running statistics.
func (r *Runner) Statistics() Statistics {
	r.stats.mu.Lock()
	s := Statistics{
		TotalRuns:             r.stats.totalRuns,
		ArchitectureASelected: r.stats.architectureASelected,
		ArchitectureBSelected: r.stats.architectureBSelected,
		ArchitectureAWins:     r.stats.architectureAWins,
		ArchitectureBWins:     r.stats.architectureBWins,
		Ties:                  r.stats.ties,
	}
	if s.TotalRuns > 0 {
		s.ArchitectureASelectRate = float64(s.ArchitectureASelected) / float64(s.TotalRuns)
		s.ArchitectureBSelectRate = float64(s.ArchitectureBSelected) / float64(s.TotalRuns)
	}
	r.stats.mu.Unlock()

	s.ExecutionMode = r.executionMode

	r.historyMu.Lock()
	s.DecisionHistorySize = len(r.history)
	r.historyMu.Unlock()

	return s
}
