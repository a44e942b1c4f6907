// Package router implements the intelligent risk-control router (C6):
// it turns a meta-learner prediction into a guarded strategy selection.
package router

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

// Predictor is the subset of the meta-learner's surface the router
// depends on, kept as an interface so tests can inject a stub predictor
// without constructing a full meta-learner.
type Predictor interface {
	PredictBestStrategy(ctx fabric.MarketContext) (strategy string, confidence float64)
}

// Config holds the router's confidence thresholds (spec.md §4.6).
type Config struct {
	HighConfidenceThreshold float64
	LowConfidenceThreshold  float64
}

// DefaultConfig returns the spec's named defaults (high=0.80, low=0.60).
func DefaultConfig() Config {
	return Config{HighConfidenceThreshold: 0.80, LowConfidenceThreshold: 0.60}
}

type stats struct {
	mu                    sync.Mutex
	totalRoutes           int64
	hardcodedSelected     int64
	strategyLayerSelected int64
	hybridSelected        int64
	fallbackUsed          int64
	highConfidenceRoutes  int64
	mediumConfidenceRoutes int64
	lowConfidenceRoutes   int64
}

// Router routes a MarketContext to a strategy selection via the
// meta-learner's prediction, applying the confidence-band guardrails
// from intelligent_risk_control_router.py.
type Router struct {
	logger      *zap.Logger
	metaLearner Predictor
	config      Config

	historyMu sync.Mutex
	history   []fabric.RoutingDecision

	stats stats
}

// NewRouter constructs a Router. It returns an error if the configured
// thresholds violate 0 ≤ low ≤ high ≤ 1, mirroring
// IntelligentRiskControlRouter.__init__'s validation.
func NewRouter(logger *zap.Logger, metaLearner Predictor, config Config) (*Router, error) {
	if config.LowConfidenceThreshold < 0 || config.HighConfidenceThreshold > 1 ||
		config.LowConfidenceThreshold > config.HighConfidenceThreshold {
		return nil, fabric.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("router: thresholds must satisfy 0<=low<=high<=1, got low=%v high=%v",
				config.LowConfidenceThreshold, config.HighConfidenceThreshold))
	}
	return &Router{
		logger:      logger.With(zap.String("component", "intelligent_router")),
		metaLearner: metaLearner,
		config:      config,
	}, nil
}

// RouteDecision translates a meta-learner prediction into a
// RoutingDecision, applying the confidence-band guardrails of spec.md
// §4.6.
func (r *Router) RouteDecision(ctx fabric.MarketContext) fabric.RoutingDecision {
	r.stats.mu.Lock()
	r.stats.totalRoutes++
	r.stats.mu.Unlock()

	predicted, confidence := r.metaLearner.PredictBestStrategy(ctx)

	var decision fabric.RoutingDecision
	switch {
	case confidence >= r.config.HighConfidenceThreshold:
		decision = fabric.RoutingDecision{
			SelectedStrategy: predicted,
			Confidence:       confidence,
			RoutingReason:    "high-confidence direct",
			FallbackUsed:     false,
			Timestamp:        time.Now(),
		}
		r.bumpConfidenceBand(high)
	case confidence >= r.config.LowConfidenceThreshold:
		decision = fabric.RoutingDecision{
			SelectedStrategy: fabric.StrategyHybrid,
			Confidence:       confidence,
			RoutingReason:    "medium-confidence hybrid",
			FallbackUsed:     false,
			Timestamp:        time.Now(),
		}
		r.bumpConfidenceBand(medium)
	default:
		decision = fabric.RoutingDecision{
			SelectedStrategy: fabric.StrategyHardcoded,
			Confidence:       confidence,
			RoutingReason:    "low-confidence conservative fallback",
			FallbackUsed:     true,
			Timestamp:        time.Now(),
		}
		r.bumpConfidenceBand(low)
	}

	r.bumpSelection(decision.SelectedStrategy)
	r.appendHistory(decision)
	return decision
}

type confidenceBand int

const (
	high confidenceBand = iota
	medium
	low
)

func (r *Router) bumpConfidenceBand(band confidenceBand) {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()
	switch band {
	case high:
		r.stats.highConfidenceRoutes++
	case medium:
		r.stats.mediumConfidenceRoutes++
		r.stats.hybridSelected++
	case low:
		r.stats.lowConfidenceRoutes++
		r.stats.fallbackUsed++
	}
}

func (r *Router) bumpSelection(strategy string) {
	r.stats.mu.Lock()
	defer r.stats.mu.Unlock()
	switch strategy {
	case fabric.StrategyHardcoded:
		r.stats.hardcodedSelected++
	case fabric.StrategyLayer:
		r.stats.strategyLayerSelected++
	}
}

func (r *Router) appendHistory(decision fabric.RoutingDecision) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	r.history = append(r.history, decision)
	if len(r.history) > 10000 {
		r.history = r.history[len(r.history)-10000:]
	}
}

// Statistics is the router's get_statistics()-equivalent snapshot,
// carrying over intelligent_risk_control_router.py's confidence-band
// breakdown per SPEC_FULL's Supplemented Features.
type Statistics struct {
	TotalRoutes            int64   `json:"total_routes"`
	HardcodedSelected      int64   `json:"hardcoded_selected"`
	StrategyLayerSelected  int64   `json:"strategy_layer_selected"`
	HybridSelected         int64   `json:"hybrid_selected"`
	FallbackUsed           int64   `json:"fallback_used"`
	FallbackRate           float64 `json:"fallback_rate"`
	HighConfidenceRoutes   int64   `json:"high_confidence_routes"`
	MediumConfidenceRoutes int64   `json:"medium_confidence_routes"`
	LowConfidenceRoutes    int64   `json:"low_confidence_routes"`
	HighConfidenceThreshold float64 `json:"high_confidence_threshold"`
	LowConfidenceThreshold  float64 `json:"low_confidence_threshold"`
	RoutingHistorySize      int     `json:"routing_history_size"`
}

// Statistics returns a snapshot of the router's running statistics.
func (r *Router) Statistics() Statistics {
	r.stats.mu.Lock()
	s := Statistics{
		TotalRoutes:             r.stats.totalRoutes,
		HardcodedSelected:       r.stats.hardcodedSelected,
		StrategyLayerSelected:   r.stats.strategyLayerSelected,
		HybridSelected:          r.stats.hybridSelected,
		FallbackUsed:            r.stats.fallbackUsed,
		HighConfidenceRoutes:    r.stats.highConfidenceRoutes,
		MediumConfidenceRoutes:  r.stats.mediumConfidenceRoutes,
		LowConfidenceRoutes:     r.stats.lowConfidenceRoutes,
	}
	if s.TotalRoutes > 0 {
		s.FallbackRate = float64(s.FallbackUsed) / float64(s.TotalRoutes)
	}
	r.stats.mu.Unlock()

	s.HighConfidenceThreshold = r.config.HighConfidenceThreshold
	s.LowConfidenceThreshold = r.config.LowConfidenceThreshold

	r.historyMu.Lock()
	s.RoutingHistorySize = len(r.history)
	r.historyMu.Unlock()

	return s
}

// RecentDecisions returns the n most recently produced routing
// decisions, most-recent-last.
func (r *Router) RecentDecisions(n int) []fabric.RoutingDecision {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	out := make([]fabric.RoutingDecision, n)
	copy(out, r.history[len(r.history)-n:])
	return out
}
