package fabric

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MarketContext is the fixed-shape market-state input consumed by every
// learning, routing and blending component (spec.md §3). AUM and
// Liquidity are money-like quantities and carry decimal.Decimal, as
// HybridPosition.Size does for position sizes; the remaining fields are
// dimensionless ratios and stay float64.
type MarketContext struct {
	Volatility             float64
	Liquidity              decimal.Decimal
	TrendStrength          float64
	Regime                 string
	AUM                    decimal.Decimal
	PortfolioConcentration float64
	RecentDrawdown         float64
}

// LiquidityFloat returns Liquidity as float64 for feature extraction and
// condition evaluation, where exactness no longer matters.
func (m MarketContext) LiquidityFloat() float64 {
	f, _ := m.Liquidity.Float64()
	return f
}

// AUMFloat returns AUM as float64, as LiquidityFloat does for Liquidity.
func (m MarketContext) AUMFloat() float64 {
	f, _ := m.AUM.Float64()
	return f
}

// FeatureVector returns the fixed 8-dimensional feature vector the
// meta-learner trains and predicts on, in the exact order spec.md §4.5
// fixes: [volatility, liquidity, trend_strength, is_bull, is_bear,
// log(max(aum,1)), portfolio_concentration, |recent_drawdown|].
func (m MarketContext) FeatureVector() [8]float64 {
	isBull, isBear := 0.0, 0.0
	switch m.Regime {
	case "bull":
		isBull = 1.0
	case "bear":
		isBear = 1.0
	}
	aum := m.AUMFloat()
	return [8]float64{
		m.Volatility,
		m.LiquidityFloat(),
		m.TrendStrength,
		isBull,
		isBear,
		math.Log(math.Max(aum, 1.0)),
		m.PortfolioConcentration,
		math.Abs(m.RecentDrawdown),
	}
}

// PerformanceMetrics summarizes a realized or simulated track record
// (spec.md §3). All fields are dimensionless ratios, so float64 suffices
// — no money-like quantity appears here.
type PerformanceMetrics struct {
	SharpeRatio      float64
	MaxDrawdown      float64
	WinRate          float64
	ProfitFactor     float64
	CalmarRatio      float64
	SortinoRatio     float64
	DecisionLatencyMs float64
}

// Score computes the composite score spec.md §4.5 defines for comparing
// two architectures' performance.
func (p PerformanceMetrics) Score() float64 {
	return p.SharpeRatio*0.4 +
		(1-math.Abs(p.MaxDrawdown))*0.3 +
		p.WinRate*0.2 +
		math.Min(p.ProfitFactor/3, 1.0)*0.1
}

// LearningDataPoint is one observation fed to and archived by the
// meta-learner and the learning data store (spec.md §3, §6 wire format).
type LearningDataPoint struct {
	Timestamp                string                 `json:"timestamp"`
	MarketContext            MarketContextWire      `json:"market_context"`
	ArchitectureAPerformance PerformanceMetrics     `json:"architecture_a_performance"`
	ArchitectureBPerformance PerformanceMetrics     `json:"architecture_b_performance"`
	Winner                   string                 `json:"winner"`
	Metadata                 map[string]interface{} `json:"metadata,omitempty"`
}

// MarketContextWire is MarketContext's plain-numeric JSON projection:
// the wire format (spec.md §6) has no notion of decimal.Decimal, so AUM
// and Liquidity serialize as float64 here and are reconstructed exactly
// via decimal.NewFromFloat on read.
type MarketContextWire struct {
	Volatility             float64 `json:"volatility"`
	Liquidity              float64 `json:"liquidity"`
	TrendStrength          float64 `json:"trend_strength"`
	Regime                 string  `json:"regime"`
	AUM                    float64 `json:"aum"`
	PortfolioConcentration float64 `json:"portfolio_concentration"`
	RecentDrawdown         float64 `json:"recent_drawdown"`
}

// ToWire projects a MarketContext onto its JSON-serializable form.
func (m MarketContext) ToWire() MarketContextWire {
	return MarketContextWire{
		Volatility:             m.Volatility,
		Liquidity:              m.LiquidityFloat(),
		TrendStrength:          m.TrendStrength,
		Regime:                 m.Regime,
		AUM:                    m.AUMFloat(),
		PortfolioConcentration: m.PortfolioConcentration,
		RecentDrawdown:         m.RecentDrawdown,
	}
}

// FromWire reconstructs a MarketContext from its wire projection.
func (w MarketContextWire) FromWire() MarketContext {
	return MarketContext{
		Volatility:             w.Volatility,
		Liquidity:              decimal.NewFromFloat(w.Liquidity),
		TrendStrength:          w.TrendStrength,
		Regime:                 w.Regime,
		AUM:                    decimal.NewFromFloat(w.AUM),
		PortfolioConcentration: w.PortfolioConcentration,
		RecentDrawdown:         w.RecentDrawdown,
	}
}

// Brain names accepted as BrainDecision.PrimaryBrain / request_decision's
// primary_brain argument, plus the two synthetic sources the coordinator
// itself produces.
const (
	BrainSoldier                    = "soldier"
	BrainCommander                  = "commander"
	BrainScholar                    = "scholar"
	BrainCoordinatorFallback        = "coordinator_fallback"
	BrainCoordinatorConflictResolve = "coordinator_conflict_resolution"
	BrainCoordinator                = "coordinator"
)

// Actions a BrainDecision may carry.
const (
	ActionBuy       = "buy"
	ActionSell      = "sell"
	ActionHold      = "hold"
	ActionReduce    = "reduce"
	ActionStrongBuy = "strong_buy"
)

// Risk levels used by SoldierDecision and hybrid blending alike.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// BrainDecision is the coordinator's unifying output shape (spec.md §3).
type BrainDecision struct {
	DecisionID      string                 `json:"decision_id"`
	PrimaryBrain    string                 `json:"primary_brain"`
	Action          string                 `json:"action"`
	Confidence      float64                `json:"confidence"`
	Reasoning       string                 `json:"reasoning"`
	SupportingData  map[string]interface{} `json:"supporting_data"`
	Timestamp       time.Time              `json:"timestamp"`
	CorrelationID   string                 `json:"correlation_id"`
}

// Soldier source modes.
const (
	ModeNormal   = "normal"
	ModeDegraded = "degraded"
	ModeOffline  = "offline"
)

// SoldierDecision extends BrainDecision with the soldier's own fields
// (spec.md §3).
type SoldierDecision struct {
	BrainDecision
	SourceMode        string  `json:"source_mode"`
	LatencyMs         float64 `json:"latency_ms"`
	SignalStrength    float64 `json:"signal_strength"`
	RiskLevel         string  `json:"risk_level"`
	ExecutionPriority int     `json:"execution_priority"`
}

// SoldierConfig tunes the soldier failover core (spec.md §3, §4.3).
type SoldierConfig struct {
	LocalInferenceTimeout time.Duration
	CloudTimeout          time.Duration
	DegradationThreshold  float64
	FailureThreshold      int
	DecisionCacheTTL      time.Duration
	RecoveryCheckInterval time.Duration
	BackingStoreHost      string
	BackingStorePort      int
}

// DefaultSoldierConfig returns the numeric defaults spec.md §4.3/§5 name.
func DefaultSoldierConfig() SoldierConfig {
	return SoldierConfig{
		LocalInferenceTimeout: 20 * time.Millisecond,
		CloudTimeout:          5 * time.Second,
		DegradationThreshold:  0.5,
		FailureThreshold:      3,
		DecisionCacheTTL:      5 * time.Second,
		RecoveryCheckInterval: 10 * time.Second,
	}
}

// Hybrid blender rule actions (spec.md §3, §4.7).
const (
	ActionIncreaseHardcodedWeight     = "increase_hardcoded_weight"
	ActionIncreaseStrategyLayerWeight = "increase_strategy_layer_weight"
	ActionUseHardcodedOnly            = "use_hardcoded_only"
	ActionUseStrategyLayerOnly        = "use_strategy_layer_only"
)

// HybridRule is a named (condition, action, weight_adjustment) triple
// (spec.md §3, §4.7).
type HybridRule struct {
	Name             string
	Condition        string
	Action           string
	WeightAdjustment float64
	Reason           string
}

// Strategy selections the router and meta-learner choose between
// (spec.md §4.5, §4.6).
const (
	StrategyHardcoded    = "HARDCODED"
	StrategyLayer        = "STRATEGY_LAYER"
	StrategyHybrid       = "HYBRID"
)

// RoutingDecision is the router's output (spec.md §3, §4.6).
type RoutingDecision struct {
	SelectedStrategy string    `json:"selected_strategy"`
	Confidence       float64   `json:"confidence"`
	RoutingReason    string    `json:"routing_reason"`
	FallbackUsed     bool      `json:"fallback_used"`
	Timestamp        time.Time `json:"timestamp"`
}

// HybridPosition is one blended position entry (spec.md §4.7 merging).
type HybridPosition struct {
	Symbol string          `json:"symbol"`
	Size   decimal.Decimal `json:"size"`
	Source string          `json:"source"`
}

// HybridDecision is the blender's output (spec.md §3).
type HybridDecision struct {
	Positions       []HybridPosition `json:"positions"`
	RiskLevel       string           `json:"risk_level"`
	Confidence      float64          `json:"confidence"`
	WeightA         float64          `json:"w_a"`
	WeightB         float64          `json:"w_b"`
	BlendingReason  string           `json:"blending_reason"`
	RulesApplied    []string         `json:"rules_applied"`
	Timestamp       time.Time        `json:"timestamp"`
}

// ArchitectureDecision is one architecture's candidate output within the
// dual-architecture runner (spec.md §4.4).
type ArchitectureDecision struct {
	Strategy   string                 `json:"strategy"`
	Positions  []HybridPosition       `json:"positions"`
	RiskLevel  string                 `json:"risk_level"`
	Confidence float64                `json:"confidence"`
	LatencyMs  float64                `json:"latency_ms"`
	Metadata   map[string]interface{} `json:"metadata"`
}
