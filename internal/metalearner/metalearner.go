// Package metalearner implements the risk-control meta-learner (C5): it
// observes which architecture wins under which market context, trains a
// classifier on that experience, and periodically evolves a hybrid rule
// set from the winning patterns it has seen.
package metalearner

import (
	"math/rand"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

const (
	trainingMinSamples = 50
	trainingWindow     = 1000
	evolveEverySamples = 100

	scoreMargin = 1.05
)

// Phase sample milestones carried over from
// risk_control_meta_learner.py's learning-report framing, for
// observability only (SPEC_FULL's Supplemented Features) — they do not
// change the behavior above: retrain on every observation once 50 samples
// are buffered, evolve every 100 samples.
const (
	PhaseOneSamples   = 1000
	PhaseTwoSamples   = 5000
	PhaseThreeSamples = 10000
	PhaseFourSamples  = 20000
)

type learningStats struct {
	mu                  sync.Mutex
	totalSamples        int64
	hardcodedWins       int64
	strategyLayerWins   int64
	hybridWins          int64
	evolvedWins         int64
	ties                int64
	modelTrained        bool
	modelAccuracy       float64
	lastEvolutionSample int64
}

// MetaLearner is the risk-control meta-learner described in spec.md §4.5.
type MetaLearner struct {
	logger *zap.Logger

	mu            sync.Mutex // guards experienceDB and classifier together (serializes retraining per spec.md §5)
	experienceDB  []fabric.LearningDataPoint
	classifier    *logisticClassifier
	currentBest   string
	currentParams []fabric.HybridRule

	stats learningStats
}

// NewMetaLearner constructs an untrained meta-learner.
func NewMetaLearner(logger *zap.Logger) *MetaLearner {
	return &MetaLearner{
		logger:      logger.With(zap.String("component", "risk_control_meta_learner")),
		currentBest: fabric.StrategyHardcoded,
	}
}

// ObserveAndLearn records one (context, perf_a, perf_b) observation,
// scores the winner, appends it to the experience buffer, retrains when
// the buffer is large enough, and evolves a hybrid rule set every 100
// total samples (spec.md §4.5).
func (m *MetaLearner) ObserveAndLearn(ctx fabric.MarketContext, perfA, perfB fabric.PerformanceMetrics) string {
	winner := DetermineWinner(perfA, perfB)

	m.mu.Lock()
	m.experienceDB = append(m.experienceDB, fabric.LearningDataPoint{
		MarketContext:            ctx.ToWire(),
		ArchitectureAPerformance: perfA,
		ArchitectureBPerformance: perfB,
		Winner:                   winner,
	})
	m.mu.Unlock()

	m.stats.mu.Lock()
	m.stats.totalSamples++
	switch winner {
	case "strategy_a":
		m.stats.hardcodedWins++
	case "strategy_b":
		m.stats.strategyLayerWins++
	default:
		m.stats.ties++
	}
	total := m.stats.totalSamples
	m.stats.mu.Unlock()

	m.learnMarketPatterns()

	if total%evolveEverySamples == 0 {
		m.evolveNewStrategy()
		m.stats.mu.Lock()
		m.stats.lastEvolutionSample = total
		m.stats.mu.Unlock()
	}

	return winner
}

// DetermineWinner applies the composite score and 5% margin rule from
// spec.md §4.5 / risk_control_meta_learner.py's _determine_winner.
func DetermineWinner(perfA, perfB fabric.PerformanceMetrics) string {
	scoreA := perfA.Score()
	scoreB := perfB.Score()
	switch {
	case scoreA > scoreB*scoreMargin:
		return "strategy_a"
	case scoreB > scoreA*scoreMargin:
		return "strategy_b"
	default:
		return "tie"
	}
}

// learnMarketPatterns retrains the classifier over the most recent
// ≤1000 samples once the buffer holds at least 50, matching
// _learn_market_patterns. Any failure is swallowed — training must be
// exception-safe per spec.md §4.5 and never raise to the caller, which
// a panic-recovering defer here enforces by construction.
func (m *MetaLearner) learnMarketPatterns() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("classifier training panicked, leaving prior model in place", zap.Any("panic", r))
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.experienceDB) < trainingMinSamples {
		return
	}

	window := m.experienceDB
	if len(window) > trainingWindow {
		window = window[len(window)-trainingWindow:]
	}

	X := make([][8]float64, len(window))
	y := make([]float64, len(window))
	for i, sample := range window {
		X[i] = sample.MarketContext.FromWire().FeatureVector()
		switch sample.Winner {
		case "strategy_a":
			y[i] = 1
		case "strategy_b":
			y[i] = 0
		default:
			y[i] = float64(rand.Intn(2))
		}
	}

	classifier := &logisticClassifier{}
	classifier.fit(X, y)
	accuracy := classifier.score(X, y)

	m.classifier = classifier
	m.stats.mu.Lock()
	m.stats.modelTrained = true
	m.stats.modelAccuracy = accuracy
	m.stats.mu.Unlock()
}

// evolveNewStrategy derives a hybrid rule set from the experience
// buffer's winning patterns (spec.md §4.5 "Evolution").
func (m *MetaLearner) evolveNewStrategy() {
	m.mu.Lock()
	experience := append([]fabric.LearningDataPoint(nil), m.experienceDB...)
	m.mu.Unlock()

	rules := deriveHybridRules(experience)

	m.mu.Lock()
	m.currentBest = fabric.StrategyHybrid
	m.currentParams = rules
	m.mu.Unlock()

	m.stats.mu.Lock()
	m.stats.hybridWins++
	m.stats.mu.Unlock()
}

// deriveHybridRules mirrors _analyze_winning_patterns +
// _generate_hybrid_strategy: mean volatility/AUM across hardcoded
// (strategy_a) wins seed threshold rules, a drawdown rule is always
// appended, and a default AUM rule is used when no hardcoded wins have
// ever been observed.
func deriveHybridRules(experience []fabric.LearningDataPoint) []fabric.HybridRule {
	var volSum, aumSum float64
	var hardcodedWinCount int

	for _, sample := range experience {
		if sample.Winner != "strategy_a" {
			continue
		}
		hardcodedWinCount++
		volSum += sample.MarketContext.Volatility
		aumSum += sample.MarketContext.AUM
	}

	var rules []fabric.HybridRule

	if hardcodedWinCount > 0 {
		volThreshold := volSum / float64(hardcodedWinCount)
		rules = append(rules, fabric.HybridRule{
			Name:             "evolved_volatility_threshold",
			Condition:        formatThresholdCondition("volatility", ">", volThreshold),
			Action:           fabric.ActionUseHardcodedOnly,
			WeightAdjustment: 1.0,
			Reason:           "high volatility, use conservative hardcoded risk control",
		})

		aumThreshold := aumSum / float64(hardcodedWinCount)
		rules = append(rules, fabric.HybridRule{
			Name:             "evolved_aum_threshold",
			Condition:        formatThresholdCondition("aum", ">", aumThreshold),
			Action:           fabric.ActionUseStrategyLayerOnly,
			WeightAdjustment: 1.0,
			Reason:           "large capital scale, use flexible strategy layer risk control",
		})
	} else {
		rules = append(rules, fabric.HybridRule{
			Name:             "evolved_aum_default",
			Condition:        "aum > 100000",
			Action:           fabric.ActionUseStrategyLayerOnly,
			WeightAdjustment: 1.0,
			Reason:           "default capital scale threshold, no hardcoded wins observed yet",
		})
	}

	rules = append(rules, fabric.HybridRule{
		Name:             "evolved_drawdown_guard",
		Condition:        "recent_drawdown < -0.10",
		Action:           fabric.ActionUseHardcodedOnly,
		WeightAdjustment: 1.0,
		Reason:           "drawdown too large, switch to conservative",
	})

	return rules
}

func formatThresholdCondition(field, op string, threshold float64) string {
	return field + " " + op + " " + strconv.FormatFloat(threshold, 'f', 4, 64)
}

// PredictBestStrategy returns (HARDCODED, 0.5) until the classifier has
// been trained; afterward it returns the classifier's predicted label
// and confidence, mapping label 1→HARDCODED (strategy_a convention) and
// 0→STRATEGY_LAYER, per spec.md §4.5.
func (m *MetaLearner) PredictBestStrategy(ctx fabric.MarketContext) (string, float64) {
	m.mu.Lock()
	classifier := m.classifier
	trained := m.stats.modelTrained
	m.mu.Unlock()

	if !trained || classifier == nil {
		return fabric.StrategyHardcoded, 0.5
	}

	features := ctx.FeatureVector()
	proba := classifier.predictProba(features)
	confidence := proba
	if proba < 0.5 {
		confidence = 1 - proba
	}
	if classifier.predict(features) == 1 {
		return fabric.StrategyHardcoded, confidence
	}
	return fabric.StrategyLayer, confidence
}

// LearningReport is the get_learning_report()-equivalent structured
// summary (spec.md §4.5).
type LearningReport struct {
	TotalSamples        int64                `json:"total_samples"`
	ModelTrained        bool                 `json:"model_trained"`
	ModelAccuracy       float64              `json:"model_accuracy"`
	CurrentBestStrategy string               `json:"current_best_strategy"`
	LastEvolutionSample int64                `json:"last_evolution_sample"`
	HardcodedWinRate    float64              `json:"hardcoded_win_rate"`
	StrategyLayerWinRate float64             `json:"strategy_layer_win_rate"`
	TieRate             float64              `json:"tie_rate"`
	Recommendations     []Recommendation     `json:"recommendations"`
}

// Recommendation is one (type, priority, message) entry.
type Recommendation struct {
	Type     string `json:"type"`
	Priority string `json:"priority"`
	Message  string `json:"message"`
}

// GetLearningReport builds the structured report spec.md §4.5 describes.
func (m *MetaLearner) GetLearningReport() LearningReport {
	m.stats.mu.Lock()
	total := m.stats.totalSamples
	hardcoded := m.stats.hardcodedWins
	strategyLayer := m.stats.strategyLayerWins
	ties := m.stats.ties
	trained := m.stats.modelTrained
	accuracy := m.stats.modelAccuracy
	lastEvolution := m.stats.lastEvolutionSample
	m.stats.mu.Unlock()

	m.mu.Lock()
	bestStrategy := m.currentBest
	m.mu.Unlock()

	report := LearningReport{
		TotalSamples:         total,
		ModelTrained:         trained,
		ModelAccuracy:        accuracy,
		CurrentBestStrategy:  bestStrategy,
		LastEvolutionSample:  lastEvolution,
	}
	if total > 0 {
		report.HardcodedWinRate = float64(hardcoded) / float64(total)
		report.StrategyLayerWinRate = float64(strategyLayer) / float64(total)
		report.TieRate = float64(ties) / float64(total)
	}

	report.Recommendations = append(report.Recommendations, dataCollectionRecommendation(total))
	report.Recommendations = append(report.Recommendations, strategySelectionRecommendation(report.HardcodedWinRate, report.StrategyLayerWinRate))
	report.Recommendations = append(report.Recommendations, modelTrainingRecommendation(trained, accuracy))

	return report
}

func dataCollectionRecommendation(total int64) Recommendation {
	priority := "low"
	switch {
	case total < trainingMinSamples:
		priority = "high"
	case total < PhaseOneSamples:
		priority = "medium"
	}
	return Recommendation{Type: "data_collection", Priority: priority, Message: "collect more (context, performance) observations"}
}

func strategySelectionRecommendation(hardcodedRate, strategyLayerRate float64) Recommendation {
	if hardcodedRate > 0.6 || strategyLayerRate > 0.6 {
		return Recommendation{Type: "strategy_selection", Priority: "high", Message: "one architecture dominates; consider hybrid blending"}
	}
	return Recommendation{Type: "strategy_selection", Priority: "medium", Message: "architectures are competitive; hybrid blending recommended"}
}

func modelTrainingRecommendation(trained bool, accuracy float64) Recommendation {
	if !trained {
		return Recommendation{Type: "model_training", Priority: "high", Message: "classifier not yet trained"}
	}
	if accuracy < 0.7 {
		return Recommendation{Type: "model_training", Priority: "medium", Message: "classifier accuracy below target"}
	}
	return Recommendation{Type: "model_training", Priority: "low", Message: "classifier accuracy acceptable"}
}
