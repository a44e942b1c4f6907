// Package soldier implements the soldier failover core (C3): a tight
// latency-budget decision path that degrades gracefully when local
// inference is unhealthy and recovers automatically, backed by a
// TTL-bounded decision cache.
package soldier

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

// Mode is the soldier's current operating mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeDegraded
	ModeOffline
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return fabric.ModeNormal
	case ModeDegraded:
		return fabric.ModeDegraded
	case ModeOffline:
		return fabric.ModeOffline
	default:
		return "unknown"
	}
}

// MarketTick is the minimal market snapshot the offline rule policy and
// cache keying need (spec.md §4.3).
type MarketTick struct {
	Close     float64
	MA20      float64
	Volume    float64
	AvgVolume float64
}

// InferenceResult is one engine adapter's raw decision output, before
// the soldier tags it with source_mode/latency (spec.md §6's
// ISoldierEngine.decide shape, specialized for the soldier's own local
// and cloud paths).
type InferenceResult struct {
	Action         string
	Confidence     float64
	SignalStrength float64
	RiskLevel      string
}

// Engine is the decide-shaped adapter boundary for both the local and
// cloud inference paths.
type Engine interface {
	Infer(ctx context.Context, symbol string, tick MarketTick) (InferenceResult, error)
}

type cacheEntry struct {
	decision  fabric.SoldierDecision
	expiresAt time.Time
}

// Soldier is the soldier failover core described in spec.md §4.3.
type Soldier struct {
	logger *zap.Logger
	config fabric.SoldierConfig
	bus    *events.Bus

	local Engine
	cloud Engine

	mu                 sync.RWMutex
	state              Mode
	consecutiveFailures int

	cacheMu    sync.Mutex
	cache      map[string]cacheEntry
	cacheOrder []string // insertion order, for oldest-eviction

	latencyMu    sync.Mutex
	latencies    []float64 // sliding window, cap 1000, oldest-first
	latencySum   float64   // running sum over the full lifetime, for the running average
	latencyCount int64     // running count over the full lifetime

	statsMu         sync.Mutex
	localDecisions  int64
	cloudDecisions  int64
	offlineDecisions int64
	cacheHits       int64

	externalMu       sync.Mutex
	externalAnalysis map[string]map[string]interface{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSoldier constructs a Soldier in the NORMAL state.
func NewSoldier(logger *zap.Logger, config fabric.SoldierConfig, bus *events.Bus, local, cloud Engine) *Soldier {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Soldier{
		logger:           logger.With(zap.String("component", "soldier_failover_core")),
		config:           config,
		bus:              bus,
		local:            local,
		cloud:            cloud,
		state:            ModeNormal,
		cache:            make(map[string]cacheEntry),
		externalAnalysis: make(map[string]map[string]interface{}),
		ctx:              ctx,
		cancel:           cancel,
	}
	if bus != nil {
		bus.Subscribe(events.EventTypeAnalysisCompleted, "soldier_failover_core", s.handleExternalAnalysis)
	}
	return s
}

// Start launches the background health loop, ticking every
// RecoveryCheckInterval (spec.md §4.3).
func (s *Soldier) Start() {
	s.wg.Add(1)
	go s.healthLoop()
}

// Stop cancels the health loop and waits for it to exit.
func (s *Soldier) Stop() {
	s.cancel()
	s.wg.Wait()
	if s.bus != nil {
		s.bus.Unsubscribe(events.EventTypeAnalysisCompleted, "soldier_failover_core")
	}
}

// RequestExternalAnalysis fires market_data_request and research_request
// events for symbol and returns immediately (spec.md §4.3 "External
// coordination"): the decision path never blocks on a response. Responses
// arrive later as analysis_completed events and are folded into
// external_analysis by handleExternalAnalysis.
func (s *Soldier) RequestExternalAnalysis(symbol string) {
	if s.bus == nil {
		return
	}
	data := map[string]interface{}{"symbol": symbol}
	_ = s.bus.PublishSimple(events.EventTypeMarketDataRequest, "soldier_failover_core", data, "", events.PriorityNormal)
	_ = s.bus.PublishSimple(events.EventTypeResearchRequest, "soldier_failover_core", data, "", events.PriorityNormal)
}

// handleExternalAnalysis folds an analysis_completed event's payload into
// external_analysis, keyed by the symbol the payload names. Missing or
// non-string symbols are dropped rather than erroring, since a malformed
// fire-and-forget response must never perturb the decision path.
func (s *Soldier) handleExternalAnalysis(evt *events.Event) error {
	symbol, ok := evt.Data["symbol"].(string)
	if !ok || symbol == "" {
		return nil
	}
	s.externalMu.Lock()
	s.externalAnalysis[symbol] = evt.Data
	s.externalMu.Unlock()
	return nil
}

// ExternalAnalysis returns the most recent analysis_completed payload
// recorded for symbol, if any.
func (s *Soldier) ExternalAnalysis(symbol string) (map[string]interface{}, bool) {
	s.externalMu.Lock()
	defer s.externalMu.Unlock()
	analysis, ok := s.externalAnalysis[symbol]
	return analysis, ok
}

func (s *Soldier) healthLoop() {
	defer s.wg.Done()
	interval := s.config.RecoveryCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runHealthProbe()
		}
	}
}

// runHealthProbe invokes the local engine once and feeds the result
// into the state machine.
func (s *Soldier) runHealthProbe() {
	timeout := s.config.LocalInferenceTimeout
	if timeout <= 0 {
		timeout = 20 * time.Millisecond
	}
	probeCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	_, err := s.local.Infer(probeCtx, "__health__", MarketTick{})
	elapsed := time.Since(start)

	if err != nil || elapsed > timeout {
		s.HealthCheckFailed()
		return
	}
	s.HealthCheckOK()
}

// HealthCheckFailed drives the NORMAL→DEGRADED transition after
// FailureThreshold consecutive failures (spec.md §4.3, invariant 5).
// The state mutation and alert publication never await a network call,
// keeping the <200ms budget the spec mandates.
func (s *Soldier) HealthCheckFailed() {
	s.mu.Lock()
	s.consecutiveFailures++
	failures := s.consecutiveFailures
	alreadyDegraded := s.state == ModeDegraded
	shouldTransition := !alreadyDegraded && s.state == ModeNormal && failures >= s.config.FailureThreshold
	if shouldTransition {
		s.state = ModeDegraded
	}
	s.mu.Unlock()

	if shouldTransition {
		s.publishAlert("soldier_degradation", "local_model_health_check_failed", events.PriorityCritical, failures)
	}
}

// HealthCheckOK drives the DEGRADED→NORMAL transition on the first
// successful probe (spec.md §4.3, invariant 5).
func (s *Soldier) HealthCheckOK() {
	s.mu.Lock()
	wasDegraded := s.state == ModeDegraded
	if wasDegraded {
		s.state = ModeNormal
		s.consecutiveFailures = 0
	}
	s.mu.Unlock()

	if wasDegraded {
		s.publishAlert("soldier_recovery", "local_model_health_restored", events.PriorityHigh, 0)
	}
}

// ForceOffline transitions unconditionally to OFFLINE (spec.md §4.3
// external_force_offline).
func (s *Soldier) ForceOffline() {
	s.mu.Lock()
	s.state = ModeOffline
	s.mu.Unlock()
}

func (s *Soldier) publishAlert(alertType, reason string, priority events.EventPriority, failures int) {
	if s.bus == nil {
		return
	}
	evt := events.NewEvent(events.EventTypeSystemAlert, "soldier_failover_core", map[string]interface{}{
		"alert_type":          alertType,
		"reason":               reason,
		"consecutive_failures": failures,
		"timestamp":            time.Now().Format(time.RFC3339Nano),
	})
	evt.Priority = priority
	_ = s.bus.Publish(evt)
}

// State returns the current mode.
func (s *Soldier) State() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ConsecutiveFailures returns the current failure streak.
func (s *Soldier) ConsecutiveFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consecutiveFailures
}

// MakeDecision is the soldier's decision path (spec.md §4.3): cache
// lookup, mode-dispatched inference, and cache insertion with bounded
// eviction and latency tracking.
func (s *Soldier) MakeDecision(ctx context.Context, symbol string, tick MarketTick) fabric.SoldierDecision {
	key := cacheKey(symbol, tick)

	if cached, ok := s.cacheLookup(key); ok {
		s.statsMu.Lock()
		s.cacheHits++
		s.statsMu.Unlock()
		return cached
	}

	start := time.Now()
	mode := s.State()

	var decision fabric.SoldierDecision
	switch mode {
	case ModeNormal:
		decision = s.decideNormal(ctx, symbol, tick)
	case ModeDegraded:
		decision = s.decideCloud(ctx, symbol, tick)
	default:
		decision = s.decideOffline(tick)
	}

	decision.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	s.recordLatency(decision.LatencyMs)
	s.cacheInsert(key, decision)
	return decision
}

func (s *Soldier) decideNormal(ctx context.Context, symbol string, tick MarketTick) fabric.SoldierDecision {
	timeout := s.config.LocalInferenceTimeout
	if timeout <= 0 {
		timeout = 20 * time.Millisecond
	}
	localCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.local.Infer(localCtx, symbol, tick)
	if err != nil {
		s.HealthCheckFailed()
		if s.State() != ModeNormal {
			return s.decideCloud(ctx, symbol, tick)
		}
		return s.decideOffline(tick)
	}

	s.statsMu.Lock()
	s.localDecisions++
	s.statsMu.Unlock()
	return toSoldierDecision(result, fabric.ModeNormal)
}

func (s *Soldier) decideCloud(ctx context.Context, symbol string, tick MarketTick) fabric.SoldierDecision {
	timeout := s.config.CloudTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cloudCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.cloud.Infer(cloudCtx, symbol, tick)
	if err != nil {
		return s.decideOffline(tick)
	}

	s.statsMu.Lock()
	s.cloudDecisions++
	s.statsMu.Unlock()
	return toSoldierDecision(result, fabric.ModeDegraded)
}

// decideOffline applies the deterministic baseline rule policy
// (spec.md §4.3 "Offline policy").
func (s *Soldier) decideOffline(tick MarketTick) fabric.SoldierDecision {
	s.statsMu.Lock()
	s.offlineDecisions++
	s.statsMu.Unlock()

	var action string
	var confidence float64
	switch {
	case tick.Close > tick.MA20 && tick.Volume > tick.AvgVolume:
		action, confidence = fabric.ActionBuy, 0.55
	case tick.Close < tick.MA20 && tick.Volume > tick.AvgVolume:
		action, confidence = fabric.ActionSell, 0.55
	default:
		action, confidence = fabric.ActionHold, 0.35
	}

	return fabric.SoldierDecision{
		BrainDecision: fabric.BrainDecision{
			PrimaryBrain: fabric.BrainSoldier,
			Action:       action,
			Confidence:   confidence,
			Reasoning:    "offline rule-based policy",
			Timestamp:    time.Now(),
		},
		SourceMode:     fabric.ModeOffline,
		SignalStrength: confidence,
		RiskLevel:      fabric.RiskMedium,
	}
}

func toSoldierDecision(result InferenceResult, mode string) fabric.SoldierDecision {
	return fabric.SoldierDecision{
		BrainDecision: fabric.BrainDecision{
			PrimaryBrain: fabric.BrainSoldier,
			Action:       result.Action,
			Confidence:   result.Confidence,
			Timestamp:    time.Now(),
		},
		SourceMode:     mode,
		SignalStrength: result.SignalStrength,
		RiskLevel:      result.RiskLevel,
	}
}

func cacheKey(symbol string, tick MarketTick) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%.6f|%.6f|%.6f|%.6f", symbol, tick.Close, tick.MA20, tick.Volume, tick.AvgVolume)
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Soldier) cacheLookup(key string) (fabric.SoldierDecision, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return fabric.SoldierDecision{}, false
	}
	ttl := s.config.DecisionCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.cache, key)
		return fabric.SoldierDecision{}, false
	}
	return entry.decision, true
}

func (s *Soldier) cacheInsert(key string, decision fabric.SoldierDecision) {
	ttl := s.config.DecisionCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if _, exists := s.cache[key]; !exists {
		s.cacheOrder = append(s.cacheOrder, key)
	}
	s.cache[key] = cacheEntry{decision: decision, expiresAt: time.Now().Add(ttl)}

	const bound = 10000
	for len(s.cache) > bound && len(s.cacheOrder) > 0 {
		oldest := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, oldest)
	}
}

func (s *Soldier) recordLatency(ms float64) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	s.latencies = append(s.latencies, ms)
	if len(s.latencies) > 1000 {
		s.latencies = s.latencies[len(s.latencies)-1000:]
	}
	s.latencySum += ms
	s.latencyCount++
}

// AverageLatency returns the running mean latency over every decision made
// in the soldier's lifetime, not just the sliding p99 window (spec.md
// §4.3 step 6: "running average latency, and sliding-window p99").
func (s *Soldier) AverageLatency() float64 {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if s.latencyCount == 0 {
		return 0
	}
	return s.latencySum / float64(s.latencyCount)
}

// P99Latency computes the p99 over the sliding window of the last 1,000
// latencies (spec.md §4.3).
func (s *Soldier) P99Latency() float64 {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]float64(nil), s.latencies...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * 0.99)
	return sorted[idx]
}

// Statistics is the soldier's status/inspection snapshot.
type Statistics struct {
	State               string  `json:"state"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LocalDecisions      int64   `json:"local_decisions"`
	CloudDecisions      int64   `json:"cloud_decisions"`
	OfflineDecisions    int64   `json:"offline_decisions"`
	CacheHits           int64   `json:"cache_hits"`
	CacheSize           int     `json:"cache_size"`
	P99LatencyMs        float64 `json:"p99_latency_ms"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

// Statistics returns a snapshot of the soldier's running state.
func (s *Soldier) Statistics() Statistics {
	s.statsMu.Lock()
	stat := Statistics{
		LocalDecisions:   s.localDecisions,
		CloudDecisions:   s.cloudDecisions,
		OfflineDecisions: s.offlineDecisions,
		CacheHits:        s.cacheHits,
	}
	s.statsMu.Unlock()

	stat.State = s.State().String()
	stat.ConsecutiveFailures = s.ConsecutiveFailures()

	s.cacheMu.Lock()
	stat.CacheSize = len(s.cache)
	s.cacheMu.Unlock()

	stat.P99LatencyMs = s.P99Latency()
	stat.AvgLatencyMs = s.AverageLatency()
	return stat
}
