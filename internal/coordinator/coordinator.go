// Package coordinator implements the decision coordinator (C2): it
// turns a caller's synchronous "make a decision" request into a
// correlation-tracked interaction with one of three engines, enforcing
// concurrency limits, commander micro-batching, and conflict resolution
// across collapsed decisions.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
	"github.com/atlas-desktop/coordination-fabric/internal/workers"
)

// Engine is the decide/analyze/research-shaped adapter boundary from
// spec.md §6, unified to one interface: the coordinator doesn't care
// which verb a particular brain calls this method, only that it returns
// a BrainDecision or an error.
type Engine interface {
	Invoke(ctx context.Context, marketContext fabric.MarketContext) (fabric.BrainDecision, error)
}

// Config tunes the coordinator (spec.md §4.2).
type Config struct {
	MaxConcurrentDecisions int
	CommanderBatchSize     int
	CommanderBatchTimeout  time.Duration
	SoldierTimeout         time.Duration
	OtherTimeout           time.Duration
	DecisionHistoryCap     int
}

// DefaultConfig returns spec.md's named defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDecisions: 32,
		CommanderBatchSize:     10,
		CommanderBatchTimeout:  50 * time.Millisecond,
		SoldierTimeout:         2 * time.Second,
		OtherTimeout:           5 * time.Second,
		DecisionHistoryCap:     100,
	}
}

type stats struct {
	mu                   sync.Mutex
	totalRequests        int64
	perBrain             map[string]int64
	coordinationConflicts int64
	timeouts             int64
	errors               int64
	concurrentPeak       int64
	batchesFlushed       int64
	limitHits            int64
	confidenceSum        float64
	confidenceCount      int64
}

type batchItem struct {
	marketContext fabric.MarketContext
	correlationID string
	result        chan fabric.BrainDecision
}

// Coordinator is the decision coordinator described in spec.md §4.2.
type Coordinator struct {
	logger *zap.Logger
	bus    *events.Bus
	config Config

	soldier   Engine
	commander Engine
	scholar   Engine

	// pool bounds the number of concurrently in-flight decision
	// requests to MaxConcurrentDecisions, reusing the fabric's
	// general-purpose worker pool rather than a bespoke semaphore.
	pool *workers.Pool

	batchMu      sync.Mutex
	batch        []batchItem
	batchTimer   *time.Timer

	// pending tracks every commander batch item awaiting a result,
	// keyed by correlation id, so Shutdown can complete in-flight
	// waiters with a fallback decision instead of leaving them to sit
	// out their own timeout (spec.md §5 "Cancellation").
	pendingMu sync.Mutex
	pending   map[string]batchItem

	historyMu sync.Mutex
	history   []fabric.BrainDecision

	activeMu sync.Mutex
	active   int64

	stats stats
}

// NewCoordinator constructs a Coordinator. Only the synchronous
// engine-invocation mode of spec.md §4.2 is wired: every engine is
// called directly through Engine.Invoke, so there is no decision_made
// event to await a response from, and no decision_request publisher to
// drive an async responder in the first place.
func NewCoordinator(logger *zap.Logger, bus *events.Bus, config Config, soldier, commander, scholar Engine) *Coordinator {
	poolLogger := logger.With(zap.String("component", "decision_coordinator"))

	ceiling := config.OtherTimeout
	if config.SoldierTimeout > ceiling {
		ceiling = config.SoldierTimeout
	}
	pool := workers.NewPool(poolLogger, &workers.PoolConfig{
		Name:            "decision_coordinator",
		NumWorkers:      config.MaxConcurrentDecisions,
		QueueSize:       config.MaxConcurrentDecisions * 4,
		TaskTimeout:     ceiling + time.Second,
		ShutdownTimeout: 5 * time.Second,
		PanicRecovery:   true,
	})
	pool.Start()

	c := &Coordinator{
		logger:    poolLogger,
		bus:       bus,
		config:    config,
		soldier:   soldier,
		commander: commander,
		scholar:   scholar,
		pool:      pool,
		pending:   make(map[string]batchItem),
		stats:     stats{perBrain: make(map[string]int64)},
	}

	return c
}

// RequestDecision is the coordinator's main entry point (spec.md §4.2).
func (c *Coordinator) RequestDecision(ctx context.Context, brain string, marketContext fabric.MarketContext) (fabric.BrainDecision, error) {
	switch brain {
	case fabric.BrainSoldier, fabric.BrainCommander, fabric.BrainScholar:
	default:
		return fabric.BrainDecision{}, fabric.ErrInvalidArgument.WithMessage(fmt.Sprintf("coordinator: unknown brain %q", brain))
	}

	c.stats.mu.Lock()
	c.stats.totalRequests++
	c.stats.perBrain[brain]++
	c.stats.mu.Unlock()

	correlationID := newCorrelationID()

	resultCh := make(chan fabric.BrainDecision, 1)
	task := workers.TaskFunc(func() error {
		c.trackConcurrency(1)
		defer c.trackConcurrency(-1)

		var decision fabric.BrainDecision
		var err error
		if brain == fabric.BrainCommander {
			decision, err = c.requestViaBatch(ctx, correlationID, marketContext)
		} else {
			timeout := c.config.OtherTimeout
			if brain == fabric.BrainSoldier {
				timeout = c.config.SoldierTimeout
			}
			decision, err = c.requestDirect(ctx, c.engineFor(brain), correlationID, marketContext, timeout)
		}

		if err != nil {
			c.stats.mu.Lock()
			c.stats.errors++
			c.stats.mu.Unlock()
			decision = c.fallbackDecision(marketContext)
		}
		resultCh <- decision
		return nil
	})

	if err := c.pool.Submit(task); err != nil {
		c.stats.mu.Lock()
		c.stats.limitHits++
		c.stats.mu.Unlock()
		return c.fallbackDecision(marketContext), nil
	}

	var decision fabric.BrainDecision
	select {
	case decision = <-resultCh:
	case <-ctx.Done():
		decision = c.fallbackDecision(marketContext)
	}

	c.recordHistory(decision)
	c.recordConfidence(decision.Confidence)
	return decision, nil
}

func (c *Coordinator) engineFor(brain string) Engine {
	switch brain {
	case fabric.BrainSoldier:
		return c.soldier
	case fabric.BrainScholar:
		return c.scholar
	default:
		return c.commander
	}
}

func (c *Coordinator) trackConcurrency(delta int64) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.active += delta
	if c.active > c.stats.concurrentPeak {
		c.stats.mu.Lock()
		if c.active > c.stats.concurrentPeak {
			c.stats.concurrentPeak = c.active
		}
		c.stats.mu.Unlock()
	}
}

// requestDirect invokes the engine synchronously with a per-brain
// timeout. On timeout it returns a Timeout error so the caller applies
// the fallback decision.
func (c *Coordinator) requestDirect(ctx context.Context, engine Engine, correlationID string, marketContext fabric.MarketContext, timeout time.Duration) (fabric.BrainDecision, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan fabric.BrainDecision, 1)
	errCh := make(chan error, 1)
	go func() {
		decision, err := engine.Invoke(reqCtx, marketContext)
		if err != nil {
			errCh <- err
			return
		}
		decision.CorrelationID = correlationID
		resultCh <- decision
	}()

	select {
	case decision := <-resultCh:
		return decision, nil
	case <-errCh:
		return fabric.BrainDecision{}, fabric.ErrEngineError
	case <-reqCtx.Done():
		c.stats.mu.Lock()
		c.stats.timeouts++
		c.stats.mu.Unlock()
		return fabric.BrainDecision{}, fabric.ErrTimeout
	}
}

// requestViaBatch enqueues into the pending commander batch and flushes
// when either CommanderBatchSize is reached or CommanderBatchTimeout
// elapses since the first item in this batch (spec.md §4.2).
func (c *Coordinator) requestViaBatch(ctx context.Context, correlationID string, marketContext fabric.MarketContext) (fabric.BrainDecision, error) {
	item := batchItem{
		marketContext: marketContext,
		correlationID: correlationID,
		result:        make(chan fabric.BrainDecision, 1),
	}

	c.pendingMu.Lock()
	c.pending[correlationID] = item
	c.pendingMu.Unlock()
	defer c.clearPending(correlationID)

	c.batchMu.Lock()
	c.batch = append(c.batch, item)
	flushNow := len(c.batch) >= c.config.CommanderBatchSize
	if len(c.batch) == 1 && !flushNow {
		c.batchTimer = time.AfterFunc(c.config.CommanderBatchTimeout, c.flushBatch)
	}
	if flushNow {
		if c.batchTimer != nil {
			c.batchTimer.Stop()
		}
		go c.flushBatch()
	}
	c.batchMu.Unlock()

	timeout := c.config.OtherTimeout
	select {
	case decision := <-item.result:
		return decision, nil
	case <-time.After(timeout):
		c.stats.mu.Lock()
		c.stats.timeouts++
		c.stats.mu.Unlock()
		return fabric.BrainDecision{}, fabric.ErrTimeout
	case <-ctx.Done():
		return fabric.BrainDecision{}, fabric.ErrTimeout
	}
}

func (c *Coordinator) clearPending(correlationID string) {
	c.pendingMu.Lock()
	delete(c.pending, correlationID)
	c.pendingMu.Unlock()
}

// flushBatch drains the pending commander batch and processes every
// item concurrently.
func (c *Coordinator) flushBatch() {
	c.batchMu.Lock()
	items := c.batch
	c.batch = nil
	c.batchTimer = nil
	c.batchMu.Unlock()

	if len(items) == 0 {
		return
	}

	c.stats.mu.Lock()
	c.stats.batchesFlushed++
	c.stats.mu.Unlock()

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item batchItem) {
			defer wg.Done()
			reqCtx, cancel := context.WithTimeout(context.Background(), c.config.OtherTimeout)
			defer cancel()
			decision, err := c.commander.Invoke(reqCtx, item.marketContext)
			if err != nil {
				decision = c.fallbackDecision(item.marketContext)
			}
			decision.CorrelationID = item.correlationID
			select {
			case item.result <- decision:
			default:
			}
		}(item)
	}
	wg.Wait()
}

// fallbackDecision applies spec.md §4.2's fallback rule over the market
// context: reduce if portfolio concentration is above 0.8, else sell if
// the recent drawdown is below -0.10, else hold.
func (c *Coordinator) fallbackDecision(marketContext fabric.MarketContext) fabric.BrainDecision {
	action := fabric.ActionHold
	confidence := 0.1

	if marketContext.PortfolioConcentration > 0.8 {
		action, confidence = fabric.ActionReduce, 0.2
	} else if marketContext.RecentDrawdown < -0.10 {
		action, confidence = fabric.ActionSell, 0.3
	}

	return fabric.BrainDecision{
		PrimaryBrain: fabric.BrainCoordinatorFallback,
		Action:       action,
		Confidence:   confidence,
		Reasoning:    "fallback: engine timeout or error",
		Timestamp:    time.Now(),
	}
}

// ResolveConflicts applies spec.md §4.2's tie-break rules to collapse a
// list of BrainDecisions into one.
func (c *Coordinator) ResolveConflicts(decisions []fabric.BrainDecision) fabric.BrainDecision {
	if len(decisions) == 0 {
		return fabric.BrainDecision{PrimaryBrain: fabric.BrainCoordinator, Action: fabric.ActionHold, Confidence: 0.1, Timestamp: time.Now()}
	}
	if len(decisions) == 1 {
		return decisions[0]
	}

	highest, second := topTwoByConfidence(decisions)

	c.stats.mu.Lock()
	c.stats.coordinationConflicts++
	c.stats.mu.Unlock()

	if highest.Confidence-second.Confidence > 0.10 {
		return highest
	}

	if winner, ok := brainPriorityTieBreak(highest, second); ok {
		return winner
	}

	minConfidence := highest.Confidence
	if second.Confidence < minConfidence {
		minConfidence = second.Confidence
	}
	return fabric.BrainDecision{
		PrimaryBrain: fabric.BrainCoordinatorConflictResolve,
		Action:       deriskAction(highest, second),
		Confidence:   minConfidence * 0.9,
		Reasoning:    "conflict resolution: no confidence or priority edge, conservative de-risk",
		Timestamp:    time.Now(),
	}
}

func topTwoByConfidence(decisions []fabric.BrainDecision) (fabric.BrainDecision, fabric.BrainDecision) {
	sorted := append([]fabric.BrainDecision(nil), decisions...)
	// simple selection of top two by confidence, stable for ties.
	bestIdx, secondIdx := 0, 1
	if sorted[1].Confidence > sorted[0].Confidence {
		bestIdx, secondIdx = 1, 0
	}
	for i := 2; i < len(sorted); i++ {
		if sorted[i].Confidence > sorted[bestIdx].Confidence {
			secondIdx = bestIdx
			bestIdx = i
		} else if sorted[i].Confidence > sorted[secondIdx].Confidence {
			secondIdx = i
		}
	}
	return sorted[bestIdx], sorted[secondIdx]
}

var brainPriority = map[string]int{
	fabric.BrainSoldier:   3,
	fabric.BrainCommander: 2,
	fabric.BrainScholar:   1,
}

func brainPriorityTieBreak(a, b fabric.BrainDecision) (fabric.BrainDecision, bool) {
	pa, pb := brainPriority[a.PrimaryBrain], brainPriority[b.PrimaryBrain]
	if pa == pb {
		return fabric.BrainDecision{}, false
	}
	if pa > pb {
		return a, true
	}
	return b, true
}

func deriskAction(a, b fabric.BrainDecision) string {
	for _, d := range []fabric.BrainDecision{a, b} {
		if d.Action == fabric.ActionSell {
			return fabric.ActionSell
		}
	}
	for _, d := range []fabric.BrainDecision{a, b} {
		if d.Action == fabric.ActionReduce {
			return fabric.ActionReduce
		}
	}
	return fabric.ActionHold
}

func (c *Coordinator) recordHistory(decision fabric.BrainDecision) {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	c.history = append(c.history, decision)
	cap := c.config.DecisionHistoryCap
	if cap <= 0 {
		cap = 100
	}
	if len(c.history) > cap {
		c.history = c.history[len(c.history)-cap:]
	}
}

func (c *Coordinator) recordConfidence(confidence float64) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	c.stats.confidenceSum += confidence
	c.stats.confidenceCount++
}

// GetDecisionHistory returns the most-recent-first history, optionally
// filtered to brainFilter and truncated to limit (0 means unbounded).
func (c *Coordinator) GetDecisionHistory(brainFilter string, limit int) []fabric.BrainDecision {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()

	out := make([]fabric.BrainDecision, 0, len(c.history))
	for i := len(c.history) - 1; i >= 0; i-- {
		d := c.history[i]
		if brainFilter != "" && d.PrimaryBrain != brainFilter {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Statistics is the get_statistics()-equivalent snapshot (spec.md §4.2).
type Statistics struct {
	TotalRequests         int64            `json:"total_requests"`
	PerBrain              map[string]int64 `json:"per_brain"`
	CoordinationConflicts int64            `json:"coordination_conflicts"`
	Timeouts              int64            `json:"timeouts"`
	Errors                int64            `json:"errors"`
	ConcurrentPeak        int64            `json:"concurrent_peak"`
	BatchesFlushed        int64            `json:"batches_flushed"`
	LimitHits             int64            `json:"limit_hits"`
	AverageConfidence     float64          `json:"average_confidence"`
	PendingBatchSize      int              `json:"pending_batch_size"`
}

// Statistics returns a snapshot of the coordinator's running statistics.
func (c *Coordinator) Statistics() Statistics {
	c.stats.mu.Lock()
	perBrain := make(map[string]int64, len(c.stats.perBrain))
	for k, v := range c.stats.perBrain {
		perBrain[k] = v
	}
	s := Statistics{
		TotalRequests:         c.stats.totalRequests,
		PerBrain:              perBrain,
		CoordinationConflicts: c.stats.coordinationConflicts,
		Timeouts:              c.stats.timeouts,
		Errors:                c.stats.errors,
		ConcurrentPeak:        c.stats.concurrentPeak,
		BatchesFlushed:        c.stats.batchesFlushed,
		LimitHits:             c.stats.limitHits,
	}
	if c.stats.confidenceCount > 0 {
		s.AverageConfidence = c.stats.confidenceSum / float64(c.stats.confidenceCount)
	}
	c.stats.mu.Unlock()

	c.batchMu.Lock()
	s.PendingBatchSize = len(c.batch)
	c.batchMu.Unlock()

	return s
}

// Shutdown clears the pending commander batch and completes every
// in-flight waiter with a fallback decision (spec.md §5
// "Cancellation") rather than leaving them to sit out their own
// timeout, then stops the worker pool.
func (c *Coordinator) Shutdown() {
	c.batchMu.Lock()
	c.batch = nil
	if c.batchTimer != nil {
		c.batchTimer.Stop()
	}
	c.batchMu.Unlock()

	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]batchItem)
	c.pendingMu.Unlock()

	for _, item := range pending {
		decision := c.fallbackDecision(item.marketContext)
		decision.CorrelationID = item.correlationID
		select {
		case item.result <- decision:
		default:
		}
	}

	if err := c.pool.Stop(); err != nil {
		c.logger.Warn("decision coordinator worker pool stop reported an error", zap.Error(err))
	}
}

func newCorrelationID() string {
	return fmt.Sprintf("decision_%d_%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}
