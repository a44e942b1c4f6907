// Package events implements the fabric's in-process typed pub/sub bus:
// four strictly-prioritized bounded queues, batched or single-event
// dispatch, and target-module filtered delivery.
//
// Based on research: Event-driven architectures decouple module
// dependencies; goroutines are 1000x lighter than OS threads, enabling
// a single dispatcher to fan concurrent handler execution out cheaply.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/coordination-fabric/internal/fabric"
)

// EventType is a closed enumeration of typed channels the bus carries.
type EventType string

const (
	EventTypeDecisionRequest      EventType = "decision_request"
	EventTypeDecisionMade         EventType = "decision_made"
	EventTypeAnalysisCompleted    EventType = "analysis_completed"
	EventTypeMemoryUpdated        EventType = "memory_updated"
	EventTypeFactorDiscovered     EventType = "factor_discovered"
	EventTypeArenaTestCompleted   EventType = "arena_test_completed"
	EventTypeStrategyGenerated    EventType = "strategy_generated"
	EventTypeZ2HCertified         EventType = "z2h_certified"
	EventTypeZ2HRevoked           EventType = "z2h_revoked"
	EventTypeSecurityAlert        EventType = "security_alert"
	EventTypeFactorArenaCompleted EventType = "factor_arena_completed"
	EventTypeStrategyArena        EventType = "strategy_arena_completed"
	EventTypeSimulationCompleted  EventType = "simulation_completed"
	EventTypeFactorDecayDetected  EventType = "factor_decay_detected"
	EventTypeStrategyRetired      EventType = "strategy_retired"
	EventTypeDataUpdated          EventType = "data_updated"
	EventTypeSystemAlert          EventType = "system_alert"
	EventTypeConfigChanged        EventType = "config_changed"
	EventTypeMarketDataReceived   EventType = "market_data_received"
	EventTypePortfolioUpdated     EventType = "portfolio_updated"
	EventTypeTradeExecuted        EventType = "trade_executed"
	EventTypeScheduleTriggered    EventType = "schedule_triggered"
	EventTypeTimerExpired         EventType = "timer_expired"
	EventTypeHeartbeat            EventType = "heartbeat"
	EventTypeResearchRequest      EventType = "research_request"
	EventTypeMarketDataRequest    EventType = "market_data_request"
	EventTypeStrategyRequest      EventType = "strategy_request"
	EventTypeAuditCompleted       EventType = "audit_completed"
	EventTypeAuditRequest         EventType = "audit_request"
	EventTypeSystemQuery          EventType = "system_query"
	EventTypeSystemResponse       EventType = "system_response"
	EventTypeMemoryQuery          EventType = "memory_query"
	EventTypeScheduleQuery        EventType = "schedule_query"
)

// EventPriority orders delivery; it never affects retry semantics.
type EventPriority int

const (
	PriorityLow      EventPriority = 1
	PriorityNormal   EventPriority = 2
	PriorityHigh     EventPriority = 3
	PriorityCritical EventPriority = 4
)

func (p EventPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// dispatchOrder lists priorities strictly highest-first.
var dispatchOrder = []EventPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Event is a single unit of pub/sub traffic.
type Event struct {
	EventID      string                 `json:"event_id"`
	EventType    EventType              `json:"event_type"`
	SourceModule string                 `json:"source_module"`
	TargetModule *string                `json:"target_module"`
	Priority     EventPriority          `json:"priority"`
	Data         map[string]interface{} `json:"data"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"created_at"`
	ExpiresAt    *time.Time             `json:"expires_at"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	Processed    bool                   `json:"processed"`
}

// NewEvent builds an event with a generated ID, NORMAL priority and no
// expiry, ready for field overrides before Publish.
func NewEvent(eventType EventType, sourceModule string, data map[string]interface{}) *Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Event{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		SourceModule: sourceModule,
		Priority:     PriorityNormal,
		Data:         data,
		Metadata:     map[string]interface{}{},
		CreatedAt:    time.Now(),
		MaxRetries:   3,
	}
}

// wireEvent is the JSON-on-the-wire shape from SPEC_FULL §6. Marshal and
// Unmarshal round-trip through it so to_dict/from_dict semantics are exact.
type wireEvent struct {
	EventID      string                 `json:"event_id"`
	EventType    string                 `json:"event_type"`
	SourceModule string                 `json:"source_module"`
	TargetModule *string                `json:"target_module"`
	Priority     int                    `json:"priority"`
	Data         map[string]interface{} `json:"data"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    string                 `json:"created_at"`
	ExpiresAt    *string                `json:"expires_at"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
	Processed    bool                   `json:"processed"`
}

// MarshalJSON implements the wire format described in SPEC_FULL §6.
func (e *Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		EventID:      e.EventID,
		EventType:    string(e.EventType),
		SourceModule: e.SourceModule,
		TargetModule: e.TargetModule,
		Priority:     int(e.Priority),
		Data:         e.Data,
		Metadata:     e.Metadata,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339Nano),
		RetryCount:   e.RetryCount,
		MaxRetries:   e.MaxRetries,
		Processed:    e.Processed,
	}
	if e.ExpiresAt != nil {
		s := e.ExpiresAt.Format(time.RFC3339Nano)
		w.ExpiresAt = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON; together they satisfy
// universal invariant 9 (to_dict ∘ from_dict = identity).
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("events: parse created_at: %w", err)
	}
	e.EventID = w.EventID
	e.EventType = EventType(w.EventType)
	e.SourceModule = w.SourceModule
	e.TargetModule = w.TargetModule
	e.Priority = EventPriority(w.Priority)
	if w.Data == nil {
		w.Data = map[string]interface{}{}
	}
	if w.Metadata == nil {
		w.Metadata = map[string]interface{}{}
	}
	e.Data = w.Data
	e.Metadata = w.Metadata
	e.CreatedAt = createdAt
	e.RetryCount = w.RetryCount
	e.MaxRetries = w.MaxRetries
	e.Processed = w.Processed
	if w.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339Nano, *w.ExpiresAt)
		if err != nil {
			return fmt.Errorf("events: parse expires_at: %w", err)
		}
		e.ExpiresAt = &t
	}
	return nil
}

// Handler processes one matched event.
type Handler func(event *Event) error

// handlerRegistration pairs a handler with its bookkeeping, mirroring the
// teacher's Subscription/EventHandler split.
type handlerRegistration struct {
	HandlerID  string
	Fn         Handler
	CallCount  atomic.Int64
	ErrorCount atomic.Int64
	LastCalled atomic.Int64 // unix nanos; 0 if never called
}

// EventBusStats is a point-in-time snapshot of bus health.
type EventBusStats struct {
	UptimeSeconds      float64         `json:"uptime_seconds"`
	EventsPublished    int64           `json:"events_published"`
	EventsProcessed    int64           `json:"events_processed"`
	EventsFailed       int64           `json:"events_failed"`
	HandlersRegistered int64           `json:"handlers_registered"`
	BatchProcessed     int64           `json:"batch_processed"`
	AvgBatchSize       float64         `json:"avg_batch_size"`
	AvgProcessingTimeUs float64        `json:"avg_processing_time_us"`
	QueueSizes         map[string]int  `json:"queue_sizes"`
	BatchingEnabled    bool            `json:"batching_enabled"`
	BatchSize          int             `json:"batch_size"`
}

// HandlerStats reports per-handler call/error counters for one EventType.
type HandlerStats struct {
	HandlerID  string `json:"handler_id"`
	CallCount  int64  `json:"call_count"`
	ErrorCount int64  `json:"error_count"`
	LastCalled int64  `json:"last_called_unix_nanos"`
}

// Config tunes bus behavior. Capacities and timings default to the values
// in SPEC_FULL §4.1.
type Config struct {
	CriticalCapacity int
	HighCapacity     int
	NormalCapacity   int
	LowCapacity      int
	EnableBatching   bool
	LowLatencyMode   bool
	BatchSize        int
	WaitForMore      time.Duration
	EmptyPollBackoff time.Duration
}

// DefaultConfig returns the numeric defaults named in SPEC_FULL §4.1.
func DefaultConfig() Config {
	return Config{
		CriticalCapacity: 1000,
		HighCapacity:     5000,
		NormalCapacity:   10000,
		LowCapacity:      5000,
		EnableBatching:   true,
		LowLatencyMode:   false,
		BatchSize:        10,
		WaitForMore:      time.Millisecond,
		EmptyPollBackoff: time.Millisecond,
	}
}

// Bus is the fabric's in-process priority pub/sub router.
type Bus struct {
	logger *zap.Logger
	config Config
	kv     fabric.KVStore

	queues map[EventPriority]chan *Event

	mu       sync.RWMutex
	handlers map[EventType][]*handlerRegistration

	eventsPublished    atomic.Int64
	eventsProcessed    atomic.Int64
	eventsFailed       atomic.Int64
	handlersRegistered atomic.Int64
	batchProcessed     atomic.Int64

	statsMu      sync.Mutex
	avgBatchSize float64
	avgProcUs    float64

	startTime time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewBus constructs a bus and starts its single dispatcher goroutine,
// mirroring the teacher's NewEventBus(logger, config) constructor-starts
// convention.
func NewBus(logger *zap.Logger, config Config, kv fabric.KVStore) *Bus {
	if config.CriticalCapacity <= 0 {
		config = DefaultConfig()
	}
	if kv == nil {
		kv = fabric.NoopKVStore{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &Bus{
		logger: logger.With(zap.String("component", "event_bus")),
		config: config,
		kv:     kv,
		queues: map[EventPriority]chan *Event{
			PriorityCritical: make(chan *Event, config.CriticalCapacity),
			PriorityHigh:     make(chan *Event, config.HighCapacity),
			PriorityNormal:   make(chan *Event, config.NormalCapacity),
			PriorityLow:      make(chan *Event, config.LowCapacity),
		},
		handlers:  make(map[EventType][]*handlerRegistration),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	b.logger.Info("event bus initialized",
		zap.Bool("batching", config.EnableBatching),
		zap.Bool("low_latency", config.LowLatencyMode),
		zap.Int("batch_size", config.BatchSize),
	)

	return b
}

// Subscribe registers handler for eventType. handlerID is returned
// verbatim if non-empty; otherwise one is generated that embeds
// eventType, matching the teacher convention that handler IDs carry
// their owning module's name for target filtering.
func (b *Bus) Subscribe(eventType EventType, handlerID string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlerID == "" {
		handlerID = fmt.Sprintf("%s_%d_%d", eventType, time.Now().UnixNano(), len(b.handlers[eventType]))
	}

	reg := &handlerRegistration{HandlerID: handlerID, Fn: handler}
	b.handlers[eventType] = append(b.handlers[eventType], reg)
	b.handlersRegistered.Add(1)

	b.logger.Info("handler subscribed", zap.String("event_type", string(eventType)), zap.String("handler_id", handlerID))
	return handlerID
}

// Unsubscribe removes handlerID from eventType's handler list. Returns
// whether a removal occurred.
func (b *Bus) Unsubscribe(eventType EventType, handlerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[eventType]
	for i, reg := range list {
		if reg.HandlerID == handlerID {
			b.handlers[eventType] = append(list[:i], list[i+1:]...)
			b.handlersRegistered.Add(-1)
			return true
		}
	}
	return false
}

// Publish enqueues event on the queue selected by its priority. It never
// blocks: a full queue yields ErrQueueFull, and the event is dropped
// (invariant ii — excess publishes fail without dropping earlier items).
func (b *Bus) Publish(event *Event) error {
	if event.ExpiresAt != nil && time.Now().After(*event.ExpiresAt) {
		b.logger.Warn("event expired before publish", zap.String("event_id", event.EventID))
		return fabric.ErrExpired
	}

	queue, ok := b.queues[event.Priority]
	if !ok {
		queue = b.queues[PriorityNormal]
	}

	select {
	case queue <- event:
		b.eventsPublished.Add(1)
		if b.kv != nil {
			go b.persist(event)
		}
		return nil
	default:
		b.logger.Warn("queue full, event dropped",
			zap.String("priority", event.Priority.String()),
			zap.String("event_id", event.EventID),
		)
		return fabric.ErrQueueFull
	}
}

// PublishSimple is the convenience form of Publish.
func (b *Bus) PublishSimple(eventType EventType, source string, data map[string]interface{}, targetModule string, priority EventPriority) error {
	e := NewEvent(eventType, source, data)
	e.Priority = priority
	if targetModule != "" {
		e.TargetModule = &targetModule
	}
	return b.Publish(e)
}

func (b *Bus) persist(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("persist marshal failed", zap.Error(err))
		return
	}
	key := "event:" + event.EventID
	if err := b.kv.HSet(b.ctx, key, map[string]string{
		"data":       string(payload),
		"created_at": event.CreatedAt.Format(time.RFC3339Nano),
	}); err != nil {
		b.logger.Warn("event persistence failed", zap.Error(err))
		return
	}
	if err := b.kv.Expire(b.ctx, key, 24*60*60); err != nil {
		b.logger.Warn("event persistence expire failed", zap.Error(err))
	}
}

// dispatchLoop is the single dispatcher task described in SPEC_FULL §4.1.
func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		if b.config.EnableBatching {
			batch := b.pullBatch()
			if len(batch) == 0 {
				b.sleep(b.config.EmptyPollBackoff)
				continue
			}
			start := time.Now()
			b.dispatchBatch(batch)
			elapsedUs := float64(time.Since(start).Microseconds())
			b.recordBatch(len(batch), elapsedUs)
		} else {
			event := b.pullOne()
			if event == nil {
				b.sleep(b.config.EmptyPollBackoff)
				continue
			}
			b.dispatchOne(event)
		}
	}
}

func (b *Bus) sleep(d time.Duration) {
	select {
	case <-b.ctx.Done():
	case <-time.After(d):
	}
}

// pullOne drains the highest-priority non-empty queue by one event.
func (b *Bus) pullOne() *Event {
	for _, p := range dispatchOrder {
		select {
		case e := <-b.queues[p]:
			return e
		default:
		}
	}
	return nil
}

// pullBatch collects up to BatchSize events in strict priority order. In
// high-throughput mode, a partial batch waits once for WaitForMore before
// being handed off; low-latency mode never waits.
func (b *Bus) pullBatch() []*Event {
	batch := make([]*Event, 0, b.config.BatchSize)

	fill := func() {
		for _, p := range dispatchOrder {
			for len(batch) < b.config.BatchSize {
				select {
				case e := <-b.queues[p]:
					batch = append(batch, e)
				default:
					goto nextPriority
				}
			}
			if len(batch) >= b.config.BatchSize {
				return
			}
		nextPriority:
		}
	}

	fill()

	if !b.config.LowLatencyMode && len(batch) > 0 && len(batch) < b.config.BatchSize {
		deadline := time.After(b.config.WaitForMore)
	waitMore:
		for len(batch) < b.config.BatchSize {
			select {
			case <-deadline:
				break waitMore
			default:
			}
			filled := false
			for _, p := range dispatchOrder {
				select {
				case e := <-b.queues[p]:
					batch = append(batch, e)
					filled = true
				default:
				}
				if len(batch) >= b.config.BatchSize {
					break waitMore
				}
			}
			if !filled {
				select {
				case <-deadline:
					break waitMore
				case <-time.After(100 * time.Microsecond):
				}
			}
		}
	}

	return batch
}

// dispatchBatch groups by event type, runs matched handlers concurrently
// per SPEC_FULL's gather semantics, and updates counters.
func (b *Bus) dispatchBatch(batch []*Event) {
	byType := make(map[EventType][]*Event, len(batch))
	for _, e := range batch {
		byType[e.EventType] = append(byType[e.EventType], e)
	}

	for eventType, events := range byType {
		b.mu.RLock()
		handlers := append([]*handlerRegistration(nil), b.handlers[eventType]...)
		b.mu.RUnlock()

		if len(handlers) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, e := range events {
			matched := filterByTarget(handlers, e.TargetModule)
			for _, reg := range matched {
				wg.Add(1)
				go func(reg *handlerRegistration, e *Event) {
					defer wg.Done()
					b.invoke(reg, e)
				}(reg, e)
			}
			e.Processed = true
		}
		wg.Wait()
	}
}

// dispatchOne is the single-event-mode counterpart of dispatchBatch.
func (b *Bus) dispatchOne(event *Event) {
	b.mu.RLock()
	handlers := append([]*handlerRegistration(nil), b.handlers[event.EventType]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	matched := filterByTarget(handlers, event.TargetModule)
	var wg sync.WaitGroup
	for _, reg := range matched {
		wg.Add(1)
		go func(reg *handlerRegistration) {
			defer wg.Done()
			b.invoke(reg, event)
		}(reg)
	}
	wg.Wait()
	event.Processed = true
}

// invoke runs one handler with panic recovery, matching the teacher's
// executeHandler contract: a failing handler never cancels its peers.
func (b *Bus) invoke(reg *handlerRegistration, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			reg.ErrorCount.Add(1)
			b.eventsFailed.Add(1)
			b.logger.Error("handler panic",
				zap.String("handler_id", reg.HandlerID),
				zap.String("event_type", string(event.EventType)),
				zap.Any("panic", r),
			)
		}
	}()

	reg.CallCount.Add(1)
	reg.LastCalled.Store(time.Now().UnixNano())

	if err := reg.Fn(event); err != nil {
		reg.ErrorCount.Add(1)
		b.eventsFailed.Add(1)
		b.logger.Warn("handler error",
			zap.String("handler_id", reg.HandlerID),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err),
		)
		return
	}
	b.eventsProcessed.Add(1)
}

// filterByTarget implements SPEC_FULL §4.1's heuristic target match:
// substring, prefix, or underscore-normalized containment, falling back
// to all handlers when nothing matches (backward-compat per the original
// Python implementation and REDESIGN note on handler-id target
// filtering).
func filterByTarget(handlers []*handlerRegistration, target *string) []*handlerRegistration {
	if target == nil || *target == "" {
		return handlers
	}
	t := *target
	tNorm := strings.ReplaceAll(t, "_", "")

	matched := make([]*handlerRegistration, 0, len(handlers))
	for _, h := range handlers {
		id := h.HandlerID
		if strings.Contains(id, t) || strings.HasPrefix(id, t) || strings.Contains(strings.ReplaceAll(id, "_", ""), tNorm) {
			matched = append(matched, h)
		}
	}
	if len(matched) == 0 {
		return handlers
	}
	return matched
}

func (b *Bus) recordBatch(size int, elapsedUs float64) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()

	count := b.batchProcessed.Add(1)
	b.avgBatchSize = (b.avgBatchSize*float64(count-1) + float64(size)) / float64(count)
	b.avgProcUs = (b.avgProcUs*float64(count-1) + elapsedUs) / float64(count)
}

// GetStats returns a snapshot of bus counters and queue depths.
func (b *Bus) GetStats() EventBusStats {
	b.statsMu.Lock()
	avgBatch, avgUs := b.avgBatchSize, b.avgProcUs
	b.statsMu.Unlock()

	sizes := make(map[string]int, 4)
	for _, p := range dispatchOrder {
		sizes[p.String()] = len(b.queues[p])
	}

	return EventBusStats{
		UptimeSeconds:       time.Since(b.startTime).Seconds(),
		EventsPublished:     b.eventsPublished.Load(),
		EventsProcessed:     b.eventsProcessed.Load(),
		EventsFailed:        b.eventsFailed.Load(),
		HandlersRegistered:  b.handlersRegistered.Load(),
		BatchProcessed:      b.batchProcessed.Load(),
		AvgBatchSize:        avgBatch,
		AvgProcessingTimeUs: avgUs,
		QueueSizes:          sizes,
		BatchingEnabled:     b.config.EnableBatching,
		BatchSize:           b.config.BatchSize,
	}
}

// HandlerStatsFor returns per-handler counters for eventType, sorted by
// handler ID for deterministic snapshots.
func (b *Bus) HandlerStatsFor(eventType EventType) []HandlerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]HandlerStats, 0, len(b.handlers[eventType]))
	for _, reg := range b.handlers[eventType] {
		out = append(out, HandlerStats{
			HandlerID:  reg.HandlerID,
			CallCount:  reg.CallCount.Load(),
			ErrorCount: reg.ErrorCount.Load(),
			LastCalled: reg.LastCalled.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HandlerID < out[j].HandlerID })
	return out
}

// Shutdown cancels the dispatcher and waits (bounded) for it to exit.
// Pending queued events are dropped, per SPEC_FULL §5's explicit
// cancellation semantics.
func (b *Bus) Shutdown() {
	b.logger.Info("shutting down event bus")
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus shutdown complete",
			zap.Int64("events_processed", b.eventsProcessed.Load()),
			zap.Int64("events_failed", b.eventsFailed.Load()),
		)
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}
