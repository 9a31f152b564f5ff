// Package events routes cycle, trade, and risk events from the engine
// to the websocket hub and metrics subscribers.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// EventType defines the category of event.
type EventType string

const (
	EventTypeCycle     EventType = "cycle"
	EventTypeTrade     EventType = "trade"
	EventTypeRegime    EventType = "regime"
	EventTypeRebalance EventType = "rebalance"
	EventTypeSafeguard EventType = "safeguard"
)

// Event is the interface all published events satisfy.
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides the common envelope.
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// CycleEvent reports a finished rebalance cycle.
type CycleEvent struct {
	BaseEvent
	Result types.CycleResult `json:"result"`
}

// NewCycleEvent wraps a cycle result.
func NewCycleEvent(result types.CycleResult) *CycleEvent {
	return &CycleEvent{BaseEvent: newBaseEvent(EventTypeCycle), Result: result}
}

// TradeEvent reports a single order outcome.
type TradeEvent struct {
	BaseEvent
	Trade types.TradeRecord `json:"trade"`
}

// NewTradeEvent wraps an order outcome.
func NewTradeEvent(trade types.TradeRecord) *TradeEvent {
	return &TradeEvent{BaseEvent: newBaseEvent(EventTypeTrade), Trade: trade}
}

// RegimeEvent reports a regime classification.
type RegimeEvent struct {
	BaseEvent
	State types.RegimeState `json:"state"`
}

// NewRegimeEvent wraps a regime state.
func NewRegimeEvent(state types.RegimeState) *RegimeEvent {
	return &RegimeEvent{BaseEvent: newBaseEvent(EventTypeRegime), State: state}
}

// RebalanceEvent reports a recorded rebalance.
type RebalanceEvent struct {
	BaseEvent
	Record types.RebalanceRecord `json:"record"`
}

// NewRebalanceEvent wraps a rebalance record.
func NewRebalanceEvent(record types.RebalanceRecord) *RebalanceEvent {
	return &RebalanceEvent{BaseEvent: newBaseEvent(EventTypeRebalance), Record: record}
}

// SafeguardEvent reports a tripped trading safeguard.
type SafeguardEvent struct {
	BaseEvent
	Rule    string `json:"rule"`
	Reason  string `json:"reason"`
	Breaker bool   `json:"breaker"`
}

// NewSafeguardEvent wraps a safeguard verdict.
func NewSafeguardEvent(rule, reason string, breaker bool) *SafeguardEvent {
	return &SafeguardEvent{
		BaseEvent: newBaseEvent(EventTypeSafeguard),
		Rule:      rule,
		Reason:    reason,
		Breaker:   breaker,
	}
}

// Handler processes a delivered event.
type Handler func(event Event) error

// Subscription is an active registration on the bus.
type Subscription struct {
	ID        string
	EventType EventType
	handler   Handler
	active    atomic.Bool
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// Config configures the bus.
type Config struct {
	Workers    int `json:"workers"`
	BufferSize int `json:"bufferSize"`
}

// DefaultConfig sizes the bus for a system that publishes a handful of
// events per cycle.
func DefaultConfig() *Config {
	return &Config{
		Workers:    4,
		BufferSize: 1024,
	}
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published         int64 `json:"published"`
	Processed         int64 `json:"processed"`
	Dropped           int64 `json:"dropped"`
	HandlerErrors     int64 `json:"handlerErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// Bus fans published events out to subscribers on a small worker set.
// Publish never blocks; events beyond the buffer are dropped and
// counted.
type Bus struct {
	logger *zap.Logger

	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan chan Event
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	published     atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	handlerErrors atomic.Int64
	activeSubs    atomic.Int64
}

// NewBus creates a bus with its workers already running.
func NewBus(logger *zap.Logger, config *Config) *Bus {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		logger:      logger.Named("events"),
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, config.BufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := 0; i < config.Workers; i++ {
		bus.wg.Add(1)
		go bus.worker()
	}

	return bus
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		handler:   handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.mu.Unlock()
	b.activeSubs.Add(1)

	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: "*",
		handler:   handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.allSubscribers = append(b.allSubscribers, sub)
	b.mu.Unlock()
	b.activeSubs.Add(1)

	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.Swap(false) {
		b.activeSubs.Add(-1)
	}
}

// Publish enqueues an event without blocking.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event dropped, buffer full",
			zap.String("event_type", string(event.GetType())))
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			b.dispatch(event)
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subscribers[event.GetType()]...)
	subs = append(subs, b.allSubscribers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		b.deliver(sub, event)
	}
	b.processed.Add(1)
}

func (b *Bus) deliver(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(event); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Warn("event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err))
	}
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:         b.published.Load(),
		Processed:         b.processed.Load(),
		Dropped:           b.dropped.Load(),
		HandlerErrors:     b.handlerErrors.Load(),
		ActiveSubscribers: b.activeSubs.Load(),
	}
}

// Stop shuts the bus down, abandoning queued events.
func (b *Bus) Stop() {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus stopped",
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("dropped", b.dropped.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("event bus shutdown timed out")
	}
}
