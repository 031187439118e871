// Package events decouples the trading core: the executor and position
// manager publish, engines and the API layer subscribe.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalGenerated EventType = "SIGNAL_GENERATED"
	EventTradeOpened     EventType = "TRADE_OPENED"
	EventTradeClosed     EventType = "TRADE_CLOSED"
	EventOrderCancelled  EventType = "ORDER_CANCELLED"
	EventOrderFailed     EventType = "ORDER_FAILED"
	EventBreakerTripped  EventType = "CIRCUIT_BREAKER_TRIPPED"
	EventBreakerReset    EventType = "CIRCUIT_BREAKER_RESET"
	EventSyncCompleted   EventType = "SYNC_COMPLETED"
	EventBotStarted      EventType = "BOT_STARTED"
	EventBotStopped      EventType = "BOT_STOPPED"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Subscribers run in their
// own goroutines so a slow consumer never blocks trading.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishSignal publishes a signal generated event
func (b *Bus) PublishSignal(strategyCode, market string, confidence float64, reason string) {
	b.Publish(Event{
		Type: EventSignalGenerated,
		Data: map[string]interface{}{
			"strategy":   strategyCode,
			"market":     market,
			"confidence": confidence,
			"reason":     reason,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (b *Bus) PublishTradeOpened(market, strategyCode string, entryPrice, quantity float64) {
	b.Publish(Event{
		Type: EventTradeOpened,
		Data: map[string]interface{}{
			"market":      market,
			"strategy":    strategyCode,
			"entry_price": entryPrice,
			"quantity":    quantity,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (b *Bus) PublishTradeClosed(market, strategyCode, exitReason string, pnl, pnlPercent float64) {
	b.Publish(Event{
		Type: EventTradeClosed,
		Data: map[string]interface{}{
			"market":      market,
			"strategy":    strategyCode,
			"exit_reason": exitReason,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishBreakerTripped publishes a circuit breaker trip
func (b *Bus) PublishBreakerTripped(strategyCode, reason string) {
	b.Publish(Event{
		Type: EventBreakerTripped,
		Data: map[string]interface{}{
			"strategy": strategyCode,
			"reason":   reason,
		},
	})
}

// PublishError publishes an error event
func (b *Bus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Publish(Event{Type: EventError, Data: data})
}
