package circuit

import (
	"fmt"
	"sync"
	"time"

	"bithumb-trading-bot/internal/logging"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "CLOSED"    // normal operation
	StateOpen   BreakerState = "SUSPENDED" // entries halted
)

// Config holds per-strategy circuit breaker limits
type Config struct {
	Enabled              bool    `json:"enabled"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	DailyMaxLossKRW      float64 `json:"daily_max_loss_krw"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:              true,
		MaxConsecutiveLosses: 3,
		DailyMaxLossKRW:      50000,
	}
}

// Breaker suspends one strategy after consecutive losses or daily
// drawdown. Counters roll over at UTC midnight; a trip holds until
// manual reset or the day roll.
type Breaker struct {
	strategyCode string
	config       *Config
	logger       *logging.Logger

	mu                sync.RWMutex
	state             BreakerState
	consecutiveLosses int
	dailyLossKRW      float64
	dayStart          time.Time // UTC midnight of the current day
	trippedAt         time.Time
	tripReason        string
	onTrip            func(strategyCode, reason string)
}

// NewBreaker creates a breaker for one strategy
func NewBreaker(strategyCode string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		strategyCode: strategyCode,
		config:       config,
		logger:       logging.WithComponent("circuit-breaker").WithField("strategy", strategyCode),
		state:        StateClosed,
		dayStart:     utcMidnight(time.Now()),
	}
}

// OnTrip registers a callback fired when the breaker trips
func (b *Breaker) OnTrip(fn func(strategyCode, reason string)) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// Allowed reports whether the strategy may open new positions
func (b *Breaker) Allowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(time.Now())
	return !b.config.Enabled || b.state == StateClosed
}

// State returns the current state after applying any day roll
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(time.Now())
	return b.state
}

// TripReason returns why the breaker last tripped
func (b *Breaker) TripReason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tripReason
}

// RecordTrade feeds a closed trade into the breaker
func (b *Breaker) RecordTrade(pnlKRW float64, closedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDay(closedAt)

	if pnlKRW < 0 {
		b.consecutiveLosses++
		b.dailyLossKRW += -pnlKRW
	} else {
		b.consecutiveLosses = 0
	}

	if b.state == StateOpen || !b.config.Enabled {
		return
	}

	switch {
	case b.consecutiveLosses >= b.config.MaxConsecutiveLosses:
		b.trip(fmt.Sprintf("%d consecutive losses", b.consecutiveLosses))
	case b.config.DailyMaxLossKRW > 0 && b.dailyLossKRW >= b.config.DailyMaxLossKRW:
		b.trip(fmt.Sprintf("daily loss %.0f KRW reached limit %.0f", b.dailyLossKRW, b.config.DailyMaxLossKRW))
	}
}

// Reset manually returns the breaker to normal operation
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset("manual reset")
}

// trip must be called with the lock held
func (b *Breaker) trip(reason string) {
	b.state = StateOpen
	b.trippedAt = time.Now()
	b.tripReason = reason
	b.logger.Warn("Circuit breaker tripped", "reason", reason)

	if b.onTrip != nil {
		go b.onTrip(b.strategyCode, reason)
	}
}

// rollDay resets counters when the UTC day changes; must be called with
// the lock held
func (b *Breaker) rollDay(now time.Time) {
	midnight := utcMidnight(now)
	if !midnight.After(b.dayStart) {
		return
	}
	b.dayStart = midnight
	b.dailyLossKRW = 0
	b.consecutiveLosses = 0
	if b.state == StateOpen {
		b.reset("UTC day roll")
	}
}

// reset must be called with the lock held
func (b *Breaker) reset(cause string) {
	if b.state != StateOpen {
		return
	}
	b.state = StateClosed
	b.tripReason = ""
	b.consecutiveLosses = 0
	b.logger.Info("Circuit breaker reset", "cause", cause)
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Set holds one breaker per strategy code
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]*Config
}

// NewSet creates an empty breaker set with per-strategy configs
func NewSet(configs map[string]*Config) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		configs:  configs,
	}
}

// For returns the breaker for a strategy, creating it on first use
func (s *Set) For(strategyCode string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[strategyCode]; ok {
		return b
	}
	b := NewBreaker(strategyCode, s.configs[strategyCode])
	s.breakers[strategyCode] = b
	return b
}

// All returns every instantiated breaker keyed by strategy code
func (s *Set) All() map[string]*Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*Breaker, len(s.breakers))
	for code, b := range s.breakers {
		out[code] = b
	}
	return out
}
