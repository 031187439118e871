package database

import (
	"time"
)

// Position status values. Positions are inserted as OPEN once the entry
// fill settles; the order window itself is tracked in pending_orders.
const (
	PositionOpen      = "OPEN"
	PositionClosing   = "CLOSING"
	PositionClosed    = "CLOSED"
	PositionAbandoned = "ABANDONED"
)

// Exit reasons recorded on closed positions
const (
	ExitTakeProfit         = "TAKE_PROFIT"
	ExitHalfTakeProfit     = "HALF_TAKE_PROFIT"
	ExitStopLoss           = "STOP_LOSS"
	ExitTrailingStop       = "TRAILING_STOP"
	ExitTimeout            = "TIMEOUT"
	ExitRegimeShift        = "REGIME_SHIFT"
	ExitManual             = "MANUAL"
	ExitCircuitBreaker     = "CIRCUIT_BREAKER"
	ExitAbandonedNoBalance = "ABANDONED_NO_BALANCE"
	ExitAbandonedMinAmount = "ABANDONED_MIN_AMOUNT"
)

// Strategy codes
const (
	StrategyDCA                = "DCA"
	StrategyMeanReversion      = "MEAN_REVERSION"
	StrategyBreakout           = "BREAKOUT"
	StrategyMomentum           = "MOMENTUM"
	StrategyVolumeSurge        = "VOLUME_SURGE"
	StrategyMemeScalper        = "MEME_SCALPER"
	StrategyVolatilitySurvival = "VOLATILITY_SURVIVAL"
	StrategyOrderBookImbalance = "ORDER_BOOK_IMBALANCE"
	StrategyGuided             = "GUIDED"
	StrategyManual             = "MANUAL"
	StrategyAutopilotMCP       = "AUTOPILOT_MCP"
)

// Strategy groups used for telemetry rollups
const (
	GroupManual     = "MANUAL"
	GroupGuided     = "GUIDED"
	GroupAutopilot  = "AUTOPILOT_MCP"
	GroupCoreEngine = "CORE_ENGINE"
)

// GroupForStrategy maps a strategy code to its telemetry group
func GroupForStrategy(strategyCode string) string {
	switch strategyCode {
	case StrategyManual:
		return GroupManual
	case StrategyGuided:
		return GroupGuided
	case StrategyAutopilotMCP:
		return GroupAutopilot
	default:
		return GroupCoreEngine
	}
}

// Pending order status values
const (
	OrderPending   = "PENDING"
	OrderFilled    = "FILLED"
	OrderFailed    = "FAILED"
	OrderCancelled = "CANCELLED"
)

// Lifecycle event types
const (
	EventBuyRequested  = "BUY_REQUESTED"
	EventBuyFilled     = "BUY_FILLED"
	EventSellRequested = "SELL_REQUESTED"
	EventSellFilled    = "SELL_FILLED"
	EventFailed        = "FAILED"
	EventCancelled     = "CANCELLED"
)

// Position represents one long position through its full life
type Position struct {
	ID                   int64      `json:"id"`
	Market               string     `json:"market"`
	StrategyCode         string     `json:"strategy_code"`
	EntryPrice           float64    `json:"entry_price"`
	EntryQuantity        float64    `json:"entry_quantity"`
	RemainingQuantity    float64    `json:"remaining_quantity"`
	StopLoss             float64    `json:"stop_loss"`
	TakeProfit           float64    `json:"take_profit"`
	TrailingActive       bool       `json:"trailing_active"`
	TrailingPeak         *float64   `json:"trailing_peak,omitempty"`
	DCACount             int        `json:"dca_count"`
	Status               string     `json:"status"`
	EntryRegime          *string    `json:"entry_regime,omitempty"`
	EntryConfluenceScore *float64   `json:"entry_confluence_score,omitempty"`
	HalfTakeProfitDone   bool       `json:"half_take_profit_done"`
	ExitPrice            *float64   `json:"exit_price,omitempty"`
	RealizedPnl          *float64   `json:"realized_pnl,omitempty"`
	RealizedPnlPercent   *float64   `json:"realized_pnl_percent,omitempty"`
	ExitReason           *string    `json:"exit_reason,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	ClosedAt             *time.Time `json:"closed_at,omitempty"`
}

// HoldingDuration returns how long the position has been held
func (p *Position) HoldingDuration(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// UnrealizedPnlPercent computes the mark-to-market return before fees
func (p *Position) UnrealizedPnlPercent(currentPrice float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (currentPrice - p.EntryPrice) / p.EntryPrice * 100
}

// PendingOrder tracks an order between submission and settlement
type PendingOrder struct {
	ID              int64     `json:"id"`
	OrderID         string    `json:"order_id"`
	ExchangeOrderID *string   `json:"exchange_order_id,omitempty"`
	Market          string    `json:"market"`
	StrategyCode    string    `json:"strategy_code"`
	Side            string    `json:"side"`
	OrderType       string    `json:"order_type"`
	Price           *float64  `json:"price,omitempty"`
	Volume          *float64  `json:"volume,omitempty"`
	Status          string    `json:"status"`
	PositionID      *int64    `json:"position_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrderLifecycleEvent is one row in the append-only telemetry table
type OrderLifecycleEvent struct {
	ID            int64     `json:"id"`
	OrderID       string    `json:"order_id"`
	EventType     string    `json:"event_type"`
	Market        string    `json:"market"`
	StrategyCode  string    `json:"strategy_code"`
	StrategyGroup string    `json:"strategy_group"`
	Price         *float64  `json:"price,omitempty"`
	Volume        *float64  `json:"volume,omitempty"`
	Detail        *string   `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClosedTrade is the slice of a closed position the risk throttle reads
type ClosedTrade struct {
	Market             string    `json:"market"`
	StrategyCode       string    `json:"strategy_code"`
	RealizedPnl        float64   `json:"realized_pnl"`
	RealizedPnlPercent float64   `json:"realized_pnl_percent"`
	ExitReason         string    `json:"exit_reason"`
	ClosedAt           time.Time `json:"closed_at"`
}

// DailyStats summarizes one strategy group over the KST day window
type DailyStats struct {
	StrategyGroup string  `json:"strategy_group"`
	Requested     int     `json:"requested"`
	Filled        int     `json:"filled"`
	Cancelled     int     `json:"cancelled"`
	Failed        int     `json:"failed"`
	RealizedPnl   float64 `json:"realized_pnl"`
	TradesClosed  int     `json:"trades_closed"`
	WinCount      int     `json:"win_count"`
}
