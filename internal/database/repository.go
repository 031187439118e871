package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository errors
var (
	ErrPositionExists   = errors.New("open position already exists for this market and strategy")
	ErrPositionNotFound = errors.New("position not found")
	ErrOrderNotFound    = errors.New("pending order not found")
)

// KST is the exchange-local timezone used for daily telemetry windows
var KST = time.FixedZone("KST", 9*60*60)

// TodayKST returns the [00:00 KST, now] window for the current day
func TodayKST(now time.Time) (start, end time.Time) {
	local := now.In(KST)
	start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, KST)
	return start, now
}

// Repository provides data access methods. Writes to a given
// (market, strategyCode) key are serialized through LockKey.
type Repository struct {
	db *DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db, locks: make(map[string]*sync.Mutex)}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// LockKey acquires the per-(market, strategyCode) mutex and returns its
// release function. Entry, monitor, and exit for one position key must
// run under this lock.
func (r *Repository) LockKey(market, strategyCode string) func() {
	key := market + "|" + strategyCode

	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ============================================================================
// POSITIONS
// ============================================================================

const positionColumns = `id, market, strategy_code, entry_price, entry_quantity, remaining_quantity,
	stop_loss, take_profit, trailing_active, trailing_peak, dca_count, status,
	entry_regime, entry_confluence_score, half_take_profit_done,
	exit_price, realized_pnl, realized_pnl_percent, exit_reason,
	created_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (*Position, error) {
	p := &Position{}
	err := row.Scan(
		&p.ID, &p.Market, &p.StrategyCode, &p.EntryPrice, &p.EntryQuantity, &p.RemainingQuantity,
		&p.StopLoss, &p.TakeProfit, &p.TrailingActive, &p.TrailingPeak, &p.DCACount, &p.Status,
		&p.EntryRegime, &p.EntryConfluenceScore, &p.HalfTakeProfitDone,
		&p.ExitPrice, &p.RealizedPnl, &p.RealizedPnlPercent, &p.ExitReason,
		&p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePosition inserts a new position after verifying no OPEN position
// exists for the same key. Callers must hold the key mutex; the partial
// unique index backs the check against races.
func (r *Repository) CreatePosition(ctx context.Context, p *Position) error {
	existing, err := r.GetOpenPosition(ctx, p.Market, p.StrategyCode)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrPositionExists
	}

	query := `
		INSERT INTO positions (market, strategy_code, entry_price, entry_quantity, remaining_quantity,
			stop_loss, take_profit, dca_count, status, entry_regime, entry_confluence_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		p.Market, p.StrategyCode, p.EntryPrice, p.EntryQuantity, p.RemainingQuantity,
		p.StopLoss, p.TakeProfit, p.DCACount, p.Status, p.EntryRegime, p.EntryConfluenceScore,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// GetOpenPosition retrieves the OPEN position for a key, nil if none
func (r *Repository) GetOpenPosition(ctx context.Context, market, strategyCode string) (*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE market = $1 AND strategy_code = $2 AND status = 'OPEN'`, positionColumns)
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, query, market, strategyCode))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetOpenPositionsByMarket retrieves OPEN positions on a market across
// all strategies
func (r *Repository) GetOpenPositionsByMarket(ctx context.Context, market string) ([]*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE market = $1 AND status = 'OPEN'`, positionColumns)
	return r.queryPositions(ctx, query, market)
}

// GetPositionByID retrieves a position by ID
func (r *Repository) GetPositionByID(ctx context.Context, id int64) (*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE id = $1`, positionColumns)
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPositionNotFound
	}
	return p, err
}

// GetOpenPositions retrieves all OPEN positions
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE status = 'OPEN' ORDER BY created_at`, positionColumns)
	return r.queryPositions(ctx, query)
}

// GetOpenPositionsByStrategy retrieves OPEN positions for one strategy
func (r *Repository) GetOpenPositionsByStrategy(ctx context.Context, strategyCode string) ([]*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM positions WHERE strategy_code = $1 AND status = 'OPEN' ORDER BY created_at`, positionColumns)
	return r.queryPositions(ctx, query, strategyCode)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...any) ([]*Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePositionStops updates the stop-loss and take-profit levels
func (r *Repository) UpdatePositionStops(ctx context.Context, id int64, stopLoss, takeProfit float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET stop_loss = $2, take_profit = $3 WHERE id = $1`,
		id, stopLoss, takeProfit)
	return err
}

// UpdatePositionTrailing records trailing activation and the price peak
func (r *Repository) UpdatePositionTrailing(ctx context.Context, id int64, peak float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET trailing_active = TRUE, trailing_peak = $2 WHERE id = $1`,
		id, peak)
	return err
}

// MarkHalfTakeProfit latches the half take-profit flag and reduces the
// remaining quantity
func (r *Repository) MarkHalfTakeProfit(ctx context.Context, id int64, remainingQuantity float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET half_take_profit_done = TRUE, remaining_quantity = $2 WHERE id = $1`,
		id, remainingQuantity)
	return err
}

// IncrementDCACount bumps the re-entry counter and averages the entry
func (r *Repository) IncrementDCACount(ctx context.Context, id int64, newEntryPrice, newQuantity float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE positions SET dca_count = dca_count + 1, entry_price = $2,
			entry_quantity = $3, remaining_quantity = $3 WHERE id = $1`,
		id, newEntryPrice, newQuantity)
	return err
}

// SetPositionStatus transitions the position state machine
func (r *Repository) SetPositionStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE positions SET status = $2 WHERE id = $1`, id, status)
	return err
}

// ClosePosition finalizes a position with its exit metadata
func (r *Repository) ClosePosition(ctx context.Context, id int64, exitPrice, realizedPnl, realizedPnlPercent float64, exitReason string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE positions
		SET status = $2, exit_price = $3, realized_pnl = $4, realized_pnl_percent = $5,
			exit_reason = $6, remaining_quantity = 0, closed_at = NOW()
		WHERE id = $1 AND status IN ('OPEN', 'CLOSING')`,
		id, PositionClosed, exitPrice, realizedPnl, realizedPnlPercent, exitReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// AbandonPosition marks a position ABANDONED during reconciliation
func (r *Repository) AbandonPosition(ctx context.Context, id int64, exitReason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE positions
		SET status = $2, exit_reason = $3, realized_pnl = 0, realized_pnl_percent = 0,
			remaining_quantity = 0, closed_at = NOW()
		WHERE id = $1`,
		id, PositionAbandoned, exitReason)
	return err
}

// GetRecentClosedTrades returns the last limit closed trades for a key,
// newest first. The risk throttle reads these.
func (r *Repository) GetRecentClosedTrades(ctx context.Context, market, strategyCode string, limit int) ([]*ClosedTrade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT market, strategy_code, realized_pnl, realized_pnl_percent, exit_reason, closed_at
		FROM positions
		WHERE market = $1 AND strategy_code = $2 AND status = 'CLOSED'
		ORDER BY closed_at DESC
		LIMIT $3`,
		market, strategyCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*ClosedTrade
	for rows.Next() {
		t := &ClosedTrade{}
		if err := rows.Scan(&t.Market, &t.StrategyCode, &t.RealizedPnl, &t.RealizedPnlPercent, &t.ExitReason, &t.ClosedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetClosedTradesSince returns closed trades for a strategy after the
// cutoff, used by circuit breakers for the UTC day window
func (r *Repository) GetClosedTradesSince(ctx context.Context, strategyCode string, since time.Time) ([]*ClosedTrade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT market, strategy_code, realized_pnl, realized_pnl_percent, exit_reason, closed_at
		FROM positions
		WHERE strategy_code = $1 AND status = 'CLOSED' AND closed_at >= $2
		ORDER BY closed_at`,
		strategyCode, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*ClosedTrade
	for rows.Next() {
		t := &ClosedTrade{}
		if err := rows.Scan(&t.Market, &t.StrategyCode, &t.RealizedPnl, &t.RealizedPnlPercent, &t.ExitReason, &t.ClosedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ============================================================================
// PENDING ORDERS
// ============================================================================

// CreatePendingOrder inserts a pending order row
func (r *Repository) CreatePendingOrder(ctx context.Context, o *PendingOrder) error {
	query := `
		INSERT INTO pending_orders (order_id, exchange_order_id, market, strategy_code, side, order_type, price, volume, status, position_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		o.OrderID, o.ExchangeOrderID, o.Market, o.StrategyCode, o.Side, o.OrderType, o.Price, o.Volume, o.Status, o.PositionID,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

// SetPendingOrderExchangeID links our order id to the exchange's uuid
func (r *Repository) SetPendingOrderExchangeID(ctx context.Context, orderID, exchangeOrderID string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE pending_orders SET exchange_order_id = $2 WHERE order_id = $1`,
		orderID, exchangeOrderID)
	return err
}

// UpdatePendingOrderStatus transitions a pending order
func (r *Repository) UpdatePendingOrderStatus(ctx context.Context, orderID, status string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE pending_orders SET status = $2 WHERE order_id = $1`, orderID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetPendingOrders retrieves orders still in PENDING state
func (r *Repository) GetPendingOrders(ctx context.Context) ([]*PendingOrder, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, exchange_order_id, market, strategy_code, side, order_type, price, volume, status, position_id, created_at, updated_at
		FROM pending_orders
		WHERE status = 'PENDING'
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*PendingOrder
	for rows.Next() {
		o := &PendingOrder{}
		if err := rows.Scan(&o.ID, &o.OrderID, &o.ExchangeOrderID, &o.Market, &o.StrategyCode, &o.Side, &o.OrderType,
			&o.Price, &o.Volume, &o.Status, &o.PositionID, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ============================================================================
// ORDER LIFECYCLE EVENTS
// ============================================================================

// InsertLifecycleEvent appends a lifecycle event. The write is
// idempotent per (order_id, event_type): a replay inserts nothing and
// returns false.
func (r *Repository) InsertLifecycleEvent(ctx context.Context, e *OrderLifecycleEvent) (bool, error) {
	query := `
		INSERT INTO order_lifecycle_events (order_id, event_type, market, strategy_code, strategy_group, price, volume, detail)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM order_lifecycle_events WHERE order_id = $1 AND event_type = $2
		)
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		e.OrderID, e.EventType, e.Market, e.StrategyCode, e.StrategyGroup, e.Price, e.Volume, e.Detail)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountLifecycleEvents returns how many events exist for an order
func (r *Repository) CountLifecycleEvents(ctx context.Context, orderID, eventType string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM order_lifecycle_events WHERE order_id = $1 AND event_type = $2`,
		orderID, eventType).Scan(&count)
	return count, err
}

// GetLifecycleEventsSince returns events after the cutoff sorted by
// created_at, optionally filtered by strategy group
func (r *Repository) GetLifecycleEventsSince(ctx context.Context, group string, since time.Time) ([]*OrderLifecycleEvent, error) {
	query := `
		SELECT id, order_id, event_type, market, strategy_code, strategy_group, price, volume, detail, created_at
		FROM order_lifecycle_events
		WHERE created_at >= $1`
	args := []any{since}
	if group != "" {
		query += ` AND strategy_group = $2`
		args = append(args, group)
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*OrderLifecycleEvent
	for rows.Next() {
		e := &OrderLifecycleEvent{}
		if err := rows.Scan(&e.ID, &e.OrderID, &e.EventType, &e.Market, &e.StrategyCode,
			&e.StrategyGroup, &e.Price, &e.Volume, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetTodayStats aggregates lifecycle events and closed trades for one
// strategy group over the KST day window
func (r *Repository) GetTodayStats(ctx context.Context, group string, now time.Time) (*DailyStats, error) {
	start, end := TodayKST(now)
	stats := &DailyStats{StrategyGroup: group}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE event_type IN ('BUY_REQUESTED', 'SELL_REQUESTED')),
			COUNT(*) FILTER (WHERE event_type IN ('BUY_FILLED', 'SELL_FILLED')),
			COUNT(*) FILTER (WHERE event_type = 'CANCELLED'),
			COUNT(*) FILTER (WHERE event_type = 'FAILED')
		FROM order_lifecycle_events
		WHERE strategy_group = $1 AND created_at >= $2 AND created_at <= $3`,
		group, start, end).Scan(&stats.Requested, &stats.Filled, &stats.Cancelled, &stats.Failed)
	if err != nil {
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(p.realized_pnl), 0), COUNT(*),
			COUNT(*) FILTER (WHERE p.realized_pnl > 0)
		FROM positions p
		WHERE p.status = 'CLOSED' AND p.closed_at >= $1 AND p.closed_at <= $2
			AND CASE
				WHEN $3 = 'MANUAL' THEN p.strategy_code = 'MANUAL'
				WHEN $3 = 'GUIDED' THEN p.strategy_code = 'GUIDED'
				WHEN $3 = 'AUTOPILOT_MCP' THEN p.strategy_code = 'AUTOPILOT_MCP'
				ELSE p.strategy_code NOT IN ('MANUAL', 'GUIDED', 'AUTOPILOT_MCP')
			END`,
		start, end, group).Scan(&stats.RealizedPnl, &stats.TradesClosed, &stats.WinCount)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// ============================================================================
// KEY-VALUE STORE
// ============================================================================

// SetValue upserts a key-value pair
func (r *Repository) SetValue(ctx context.Context, key, value string) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO key_value (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	return err
}

// GetValue retrieves a value; ok is false when the key is absent
func (r *Repository) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM key_value WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
