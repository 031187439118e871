package position

import (
	"context"
	"strings"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/logging"
)

// SyncStore is the persistence surface the reconciler needs
type SyncStore interface {
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	AbandonPosition(ctx context.Context, id int64, exitReason string) error
	CreatePosition(ctx context.Context, p *database.Position) error
	GetPendingOrders(ctx context.Context) ([]*database.PendingOrder, error)
	UpdatePendingOrderStatus(ctx context.Context, orderID, status string) error
}

// SyncConfig tunes reconciliation
type SyncConfig struct {
	MinNotionalKRW float64       `json:"min_notional_krw"`
	StaleOrderAge  time.Duration `json:"stale_order_age"`
	AdoptUntracked bool          `json:"adopt_untracked"` // create MANUAL positions for stray balances
}

// DefaultSyncConfig returns the standard reconciliation settings
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MinNotionalKRW: 5100,
		StaleOrderAge:  2 * time.Minute,
		AdoptUntracked: false,
	}
}

// SyncReport summarizes one reconciliation pass
type SyncReport struct {
	Checked   int      `json:"checked"`
	Abandoned int      `json:"abandoned"`
	Cancelled int      `json:"cancelled"`
	Adopted   int      `json:"adopted"`
	Untracked []string `json:"untracked,omitempty"`
}

// Reconciler aligns database positions with exchange reality. It runs
// at startup and on demand from the admin surface.
type Reconciler struct {
	store   SyncStore
	gateway exchange.Gateway
	cfg     *SyncConfig
	logger  *logging.Logger
	now     func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(store SyncStore, gateway exchange.Gateway, cfg *SyncConfig) *Reconciler {
	if cfg == nil {
		cfg = DefaultSyncConfig()
	}
	return &Reconciler{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		logger:  logging.WithComponent("reconciler"),
		now:     time.Now,
	}
}

// Run executes one full reconciliation pass
func (r *Reconciler) Run(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{}

	balances, err := r.gateway.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	byCurrency := make(map[string]exchange.Balance, len(balances))
	for _, b := range balances {
		byCurrency[b.Currency] = b
	}

	positions, err := r.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	tracked := make(map[string]bool, len(positions))
	for _, pos := range positions {
		report.Checked++
		tracked[baseCurrency(pos.Market)] = true
		r.checkPosition(ctx, pos, byCurrency, report)
	}

	r.checkStrayBalances(ctx, byCurrency, tracked, report)
	r.checkStaleOrders(ctx, report)

	r.logger.Info("Reconciliation finished",
		"checked", report.Checked, "abandoned", report.Abandoned,
		"cancelled", report.Cancelled, "adopted", report.Adopted)
	return report, nil
}

// checkPosition abandons positions whose exchange balance is gone or
// too small to ever sell
func (r *Reconciler) checkPosition(ctx context.Context, pos *database.Position, byCurrency map[string]exchange.Balance, report *SyncReport) {
	bal, ok := byCurrency[baseCurrency(pos.Market)]
	held := bal.Available + bal.Locked

	switch {
	case !ok || held < 1e-8:
		if err := r.store.AbandonPosition(ctx, pos.ID, database.ExitAbandonedNoBalance); err != nil {
			r.logger.WithError(err).Error("Failed to abandon position", "position_id", pos.ID)
			return
		}
		report.Abandoned++
		r.logger.Warn("Position abandoned: no exchange balance",
			"market", pos.Market, "strategy", pos.StrategyCode, "db_quantity", pos.RemainingQuantity)

	case held*pos.EntryPrice < r.cfg.MinNotionalKRW:
		if err := r.store.AbandonPosition(ctx, pos.ID, database.ExitAbandonedMinAmount); err != nil {
			r.logger.WithError(err).Error("Failed to abandon position", "position_id", pos.ID)
			return
		}
		report.Abandoned++
		r.logger.Warn("Position abandoned: balance below minimum sellable amount",
			"market", pos.Market, "strategy", pos.StrategyCode, "held", held)
	}
}

// checkStrayBalances surfaces exchange holdings with no tracking row,
// adopting them as MANUAL positions when configured to
func (r *Reconciler) checkStrayBalances(ctx context.Context, byCurrency map[string]exchange.Balance, tracked map[string]bool, report *SyncReport) {
	for currency, bal := range byCurrency {
		if currency == "KRW" || tracked[currency] {
			continue
		}
		held := bal.Available + bal.Locked
		if held*bal.AvgBuyPrice < r.cfg.MinNotionalKRW {
			continue
		}

		market := "KRW-" + currency
		report.Untracked = append(report.Untracked, market)

		if !r.cfg.AdoptUntracked {
			r.logger.Warn("Untracked exchange balance", "market", market, "held", held)
			continue
		}

		pos := &database.Position{
			Market:            market,
			StrategyCode:      database.StrategyManual,
			EntryPrice:        bal.AvgBuyPrice,
			EntryQuantity:     held,
			RemainingQuantity: held,
			StopLoss:          bal.AvgBuyPrice * 0.9,
			Status:            database.PositionOpen,
		}
		if err := r.store.CreatePosition(ctx, pos); err != nil {
			r.logger.WithError(err).Error("Failed to adopt untracked balance", "market", market)
			continue
		}
		report.Adopted++
		r.logger.Info("Adopted untracked balance as manual position", "market", market, "held", held)
	}
}

// checkStaleOrders settles pending orders stuck past the stale age
func (r *Reconciler) checkStaleOrders(ctx context.Context, report *SyncReport) {
	orders, err := r.store.GetPendingOrders(ctx)
	if err != nil {
		r.logger.WithError(err).Error("Failed to load pending orders")
		return
	}

	cutoff := r.now().Add(-r.cfg.StaleOrderAge)
	for _, o := range orders {
		if o.Status != database.OrderPending || o.CreatedAt.After(cutoff) {
			continue
		}

		if o.ExchangeOrderID == nil {
			// Never reached the exchange; nothing to cancel
			if err := r.store.UpdatePendingOrderStatus(ctx, o.OrderID, database.OrderFailed); err != nil {
				r.logger.WithError(err).Error("Failed to fail stale order", "order_id", o.OrderID)
			}
			continue
		}

		live, err := r.gateway.GetOrder(ctx, *o.ExchangeOrderID)
		if err != nil || live == nil {
			continue
		}
		switch live.State {
		case exchange.OrderStateDone:
			if err := r.store.UpdatePendingOrderStatus(ctx, o.OrderID, database.OrderFilled); err != nil {
				r.logger.WithError(err).Error("Failed to settle stale order", "order_id", o.OrderID)
			}
		case exchange.OrderStateWait:
			if _, err := r.gateway.CancelOrder(ctx, *o.ExchangeOrderID); err != nil {
				r.logger.WithError(err).Warn("Failed to cancel stale order", "order_id", o.OrderID)
				continue
			}
			if err := r.store.UpdatePendingOrderStatus(ctx, o.OrderID, database.OrderCancelled); err != nil {
				r.logger.WithError(err).Error("Failed to mark stale order cancelled", "order_id", o.OrderID)
				continue
			}
			report.Cancelled++
		default:
			if err := r.store.UpdatePendingOrderStatus(ctx, o.OrderID, database.OrderCancelled); err != nil {
				r.logger.WithError(err).Error("Failed to mark stale order cancelled", "order_id", o.OrderID)
			}
		}
	}
}

func baseCurrency(market string) string {
	if idx := strings.Index(market, "-"); idx >= 0 {
		return market[idx+1:]
	}
	return market
}
