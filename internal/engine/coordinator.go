package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"bithumb-trading-bot/internal/database"
	"bithumb-trading-bot/internal/events"
	"bithumb-trading-bot/internal/exchange"
	"bithumb-trading-bot/internal/logging"
	"bithumb-trading-bot/internal/position"
)

// Syncer reconciles database state with the exchange
type Syncer interface {
	Run(ctx context.Context) (*position.SyncReport, error)
}

// CoordinatorStore is the persistence surface the coordinator needs
type CoordinatorStore interface {
	GetPendingOrders(ctx context.Context) ([]*database.PendingOrder, error)
	UpdatePendingOrderStatus(ctx context.Context, orderID, status string) error
	SetValue(ctx context.Context, key, value string) error
}

// Coordinator owns the process-wide enabled flag, instantiation order,
// startup reconciliation, and graceful shutdown.
type Coordinator struct {
	engines   []Engine
	scheduler *Scheduler
	syncer    Syncer
	store     CoordinatorStore
	gateway   exchange.Gateway
	bus       *events.Bus
	enabled   atomic.Bool
	logger    *logging.Logger

	StopTimeout time.Duration
}

// NewCoordinator wires the engines to the scheduler
func NewCoordinator(engines []Engine, syncer Syncer, store CoordinatorStore, gateway exchange.Gateway, bus *events.Bus) *Coordinator {
	return &Coordinator{
		engines:     engines,
		scheduler:   NewScheduler(),
		syncer:      syncer,
		store:       store,
		gateway:     gateway,
		bus:         bus,
		logger:      logging.WithComponent("coordinator"),
		StopTimeout: 30 * time.Second,
	}
}

// Enabled reports whether trading is globally on
func (c *Coordinator) Enabled() bool { return c.enabled.Load() }

// Enable turns trading on
func (c *Coordinator) Enable() { c.enabled.Store(true) }

// Disable pauses all scanning without stopping the scheduler
func (c *Coordinator) Disable() { c.enabled.Store(false) }

// Engines returns the managed engines
func (c *Coordinator) Engines() []Engine { return c.engines }

// EngineByCode finds a managed engine
func (c *Coordinator) EngineByCode(code string) Engine {
	for _, e := range c.engines {
		if e.Code() == code {
			return e
		}
	}
	return nil
}

// Start reconciles, registers every engine's scan and monitor tasks,
// and launches the scheduler
func (c *Coordinator) Start(ctx context.Context) error {
	if c.syncer != nil {
		report, err := c.syncer.Run(ctx)
		if err != nil {
			return fmt.Errorf("startup reconciliation: %w", err)
		}
		c.bus.Publish(events.Event{
			Type: events.EventSyncCompleted,
			Data: map[string]interface{}{
				"checked":   report.Checked,
				"abandoned": report.Abandoned,
				"cancelled": report.Cancelled,
			},
		})
	}

	for _, e := range c.engines {
		engine := e
		cfg := engine.Config()
		if !cfg.Enabled {
			c.logger.Info("Engine disabled", "strategy", engine.Code())
			continue
		}
		prefix := strings.ToLower(engine.Code())
		c.scheduler.Register(prefix+"-scan", cfg.ScanInterval, engine.Scan)
		c.scheduler.Register(prefix+"-monitor", cfg.MonitorInterval, engine.Monitor)
	}

	c.scheduler.Start(ctx)
	c.enabled.Store(true)
	c.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{}})
	c.logger.Info("Trading core started", "engines", len(c.engines))
	return nil
}

// Stop drains the scheduler, cancels pending limit orders, and
// persists a shutdown marker
func (c *Coordinator) Stop(ctx context.Context) {
	c.enabled.Store(false)
	c.scheduler.Stop(c.StopTimeout)
	c.cancelPendingOrders(ctx)

	if c.store != nil {
		if err := c.store.SetValue(ctx, "last_shutdown", time.Now().UTC().Format(time.RFC3339)); err != nil {
			c.logger.WithError(err).Warn("Failed to persist shutdown marker")
		}
	}

	c.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{}})
	c.logger.Info("Trading core stopped")
}

// cancelPendingOrders pulls every PENDING order back from the exchange
// so no limit order outlives the process
func (c *Coordinator) cancelPendingOrders(ctx context.Context) {
	if c.store == nil || c.gateway == nil {
		return
	}
	orders, err := c.store.GetPendingOrders(ctx)
	if err != nil {
		c.logger.WithError(err).Error("Failed to load pending orders for shutdown")
		return
	}
	for _, o := range orders {
		if o.Status != database.OrderPending || o.ExchangeOrderID == nil {
			continue
		}
		if _, err := c.gateway.CancelOrder(ctx, *o.ExchangeOrderID); err != nil {
			c.logger.WithError(err).Warn("Failed to cancel order at shutdown", "order_id", o.OrderID)
			continue
		}
		if err := c.store.UpdatePendingOrderStatus(ctx, o.OrderID, database.OrderCancelled); err != nil {
			c.logger.WithError(err).Error("Failed to mark order cancelled", "order_id", o.OrderID)
		}
	}
}
