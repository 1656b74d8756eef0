package listener

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"trader-space/internal/broker"
	"trader-space/internal/phemex"
	"trader-space/internal/reconcile"
)

// Reconciler persists stream updates.
type Reconciler interface {
	ApplyTrades(ctx context.Context, prints []broker.TradePrint) reconcile.Result
	ApplyOrders(ctx context.Context, orders []broker.OrderUpdate) reconcile.Result
	ApplyPositions(ctx context.Context, positions []broker.PositionUpdate) reconcile.Result
}

// PricePublisher forwards the reference price downstream.
type PricePublisher interface {
	PublishPrice(price decimal.Decimal) bool
}

// Router dispatches data events: trade, order and position batches go to the
// reconciler, ticks go to the relay.
type Router struct {
	reconciler Reconciler
	relay      PricePublisher
	symbol     string
	logger     *zap.Logger
}

// NewRouter creates a Router. symbol fills trade prints that arrive without one.
func NewRouter(rec Reconciler, relay PricePublisher, symbol string, logger *zap.Logger) *Router {
	return &Router{reconciler: rec, relay: relay, symbol: symbol, logger: logger.Named("router")}
}

// HandleEvent implements Handler.
func (r *Router) HandleEvent(ctx context.Context, ev phemex.Event) {
	switch e := ev.(type) {
	case phemex.TradeBatch:
		prints := e.Trades
		for i := range prints {
			if prints[i].Symbol == "" {
				prints[i].Symbol = r.symbol
			}
		}
		res := r.reconciler.ApplyTrades(ctx, prints)
		r.logResult("trades", len(prints), res)

	case phemex.OrderBatch:
		res := r.reconciler.ApplyOrders(ctx, e.Orders)
		r.logResult("orders", len(e.Orders), res)

	case phemex.PositionBatch:
		res := r.reconciler.ApplyPositions(ctx, e.Positions)
		r.logResult("positions", len(e.Positions), res)

	case phemex.AccountBatch:
		r.logger.Info("Account update", zap.Int("accounts", len(e.Accounts)))

	case phemex.TickUpdate:
		if r.relay == nil {
			return
		}
		if !r.relay.PublishPrice(e.Price) {
			r.logger.Debug("Tick not forwarded", zap.String("symbol", e.Symbol))
		}

	default:
		r.logger.Warn("Unhandled event", zap.String("kind", string(ev.Kind())))
	}
}

func (r *Router) logResult(kind string, n int, res reconcile.Result) {
	r.logger.Debug("Batch reconciled",
		zap.String("kind", kind),
		zap.Int("size", n),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("closed", res.Closed),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("stale", res.Stale),
		zap.Int("failed", res.Failed),
	)
}
