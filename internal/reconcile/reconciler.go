// Package reconcile turns classified exchange updates into idempotent Trade and
// PositionLog mutations.
//
// Dedup keys:
//   - trade prints: (user, broker, symbol, price, quantity); stored with status executed
//   - orders: exchange order id; stored once, never updated
//   - positions: the single open Trade of (user, symbol)
//
// Every event is reconciled in its own transaction. A failure is logged and
// counted and the rest of the batch continues.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"trader-space/internal/apperrors"
	"trader-space/internal/broker"
	"trader-space/internal/metrics"
	"trader-space/internal/models"
	"trader-space/internal/store"
)

// DefaultStaleAfter is the age beyond which a trade print is ignored.
const DefaultStaleAfter = 5 * time.Minute

// Stream labels.
const (
	StreamTrade    = "trade"
	StreamOrder    = "order"
	StreamPosition = "position"
)

// Action is the outcome of reconciling one event.
type Action string

const (
	ActionCreate    Action = models.ActionCreate
	ActionUpdate    Action = models.ActionUpdate
	ActionClose     Action = models.ActionClose
	ActionDuplicate Action = "duplicate"
	ActionStale     Action = "stale"
	ActionNoop      Action = "noop"
)

// Result counts the outcomes of one batch.
type Result struct {
	Created    int
	Updated    int
	Closed     int
	Duplicates int
	Stale      int
	Noops      int
	Failed     int
}

func (r *Result) add(a Action) {
	switch a {
	case ActionCreate:
		r.Created++
	case ActionUpdate:
		r.Updated++
	case ActionClose:
		r.Closed++
	case ActionDuplicate:
		r.Duplicates++
	case ActionStale:
		r.Stale++
	case ActionNoop:
		r.Noops++
	}
}

// Reconciler applies updates for one user and broker.
type Reconciler struct {
	store         *store.Store
	userID        uint
	broker        string
	triggerSource string
	staleAfter    time.Duration
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithTriggerSource sets Trade.TriggerSource on created trades. Defaults to websocket.
func WithTriggerSource(source string) Option {
	return func(r *Reconciler) { r.triggerSource = source }
}

// New creates a Reconciler writing through s.
func New(s *store.Store, userID uint, brokerName string, logger *zap.Logger, m *metrics.Metrics, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:         s,
		userID:        userID,
		broker:        brokerName,
		triggerSource: models.TriggerWebsocket,
		staleAfter:    DefaultStaleAfter,
		now:           time.Now,
		logger:        logger.Named("reconcile").With(zap.Uint("user_id", userID), zap.String("broker", brokerName)),
		metrics:       m,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApplyTrades reconciles executed trade prints.
func (r *Reconciler) ApplyTrades(ctx context.Context, prints []broker.TradePrint) Result {
	var res Result
	for _, tp := range prints {
		r.apply(ctx, StreamTrade, tp.Symbol, &res, func(tx *store.Store) (Action, uint, error) {
			return r.applyTrade(ctx, tx, tp)
		})
	}
	return res
}

// ApplyOrders reconciles order updates.
func (r *Reconciler) ApplyOrders(ctx context.Context, orders []broker.OrderUpdate) Result {
	var res Result
	for _, o := range orders {
		r.apply(ctx, StreamOrder, o.Symbol, &res, func(tx *store.Store) (Action, uint, error) {
			return r.applyOrder(ctx, tx, o)
		})
	}
	return res
}

// ApplyPositions reconciles position snapshots, from the stream or from a REST sync.
func (r *Reconciler) ApplyPositions(ctx context.Context, positions []broker.PositionUpdate) Result {
	var res Result
	for _, p := range positions {
		r.apply(ctx, StreamPosition, p.Symbol, &res, func(tx *store.Store) (Action, uint, error) {
			return r.applyPosition(ctx, tx, p)
		})
	}
	return res
}

func (r *Reconciler) apply(ctx context.Context, stream, symbol string, res *Result, fn func(tx *store.Store) (Action, uint, error)) {
	var (
		action  Action
		tradeID uint
	)
	err := r.store.Transaction(ctx, func(tx *store.Store) error {
		var err error
		action, tradeID, err = fn(tx)
		return err
	})
	if err != nil {
		res.Failed++
		r.metrics.ReconcileErrors.WithLabelValues(stream).Inc()
		r.logger.Error("Reconciliation failed, skipping event",
			zap.String("stream", stream),
			zap.String("symbol", symbol),
			zap.Error(fmt.Errorf("%w: %v", apperrors.ErrReconciliation, err)),
		)
		return
	}

	res.add(action)
	r.metrics.ReconcileActions.WithLabelValues(stream, string(action)).Inc()
	fields := []zap.Field{
		zap.String("stream", stream),
		zap.String("symbol", symbol),
		zap.String("action", string(action)),
	}
	if tradeID != 0 {
		fields = append(fields, zap.Uint("trade_id", tradeID))
	}
	switch action {
	case ActionCreate, ActionUpdate, ActionClose:
		r.logger.Info("Reconciled", fields...)
	default:
		r.logger.Debug("Reconciled", fields...)
	}
}

func (r *Reconciler) applyTrade(ctx context.Context, tx *store.Store, tp broker.TradePrint) (Action, uint, error) {
	if r.now().Sub(tp.ExecutedAt()) > r.staleAfter {
		r.logger.Debug(apperrors.ErrStaleData.Error(),
			zap.String("symbol", tp.Symbol),
			zap.Time("executed_at", tp.ExecutedAt()),
		)
		return ActionStale, 0, nil
	}

	existing, err := tx.FindTradeByFill(ctx, r.userID, r.broker, tp.Symbol, tp.Price, tp.Quantity)
	if err != nil {
		return "", 0, err
	}
	if existing != nil {
		return ActionDuplicate, existing.ID, nil
	}

	orderID := "trade-" + strconv.FormatInt(tp.TimestampNs, 10)
	price := tp.Price
	trade := &models.Trade{
		UserID:        r.userID,
		Broker:        r.broker,
		OrderID:       &orderID,
		Symbol:        tp.Symbol,
		Side:          tp.Side,
		Quantity:      tp.Quantity,
		Price:         &price,
		Status:        models.TradeStatusExecuted,
		TriggerSource: r.triggerSource,
	}
	if err := tx.CreateTrade(ctx, trade); err != nil {
		return "", 0, err
	}
	if err := r.log(ctx, tx, trade, models.ActionCreate, tp.Raw, tp, tp.ExecutedAt()); err != nil {
		return "", 0, err
	}
	return ActionCreate, trade.ID, nil
}

func (r *Reconciler) applyOrder(ctx context.Context, tx *store.Store, o broker.OrderUpdate) (Action, uint, error) {
	existing, err := tx.FindTradeByOrderID(ctx, r.userID, r.broker, o.OrderID)
	if err != nil {
		return "", 0, err
	}
	if existing != nil {
		return ActionDuplicate, existing.ID, nil
	}

	orderID := o.OrderID
	trade := &models.Trade{
		UserID:        r.userID,
		Broker:        r.broker,
		OrderID:       &orderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         o.Price,
		Status:        orderStatus(o),
		TriggerSource: r.triggerSource,
	}
	if o.ClientOrderID != "" {
		clOrdID := o.ClientOrderID
		trade.ClientOrderID = &clOrdID
	}
	if err := tx.CreateTrade(ctx, trade); err != nil {
		return "", 0, err
	}
	if err := r.log(ctx, tx, trade, models.ActionCreate, o.Raw, o, r.now()); err != nil {
		return "", 0, err
	}
	return ActionCreate, trade.ID, nil
}

func (r *Reconciler) applyPosition(ctx context.Context, tx *store.Store, p broker.PositionUpdate) (Action, uint, error) {
	open, err := tx.FindOpenTrade(ctx, r.userID, p.Symbol)
	if err != nil {
		return "", 0, err
	}

	if p.Size.IsZero() {
		if open == nil {
			return ActionNoop, 0, nil
		}
		if err := tx.UpdateTrade(ctx, open, map[string]interface{}{"status": models.TradeStatusClosed}); err != nil {
			return "", 0, err
		}
		if err := r.log(ctx, tx, open, models.ActionClose, p.Raw, p, r.now()); err != nil {
			return "", 0, err
		}
		return ActionClose, open.ID, nil
	}

	quantity := p.Size.Abs()
	if open == nil {
		trade := &models.Trade{
			UserID:        r.userID,
			Broker:        r.broker,
			Symbol:        p.Symbol,
			Side:          positionSide(p),
			Quantity:      quantity,
			Price:         p.AvgEntryPrice,
			Leverage:      p.Leverage,
			Status:        models.TradeStatusOpen,
			TriggerSource: r.triggerSource,
		}
		if err := tx.CreateTrade(ctx, trade); err != nil {
			return "", 0, err
		}
		if err := r.log(ctx, tx, trade, models.ActionCreate, p.Raw, p, r.now()); err != nil {
			return "", 0, err
		}
		return ActionCreate, trade.ID, nil
	}

	fields := map[string]interface{}{"quantity": quantity}
	if p.AvgEntryPrice != nil {
		fields["price"] = *p.AvgEntryPrice
	}
	if p.Leverage != nil {
		fields["leverage"] = *p.Leverage
	}
	if err := tx.UpdateTrade(ctx, open, fields); err != nil {
		return "", 0, err
	}
	if err := r.log(ctx, tx, open, models.ActionUpdate, p.Raw, p, r.now()); err != nil {
		return "", 0, err
	}
	return ActionUpdate, open.ID, nil
}

// log appends the audit row. Details is the raw exchange payload when present.
func (r *Reconciler) log(ctx context.Context, tx *store.Store, trade *models.Trade, action string, raw []byte, update interface{}, at time.Time) error {
	details := datatypes.JSON(raw)
	if len(raw) == 0 {
		b, err := json.Marshal(update)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = b
	}
	return tx.AppendPositionLog(ctx, &models.PositionLog{
		TradeID:    trade.ID,
		Symbol:     trade.Symbol,
		Action:     action,
		Details:    details,
		ExecutedAt: at,
	})
}

// orderStatus is the lowercased execution status, then order status, then open.
func orderStatus(o broker.OrderUpdate) string {
	if s := strings.TrimSpace(o.ExecStatus); s != "" {
		return strings.ToLower(s)
	}
	if s := strings.TrimSpace(o.OrdStatus); s != "" {
		return strings.ToLower(s)
	}
	return models.TradeStatusOpen
}

// positionSide maps posSide Long/Short, then side Buy/Sell, then the sign of size.
func positionSide(p broker.PositionUpdate) string {
	switch strings.ToLower(p.PosSide) {
	case "long":
		return models.SideBuy
	case "short":
		return models.SideSell
	}
	switch strings.ToLower(p.Side) {
	case "buy":
		return models.SideBuy
	case "sell":
		return models.SideSell
	}
	if p.Size.Sign() < 0 {
		return models.SideSell
	}
	return models.SideBuy
}
