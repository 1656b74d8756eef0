package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"trader-space/internal/apperrors"
	"trader-space/internal/broker"
	"trader-space/internal/credential"
	"trader-space/internal/metrics"
	"trader-space/internal/models"
	"trader-space/internal/reconcile"
	"trader-space/internal/signals"
	"trader-space/internal/store"
)

const (
	minLeverage = 1
	maxLeverage = 200
)

var minOrderQty = decimal.RequireFromString("0.001")

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log      *zap.Logger
	store    *store.Store
	vault    *credential.Vault
	registry *broker.Registry
	metrics  *metrics.Metrics
	userID   uint
	broker   string
	now      func() time.Time
}

// NewAPIHandler creates a new APIHandler acting for one user and broker.
func NewAPIHandler(log *zap.Logger, s *store.Store, vault *credential.Vault, registry *broker.Registry, m *metrics.Metrics, userID uint, brokerName string) *APIHandler {
	return &APIHandler{
		log:      log.Named("api"),
		store:    s,
		vault:    vault,
		registry: registry,
		metrics:  m,
		userID:   userID,
		broker:   brokerName,
		now:      time.Now,
	}
}

// Routes registers every endpoint on mux.
func (h *APIHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.StatusHandler)
	mux.HandleFunc("GET /api/trades", h.TradesHandler)
	mux.HandleFunc("GET /api/trades/{id}/logs", h.PositionLogsHandler)
	mux.HandleFunc("GET /api/statistics", h.StatisticsHandler)
	mux.HandleFunc("GET /api/positions", h.PositionsHandler)
	mux.HandleFunc("POST /api/positions/sync", h.SyncPositionsHandler)
	mux.HandleFunc("GET /api/account-balance", h.AccountBalanceHandler)
	mux.HandleFunc("PUT /api/change-leverage", h.ChangeLeverageHandler)
	mux.HandleFunc("GET /api/show-current-leverage", h.CurrentLeverageHandler)
	mux.HandleFunc("PUT /trades/place-order", h.PlaceOrderHandler)
	mux.HandleFunc("GET /api/signals", h.SignalsHandler)
	mux.HandleFunc("POST /api/signals", h.ReceiveSignalHandler)
	mux.HandleFunc("POST /api/settings/broker", h.BrokerSettingsHandler)
	mux.HandleFunc("GET /api/phemex-trades", h.PhemexTradesHandler)
	mux.HandleFunc("POST /api/phemex-trades/sync", h.SyncPhemexTradesHandler)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// client resolves the stored credential and builds the broker client for it.
func (h *APIHandler) client(ctx context.Context) (broker.ExchangeClient, error) {
	cred, err := h.vault.Resolve(ctx, h.userID, h.broker)
	if err != nil {
		return nil, err
	}
	return h.registry.Client(cred)
}

// clientOrError writes the error response when no client can be built.
func (h *APIHandler) clientOrError(w http.ResponseWriter, r *http.Request) (broker.ExchangeClient, bool) {
	c, err := h.client(r.Context())
	switch {
	case err == nil:
		return c, true
	case credential.IsNotFound(err):
		writeError(w, http.StatusBadRequest, "No API credentials configured for "+h.broker)
	case errors.Is(err, apperrors.ErrUnsupportedBroker):
		writeError(w, http.StatusBadRequest, "Unsupported broker "+h.broker)
	default:
		h.log.Error("Failed to build broker client", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load broker credentials")
	}
	return nil, false
}

// StatusHandler reports whether credentials are configured and how many trades are open.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.ListTrades(r.Context(), h.userID)
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get status")
		return
	}
	open := 0
	for _, t := range trades {
		if t.Status == models.TradeStatusOpen {
			open++
		}
	}
	_, err = h.vault.Resolve(r.Context(), h.userID, h.broker)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"broker":             h.broker,
		"user_id":            h.userID,
		"credentials_stored": err == nil,
		"open_trades":        open,
		"total_trades":       len(trades),
	})
}

// TradesHandler returns the user's trades, most recent first.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.ListTrades(r.Context(), h.userID)
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get trades")
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// PositionLogsHandler returns the audit trail of one trade.
func (h *APIHandler) PositionLogsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trade id")
		return
	}
	trade, err := h.store.GetTrade(r.Context(), uint(id))
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && trade.UserID != h.userID) {
		writeError(w, http.StatusNotFound, "Trade not found")
		return
	}
	if err != nil {
		h.log.Error("Failed to get trade", zap.Error(err), zap.Uint64("trade_id", id))
		writeError(w, http.StatusInternalServerError, "Failed to get trade")
		return
	}
	logs, err := h.store.ListPositionLogs(r.Context(), trade.ID)
	if err != nil {
		h.log.Error("Failed to get position logs", zap.Error(err), zap.Uint("trade_id", trade.ID))
		writeError(w, http.StatusInternalServerError, "Failed to get position logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades    int64           `json:"total_trades"`
	OpenTrades     int64           `json:"open_trades"`
	ClosedTrades   int64           `json:"closed_trades"`
	ExecutedTrades int64           `json:"executed_trades"`
	Volume         decimal.Decimal `json:"volume"`
}

func (s *StatsDetail) add(t models.Trade) {
	s.TotalTrades++
	switch t.Status {
	case models.TradeStatusOpen:
		s.OpenTrades++
	case models.TradeStatusClosed:
		s.ClosedTrades++
	case models.TradeStatusExecuted:
		s.ExecutedTrades++
	}
	if t.Price != nil {
		s.Volume = s.Volume.Add(t.Price.Mul(t.Quantity))
	}
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail            `json:"since_24h"`
	AllTime  StatsDetail            `json:"all_time"`
	BySource map[string]StatsDetail `json:"by_source"`
}

// StatisticsHandler calculates and returns trading statistics.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.store.ListTrades(r.Context(), h.userID)
	if err != nil {
		h.log.Error("Failed to get trades for statistics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to calculate statistics")
		return
	}

	since24h := h.now().Add(-24 * time.Hour)
	resp := StatisticsResponse{BySource: make(map[string]StatsDetail)}
	for _, trade := range trades {
		resp.AllTime.add(trade)
		if trade.CreatedAt.After(since24h) {
			resp.Since24h.add(trade)
		}
		src := resp.BySource[trade.TriggerSource]
		src.add(trade)
		resp.BySource[trade.TriggerSource] = src
	}
	writeJSON(w, http.StatusOK, resp)
}

type positionView struct {
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	PosSide       string           `json:"pos_side"`
	Size          decimal.Decimal  `json:"size"`
	AvgEntryPrice *decimal.Decimal `json:"avg_entry_price,omitempty"`
	Leverage      *decimal.Decimal `json:"leverage,omitempty"`
}

// PositionsHandler returns the live positions reported by the broker.
func (h *APIHandler) PositionsHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}
	positions, err := c.Positions(r.Context())
	if err != nil {
		h.log.Error("Failed to fetch positions", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Failed to fetch positions")
		return
	}
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView{
			Symbol:        p.Symbol,
			Side:          p.Side,
			PosSide:       p.PosSide,
			Size:          p.Size,
			AvgEntryPrice: p.AvgEntryPrice,
			Leverage:      p.Leverage,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// SyncPositionsHandler reconciles the broker's position snapshot into local trades.
func (h *APIHandler) SyncPositionsHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}
	positions, err := c.Positions(r.Context())
	if err != nil {
		h.log.Error("Failed to fetch positions", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Failed to fetch positions")
		return
	}
	rec := reconcile.New(h.store, h.userID, c.Name(), h.log, h.metrics,
		reconcile.WithTriggerSource(models.TriggerBroker),
		reconcile.WithClock(h.now))
	res := rec.ApplyPositions(r.Context(), positions)
	writeJSON(w, http.StatusOK, res)
}

// AccountBalanceHandler returns the settlement currency balance.
func (h *APIHandler) AccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}
	balance, err := c.AccountBalance(r.Context())
	if err != nil {
		h.log.Error("Failed to fetch account balance", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Failed to fetch account balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": balance})
}

type leverageRequest struct {
	Symbol        string `json:"symbol"`
	LongLeverage  int    `json:"long_leverage"`
	ShortLeverage int    `json:"short_leverage"`
}

func validLeverage(v int) bool {
	return v >= minLeverage && v <= maxLeverage
}

// ChangeLeverageHandler sets the hedged-mode leverage of a symbol.
func (h *APIHandler) ChangeLeverageHandler(w http.ResponseWriter, r *http.Request) {
	var req leverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusUnprocessableEntity, "symbol is required")
		return
	}
	if !validLeverage(req.LongLeverage) || !validLeverage(req.ShortLeverage) {
		writeError(w, http.StatusUnprocessableEntity, "leverage must be between 1 and 200")
		return
	}
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}
	if err := c.ChangeLeverage(r.Context(), req.Symbol, req.LongLeverage, req.ShortLeverage); err != nil {
		h.log.Error("Failed to change leverage", zap.Error(err), zap.String("symbol", req.Symbol))
		writeError(w, http.StatusBadGateway, "Failed to change leverage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// CurrentLeverageHandler returns the leverage of the position for ?symbol=.
func (h *APIHandler) CurrentLeverageHandler(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusUnprocessableEntity, "symbol is required")
		return
	}
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}
	positions, err := c.Positions(r.Context())
	if err != nil {
		h.log.Error("Failed to fetch positions", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Failed to fetch positions")
		return
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Leverage != nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "leverage": p.Leverage})
			return
		}
	}
	writeError(w, http.StatusNotFound, "Position not found")
}

type placeOrderRequest struct {
	ClOrdID       string          `json:"clOrdID"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	PosSide       string          `json:"posSide"`
	OrderQtyRq    decimal.Decimal `json:"orderQtyRq"`
	TriggerSource string          `json:"trigger_source"`
	SignalID      *uint           `json:"signal_id"`
}

func (req *placeOrderRequest) validate() string {
	switch {
	case req.ClOrdID == "":
		return "clOrdID is required"
	case req.Symbol == "":
		return "symbol is required"
	case req.Side != models.SideBuy && req.Side != models.SideSell:
		return "side must be buy or sell"
	case req.PosSide != "Long" && req.PosSide != "Short":
		return "posSide must be Long or Short"
	case req.OrderQtyRq.LessThan(minOrderQty):
		return "orderQtyRq must be at least 0.001"
	}
	return ""
}

// PlaceOrderHandler places a market order and records it as an open trade
// once the exchange reports it created.
func (h *APIHandler) PlaceOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.Side = strings.ToLower(req.Side)
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, msg)
		return
	}
	if req.SignalID != nil {
		exists, err := h.store.SignalExists(r.Context(), *req.SignalID)
		if err != nil {
			h.log.Error("Failed to look up signal", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to place order")
			return
		}
		if !exists {
			writeError(w, http.StatusUnprocessableEntity, "signal_id does not exist")
			return
		}
	}
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}

	result, err := c.PlaceOrder(r.Context(), broker.OrderRequest{
		ClientOrderID: req.ClOrdID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PosSide:       req.PosSide,
		Quantity:      req.OrderQtyRq,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := map[string]interface{}{"status": "success", "order_id": result.OrderID, "ord_status": result.Status}
	if result.Accepted && result.Status == "Created" {
		trade, action, err := h.recordOrder(r.Context(), c.Name(), req, result)
		if err != nil {
			h.log.Error("Failed to record placed order", zap.Error(err), zap.String("order_id", result.OrderID))
			writeError(w, http.StatusInternalServerError, "Order placed but not recorded")
			return
		}
		resp["trade_id"] = trade.ID
		resp["trade_action"] = action
	}
	writeJSON(w, http.StatusOK, resp)
}

// recordOrder folds a created order into the user's open trade for the symbol,
// or opens one. An order opposite to the open side reduces it, closes it at zero
// and flips it when it overshoots.
func (h *APIHandler) recordOrder(ctx context.Context, brokerName string, req placeOrderRequest, result *broker.OrderResult) (*models.Trade, string, error) {
	source := req.TriggerSource
	if source == "" {
		source = models.TriggerWebsiteButton
	}
	details := result.Raw
	if len(details) == 0 {
		details = []byte("{}")
	}

	var trade *models.Trade
	var action string
	err := h.store.Transaction(ctx, func(tx *store.Store) error {
		open, err := tx.FindOpenTrade(ctx, h.userID, req.Symbol)
		if err != nil {
			return err
		}
		if open == nil {
			orderID, clOrdID := result.OrderID, result.ClientOrderID
			trade = &models.Trade{
				UserID:        h.userID,
				Broker:        brokerName,
				OrderID:       &orderID,
				ClientOrderID: &clOrdID,
				Symbol:        req.Symbol,
				Side:          req.Side,
				Quantity:      req.OrderQtyRq,
				Price:         result.Price,
				Status:        models.TradeStatusOpen,
				TriggerSource: source,
				SignalID:      req.SignalID,
			}
			action = models.ActionCreate
			if err := tx.CreateTrade(ctx, trade); err != nil {
				return err
			}
		} else {
			var fields map[string]interface{}
			fields, action = mergeOrder(open, req.Side, req.OrderQtyRq, result.Price)
			if err := tx.UpdateTrade(ctx, open, fields); err != nil {
				return err
			}
			if trade, err = tx.GetTrade(ctx, open.ID); err != nil {
				return err
			}
		}
		return tx.AppendPositionLog(ctx, &models.PositionLog{
			TradeID:    trade.ID,
			Symbol:     trade.Symbol,
			Action:     action,
			Details:    datatypes.JSON(details),
			ExecutedAt: h.now(),
		})
	})
	if err != nil {
		return nil, "", err
	}
	return trade, action, nil
}

// mergeOrder returns the fields to update on the open trade and the resulting log action.
func mergeOrder(open *models.Trade, side string, qty decimal.Decimal, price *decimal.Decimal) (map[string]interface{}, string) {
	fields := map[string]interface{}{}
	if price != nil {
		fields["price"] = *price
	}
	if side == open.Side {
		fields["quantity"] = open.Quantity.Add(qty)
		return fields, models.ActionUpdate
	}
	remaining := open.Quantity.Sub(qty)
	switch {
	case remaining.IsZero():
		fields["status"] = models.TradeStatusClosed
		return fields, models.ActionClose
	case remaining.IsNegative():
		fields["side"] = side
		fields["quantity"] = remaining.Abs()
	default:
		fields["quantity"] = remaining
	}
	return fields, models.ActionUpdate
}

// SignalsHandler lists received signals.
func (h *APIHandler) SignalsHandler(w http.ResponseWriter, r *http.Request) {
	sigs, err := h.store.ListSignals(r.Context())
	if err != nil {
		h.log.Error("Failed to get signals", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get signals")
		return
	}
	writeJSON(w, http.StatusOK, sigs)
}

// ReceiveSignalHandler stores a webhook alert.
func (h *APIHandler) ReceiveSignalHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	settings, err := signals.Parse(body.Message)
	if err != nil {
		h.log.Warn("Rejected signal", zap.String("message", body.Message))
		writeError(w, http.StatusBadRequest, "Invalid message format")
		return
	}
	sig, err := signals.NewSignal(settings, h.now())
	if err == nil {
		err = h.store.CreateSignal(r.Context(), sig)
	}
	if err != nil {
		h.log.Error("Failed to store signal", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store signal")
		return
	}
	h.log.Info("Signal received",
		zap.Uint("signal_id", sig.ID),
		zap.String("action", settings.Action),
		zap.Int("contracts", settings.Contracts),
		zap.String("ticker", settings.Ticker),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "signal": sig})
}

type brokerSettingsRequest struct {
	Broker    string `json:"broker"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// BrokerSettingsHandler stores encrypted credentials for a broker.
func (h *APIHandler) BrokerSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req brokerSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Broker == "" {
		req.Broker = h.broker
	}
	supported := false
	for _, name := range h.registry.Names() {
		if strings.EqualFold(name, req.Broker) {
			supported = true
		}
	}
	if !supported {
		writeError(w, http.StatusUnprocessableEntity, "Unsupported broker "+req.Broker)
		return
	}
	err := h.vault.Save(r.Context(), credential.Credential{
		UserID:    h.userID,
		Broker:    req.Broker,
		APIKey:    req.APIKey,
		APISecret: credential.Secret(req.APISecret),
	})
	if credential.IsNotFound(err) {
		writeError(w, http.StatusUnprocessableEntity, "api_key and api_secret are required")
		return
	}
	if err != nil {
		h.log.Error("Failed to save broker credentials", zap.Error(err), zap.String("broker", req.Broker))
		writeError(w, http.StatusInternalServerError, "Failed to save credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// PhemexTradesHandler lists synced execution history.
func (h *APIHandler) PhemexTradesHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListPhemexTrades(r.Context(), h.userID)
	if err != nil {
		h.log.Error("Failed to get synced executions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to get trades")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// SyncPhemexTradesHandler pulls execution history for ?symbol= and stores new rows.
func (h *APIHandler) SyncPhemexTradesHandler(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusUnprocessableEntity, "symbol is required")
		return
	}
	c, ok := h.clientOrError(w, r)
	if !ok {
		return
	}
	execs, err := c.TradeHistory(r.Context(), symbol)
	if err != nil {
		h.log.Error("Failed to fetch trade history", zap.Error(err), zap.String("symbol", symbol))
		writeError(w, http.StatusBadGateway, "Failed to fetch trade history")
		return
	}
	created, existing := 0, 0
	for _, e := range execs {
		row := &models.PhemexTrade{
			UserID:         h.userID,
			TransactTimeNs: e.TransactTimeNs,
			ExecID:         e.ExecID,
			PosSide:        e.PosSide,
			OrdType:        e.OrdType,
			ExecQty:        e.ExecQty,
			ExecValue:      e.ExecValue,
			ExecFee:        e.ExecFee,
			ClosedPnl:      e.ClosedPnl,
			FeeRate:        e.FeeRate,
			ExecStatus:     e.ExecStatus,
			Broker:         c.Name(),
			Symbol:         e.Symbol,
			Side:           e.Side,
			Price:          e.Price,
		}
		isNew, err := h.store.UpsertPhemexTrade(r.Context(), row)
		if err != nil {
			h.log.Warn("Skipping execution row", zap.Error(err), zap.String("exec_id", e.ExecID))
			continue
		}
		if isNew {
			created++
		} else {
			existing++
		}
	}
	h.log.Info("Trade history synced",
		zap.String("symbol", symbol),
		zap.Int("created", created),
		zap.Int("existing", existing),
	)
	writeJSON(w, http.StatusOK, map[string]int{"created": created, "existing": existing})
}
