package phemex

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trader-space/internal/broker"
	"trader-space/internal/config"
	"trader-space/internal/credential"
)

const (
	BrokerName = "Phemex"

	placeOrderPath       = "/g-orders/create"
	leveragePath         = "/g-positions/leverage"
	accountPositionsPath = "/g-accounts/accountPositions"
	tradeHistoryPath     = "/api-data/g-futures/trades"
	settleCurrency       = "USDT"
	OrderTypeMarket      = "Market"
	TimeInForceIOC       = "ImmediateOrCancel"
	headerAccessToken    = "x-phemex-access-token"
	headerExpiry         = "x-phemex-request-expiry"
	headerSignature      = "x-phemex-request-signature"
	defaultRestTimeout   = 10 * time.Second
)

// RestClient is a client for the Phemex REST API.
// It implements broker.ExchangeClient.
type RestClient struct {
	client    *resty.Client
	apiKey    string
	secretKey credential.Secret
	expiry    time.Duration
	logger    *zap.Logger
	limiter   *rate.Limiter
	now       func() time.Time
	retryBase time.Duration
}

// ensure RestClient implements the interface
var _ broker.ExchangeClient = (*RestClient)(nil)

// NewRestClient creates a Phemex REST client signing with cred.
func NewRestClient(cfg *config.Phemex, cred credential.Credential, logger *zap.Logger) *RestClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.RestURL, "/")).
		SetTimeout(defaultRestTimeout).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	expiry := time.Duration(cfg.RestExpirySeconds) * time.Second
	if expiry <= 0 {
		expiry = time.Minute
	}

	return &RestClient{
		client:    client,
		apiKey:    cred.APIKey,
		secretKey: cred.APISecret,
		expiry:    expiry,
		logger:    logger.Named("phemex-rest").With(zap.Uint("user_id", cred.UserID)),
		limiter:   limiter,
		now:       time.Now,
		retryBase: time.Second,
	}
}

// Register installs the Phemex factory into reg.
func Register(reg *broker.Registry, cfg *config.Phemex, logger *zap.Logger) {
	reg.Register(BrokerName, func(cred credential.Credential) (broker.ExchangeClient, error) {
		return NewRestClient(cfg, cred, logger), nil
	})
}

// Name returns the broker name recorded on trades.
func (c *RestClient) Name() string { return BrokerName }

// apiResponse is the common REST envelope. A non-zero code is an error.
type apiResponse[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

// APIError is a well-formed response whose code is not zero.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("phemex api error %d: %s", e.Code, e.Msg)
}

// signed prepares a request whose query is params, signed over path + query + expiry.
func (c *RestClient) signed(path string, params url.Values) *resty.Request {
	query := params.Encode()
	expiry := Expiry(c.now(), c.expiry)
	return c.client.R().
		SetQueryParamsFromValues(params).
		SetHeader(headerAccessToken, c.apiKey).
		SetHeader(headerExpiry, strconv.FormatInt(expiry, 10)).
		SetHeader(headerSignature, Sign(path, query, expiry, c.secretKey.Reveal())).
		SetHeader("Content-Type", "application/json")
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *RestClient) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	req.SetContext(ctx)
	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("path", path))
		resp, err = req.Execute(method, path)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil && resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				if seconds, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 {
				shouldRetry = true
			}
		} else if ctx.Err() == nil {
			shouldRetry = true
		}

		if !shouldRetry {
			if err != nil {
				return nil, fmt.Errorf("request %s %s: %w", method, path, err)
			}
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * c.retryBase
		}

		c.logger.Warn("Request failed, retrying...",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

// call executes a signed request and unwraps the response envelope.
func call[T any](ctx context.Context, c *RestClient, method, path string, params url.Values) (*T, []byte, error) {
	resp, err := c.doRequest(ctx, method, path, c.signed(path, params))
	if err != nil {
		return nil, nil, err
	}
	var env apiResponse[T]
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, resp.Body(), fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != 0 {
		return nil, resp.Body(), &APIError{Code: env.Code, Msg: env.Msg}
	}
	return &env.Data, resp.Body(), nil
}

type orderData struct {
	OrderID    string           `json:"orderID"`
	ClOrdID    string           `json:"clOrdID"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	PriceRp    *decimal.Decimal `json:"priceRp"`
	OrdStatus  string           `json:"ordStatus"`
	OrderQtyRq *decimal.Decimal `json:"orderQtyRq"`
}

// PlaceOrder places a market order. An empty ClientOrderID is replaced by a UUID.
func (c *RestClient) PlaceOrder(ctx context.Context, order broker.OrderRequest) (*broker.OrderResult, error) {
	clOrdID := order.ClientOrderID
	if clOrdID == "" {
		clOrdID = uuid.NewString()
	}
	params := url.Values{}
	params.Set("clOrdID", clOrdID)
	params.Set("side", exchangeSide(order.Side))
	params.Set("ordType", OrderTypeMarket)
	params.Set("timeInForce", TimeInForceIOC)
	params.Set("symbol", order.Symbol)
	params.Set("posSide", order.PosSide)
	params.Set("orderQtyRq", order.Quantity.String())

	data, raw, err := call[orderData](ctx, c, http.MethodPut, placeOrderPath, params)
	if err != nil {
		c.logger.Error("Failed to place order",
			zap.Error(err),
			zap.String("symbol", order.Symbol),
			zap.String("cl_ord_id", clOrdID),
		)
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	result := &broker.OrderResult{
		OrderID:       data.OrderID,
		ClientOrderID: clOrdID,
		Symbol:        order.Symbol,
		Status:        data.OrdStatus,
		Price:         data.PriceRp,
		Accepted:      true,
		Raw:           raw,
	}
	if data.ClOrdID != "" {
		result.ClientOrderID = data.ClOrdID
	}
	c.logger.Info("Successfully placed order",
		zap.String("order_id", result.OrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.Stringer("quantity", order.Quantity),
	)
	return result, nil
}

// ChangeLeverage sets hedged-mode leverage for both sides of symbol.
func (c *RestClient) ChangeLeverage(ctx context.Context, symbol string, longLeverage, shortLeverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("longLeverageRr", strconv.Itoa(longLeverage))
	params.Set("shortLeverageRr", strconv.Itoa(shortLeverage))

	if _, _, err := call[json.RawMessage](ctx, c, http.MethodPut, leveragePath, params); err != nil {
		return fmt.Errorf("failed to change leverage on %s: %w", symbol, err)
	}
	c.logger.Info("Changed leverage",
		zap.String("symbol", symbol),
		zap.Int("long", longLeverage),
		zap.Int("short", shortLeverage),
	)
	return nil
}

type restPosition struct {
	Symbol           string           `json:"symbol"`
	Side             string           `json:"side"`
	PosSide          string           `json:"posSide"`
	Size             *decimal.Decimal `json:"size"`
	SizeRq           *decimal.Decimal `json:"sizeRq"`
	AvgEntryPriceRp  *decimal.Decimal `json:"avgEntryPriceRp"`
	LeverageRr       *decimal.Decimal `json:"leverageRr"`
	PositionMarginRv *decimal.Decimal `json:"positionMarginRv"`
}

type accountPositionsData struct {
	Account *struct {
		Currency         string          `json:"currency"`
		AccountBalanceRv decimal.Decimal `json:"accountBalanceRv"`
	} `json:"account"`
	Positions []json.RawMessage `json:"positions"`
}

func (c *RestClient) accountPositions(ctx context.Context) (*accountPositionsData, error) {
	params := url.Values{}
	params.Set("currency", settleCurrency)
	data, _, err := call[accountPositionsData](ctx, c, http.MethodGet, accountPositionsPath, params)
	return data, err
}

// Positions returns the account's positions. REST prices are real values, not scaled.
func (c *RestClient) Positions(ctx context.Context) ([]broker.PositionUpdate, error) {
	data, err := c.accountPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	out := make([]broker.PositionUpdate, 0, len(data.Positions))
	for _, raw := range data.Positions {
		var p restPosition
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		u := broker.PositionUpdate{
			Symbol:        p.Symbol,
			Side:          p.Side,
			PosSide:       p.PosSide,
			AvgEntryPrice: p.AvgEntryPriceRp,
			Leverage:      p.LeverageRr,
			Raw:           raw,
		}
		switch {
		case p.SizeRq != nil:
			u.Size = *p.SizeRq
		case p.Size != nil:
			u.Size = *p.Size
		}
		out = append(out, u)
	}
	return out, nil
}

// AccountBalance returns the settle-currency balance, zero when the account block is absent.
func (c *RestClient) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	data, err := c.accountPositions(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get account balance: %w", err)
	}
	if data.Account == nil {
		return decimal.Zero, nil
	}
	return data.Account.AccountBalanceRv, nil
}

type tradeHistoryData struct {
	Rows []struct {
		TransactTimeNs int64           `json:"transactTimeNs"`
		ExecID         string          `json:"execID"`
		PosSide        string          `json:"posSide"`
		OrdType        string          `json:"ordType"`
		ExecQtyRq      decimal.Decimal `json:"execQtyRq"`
		ExecValueRv    decimal.Decimal `json:"execValueRv"`
		ExecFeeRv      decimal.Decimal `json:"execFeeRv"`
		ClosedPnlRv    decimal.Decimal `json:"closedPnlRv"`
		FeeRateRr      decimal.Decimal `json:"feeRateRr"`
		ExecStatus     string          `json:"execStatus"`
		Symbol         string          `json:"symbol"`
		Side           string          `json:"side"`
		ExecPriceRp    decimal.Decimal `json:"execPriceRp"`
	} `json:"rows"`
}

// TradeHistory returns the account's executions for symbol.
func (c *RestClient) TradeHistory(ctx context.Context, symbol string) ([]broker.Execution, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	data, _, err := call[tradeHistoryData](ctx, c, http.MethodGet, tradeHistoryPath, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade history: %w", err)
	}
	out := make([]broker.Execution, 0, len(data.Rows))
	for _, r := range data.Rows {
		out = append(out, broker.Execution{
			TransactTimeNs: r.TransactTimeNs,
			ExecID:         r.ExecID,
			PosSide:        r.PosSide,
			OrdType:        r.OrdType,
			ExecQty:        r.ExecQtyRq,
			ExecValue:      r.ExecValueRv,
			ExecFee:        r.ExecFeeRv,
			ClosedPnl:      r.ClosedPnlRv,
			FeeRate:        r.FeeRateRr,
			ExecStatus:     r.ExecStatus,
			Symbol:         r.Symbol,
			Side:           r.Side,
			Price:          r.ExecPriceRp,
		})
	}
	return out, nil
}

// exchangeSide maps "buy"/"sell" to the exchange's "Buy"/"Sell".
func exchangeSide(side string) string {
	switch strings.ToLower(side) {
	case "buy":
		return "Buy"
	case "sell":
		return "Sell"
	}
	return side
}
