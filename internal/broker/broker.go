// Package broker defines the exchange capability interface and the
// exchange-neutral updates consumed by reconciliation.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradePrint is one executed trade from a trade stream.
type TradePrint struct {
	Symbol      string
	TimestampNs int64
	Side        string
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Raw         []byte
}

// ExecutedAt converts the nanosecond timestamp.
func (t TradePrint) ExecutedAt() time.Time {
	return time.Unix(0, t.TimestampNs)
}

// OrderUpdate is the exchange's view of one order.
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Price         *decimal.Decimal
	Quantity      decimal.Decimal
	OrdStatus     string
	ExecStatus    string
	Raw           []byte
}

// PositionUpdate is the exchange's view of one position. Size zero means flat.
type PositionUpdate struct {
	Symbol        string
	Side          string
	PosSide       string
	Size          decimal.Decimal
	AvgEntryPrice *decimal.Decimal
	Leverage      *decimal.Decimal
	Raw           []byte
}

// OrderRequest describes a market order to place.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string // "buy" or "sell"
	PosSide       string // "Long" or "Short"
	Quantity      decimal.Decimal
}

// OrderResult is the exchange acknowledgement of a placed order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        string
	Price         *decimal.Decimal
	Accepted      bool
	Raw           []byte
}

// Execution is a row of the exchange's own execution history.
type Execution struct {
	TransactTimeNs int64
	ExecID         string
	PosSide        string
	OrdType        string
	ExecQty        decimal.Decimal
	ExecValue      decimal.Decimal
	ExecFee        decimal.Decimal
	ClosedPnl      decimal.Decimal
	FeeRate        decimal.Decimal
	ExecStatus     string
	Symbol         string
	Side           string
	Price          decimal.Decimal
}

// ExchangeClient is the request/response surface of one broker.
type ExchangeClient interface {
	// Name returns the broker name used as Trade.Broker.
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ChangeLeverage(ctx context.Context, symbol string, longLeverage, shortLeverage int) error
	Positions(ctx context.Context) ([]PositionUpdate, error)
	AccountBalance(ctx context.Context) (decimal.Decimal, error)
	TradeHistory(ctx context.Context, symbol string) ([]Execution, error)
}
