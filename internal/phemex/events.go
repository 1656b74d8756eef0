package phemex

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"trader-space/internal/broker"
)

// EventKind names a classified frame type.
type EventKind string

const (
	EventAuthResult   EventKind = "auth_result"
	EventSubscribeAck EventKind = "subscribe_ack"
	EventPingAck      EventKind = "ping_ack"
	EventTrades       EventKind = "trades"
	EventOrders       EventKind = "orders"
	EventPositions    EventKind = "positions"
	EventAccounts     EventKind = "accounts"
	EventTick         EventKind = "tick"
	EventError        EventKind = "error"
	EventUnrecognized EventKind = "unrecognized"
)

// Event is one typed inbound message.
type Event interface {
	Kind() EventKind
}

// AuthResult answers the user.auth request.
type AuthResult struct {
	ID        int64
	Success   bool
	RawResult json.RawMessage
	Error     *RPCError
}

// SubscribeAck answers one subscribe request.
type SubscribeAck struct {
	ID      int64
	Success bool
	Error   *RPCError
}

// PingAck answers server.ping.
type PingAck struct {
	ID    int64
	Error *RPCError
}

// TradeBatch carries trade prints of one symbol.
type TradeBatch struct {
	Symbol   string
	Snapshot bool
	Trades   []broker.TradePrint
}

// OrderBatch carries order updates from the account-order-position stream.
type OrderBatch struct {
	Orders []broker.OrderUpdate
}

// PositionBatch carries position updates from the account-order-position stream.
type PositionBatch struct {
	Positions []broker.PositionUpdate
}

// AccountBatch carries raw account balances. It is only logged.
type AccountBatch struct {
	Accounts []json.RawMessage
}

// TickUpdate is an index or mark price tick.
type TickUpdate struct {
	Symbol           string
	LastPriceInteger int64
	Scale            int32
	Price            decimal.Decimal
	Timestamp        time.Time
}

// ErrorFrame is an uncorrelated error pushed by the exchange.
type ErrorFrame struct {
	ID      *int64
	Code    int
	Message string
}

// Unrecognized is a frame matching no known shape.
type Unrecognized struct {
	Raw    []byte
	Reason string
}

func (AuthResult) Kind() EventKind    { return EventAuthResult }
func (SubscribeAck) Kind() EventKind  { return EventSubscribeAck }
func (PingAck) Kind() EventKind       { return EventPingAck }
func (TradeBatch) Kind() EventKind    { return EventTrades }
func (OrderBatch) Kind() EventKind    { return EventOrders }
func (PositionBatch) Kind() EventKind { return EventPositions }
func (AccountBatch) Kind() EventKind  { return EventAccounts }
func (TickUpdate) Kind() EventKind    { return EventTick }
func (ErrorFrame) Kind() EventKind    { return EventError }
func (Unrecognized) Kind() EventKind  { return EventUnrecognized }
