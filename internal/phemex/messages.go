package phemex

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// RequestKind is the expected semantic of a correlated response.
type RequestKind int

const (
	KindAuth RequestKind = iota + 1
	KindSubscribe
	KindPing
)

func (k RequestKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindSubscribe:
		return "subscribe"
	case KindPing:
		return "ping"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request is an outbound JSON-RPC style frame.
type Request struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Marshal encodes r. Params is always an array, never null.
func (r Request) Marshal() ([]byte, error) {
	if r.Params == nil {
		r.Params = []interface{}{}
	}
	return json.Marshal(r)
}

// AuthRequest builds user.auth for the given signature and expiry.
func AuthRequest(id int64, apiKey, signature string, expiry int64) Request {
	return Request{ID: id, Method: "user.auth", Params: []interface{}{"API", apiKey, signature, expiry}}
}

// SubscribeRequest builds "<stream>.subscribe". Stream names map to exchange methods,
// e.g. "trade" -> "trade.subscribe".
func SubscribeRequest(id int64, stream string, params ...interface{}) Request {
	return Request{ID: id, Method: strings.ToLower(stream) + ".subscribe", Params: params}
}

// PingRequest builds server.ping.
func PingRequest(id int64) Request {
	return Request{ID: id, Method: "server.ping", Params: []interface{}{}}
}

// RPCError is the error object of a correlated response or an error frame.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("phemex error %d: %s", e.Code, e.Message)
}

// envelope is the union of every inbound top-level key.
type envelope struct {
	ID        *int64            `json:"id"`
	Result    json.RawMessage   `json:"result"`
	Error     *RPCError         `json:"error"`
	Symbol    string            `json:"symbol"`
	Type      string            `json:"type"`
	Sequence  int64             `json:"sequence"`
	Trades    []json.RawMessage `json:"trades"`
	Orders    []json.RawMessage `json:"orders"`
	Positions []json.RawMessage `json:"positions"`
	Accounts  []json.RawMessage `json:"accounts"`
	Tick      json.RawMessage   `json:"tick"`
}

type wireOrder struct {
	OrderID    string           `json:"orderID"`
	ClOrdID    string           `json:"clOrdID"`
	Symbol     string           `json:"symbol"`
	Side       string           `json:"side"`
	PriceEp    *decimal.Decimal `json:"priceEp"`
	OrderQty   *decimal.Decimal `json:"orderQty"`
	OrderQtyRq *decimal.Decimal `json:"orderQtyRq"`
	OrdStatus  string           `json:"ordStatus"`
	ExecStatus string           `json:"execStatus"`
}

type wirePosition struct {
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	PosSide         string           `json:"posSide"`
	Size            *decimal.Decimal `json:"size"`
	AvgEntryPriceRp *decimal.Decimal `json:"avgEntryPriceRp"`
	AvgEntryPriceEp *decimal.Decimal `json:"avgEntryPriceEp"`
	LeverageRr      *decimal.Decimal `json:"leverageRr"`
	Leverage        *decimal.Decimal `json:"leverage"`
}

type wireTick struct {
	Symbol    string `json:"symbol"`
	Last      int64  `json:"last"`
	Scale     int32  `json:"scale"`
	Timestamp int64  `json:"timestamp"`
}
