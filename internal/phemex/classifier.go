package phemex

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"trader-space/internal/broker"
)

// Lookup reports the kind of a pending request id.
type Lookup func(id int64) (RequestKind, bool)

// Classify decodes one inbound text frame. It has no side effects.
//
// Correlated responses, error frames and unrecognized frames yield exactly one event.
// A push frame yields one event per populated section in the order trades, orders,
// positions, accounts, tick; the account-order-position stream sends several at once.
// A section that fails to decode becomes an Unrecognized event; its siblings still classify.
func Classify(frame []byte, lookup Lookup) []Event {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return []Event{Unrecognized{Raw: frame, Reason: fmt.Sprintf("invalid json: %v", err)}}
	}

	if env.ID != nil {
		return []Event{classifyResponse(frame, &env, lookup)}
	}
	if env.Error != nil {
		return []Event{ErrorFrame{Code: env.Error.Code, Message: env.Error.Message}}
	}

	var events []Event
	if env.Trades != nil {
		events = append(events, sectionOrUnrecognized(frame, "trades", func() (Event, error) {
			return decodeTrades(&env)
		}))
	}
	if env.Orders != nil {
		events = append(events, sectionOrUnrecognized(frame, "orders", func() (Event, error) {
			return decodeOrders(env.Orders)
		}))
	}
	if env.Positions != nil {
		events = append(events, sectionOrUnrecognized(frame, "positions", func() (Event, error) {
			return decodePositions(env.Positions)
		}))
	}
	if env.Accounts != nil {
		events = append(events, AccountBatch{Accounts: env.Accounts})
	}
	if len(env.Tick) > 0 && !bytes.Equal(env.Tick, []byte("null")) {
		events = append(events, sectionOrUnrecognized(frame, "tick", func() (Event, error) {
			return decodeTick(env.Tick)
		}))
	}

	if len(events) == 0 {
		return []Event{Unrecognized{Raw: frame, Reason: "no known keys"}}
	}
	return events
}

func sectionOrUnrecognized(frame []byte, section string, decode func() (Event, error)) Event {
	ev, err := decode()
	if err != nil {
		return Unrecognized{Raw: frame, Reason: fmt.Sprintf("%s: %v", section, err)}
	}
	return ev
}

func classifyResponse(frame []byte, env *envelope, lookup Lookup) Event {
	id := *env.ID
	if lookup != nil {
		if kind, ok := lookup(id); ok {
			switch kind {
			case KindAuth:
				return AuthResult{ID: id, Success: env.Error == nil && isSuccess(env.Result), RawResult: env.Result, Error: env.Error}
			case KindSubscribe:
				return SubscribeAck{ID: id, Success: env.Error == nil && isSuccess(env.Result), Error: env.Error}
			case KindPing:
				return PingAck{ID: id, Error: env.Error}
			}
		}
	}
	if env.Error != nil {
		return ErrorFrame{ID: &id, Code: env.Error.Code, Message: env.Error.Message}
	}
	if isPong(env.Result) {
		return PingAck{ID: id}
	}
	return Unrecognized{Raw: frame, Reason: fmt.Sprintf("unmatched response id %d", id)}
}

// isSuccess accepts both `"success"` and `{"status":"success"}`.
func isSuccess(result json.RawMessage) bool {
	result = bytes.TrimSpace(result)
	if len(result) == 0 {
		return false
	}
	switch result[0] {
	case '"':
		var s string
		if err := json.Unmarshal(result, &s); err != nil {
			return false
		}
		return strings.EqualFold(s, "success")
	case '{':
		var obj struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(result, &obj); err != nil {
			return false
		}
		return strings.EqualFold(obj.Status, "success")
	}
	return false
}

func isPong(result json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(bytes.TrimSpace(result), &s); err != nil {
		return false
	}
	return strings.EqualFold(s, "pong")
}

func decodeTrades(env *envelope) (Event, error) {
	batch := TradeBatch{Symbol: env.Symbol, Snapshot: strings.EqualFold(env.Type, "snapshot")}
	batch.Trades = make([]broker.TradePrint, 0, len(env.Trades))
	for i, raw := range env.Trades {
		tp, err := decodeTradePrint(env.Symbol, raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		batch.Trades = append(batch.Trades, tp)
	}
	return batch, nil
}

// decodeTradePrint decodes the positional tuple (timestampNs, side, priceEp, quantity).
func decodeTradePrint(symbol string, raw json.RawMessage) (broker.TradePrint, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return broker.TradePrint{}, err
	}
	if len(tuple) != 4 {
		return broker.TradePrint{}, fmt.Errorf("want 4 fields, got %d", len(tuple))
	}
	var (
		ts      int64
		side    string
		priceEp decimal.Decimal
		qty     decimal.Decimal
	)
	if err := json.Unmarshal(tuple[0], &ts); err != nil {
		return broker.TradePrint{}, fmt.Errorf("timestamp: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &side); err != nil {
		return broker.TradePrint{}, fmt.Errorf("side: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &priceEp); err != nil {
		return broker.TradePrint{}, fmt.Errorf("priceEp: %w", err)
	}
	if err := json.Unmarshal(tuple[3], &qty); err != nil {
		return broker.TradePrint{}, fmt.Errorf("quantity: %w", err)
	}
	return broker.TradePrint{
		Symbol:      symbol,
		TimestampNs: ts,
		Side:        normalizeSide(side),
		Price:       FromEp(priceEp),
		Quantity:    qty,
		Raw:         raw,
	}, nil
}

func decodeOrders(raws []json.RawMessage) (Event, error) {
	batch := OrderBatch{Orders: make([]broker.OrderUpdate, 0, len(raws))}
	for i, raw := range raws {
		var w wireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if w.OrderID == "" {
			return nil, fmt.Errorf("element %d: missing orderID", i)
		}
		o := broker.OrderUpdate{
			OrderID:       w.OrderID,
			ClientOrderID: w.ClOrdID,
			Symbol:        w.Symbol,
			Side:          normalizeSide(w.Side),
			OrdStatus:     w.OrdStatus,
			ExecStatus:    w.ExecStatus,
			Raw:           raw,
		}
		if w.PriceEp != nil {
			p := FromEp(*w.PriceEp)
			o.Price = &p
		}
		switch {
		case w.OrderQty != nil:
			o.Quantity = *w.OrderQty
		case w.OrderQtyRq != nil:
			o.Quantity = *w.OrderQtyRq
		}
		batch.Orders = append(batch.Orders, o)
	}
	return batch, nil
}

func decodePositions(raws []json.RawMessage) (Event, error) {
	batch := PositionBatch{Positions: make([]broker.PositionUpdate, 0, len(raws))}
	for i, raw := range raws {
		var w wirePosition
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		if w.Symbol == "" {
			return nil, fmt.Errorf("element %d: missing symbol", i)
		}
		if w.Size == nil {
			return nil, fmt.Errorf("element %d: missing size", i)
		}
		p := broker.PositionUpdate{
			Symbol:  w.Symbol,
			Side:    w.Side,
			PosSide: w.PosSide,
			Size:    *w.Size,
			Raw:     raw,
		}
		switch {
		case w.AvgEntryPriceRp != nil:
			v := FromEp(*w.AvgEntryPriceRp)
			p.AvgEntryPrice = &v
		case w.AvgEntryPriceEp != nil:
			v := FromEp(*w.AvgEntryPriceEp)
			p.AvgEntryPrice = &v
		}
		switch {
		case w.LeverageRr != nil:
			p.Leverage = w.LeverageRr
		case w.Leverage != nil:
			p.Leverage = w.Leverage
		}
		batch.Positions = append(batch.Positions, p)
	}
	return batch, nil
}

func decodeTick(raw json.RawMessage) (Event, error) {
	var w wireTick
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.Symbol == "" {
		return nil, errors.New("missing symbol")
	}
	return TickUpdate{
		Symbol:           w.Symbol,
		LastPriceInteger: w.Last,
		Scale:            w.Scale,
		Price:            FromScaled(w.Last, w.Scale),
		Timestamp:        time.Unix(0, w.Timestamp),
	}, nil
}

func normalizeSide(side string) string {
	return strings.ToLower(strings.TrimSpace(side))
}
