package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Trade statuses. Order pushes may carry other exchange statuses, lowercased.
const (
	TradeStatusOpen     = "open"
	TradeStatusClosed   = "closed"
	TradeStatusExecuted = "executed"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trigger sources.
const (
	TriggerWebsiteButton = "website_button"
	TriggerWebsocket     = "websocket"
	TriggerBroker        = "broker"
	TriggerSignal        = "signal"
)

// Trade is the canonical local record of an order, execution or position.
// For a given user and symbol there is at most one Trade with status open.
type Trade struct {
	gorm.Model
	UserID        uint             `gorm:"not null;index:idx_trades_user_symbol_status" json:"user_id"`
	Broker        string           `gorm:"not null" json:"broker"`
	OrderID       *string          `gorm:"index" json:"order_id,omitempty"`
	ClientOrderID *string          `gorm:"column:cl_order_id" json:"cl_order_id,omitempty"`
	Symbol        string           `gorm:"not null;index:idx_trades_user_symbol_status" json:"symbol"`
	Side          string           `gorm:"not null" json:"side"`
	Quantity      decimal.Decimal  `gorm:"type:decimal(16,8);not null" json:"quantity"`
	Price         *decimal.Decimal `gorm:"type:decimal(16,8)" json:"price,omitempty"`
	Leverage      *decimal.Decimal `gorm:"type:decimal(5,2)" json:"leverage,omitempty"`
	Status        string           `gorm:"not null;default:open;index:idx_trades_user_symbol_status" json:"status"`
	TriggerSource string           `json:"trigger_source"`
	SignalID      *uint            `gorm:"index" json:"signal_id,omitempty"`
	Signal        *Signal          `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	PositionLogs  []PositionLog    `json:"position_logs,omitempty"`
}
