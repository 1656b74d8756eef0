package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PhemexTrade is a row of the exchange's own execution history, synced over REST.
type PhemexTrade struct {
	gorm.Model
	UserID         uint            `gorm:"index" json:"user_id"`
	TransactTimeNs int64           `gorm:"uniqueIndex" json:"transact_time_ns"`
	ExecID         string          `json:"exec_id"`
	PosSide        string          `json:"pos_side"`
	OrdType        string          `json:"ord_type"`
	ExecQty        decimal.Decimal `gorm:"type:decimal(24,8)" json:"exec_qty"`
	ExecValue      decimal.Decimal `gorm:"type:decimal(24,8)" json:"exec_value"`
	ExecFee        decimal.Decimal `gorm:"type:decimal(24,8)" json:"exec_fee"`
	ClosedPnl      decimal.Decimal `gorm:"type:decimal(24,8)" json:"closed_pnl"`
	FeeRate        decimal.Decimal `gorm:"type:decimal(24,8)" json:"fee_rate"`
	ExecStatus     string          `json:"exec_status"`
	Broker         string          `json:"broker"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Price          decimal.Decimal `gorm:"type:decimal(24,8)" json:"price"`
}
