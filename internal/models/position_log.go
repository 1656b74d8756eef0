package models

import (
	"time"

	"gorm.io/datatypes"
)

// Position log actions.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionClose  = "close"
)

// PositionLog is an append-only audit row written next to every Trade mutation.
// It carries no UpdatedAt or DeletedAt: rows are never changed.
type PositionLog struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	TradeID    uint           `gorm:"not null;index" json:"trade_id"`
	Symbol     string         `gorm:"not null" json:"symbol"`
	Action     string         `gorm:"size:16;not null" json:"action"`
	Details    datatypes.JSON `json:"details"`
	ExecutedAt time.Time      `gorm:"index" json:"executed_at"`
	CreatedAt  time.Time      `json:"created_at"`
}
