package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SignalStatusReceived is the status of a freshly stored alert.
const SignalStatusReceived = "received"

// Signal is a one-shot record of an externally received trading alert.
type Signal struct {
	gorm.Model
	Name       string         `gorm:"not null" json:"name"`
	Settings   datatypes.JSON `json:"settings"`
	Status     string         `gorm:"not null;default:received" json:"status"`
	ReceivedAt time.Time      `gorm:"not null" json:"received_at"`
}
