// Package signals parses strategy alerts delivered by webhook.
package signals

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"

	"trader-space/internal/models"
)

// StrategyName is the name recorded on every parsed alert.
const StrategyName = "Fair 2 Value Gap with Cooldown and Fast Downtrend Pause"

// ErrInvalidMessage is returned for alerts that do not match the fill format.
var ErrInvalidMessage = errors.New("invalid message format")

// e.g. "order buy @ 3 filled on BTCUSD."
var fillPattern = regexp.MustCompile(`order (\w+) @ (\d+) filled on ([A-Za-z]+)\.`)

// Settings are the fields extracted from an alert.
type Settings struct {
	Action    string `json:"action"`
	Contracts int    `json:"contracts"`
	Ticker    string `json:"ticker"`
}

// Parse extracts the settings from an alert message.
func Parse(message string) (Settings, error) {
	m := fillPattern.FindStringSubmatch(strings.TrimSpace(message))
	if m == nil {
		return Settings{}, ErrInvalidMessage
	}
	contracts, err := strconv.Atoi(m[2])
	if err != nil {
		return Settings{}, fmt.Errorf("contracts %q: %w", m[2], ErrInvalidMessage)
	}
	return Settings{Action: m[1], Contracts: contracts, Ticker: m[3]}, nil
}

// NewSignal builds the stored record for parsed settings.
func NewSignal(s Settings, receivedAt time.Time) (*models.Signal, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal signal settings: %w", err)
	}
	return &models.Signal{
		Name:       StrategyName,
		Settings:   datatypes.JSON(raw),
		Status:     models.SignalStatusReceived,
		ReceivedAt: receivedAt,
	}, nil
}
