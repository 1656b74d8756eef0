package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader-space/internal/models"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    Settings
		wantErr bool
	}{
		{name: "buy", message: "order buy @ 3 filled on BTCUSD.", want: Settings{Action: "buy", Contracts: 3, Ticker: "BTCUSD"}},
		{name: "sell with prefix", message: "Strategy alert: order sell @ 12 filled on ETHUSD.", want: Settings{Action: "sell", Contracts: 12, Ticker: "ETHUSD"}},
		{name: "missing period", message: "order buy @ 3 filled on BTCUSD", wantErr: true},
		{name: "non numeric contracts", message: "order buy @ three filled on BTCUSD.", wantErr: true},
		{name: "empty", message: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.message)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewSignal(t *testing.T) {
	at := time.Date(2024, 12, 20, 12, 0, 0, 0, time.UTC)
	sig, err := NewSignal(Settings{Action: "buy", Contracts: 3, Ticker: "BTCUSD"}, at)
	require.NoError(t, err)

	assert.Equal(t, StrategyName, sig.Name)
	assert.Equal(t, models.SignalStatusReceived, sig.Status)
	assert.Equal(t, at, sig.ReceivedAt)
	assert.JSONEq(t, `{"action":"buy","contracts":3,"ticker":"BTCUSD"}`, string(sig.Settings))
}
