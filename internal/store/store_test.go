package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trader-space/internal/database"
	"trader-space/internal/models"
)

func newTestStore(t *testing.T) *Store {
	db, err := database.NewDatabase("file::memory:")
	require.NoError(t, err)
	return New(db)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFindOpenTrade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade, err := s.FindOpenTrade(ctx, 1, "BTCUSD")
	require.NoError(t, err)
	assert.Nil(t, trade)

	require.NoError(t, s.CreateTrade(ctx, &models.Trade{UserID: 1, Broker: "Phemex", Symbol: "BTCUSD", Side: "buy", Quantity: dec("1"), Status: models.TradeStatusClosed}))
	open := &models.Trade{UserID: 1, Broker: "Phemex", Symbol: "BTCUSD", Side: "buy", Quantity: dec("2"), Status: models.TradeStatusOpen}
	require.NoError(t, s.CreateTrade(ctx, open))
	require.NoError(t, s.CreateTrade(ctx, &models.Trade{UserID: 2, Broker: "Phemex", Symbol: "BTCUSD", Side: "buy", Quantity: dec("3"), Status: models.TradeStatusOpen}))

	trade, err = s.FindOpenTrade(ctx, 1, "BTCUSD")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, open.ID, trade.ID)
	assert.True(t, trade.Quantity.Equal(dec("2")))
}

func TestFindTradeByFill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	price := dec("65000.5")
	require.NoError(t, s.CreateTrade(ctx, &models.Trade{
		UserID: 1, Broker: "Phemex", Symbol: "BTCUSD", Side: "sell",
		Quantity: dec("10"), Price: &price, Status: models.TradeStatusExecuted,
	}))

	trade, err := s.FindTradeByFill(ctx, 1, "Phemex", "BTCUSD", dec("65000.5"), dec("10"))
	require.NoError(t, err)
	assert.NotNil(t, trade)

	trade, err = s.FindTradeByFill(ctx, 1, "Phemex", "BTCUSD", dec("65000.5"), dec("11"))
	require.NoError(t, err)
	assert.Nil(t, trade)
}

func TestFindTradeByOrderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orderID := "abc-123"
	require.NoError(t, s.CreateTrade(ctx, &models.Trade{UserID: 1, Broker: "Phemex", OrderID: &orderID, Symbol: "BTCUSD", Side: "buy", Quantity: dec("1"), Status: "new"}))

	trade, err := s.FindTradeByOrderID(ctx, 1, "Phemex", "abc-123")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, "new", trade.Status)

	trade, err = s.FindTradeByOrderID(ctx, 1, "Phemex", "missing")
	require.NoError(t, err)
	assert.Nil(t, trade)
}

func TestUpdateTradeAndLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	trade := &models.Trade{UserID: 1, Broker: "Phemex", Symbol: "BTCUSD", Side: "buy", Quantity: dec("1"), Status: models.TradeStatusOpen}
	require.NoError(t, s.CreateTrade(ctx, trade))
	require.NoError(t, s.UpdateTrade(ctx, trade, map[string]interface{}{"quantity": dec("4"), "status": models.TradeStatusClosed}))

	loaded, err := s.GetTrade(ctx, trade.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Quantity.Equal(dec("4")))
	assert.Equal(t, models.TradeStatusClosed, loaded.Status)

	require.NoError(t, s.AppendPositionLog(ctx, &models.PositionLog{TradeID: trade.ID, Symbol: "BTCUSD", Action: models.ActionCreate}))
	require.NoError(t, s.AppendPositionLog(ctx, &models.PositionLog{TradeID: trade.ID, Symbol: "BTCUSD", Action: models.ActionClose}))

	logs, err := s.ListPositionLogs(ctx, trade.ID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.ActionCreate, logs[0].Action)
	assert.Equal(t, models.ActionClose, logs[1].Action)

	n, err := s.CountPositionLogs(ctx, models.ActionClose)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	missing := &models.Trade{}
	missing.ID = 999
	assert.Error(t, s.UpdateTrade(ctx, missing, map[string]interface{}{"status": "closed"}))
}

func TestTransactionRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(tx *Store) error {
		require.NoError(t, tx.CreateTrade(ctx, &models.Trade{UserID: 1, Broker: "Phemex", Symbol: "BTCUSD", Side: "buy", Quantity: dec("1"), Status: models.TradeStatusOpen}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	trades, err := s.ListTrades(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestUpsertPhemexTrade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.UpsertPhemexTrade(ctx, &models.PhemexTrade{UserID: 1, TransactTimeNs: 42, Symbol: "BTCUSDT", Side: "Buy", Price: dec("1")})
	require.NoError(t, err)
	assert.True(t, created)

	row := &models.PhemexTrade{UserID: 1, TransactTimeNs: 42, Symbol: "BTCUSDT", Side: "Sell", Price: dec("2")}
	created, err = s.UpsertPhemexTrade(ctx, row)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Buy", row.Side)

	_, err = s.UpsertPhemexTrade(ctx, &models.PhemexTrade{})
	assert.Error(t, err)

	rows, err := s.ListPhemexTrades(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBrokerKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, err := s.FindBrokerKey(ctx, 1, "Phemex")
	require.NoError(t, err)
	assert.Nil(t, key)

	require.NoError(t, s.SaveBrokerKey(ctx, &models.BrokerAPIKey{UserID: 1, BrokerName: "Phemex", APIKey: "k1", APISecret: "s1"}))
	require.NoError(t, s.SaveBrokerKey(ctx, &models.BrokerAPIKey{UserID: 1, BrokerName: "Phemex", APIKey: "k2", APISecret: "s2"}))

	key, err = s.FindBrokerKey(ctx, 1, "Phemex")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "k2", key.APIKey)
	assert.Equal(t, "s2", key.APISecret)
}

func TestSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := &models.Signal{Name: "alert", Status: models.SignalStatusReceived}
	require.NoError(t, s.CreateSignal(ctx, sig))

	ok, err := s.SignalExists(ctx, sig.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SignalExists(ctx, sig.ID+1)
	require.NoError(t, err)
	assert.False(t, ok)

	sigs, err := s.ListSignals(ctx)
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}
