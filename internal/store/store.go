// Package store is the persistence layer for trades, position logs, signals,
// broker keys and synced exchange executions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trader-space/internal/models"
)

// Store wraps a gorm handle. A Store returned by Transaction is bound to the transaction.
type Store struct {
	db *gorm.DB
}

// New creates a Store over db.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn inside a database transaction. Returning an error rolls back.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// first returns (nil, nil) when the query matches no row.
func first(q *gorm.DB) (*models.Trade, error) {
	var trade models.Trade
	err := q.Order("id asc").First(&trade).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

// FindOpenTrade returns the open trade for a user and symbol, or nil.
func (s *Store) FindOpenTrade(ctx context.Context, userID uint, symbol string) (*models.Trade, error) {
	trade, err := first(s.db.WithContext(ctx).
		Where("user_id = ? AND symbol = ? AND status = ?", userID, symbol, models.TradeStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("find open trade %s: %w", symbol, err)
	}
	return trade, nil
}

// FindTradeByOrderID returns the trade recorded for an exchange order id, or nil.
func (s *Store) FindTradeByOrderID(ctx context.Context, userID uint, broker, orderID string) (*models.Trade, error) {
	trade, err := first(s.db.WithContext(ctx).
		Where("user_id = ? AND broker = ? AND order_id = ?", userID, broker, orderID))
	if err != nil {
		return nil, fmt.Errorf("find trade by order id %s: %w", orderID, err)
	}
	return trade, nil
}

// FindTradeByFill returns a trade with the same symbol, price and quantity, or nil.
func (s *Store) FindTradeByFill(ctx context.Context, userID uint, broker, symbol string, price, quantity decimal.Decimal) (*models.Trade, error) {
	trade, err := first(s.db.WithContext(ctx).
		Where("user_id = ? AND broker = ? AND symbol = ? AND price = ? AND quantity = ?",
			userID, broker, symbol, price, quantity))
	if err != nil {
		return nil, fmt.Errorf("find trade by fill %s: %w", symbol, err)
	}
	return trade, nil
}

// CreateTrade inserts trade and sets its ID.
func (s *Store) CreateTrade(ctx context.Context, trade *models.Trade) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(trade).Error; err != nil {
		return fmt.Errorf("create trade %s: %w", trade.Symbol, err)
	}
	return nil
}

// UpdateTrade applies fields to the trade row in place.
func (s *Store) UpdateTrade(ctx context.Context, trade *models.Trade, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(trade).Omit(clause.Associations).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update trade %d: %w", trade.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update trade %d: %w", trade.ID, gorm.ErrRecordNotFound)
	}
	return nil
}

// AppendPositionLog inserts an audit row.
func (s *Store) AppendPositionLog(ctx context.Context, entry *models.PositionLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append position log for trade %d: %w", entry.TradeID, err)
	}
	return nil
}

// GetTrade loads a trade by primary key.
func (s *Store) GetTrade(ctx context.Context, id uint) (*models.Trade, error) {
	var trade models.Trade
	if err := s.db.WithContext(ctx).First(&trade, id).Error; err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	return &trade, nil
}

// ListTrades returns a user's trades, most recent first.
func (s *Store) ListTrades(ctx context.Context, userID uint) ([]models.Trade, error) {
	var trades []models.Trade
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	return trades, nil
}

// ListPositionLogs returns the audit trail of a trade in write order.
func (s *Store) ListPositionLogs(ctx context.Context, tradeID uint) ([]models.PositionLog, error) {
	var logs []models.PositionLog
	if err := s.db.WithContext(ctx).Where("trade_id = ?", tradeID).Order("id asc").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("list position logs: %w", err)
	}
	return logs, nil
}

// CountPositionLogs counts audit rows, optionally filtered by action.
func (s *Store) CountPositionLogs(ctx context.Context, action string) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&models.PositionLog{})
	if action != "" {
		q = q.Where("action = ?", action)
	}
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count position logs: %w", err)
	}
	return n, nil
}
