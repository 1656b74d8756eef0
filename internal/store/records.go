package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trader-space/internal/models"
)

// UpsertPhemexTrade stores an execution history row keyed by TransactTimeNs.
// An existing row is loaded into row and left unchanged. It reports whether a row was created.
func (s *Store) UpsertPhemexTrade(ctx context.Context, row *models.PhemexTrade) (bool, error) {
	if row.TransactTimeNs == 0 {
		return false, fmt.Errorf("upsert phemex trade %q: missing transact time", row.ExecID)
	}
	var existing models.PhemexTrade
	err := s.db.WithContext(ctx).Where("transact_time_ns = ?", row.TransactTimeNs).First(&existing).Error
	if err == nil {
		*row = existing
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("lookup phemex trade %d: %w", row.TransactTimeNs, err)
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return false, fmt.Errorf("create phemex trade %d: %w", row.TransactTimeNs, err)
	}
	return true, nil
}

// ListPhemexTrades returns a user's synced executions, newest first.
func (s *Store) ListPhemexTrades(ctx context.Context, userID uint) ([]models.PhemexTrade, error) {
	var rows []models.PhemexTrade
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("transact_time_ns desc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list phemex trades: %w", err)
	}
	return rows, nil
}

// CreateSignal inserts a received signal.
func (s *Store) CreateSignal(ctx context.Context, sig *models.Signal) error {
	if err := s.db.WithContext(ctx).Create(sig).Error; err != nil {
		return fmt.Errorf("create signal: %w", err)
	}
	return nil
}

// ListSignals returns signals, newest first.
func (s *Store) ListSignals(ctx context.Context) ([]models.Signal, error) {
	var sigs []models.Signal
	if err := s.db.WithContext(ctx).Order("received_at desc").Find(&sigs).Error; err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	return sigs, nil
}

// SignalExists reports whether a signal with id is stored.
func (s *Store) SignalExists(ctx context.Context, id uint) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Signal{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("lookup signal %d: %w", id, err)
	}
	return n > 0, nil
}

// SaveBrokerKey creates or replaces the key row for (UserID, BrokerName).
func (s *Store) SaveBrokerKey(ctx context.Context, key *models.BrokerAPIKey) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "broker_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"api_key", "api_secret", "updated_at"}),
	}).Create(key).Error
	if err != nil {
		return fmt.Errorf("save broker key for user %d: %w", key.UserID, err)
	}
	return nil
}

// FindBrokerKey returns the stored key row, or (nil, nil) when none exists.
func (s *Store) FindBrokerKey(ctx context.Context, userID uint, broker string) (*models.BrokerAPIKey, error) {
	var key models.BrokerAPIKey
	err := s.db.WithContext(ctx).Where("user_id = ? AND broker_name = ?", userID, broker).First(&key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find broker key for user %d: %w", userID, err)
	}
	return &key, nil
}
