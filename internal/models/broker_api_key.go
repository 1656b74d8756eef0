package models

import "gorm.io/gorm"

// BrokerAPIKey stores a user's broker credentials. APIKey and APISecret hold
// ciphertext; they are only decrypted when a signed request is built.
type BrokerAPIKey struct {
	gorm.Model
	UserID     uint   `gorm:"not null;uniqueIndex:idx_broker_api_keys_user_broker"`
	BrokerName string `gorm:"not null;uniqueIndex:idx_broker_api_keys_user_broker"`
	APIKey     string `gorm:"type:text;not null"`
	APISecret  string `gorm:"type:text"`
}
