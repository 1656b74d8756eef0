// Package credential resolves broker credentials and keeps their secrets encrypted at rest.
package credential

import (
	"context"
	"errors"
	"fmt"

	"trader-space/internal/apperrors"
	"trader-space/internal/models"
	"trader-space/internal/store"
)

// Secret is a string that redacts itself when printed or marshaled.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString redacts %#v output.
func (s Secret) GoString() string {
	if s == "" {
		return `""`
	}
	return `"[REDACTED]"`
}

// MarshalJSON redacts JSON output.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// Reveal returns the plaintext. Call it only while building a signed request.
func (s Secret) Reveal() string {
	return string(s)
}

// Credential is a resolved, decrypted broker credential for one user.
type Credential struct {
	UserID    uint
	Broker    string
	APIKey    string
	APISecret Secret
}

// Validate reports whether the credential can sign requests.
func (c Credential) Validate() error {
	if c.APIKey == "" || c.APISecret == "" {
		return fmt.Errorf("%s credential for user %d: %w", c.Broker, c.UserID, apperrors.ErrCredentialNotFound)
	}
	return nil
}

// Vault stores credentials encrypted and resolves them on demand.
type Vault struct {
	store  *store.Store
	cipher *Cipher
}

// NewVault creates a Vault over the persistence layer.
func NewVault(s *store.Store, c *Cipher) *Vault {
	return &Vault{store: s, cipher: c}
}

// Save encrypts and upserts the credential for (UserID, Broker).
func (v *Vault) Save(ctx context.Context, cred Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	key, err := v.cipher.Encrypt(cred.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secret, err := v.cipher.Encrypt(cred.APISecret.Reveal())
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	return v.store.SaveBrokerKey(ctx, &models.BrokerAPIKey{
		UserID:     cred.UserID,
		BrokerName: cred.Broker,
		APIKey:     key,
		APISecret:  secret,
	})
}

// Resolve loads and decrypts the credential for a user and broker.
func (v *Vault) Resolve(ctx context.Context, userID uint, broker string) (Credential, error) {
	row, err := v.store.FindBrokerKey(ctx, userID, broker)
	if err != nil {
		return Credential{}, err
	}
	if row == nil {
		return Credential{}, fmt.Errorf("%s credential for user %d: %w", broker, userID, apperrors.ErrCredentialNotFound)
	}
	key, err := v.cipher.Decrypt(row.APIKey)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := v.cipher.Decrypt(row.APISecret)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	cred := Credential{UserID: userID, Broker: broker, APIKey: key, APISecret: Secret(secret)}
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// IsNotFound reports whether err means no usable credential is stored.
func IsNotFound(err error) bool {
	return errors.Is(err, apperrors.ErrCredentialNotFound)
}
