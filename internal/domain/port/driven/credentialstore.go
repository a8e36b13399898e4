package driven

import (
	"context"
	"errors"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
// KISFOLIO_SECRET_KEY has not been configured.
var ErrEncryptionKeyNotSet = errors.New("encryption key not configured: set KISFOLIO_SECRET_KEY")

// CredentialStore defines the driven port for broker credential persistence.
// The adapter layer is responsible for encryption/decryption; this interface
// operates on plaintext values at the domain boundary.
type CredentialStore interface {
	// Upsert stores or replaces the credential of cred.UserID. Returns
	// ErrEncryptionKeyNotSet if the adapter was constructed without an encryption key.
	Upsert(ctx context.Context, cred model.BrokerCredential) error

	// GetByUser returns the user's credential, or nil, nil when none is registered.
	GetByUser(ctx context.Context, userID int64) (*model.BrokerCredential, error)

	// ListUserIDs returns the IDs of all users with a registered credential,
	// ordered ascending. It does not decrypt anything.
	ListUserIDs(ctx context.Context) ([]int64, error)

	// Delete removes the user's credential. Deleting a missing credential is not an error.
	Delete(ctx context.Context, userID int64) error
}
