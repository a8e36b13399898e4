package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CredentialStore = (*CredentialRepo)(nil)

// CredentialRepo is the SQLite implementation of the CredentialStore port interface.
// The app key and app secret are encrypted with AES-256-GCM before write and
// decrypted after read. Account numbers are stored as given.
type CredentialRepo struct {
	db  *DB
	gcm cipher.AEAD // nil when encryption is disabled.
}

// NewCredentialRepo creates a new CredentialRepo. key must be 32 bytes for
// AES-256-GCM, or nil to disable credential storage: reads and writes then
// return driven.ErrEncryptionKeyNotSet.
func NewCredentialRepo(db *DB, key []byte) (*CredentialRepo, error) {
	repo := &CredentialRepo{db: db}
	if key == nil {
		return repo, nil
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	repo.gcm, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return repo, nil
}

// Upsert stores or replaces the credential of cred.UserID.
func (r *CredentialRepo) Upsert(ctx context.Context, cred model.BrokerCredential) error {
	if r.gcm == nil {
		return driven.ErrEncryptionKeyNotSet
	}

	appKey, err := r.encrypt(cred.AppKey)
	if err != nil {
		return err
	}
	appSecret, err := r.encrypt(cred.AppSecret)
	if err != nil {
		return err
	}

	updatedAt := cred.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	const query = `
		INSERT INTO broker_credentials
			(user_id, app_key, app_secret, account_number, account_product_code, is_sandbox, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			app_key = excluded.app_key,
			app_secret = excluded.app_secret,
			account_number = excluded.account_number,
			account_product_code = excluded.account_product_code,
			is_sandbox = excluded.is_sandbox,
			updated_at = excluded.updated_at
	`
	_, err = r.db.Writer.ExecContext(ctx, query,
		cred.UserID, appKey, appSecret, cred.AccountNumber, cred.AccountProductCode,
		boolToInt(cred.IsSandbox), updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert credential for user %d: %w", cred.UserID, err)
	}
	return nil
}

// GetByUser returns the decrypted credential of the user, or nil if none is registered.
func (r *CredentialRepo) GetByUser(ctx context.Context, userID int64) (*model.BrokerCredential, error) {
	if r.gcm == nil {
		return nil, driven.ErrEncryptionKeyNotSet
	}

	const query = `
		SELECT user_id, app_key, app_secret, account_number, account_product_code, is_sandbox, updated_at
		FROM broker_credentials WHERE user_id = ?
	`

	var (
		cred      model.BrokerCredential
		appKey    string
		appSecret string
		isSandbox int
		updatedAt string
	)
	err := r.db.Reader.QueryRowContext(ctx, query, userID).Scan(
		&cred.UserID, &appKey, &appSecret, &cred.AccountNumber, &cred.AccountProductCode,
		&isSandbox, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for user %d: %w", userID, err)
	}

	if cred.AppKey, err = r.decrypt(appKey); err != nil {
		return nil, fmt.Errorf("decrypt app key for user %d: %w", userID, err)
	}
	if cred.AppSecret, err = r.decrypt(appSecret); err != nil {
		return nil, fmt.Errorf("decrypt app secret for user %d: %w", userID, err)
	}
	cred.IsSandbox = isSandbox != 0

	cred.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at for user %d: %w", userID, err)
	}

	return &cred, nil
}

// ListUserIDs returns the IDs of users with a registered credential in
// ascending order. Nothing is decrypted.
func (r *CredentialRepo) ListUserIDs(ctx context.Context) ([]int64, error) {
	const query = `SELECT user_id FROM broker_credentials ORDER BY user_id`

	rows, err := r.db.Reader.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credential users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan credential user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential users: %w", err)
	}

	return ids, nil
}

// Delete removes the credential of the user.
func (r *CredentialRepo) Delete(ctx context.Context, userID int64) error {
	const query = `DELETE FROM broker_credentials WHERE user_id = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("delete credential for user %d: %w", userID, err)
	}
	return nil
}

// encrypt returns base64(nonce || ciphertext || tag).
func (r *CredentialRepo) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, r.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}

	sealed := r.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (r *CredentialRepo) decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	nonceSize := r.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plaintext, err := r.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("gcm.Open: %w", err)
	}
	return string(plaintext), nil
}
