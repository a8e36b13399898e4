package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
)

// testKey is a fixed AES-256 key for credential tests.
var testKey = []byte("0123456789abcdef0123456789abcdef")

// setupTestDB creates a named shared in-memory SQLite database for testing.
// Writer and reader connections share the same in-memory database via cache=shared.
// A unique name derived from t.Name() ensures isolation between parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// Percent-encode the test name so it cannot be read as DSN query parameters.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", url.PathEscape(t.Name()), commonPragmas)

	db, err := openDB(context.Background(), dsn)
	require.NoError(t, err)

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// createUser inserts a user row so that foreign keys on user_id are satisfied.
func createUser(t *testing.T, db *DB, username string) model.User {
	t.Helper()

	user, err := NewUserRepo(db).Create(context.Background(), model.User{
		Username:     username,
		PasswordHash: "hash",
	})
	require.NoError(t, err)
	return user
}
