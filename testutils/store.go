package testutils

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/migadu/dewey/storage/sqlite"
	"github.com/migadu/dewey/storage/userdb"
	"github.com/stretchr/testify/require"
)

// SetupTestStore creates a SQLite-backed store in a temporary directory with
// the given users, each with password "password". The store is closed when
// the test ends.
func SetupTestStore(t *testing.T, users ...string) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "dewey-test.db"))
	require.NoError(t, err, "Failed to open test store")
	t.Cleanup(func() { store.Close() })

	for _, u := range users {
		hash, err := userdb.HashPassword(userdb.SchemeSHA512, "password")
		require.NoError(t, err)
		require.NoError(t, store.CreateUser(context.Background(), u, hash), "Failed to create test user %s", u)
	}
	return store
}
