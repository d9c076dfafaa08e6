package testutils

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/config"
	"github.com/marcuscabrera/simple-webmail-imap/db"
)

// DatabaseURLEnv names the PostgreSQL database used by integration tests.
const DatabaseURLEnv = "WEBMAIL_TEST_DATABASE_URL"

// NewSQLiteCache returns a message cache on a fresh SQLite file in the
// test's temporary directory.
func NewSQLiteCache(t testing.TB) *cache.MessageCache {
	t.Helper()
	store, err := cache.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	mc := cache.New(store)
	t.Cleanup(func() { mc.Close() })
	return mc
}

// NewPostgresCache returns a message cache on the database named by
// DatabaseURLEnv with every cache table emptied.
func NewPostgresCache(t testing.TB) *cache.MessageCache {
	t.Helper()
	url := os.Getenv(DatabaseURLEnv)
	if url == "" {
		t.Skip(DatabaseURLEnv + " not set, skipping PostgreSQL test")
	}
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := db.NewDatabase(ctx, config.DatabaseConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	_, err = database.Pool.Exec(ctx, "TRUNCATE users, email_cache, folder_state, folder_cache RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	mc := cache.New(database)
	t.Cleanup(func() { mc.Close() })
	return mc
}

// Backends lists the cache backends available to a test, keyed by name.
// SQLite is always present.
func Backends(t *testing.T) map[string]func(testing.TB) *cache.MessageCache {
	t.Helper()
	backends := map[string]func(testing.TB) *cache.MessageCache{
		"sqlite": NewSQLiteCache,
	}
	if os.Getenv(DatabaseURLEnv) != "" && !testing.Short() {
		backends["postgres"] = NewPostgresCache
	}
	return backends
}
