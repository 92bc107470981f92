// Package dbtest opens migrated in-memory sqlite stores for tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/packfinderz-offline/pkg/config"
	"github.com/angelmondragon/packfinderz-offline/pkg/db"
	"github.com/angelmondragon/packfinderz-offline/pkg/migrate"
)

// NewSQLite returns a client backed by a private in-memory database with every migration applied.
func NewSQLite(t testing.TB) *db.Client {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	client := open(t, dsn)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// OpenSQLiteFile opens the sqlite database stored at path, creating and migrating it as
// needed. The caller closes the client, so a test can reopen the same file to simulate a
// restart.
func OpenSQLiteFile(t testing.TB, path string) *db.Client {
	t.Helper()
	return open(t, fmt.Sprintf("file:%s?_busy_timeout=5000", path))
}

func open(t testing.TB, dsn string) *db.Client {
	t.Helper()

	ctx := context.Background()
	client, err := db.New(ctx, config.DBConfig{Driver: config.DriverSQLite, DSN: dsn}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		_ = client.Close()
		t.Fatalf("sql handle: %v", err)
	}
	if err := migrate.Up(ctx, sqlDB, client.Driver()); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}
	return client
}
