package bridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"modbus-bridge/internal/db"
)

// testStore opens a migrated sqlite file and returns a direct handle for
// assertions plus the options workers use to open their own connections.
func testStore(t *testing.T) (*db.DB, db.Options) {
	t.Helper()
	opts := db.Options{
		Driver:      db.DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "bridge_test.sqlite"),
		AutoMigrate: true,
		OpTimeout:   5 * time.Second,
	}
	d, err := db.Open(context.Background(), opts)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, opts
}

func testGuardian(t *testing.T, opts db.Options) *db.Guardian {
	t.Helper()
	g := db.NewGuardianWithOptions(opts, zaptest.NewLogger(t))
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("guardian connect failed: %v", err)
	}
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func dropGuardedConnection(t *testing.T, g *db.Guardian) {
	t.Helper()
	d, err := g.Ensure(context.Background())
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	sqlDB, err := d.ORM.DB()
	if err != nil {
		t.Fatalf("DB() failed: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
