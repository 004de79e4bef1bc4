package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openPostgresStore(t *testing.T, dsn string) Store {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"), zap.NewNop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := testDatabaseURL(t)

	runStoreContract(t, func(t *testing.T) Store { return openPostgresStore(t, dsn) })
}

// Writers on distinct scopes meet on the files unique key; writers on one
// scope queue on its advisory lock.
func TestPostgresConcurrentWriters(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := testDatabaseURL(t)

	t.Run("ContentInsertedOnce", func(t *testing.T) {
		testConcurrentContentInsertedOnce(t, openPostgresStore(t, dsn), 12)
	})
	t.Run("ChildWritesSerialize", func(t *testing.T) {
		testConcurrentChildWritesSerialize(t, openPostgresStore(t, dsn), 12)
	})
}
