package db

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// second run must be a no-op
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate again: %v", err)
	}
}

func TestKV(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := SetKV(ctx, db, "test_key", "a"); err != nil {
		t.Fatalf("SetKV: %v", err)
	}
	if err := SetKV(ctx, db, "test_key", "b"); err != nil {
		t.Fatalf("SetKV overwrite: %v", err)
	}
	v, err := GetKV(ctx, db, "test_key")
	if err != nil || v != "b" {
		t.Fatalf("GetKV = %q, %v", v, err)
	}
	v, err = GetKV(ctx, db, "missing_key")
	if err != nil || v != "" {
		t.Fatalf("GetKV missing = %q, %v", v, err)
	}
}

func TestRecordingsEndedConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO recordings (streamer_id, started_at, status) VALUES ('constraint-check', NOW(), 'completed')`)
	if err == nil {
		t.Fatal("expected check constraint to reject a completed recording without ended_at")
	}
}
