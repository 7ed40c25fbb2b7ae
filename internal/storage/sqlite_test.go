package storage

import (
	"os"
	"path/filepath"
	"testing"
)

// setupTestDB creates a temporary database with migrations applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.sqlite")
	d, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.RunMigrations(); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return d
}

func TestNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.sqlite")

	d, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer d.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected database file to be created")
	}

	var mode string
	if err := d.conn.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("failed to query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("expected journal_mode=wal, got %q", mode)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	d := setupTestDB(t)

	// Running migrations again must be a no-op.
	if err := d.RunMigrations(); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}

	for _, table := range []string{"transfers", "transfer_batches", "key_values"} {
		var name string
		err := d.conn.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s to exist: %v", table, err)
		}
	}
}

func TestInTransaction_RollsBackOnError(t *testing.T) {
	d := setupTestDB(t)

	wantErr := os.ErrInvalid
	err := d.InTransaction(func(s *Store) error {
		if err := s.SetKeyValue("k", "v"); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("InTransaction() error = %v, want %v", err, wantErr)
	}

	v, err := d.GetKeyValue("k")
	if err != nil {
		t.Fatalf("GetKeyValue() error = %v", err)
	}
	if v != "" {
		t.Errorf("expected rollback, got value %q", v)
	}
}

func TestInTransaction_Commits(t *testing.T) {
	d := setupTestDB(t)

	if err := d.InTransaction(func(s *Store) error {
		return s.SetKeyValue("k", "v")
	}); err != nil {
		t.Fatalf("InTransaction() error = %v", err)
	}

	v, err := d.GetKeyValue("k")
	if err != nil {
		t.Fatalf("GetKeyValue() error = %v", err)
	}
	if v != "v" {
		t.Errorf("value = %q, want v", v)
	}
}
