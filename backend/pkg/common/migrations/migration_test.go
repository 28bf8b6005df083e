package migrations

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilesSortedSQLOnly(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "README.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o700); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 || files[0] != "001_a.sql" || files[1] != "002_b.sql" {
		t.Fatalf("unexpected files %v", files)
	}
}

func TestFilesMissingDir(t *testing.T) {
	if _, err := Files(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}

func TestLedgerMigrationsPresent(t *testing.T) {
	files, err := Files("../../../migrations/ledger")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) == 0 || files[0] != "001_snapshot.sql" {
		t.Fatalf("unexpected files %v", files)
	}
}
