package calsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build state backend failed: %v", err)
	}
	if err := backend.Save("actions", []byte(`{"seq":3}`)); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	data, err := backend.Load("actions")
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if string(data) != `{"seq":3}` {
		t.Fatalf("unexpected snapshot: %s", data)
	}
	missing, err := backend.Load("events")
	if err != nil || missing != nil {
		t.Fatalf("expected nil snapshot for unknown key, got %q err=%v", missing, err)
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	backend, err := BuildStateBackendFromDSN("file://" + dir)
	if err != nil {
		t.Fatalf("build file state backend failed: %v", err)
	}
	if err := backend.Save("events", []byte(`{"events":{}}`)); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "events.json")); err != nil {
		t.Fatalf("expected events.json to exist: %v", err)
	}
	data, err := backend.Load("events")
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if string(data) != `{"events":{}}` {
		t.Fatalf("unexpected snapshot: %s", data)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("temporary file left behind: %s", entry.Name())
		}
	}
}

func TestBuildStateBackendFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaycal.db")
	backend, err := BuildStateBackendFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite state backend failed: %v", err)
	}
	t.Cleanup(func() { _ = closeBackend(backend) })

	if data, err := backend.Load("actions"); err != nil || data != nil {
		t.Fatalf("expected empty initial snapshot, got %q err=%v", data, err)
	}
	if err := backend.Save("actions", []byte(`{"seq":1}`)); err != nil {
		t.Fatalf("sqlite save failed: %v", err)
	}
	if err := backend.Save("actions", []byte(`{"seq":2}`)); err != nil {
		t.Fatalf("sqlite overwrite failed: %v", err)
	}
	data, err := backend.Load("actions")
	if err != nil {
		t.Fatalf("sqlite load failed: %v", err)
	}
	if string(data) != `{"seq":2}` {
		t.Fatalf("expected latest snapshot, got %s", data)
	}
}

func TestBuildStateBackendFromDSNUnsupported(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/relaycal?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres state backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres state backend")
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/relaycal"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql state backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := BuildStateBackendFromDSN("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}

func TestRegisterStateBackendFactory(t *testing.T) {
	scheme := "statetestcustom"
	custom := NewInMemoryStateBackend()
	RegisterStateBackendFactory(scheme, func(dsn string) (StateBackend, error) {
		return custom, nil
	})
	backend, err := BuildStateBackendFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build state backend via registered factory failed: %v", err)
	}
	if backend != StateBackend(custom) {
		t.Fatalf("expected registered backend instance, got %T", backend)
	}
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RELAYCAL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set RELAYCAL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tableName = fmt.Sprintf("relaycal_state_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = pg.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(pg.tableName))
	})

	if data, err := backend.Load("actions"); err != nil || data != nil {
		t.Fatalf("expected empty initial snapshot, got %q err=%v", data, err)
	}
	if err := backend.Save("actions", []byte(`{"seq":7}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	data, err := backend.Load("actions")
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if string(data) != `{"seq":7}` {
		t.Fatalf("unexpected snapshot: %s", data)
	}
}
