package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// queryNames returns the first column of every row of query.
func queryNames(t *testing.T, db *sql.DB, query string, args ...any) []string {
	t.Helper()
	rows, err := db.Query(query, args...)
	if err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return names
}

func timerIndexes(t *testing.T, s *Store) []string {
	return queryNames(t, s.db, "SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = 'timers'")
}

func userVersion(t *testing.T, db *sql.DB) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	return v
}

func TestOpen_CreatesFileAndTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.db")

	for i := 0; i < 2; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() #%d: %v", i, err)
		}
		s.Close()
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file: %v", err)
	}

	s := reopen(t, path)
	tables := queryNames(t, s.db, "SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	for _, want := range []string{"entities", "inbox", "operations", "timers"} {
		if !slices.Contains(tables, want) {
			t.Errorf("table %q missing, have %v", want, tables)
		}
	}
}

func reopen(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_UnwritableDirectory(t *testing.T) {
	if _, err := Open("/nonexistent/dir/entities.db"); err == nil {
		t.Error("Open() succeeded in a missing directory")
	}
}

func TestClose_Unopened(t *testing.T) {
	if err := (&Store{}).Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestDSN(t *testing.T) {
	const params = "_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate"
	cases := map[string]string{
		"a.db":                   "a.db?" + params,
		"file:a.db?cache=shared": "file:a.db?cache=shared&" + params,
	}
	for path, want := range cases {
		if got := dsn(path); got != want {
			t.Errorf("dsn(%q) = %q, want %q", path, got, want)
		}
	}
}

// The connection parameters must hold on a connection opened after the
// first one has expired.
func TestConnParams_EveryConnection(t *testing.T) {
	s := createTestStore(t)
	s.db.SetConnMaxLifetime(time.Nanosecond)
	time.Sleep(time.Millisecond)

	want := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for pragma, value := range want {
		var got string
		if err := s.db.QueryRow("PRAGMA " + pragma).Scan(&got); err != nil {
			t.Fatalf("PRAGMA %s: %v", pragma, err)
		}
		if got != value {
			t.Errorf("PRAGMA %s = %q, want %q", pragma, got, value)
		}
	}
}

func TestSchema_Columns(t *testing.T) {
	s := createTestStore(t)

	want := map[string][]string{
		"entities":   {"entity_key", "initialized_at", "connection_status", "version", "updated_at"},
		"timers":     {"id", "fire_at", "entity_key", "operation", "args", "created_by_key", "created_by_version"},
		"inbox":      {"id", "entity_key", "operation", "args", "timer_id", "enqueued_at"},
		"operations": {"entity_key", "version", "operation_id", "operation", "args", "source", "committed_at"},
	}
	for table, cols := range want {
		have := queryNames(t, s.db, "SELECT name FROM pragma_table_info(?)", table)
		for _, col := range cols {
			if !slices.Contains(have, col) {
				t.Errorf("%s.%s missing, have %v", table, col, have)
			}
		}
	}
}

func TestSchema_StatusRequiresInitialization(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO entities (entity_key, initialized_at, connection_status, version, updated_at)
		VALUES ('k1', NULL, 'Connected', 1, 0)`)
	if err == nil {
		t.Error("Connected row without initialized_at was accepted")
	}
}

func TestSchema_InboxTimerUnique(t *testing.T) {
	s := createTestStore(t)

	const insert = `INSERT INTO inbox (entity_key, operation, args, timer_id, enqueued_at)
		VALUES ('k1', 'HealthCheck', '{}', 't1', 0)`
	if _, err := s.db.Exec(insert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.db.Exec(insert); err == nil {
		t.Error("second inbox row for timer t1 was accepted")
	}
}

func TestMigrations_Ordered(t *testing.T) {
	for i, m := range migrations {
		if m.version != i+1 {
			t.Errorf("migrations[%d].version = %d, want %d", i, m.version, i+1)
		}
		if m.name == "" || m.stmt == "" {
			t.Errorf("migrations[%d] is incomplete", i)
		}
	}
	if v := userVersion(t, createTestStore(t).db); v != currentSchemaVersion {
		t.Errorf("fresh database user_version = %d, want %d", v, currentSchemaVersion)
	}
}

func TestMigrate_UpgradesVersionZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.db")

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	db.Close()

	s := reopen(t, path)

	if idx := timerIndexes(t, s); !slices.Contains(idx, "idx_timers_entity_key") {
		t.Errorf("timer indexes after upgrade = %v", idx)
	}
	if v := userVersion(t, s.db); v != currentSchemaVersion {
		t.Errorf("user_version after upgrade = %d, want %d", v, currentSchemaVersion)
	}
}

func TestMigrate_SkipsCurrentDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	if _, err := s.db.Exec("DROP INDEX idx_timers_entity_key"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	s.Close()

	s = reopen(t, path)

	if slices.Contains(timerIndexes(t, s), "idx_timers_entity_key") {
		t.Error("migration ran again on a current database")
	}
}
