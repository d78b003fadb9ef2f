package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func sampleRecord(id string, createdAt int64) *SessionRecord {
	return &SessionRecord{
		SessionID: id,
		Request:   "check balance of 0xabc",
		Accepted:  true,
		State:     "accepted",
		Attempts:  1,
		Plans:     1,
		Score:     100,
		Rationale: "score 100/100 (coverage 100%, relevance 100%)",
		Results:   json.RawMessage(`[{"index":0}]`),
		CreatedAt: createdAt,
	}
}

func TestMemorySessionRepositoryPersists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewMemorySessionRepository(dir)
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		if err := repo.Save(ctx, sampleRecord(id, int64(100+i))); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	reloaded, err := NewMemorySessionRepository(dir)
	if err != nil {
		t.Fatalf("reload repo: %v", err)
	}
	records, err := reloaded.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].SessionID != "s-3" || records[1].SessionID != "s-2" {
		t.Fatalf("unexpected order: %s, %s", records[0].SessionID, records[1].SessionID)
	}

	got, err := reloaded.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Results) != `[{"index":0}]` {
		t.Fatalf("unexpected results payload: %s", got.Results)
	}
	if _, err := reloaded.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySessionRepositoryOrdersSameSecondByInsertion(t *testing.T) {
	repo, err := NewMemorySessionRepository(t.TempDir())
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	ctx := context.Background()
	_ = repo.Save(ctx, sampleRecord("first", 50))
	_ = repo.Save(ctx, sampleRecord("second", 50))

	records, _ := repo.ListRecent(ctx, 10)
	if len(records) != 2 || records[0].SessionID != "second" {
		t.Fatalf("expected latest write first, got %+v", records)
	}
}

func TestMemorySessionRepositoryRejectsMissingID(t *testing.T) {
	repo, err := NewMemorySessionRepository(t.TempDir())
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	if err := repo.Save(context.Background(), &SessionRecord{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}

func TestSQLiteSessionRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "history", "sessions.db")
	repo, err := NewSQLSessionRepository(ctx, Config{Dialect: DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite repo: %v", err)
	}
	defer repo.Close()

	record := sampleRecord("sqlite-1", 10)
	if err := repo.Save(ctx, record); err != nil {
		t.Fatalf("save: %v", err)
	}
	record.Accepted = false
	record.State = "failed"
	if err := repo.Save(ctx, record); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.Save(ctx, sampleRecord("sqlite-2", 20)); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, err := repo.Get(ctx, "sqlite-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Accepted || got.State != "failed" {
		t.Fatalf("expected upserted state, got %+v", got)
	}

	records, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 || records[0].SessionID != "sqlite-2" {
		t.Fatalf("unexpected listing: %+v", records)
	}
	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLSessionRepositorySaveMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := &SQLSessionRepository{db: db, dialect: DialectMySQL}
	record := sampleRecord("mysql-1", 42)
	mock.ExpectExec(regexp.QuoteMeta(upsertSessionMySQL)).
		WithArgs("mysql-1", record.Request, true, "accepted", 1, 1, 100, record.Rationale, `[{"index":0}]`, int64(42)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLSessionRepositoryListRecentMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	repo := &SQLSessionRepository{db: db, dialect: DialectMySQL}
	cols := []string{"session_id", "request", "accepted", "state", "attempts", "plans", "score", "rationale", "results", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta(selectSessionColumns + ` ORDER BY created_at DESC LIMIT ?`)).
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b", "req b", false, "failed", 3, 2, 40, "low", nil, int64(2)).
			AddRow("a", "req a", true, "accepted", 1, 1, 90, "ok", `[]`, int64(1)))

	records, err := repo.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Results != nil || string(records[1].Results) != "[]" {
		t.Fatalf("unexpected results columns: %q %q", records[0].Results, records[1].Results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMigrateAppliesPendingFiles(t *testing.T) {
	previous := embeddedMigrations
	embeddedMigrations = fstest.MapFS{
		"0001_sessions.sql": {Data: []byte("CREATE TABLE sessions (id INT);")},
		"0002_tasks.sql":    {Data: []byte("CREATE TABLE tasks (id INT);\nCREATE INDEX idx ON tasks (id);")},
		"README.md":         {Data: []byte("ignored")},
	}
	t.Cleanup(func() { embeddedMigrations = previous })

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE tasks (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX idx ON tasks (id)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("0002", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_sessions.sql": "0001",
		"0007.sql":          "0007",
		"plain":             "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}
