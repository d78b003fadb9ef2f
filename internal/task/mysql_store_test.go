package task

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	driver "github.com/go-sql-driver/mysql"
)

var taskColumns = []string{"id", "request", "status", "attempts", "max_retries", "last_error", "error_code", "outcome", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return newMySQLStore(db), mock
}

func TestMySQLStoreCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO task_states").
		WithArgs("t-1", "check balance", "pending", 0, 3, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO task_states").
		WillReturnError(&driver.MySQLError{Number: 1062, Message: "Duplicate entry"})

	if err := store.Create(context.Background(), &Task{ID: "t-1", Request: "check balance", MaxRetries: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(context.Background(), &Task{ID: "t-1", Request: "check balance", MaxRetries: 3})
	if !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE task_states SET status = ?, attempts = attempts + 1")).
		WithArgs("running", sqlmock.AnyArg(), "t-1", "pending", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(selectTaskColumns + " WHERE id = ?")).
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows(taskColumns).
			AddRow("t-1", "check balance", "running", 1, 3, "", "", nil, int64(10), int64(11)))

	task, err := store.Claim(ctx, "t-1", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != StatusRunning || task.Attempts != 1 || task.Outcome != nil {
		t.Fatalf("unexpected task: %+v", task)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE task_states SET status = ?, attempts = attempts + 1")).
		WithArgs("running", sqlmock.AnyArg(), "t-2", "pending", 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(selectTaskColumns + " WHERE id = ?")).
		WithArgs("t-2").
		WillReturnRows(sqlmock.NewRows(taskColumns).
			AddRow("t-2", "send", "succeeded", 1, 3, nil, nil, `{"session_id":"s-9","accepted":true,"score":95}`, int64(10), int64(12)))

	task, err = store.Claim(ctx, "t-2", 0)
	if !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	if task.Outcome == nil || task.Outcome.SessionID != "s-9" || task.Outcome.Score != 95 {
		t.Fatalf("outcome not decoded: %+v", task.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreMarkFailedRequeues(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE task_states SET status = ?, last_error = ?, error_code = ?, outcome = COALESCE(?, outcome)")).
		WithArgs("pending", "provider exited", string(CodeTaskProcessing), nil, sqlmock.AnyArg(), "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE task_states SET status = ?, outcome = ?")).
		WithArgs("succeeded", `{"session_id":"s-1","accepted":true,"state":"accepted","score":100,"attempts":1,"plans":1,"rationale":"","message":"","steps":0,"succeeded":0,"duration_ms":0}`, sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := store.MarkFailed(ctx, "t-1", CodeTaskProcessing, "provider exited", nil, false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	err := store.MarkSucceeded(ctx, "missing", &OutcomeSummary{SessionID: "s-1", Accepted: true, State: "accepted", Score: 100, Attempts: 1, Plans: 1})
	if !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreListAndStats(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(selectTaskColumns + " WHERE status IN (?) AND (id LIKE ? OR request LIKE ? OR last_error LIKE ?) ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs("failed", "%bob%", "%bob%", "%bob%", 5, 0).
		WillReturnRows(sqlmock.NewRows(taskColumns).
			AddRow("t-3", "send 1 eth to bob", "failed", 3, 3, "boom", "TASK_RETRIES_EXHAUSTED", nil, int64(1), int64(2)))

	tasks, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed, "bogus"), WithQuery(" bob "), WithLimit(5)}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ErrorCode != "TASK_RETRIES_EXHAUSTED" || tasks[0].LastError != "boom" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) AS total")).
		WithArgs("pending", "running", "succeeded", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"}).
			AddRow(4, 1, 1, 1, 1, int64(100), int64(200)))

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Running != 1 || stats.OldestUpdatedAt != 100 || stats.NewestUpdatedAt != 200 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLStoreFiltersBySessionOutcome(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	outcome := `{"session_id":"s-1","accepted":true,"state":"accepted","score":90}`
	mock.ExpectQuery(regexp.QuoteMeta(selectTaskColumns + " WHERE updated_at >= ? AND JSON_UNQUOTE(JSON_EXTRACT(outcome, '$.state')) IN (?) AND CAST(JSON_EXTRACT(outcome, '$.score') AS SIGNED) >= ? ORDER BY")).
		WithArgs(int64(50), "accepted", 60, 20, 0).
		WillReturnRows(sqlmock.NewRows(taskColumns).
			AddRow("t-1", "check balance", "succeeded", 1, 3, "", "", outcome, int64(10), int64(60)))

	tasks, err := store.List(ctx, buildListOptions([]ListOption{
		WithUpdatedSince(time.Unix(50, 0)),
		WithOutcomeStates("ACCEPTED"),
		WithMinScore(60),
	}))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Outcome == nil || tasks[0].Outcome.Score != 90 {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
