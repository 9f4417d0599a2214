package mysql

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"MetaPilot/internal/operation"
)

func newMockRepository(t *testing.T) (*OperationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewOperationRepositoryWithDB(db)
	repo.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return repo, mock
}

func snapshotPayload(t *testing.T, s operation.Snapshot) []byte {
	t.Helper()
	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestOperationRepositorySaveUpserts(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO operations")).
		WithArgs("op-1", "yield_optimization", "running", 0.1, 0, sqlmock.AnyArg(), "", int64(1_700_000_000), int64(1_700_000_000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	snapshot := &operation.Snapshot{ID: "op-1", Type: "yield_optimization", Status: operation.StatusRunning, Progress: 0.1}
	if err := repo.Save(context.Background(), snapshot); err != nil {
		t.Fatalf("save: %v", err)
	}
	if snapshot.CreatedAt != 1_700_000_000 || snapshot.UpdatedAt != 1_700_000_000 {
		t.Fatalf("timestamps not stamped: %+v", snapshot)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOperationRepositoryGet(t *testing.T) {
	repo, mock := newMockRepository(t)
	payload := snapshotPayload(t, operation.Snapshot{
		ID:      "op-2",
		Type:    "nft_trading",
		Status:  operation.StatusCompletedWithErrors,
		Results: []operation.StepResult{{StepNumber: 1, AgentType: "nft", Success: true}},
		Errors:  []operation.StepError{{Step: 2, AgentType: "risk", Message: "rpc down"}},
	})
	mock.ExpectQuery(regexp.QuoteMeta("SELECT payload, created_at, updated_at FROM operations WHERE id = ?")).
		WithArgs("op-2").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "created_at", "updated_at"}).AddRow(payload, int64(10), int64(20)))

	got, err := repo.Get(context.Background(), "op-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != operation.StatusCompletedWithErrors || len(got.Errors) != 1 || got.Errors[0].Message != "rpc down" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.CreatedAt != 10 || got.UpdatedAt != 20 {
		t.Fatalf("column timestamps should win: %+v", got)
	}
}

func TestOperationRepositoryGetNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery("SELECT payload").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "created_at", "updated_at"}))

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, operation.ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestOperationRepositoryListBuildsFilters(t *testing.T) {
	repo, mock := newMockRepository(t)
	payload := snapshotPayload(t, operation.Snapshot{ID: "op-3", Type: "dao", Status: operation.StatusFailed})
	mock.ExpectQuery(regexp.QuoteMeta("FROM operations WHERE status IN (?, ?) AND operation_type = ? ORDER BY updated_at ASC")).
		WithArgs("failed", "completed", "dao", 5, 10).
		WillReturnRows(sqlmock.NewRows([]string{"payload", "created_at", "updated_at"}).AddRow(payload, int64(1), int64(2)))

	opts := operation.BuildListOptions([]operation.ListOption{
		operation.WithStatuses(operation.StatusFailed, operation.StatusCompleted, "bogus"),
		operation.WithType("dao"),
		operation.WithLimit(5),
		operation.WithOffset(10),
		operation.WithSortOrder(operation.SortByUpdatedAsc),
	})
	got, err := repo.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "op-3" {
		t.Fatalf("unexpected list %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS operations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).
		WithArgs("0001", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunMigrationsSkipsAppliedVersions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitSQLStatementsAndVersion(t *testing.T) {
	stmts := splitSQLStatements("CREATE TABLE a (id INT);\n\n;CREATE TABLE b (id INT);")
	if len(stmts) != 2 {
		t.Fatalf("unexpected statements %v", stmts)
	}
	if parseMigrationVersion("0002_add_index.sql") != "0002" || parseMigrationVersion("0003.sql") != "0003" {
		t.Fatalf("unexpected version parsing")
	}
}
