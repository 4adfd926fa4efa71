package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/datacleanse/internal/rules"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func fileRecordRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "job_id", "original_file_name", "stored_path", "file_size", "file_type",
		"mime_type", "status", "total_rows", "cleaned_rows", "exception_rows",
		"processing_time_ms", "error_message", "uploaded_at", "completed_at",
	})
}

// =============================================================================
// FILE RECORD REPOSITORY TESTS
// =============================================================================

func TestFileRepo_CreateGeneratesIdentity(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO file_record").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &FileRecord{
		OriginalFileName: "data.csv",
		StoredPath:       "/tmp/abc.csv",
		FileSize:         1024,
		FileType:         "csv",
	}
	repo := NewFileRepo(db)
	if err := repo.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" || rec.JobID == "" {
		t.Error("Create must generate missing ids")
	}
	if rec.Status != FileStatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
	if rec.UploadedAt.IsZero() {
		t.Error("UploadedAt must be set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFileRepo_GetByJobID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM file_record WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(fileRecordRows().AddRow(
			"id-1", "job-1", "data.csv", "/tmp/x.csv", int64(1024), "csv",
			"text/csv", FileStatusCompleted, 100, 90, nil, nil, nil, now, now,
		))

	repo := NewFileRepo(db)
	rec, err := repo.GetByJobID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetByJobID: %v", err)
	}
	if rec.ID != "id-1" || rec.Status != FileStatusCompleted {
		t.Errorf("record: %+v", rec)
	}
	if rec.TotalRows == nil || *rec.TotalRows != 100 {
		t.Errorf("totalRows: %v", rec.TotalRows)
	}
	if rec.ExceptionRows != nil {
		t.Error("absent counter must stay nil")
	}
}

func TestFileRepo_GetByJobID_NotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM file_record WHERE job_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	repo := NewFileRepo(db)
	if _, err := repo.GetByJobID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFileRepo_TransitionStatus(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewFileRepo(db)
	ctx := context.Background()

	// Illegal transitions are rejected before touching the database.
	if err := repo.TransitionStatus(ctx, "job-1", FileStatusCompleted, FileStatusProcessing); err == nil {
		t.Error("terminal record must not reopen")
	}
	if err := repo.TransitionStatus(ctx, "job-1", FileStatusPending, FileStatusCompleted); err == nil {
		t.Error("pending cannot jump straight to completed")
	}

	mock.ExpectExec("UPDATE file_record SET status").
		WithArgs(FileStatusProcessing, "job-1", FileStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.TransitionStatus(ctx, "job-1", FileStatusPending, FileStatusProcessing); err != nil {
		t.Fatalf("TransitionStatus: %v", err)
	}

	// Zero rows affected means the guard lost a race or the row is gone.
	mock.ExpectExec("UPDATE file_record SET status").
		WithArgs(FileStatusProcessing, "job-2", FileStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := repo.TransitionStatus(ctx, "job-2", FileStatusPending, FileStatusProcessing); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFileRepo_MarkCompleted(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE file_record").
		WithArgs(FileStatusCompleted, 100, 90, 10, int64(1500), "job-1", FileStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewFileRepo(db)
	err := repo.MarkCompleted(context.Background(), "job-1", 100, 90, 10, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	// Completion requires the record to still be processing.
	mock.ExpectExec("UPDATE file_record").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = repo.MarkCompleted(context.Background(), "job-1", 100, 90, 10, time.Second)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFileRepo_MarkFailed(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE file_record").
		WithArgs(FileStatusFailed, "parse blew up", "job-1", FileStatusPending, FileStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewFileRepo(db)
	if err := repo.MarkFailed(context.Background(), "job-1", "parse blew up"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
}

func TestFileRepo_List(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(FileStatusCompleted).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM file_record WHERE status").
		WithArgs(FileStatusCompleted, 20, 0).
		WillReturnRows(fileRecordRows().AddRow(
			"id-1", "job-1", "data.csv", "/tmp/x.csv", int64(1024), "csv",
			"text/csv", FileStatusCompleted, nil, nil, nil, nil, nil, now, nil,
		))

	repo := NewFileRepo(db)
	records, total, err := repo.List(context.Background(), ListFilter{Status: FileStatusCompleted})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 1 || len(records) != 1 {
		t.Errorf("total=%d len=%d", total, len(records))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFileRepo_ListDateRange(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 31, 23, 59, 59, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT (.+) FROM file_record WHERE uploaded_at").
		WithArgs(start, end, 10, 10).
		WillReturnRows(fileRecordRows())

	repo := NewFileRepo(db)
	_, total, err := repo.List(context.Background(), ListFilter{
		StartDate: &start,
		EndDate:   &end,
		Page:      2,
		PageSize:  10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFileRepo_Delete(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM file_record WHERE id").
		WithArgs("id-1").
		WillReturnRows(fileRecordRows().AddRow(
			"id-1", "job-1", "data.csv", "/tmp/x.csv", int64(1024), "csv",
			"text/csv", FileStatusCompleted, nil, nil, nil, nil, nil, now, nil,
		))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM clean_data").WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("DELETE FROM error_log").WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM file_record").WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewFileRepo(db)
	rec, err := repo.Delete(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rec.StoredPath != "/tmp/x.csv" {
		t.Errorf("deleted record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// =============================================================================
// BATCH PERSISTER TESTS
// =============================================================================

func cleanOutcome(rowNumber int) rules.RowOutcome {
	return rules.RowOutcome{
		RowNumber: rowNumber,
		Clean:     true,
		Fields:    map[string]string{"phone": "13812345678"},
	}
}

func exceptionOutcome(rowNumber int) rules.RowOutcome {
	return rules.RowOutcome{
		RowNumber: rowNumber,
		Original:  map[string]string{"phone": "bogus"},
		Errors: []rules.RowError{{
			Field: "phone", RuleName: "phone_check", ErrorMessage: "invalid", OriginalValue: "bogus",
		}},
	}
}

func TestPersister_PersistClean(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO clean_data (.+) ON CONFLICT \(job_id, row_number\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	p := NewPersister(db, 3, time.Millisecond)
	batch := []rules.RowOutcome{cleanOutcome(1), cleanOutcome(2)}
	if err := p.PersistClean(context.Background(), "job-1", batch); err != nil {
		t.Fatalf("PersistClean: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPersister_EmptyBatchIsNoop(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	p := NewPersister(db, 3, time.Millisecond)
	if err := p.PersistClean(context.Background(), "job-1", nil); err != nil {
		t.Errorf("empty clean batch: %v", err)
	}
	if err := p.PersistExceptions(context.Background(), "job-1", nil); err != nil {
		t.Errorf("empty exception batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPersister_RetriesTransientFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO error_log").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec("INSERT INTO error_log").
		WillReturnResult(sqlmock.NewResult(0, 1))

	p := NewPersister(db, 3, time.Millisecond)
	err := p.PersistExceptions(context.Background(), "job-1", []rules.RowOutcome{exceptionOutcome(1)})
	if err != nil {
		t.Fatalf("PersistExceptions should succeed on retry: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPersister_ExhaustsRetries(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO clean_data").
			WillReturnError(errors.New("still down"))
	}

	p := NewPersister(db, 2, time.Millisecond)
	err := p.PersistClean(context.Background(), "job-1", []rules.RowOutcome{cleanOutcome(1)})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "still down") {
		t.Errorf("exhaustion error must wrap the last failure: %v", err)
	}
}

func TestPersister_FetchClean(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT(.+) FROM clean_data").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT row_number, fields FROM clean_data").
		WithArgs("job-1", 100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"row_number", "fields"}).
			AddRow(1, []byte(`{"phone":"13812345678"}`)).
			AddRow(2, []byte(`{"phone":"13987654321"}`)))

	p := NewPersister(db, 3, time.Millisecond)
	rowsOut, total, err := p.FetchClean(context.Background(), "job-1", 1, 100)
	if err != nil {
		t.Fatalf("FetchClean: %v", err)
	}
	if total != 2 || len(rowsOut) != 2 {
		t.Fatalf("total=%d len=%d", total, len(rowsOut))
	}
	if rowsOut[0].Fields["phone"] != "13812345678" {
		t.Errorf("row 1: %+v", rowsOut[0])
	}
}

func TestPersister_FetchExceptions(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT COUNT(.+) FROM error_log").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT row_number, original_data, errors FROM error_log").
		WithArgs("job-1", 100, 0).
		WillReturnRows(sqlmock.NewRows([]string{"row_number", "original_data", "errors"}).
			AddRow(3, []byte(`{"phone":"bogus"}`), []byte(`[{"field":"phone","ruleName":"phone_check","errorMessage":"invalid","originalValue":"bogus"}]`)))

	p := NewPersister(db, 3, time.Millisecond)
	rowsOut, total, err := p.FetchExceptions(context.Background(), "job-1", 1, 100)
	if err != nil {
		t.Fatalf("FetchExceptions: %v", err)
	}
	if total != 1 || len(rowsOut) != 1 {
		t.Fatalf("total=%d len=%d", total, len(rowsOut))
	}
	if rowsOut[0].Errors[0].RuleName != "phone_check" {
		t.Errorf("exception row: %+v", rowsOut[0])
	}
}

// =============================================================================
// FILE STORE TESTS
// =============================================================================

func TestFileStore_SaveAndRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "uploads")
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	path, written, err := fs.Save(strings.NewReader("name,phone\n"), ".csv")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if written != int64(len("name,phone\n")) {
		t.Errorf("written = %d", written)
	}
	if filepath.Ext(path) != ".csv" || filepath.Dir(path) != dir {
		t.Errorf("stored path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "name,phone\n" {
		t.Errorf("stored content: %q, %v", data, err)
	}

	if err := fs.Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file should be gone")
	}
	// Second remove is tolerated.
	if err := fs.Remove(path); err != nil {
		t.Errorf("Remove of missing file: %v", err)
	}
}
