package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a file record does not exist.
var ErrNotFound = errors.New("file record not found")

// File statuses.
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// validTransitions encodes the file-record state machine. Transitions
// are monotonic: a terminal record never reopens.
var validTransitions = map[string][]string{
	FileStatusPending:    {FileStatusProcessing, FileStatusFailed},
	FileStatusProcessing: {FileStatusProcessing, FileStatusCompleted, FileStatusFailed},
}

// FileRecord is the identity of one ingested file. JobID pairs 1:1
// with the record and doubles as the queue taskId.
type FileRecord struct {
	ID               string     `json:"fileId"`
	JobID            string     `json:"jobId"`
	OriginalFileName string     `json:"originalFileName"`
	StoredPath       string     `json:"-"`
	FileSize         int64      `json:"fileSize"`
	FileType         string     `json:"fileType"`
	MimeType         string     `json:"mimeType,omitempty"`
	Status           string     `json:"status"`
	TotalRows        *int       `json:"totalRows,omitempty"`
	CleanedRows      *int       `json:"cleanedRows,omitempty"`
	ExceptionRows    *int       `json:"exceptionRows,omitempty"`
	ProcessingTimeMS *int64     `json:"processingTime,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	UploadedAt       time.Time  `json:"uploadedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
}

// FileRepo persists file records in Postgres.
type FileRepo struct{ db *sql.DB }

// NewFileRepo creates a Postgres-backed file record repository.
func NewFileRepo(db *sql.DB) *FileRepo { return &FileRepo{db: db} }

// Create inserts a new pending record. Missing IDs are generated.
func (r *FileRepo) Create(ctx context.Context, rec *FileRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.JobID == "" {
		rec.JobID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = FileStatusPending
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO file_record
			(id, job_id, original_file_name, stored_path, file_size, file_type,
			 mime_type, status, total_rows, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ID, rec.JobID, rec.OriginalFileName, rec.StoredPath, rec.FileSize,
		rec.FileType, rec.MimeType, rec.Status, rec.TotalRows, rec.UploadedAt)
	if err != nil {
		return fmt.Errorf("create file record: %w", err)
	}
	return nil
}

const fileRecordColumns = `
	id, job_id, original_file_name, stored_path, file_size, file_type,
	mime_type, status, total_rows, cleaned_rows, exception_rows,
	processing_time_ms, error_message, uploaded_at, completed_at`

func scanFileRecord(scanner interface{ Scan(...interface{}) error }) (*FileRecord, error) {
	rec := &FileRecord{}
	err := scanner.Scan(
		&rec.ID, &rec.JobID, &rec.OriginalFileName, &rec.StoredPath,
		&rec.FileSize, &rec.FileType, &rec.MimeType, &rec.Status,
		&rec.TotalRows, &rec.CleanedRows, &rec.ExceptionRows,
		&rec.ProcessingTimeMS, &rec.ErrorMessage, &rec.UploadedAt, &rec.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file record: %w", err)
	}
	return rec, nil
}

// GetByJobID fetches the record owning jobId.
func (r *FileRepo) GetByJobID(ctx context.Context, jobID string) (*FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+fileRecordColumns+` FROM file_record WHERE job_id = $1`, jobID)
	return scanFileRecord(row)
}

// GetByID fetches the record by its fileId.
func (r *FileRepo) GetByID(ctx context.Context, id string) (*FileRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+fileRecordColumns+` FROM file_record WHERE id = $1`, id)
	return scanFileRecord(row)
}

// ListFilter narrows the file listing.
type ListFilter struct {
	Status    string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	PageSize  int
}

// List returns records newest-first, filtered and paginated.
func (r *FileRepo) List(ctx context.Context, f ListFilter) ([]FileRecord, int, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := f.Page
	if page < 1 {
		page = 1
	}

	where := ""
	var args []interface{}
	addClause := func(cond string, arg interface{}) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		args = append(args, arg)
		where += fmt.Sprintf(cond, len(args))
	}
	if f.Status != "" {
		addClause("status = $%d", f.Status)
	}
	if f.StartDate != nil {
		addClause("uploaded_at >= $%d", *f.StartDate)
	}
	if f.EndDate != nil {
		addClause("uploaded_at <= $%d", *f.EndDate)
	}

	countQ := `SELECT COUNT(*) FROM file_record` + where
	listQ := `SELECT` + fileRecordColumns + ` FROM file_record` + where

	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count file records: %w", err)
	}

	listQ += fmt.Sprintf(` ORDER BY uploaded_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryContext(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

// TransitionStatus moves a record through the state machine. The WHERE
// clause enforces monotonicity: a concurrent terminal write wins.
func (r *FileRepo) TransitionStatus(ctx context.Context, jobID, from, to string) error {
	allowed := false
	for _, next := range validTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid status transition %s -> %s", from, to)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE file_record SET status = $1 WHERE job_id = $2 AND status = $3`,
		to, jobID, from)
	if err != nil {
		return fmt.Errorf("transition file record %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted finalizes a record with its terminal counters.
func (r *FileRepo) MarkCompleted(ctx context.Context, jobID string, totalRows, cleanedRows, exceptionRows int, processingTime time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE file_record
		SET status = $1, total_rows = $2, cleaned_rows = $3, exception_rows = $4,
		    processing_time_ms = $5, completed_at = NOW()
		WHERE job_id = $6 AND status = $7
	`, FileStatusCompleted, totalRows, cleanedRows, exceptionRows,
		processingTime.Milliseconds(), jobID, FileStatusProcessing)
	if err != nil {
		return fmt.Errorf("complete file record %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed finalizes a record with an error message.
func (r *FileRepo) MarkFailed(ctx context.Context, jobID, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE file_record
		SET status = $1, error_message = $2, completed_at = NOW()
		WHERE job_id = $3 AND status IN ($4, $5)
	`, FileStatusFailed, errorMessage, jobID, FileStatusPending, FileStatusProcessing)
	if err != nil {
		return fmt.Errorf("fail file record %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTotalRows records the row count discovered at parse time.
func (r *FileRepo) SetTotalRows(ctx context.Context, jobID string, totalRows int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE file_record SET total_rows = $1 WHERE job_id = $2`, totalRows, jobID)
	if err != nil {
		return fmt.Errorf("set total rows %s: %w", jobID, err)
	}
	return nil
}

// Delete removes a record and its result rows.
func (r *FileRepo) Delete(ctx context.Context, id string) (*FileRecord, error) {
	rec, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("delete file record: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM clean_data WHERE job_id = $1`,
		`DELETE FROM error_log WHERE job_id = $1`,
		`DELETE FROM file_record WHERE job_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, rec.JobID); err != nil {
			return nil, fmt.Errorf("delete file record %s: %w", rec.JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("delete file record %s: %w", rec.JobID, err)
	}
	return rec, nil
}
