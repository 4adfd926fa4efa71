package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/datacleanse/internal/rules"
)

// =============================================================================
// BATCH PERSISTER - idempotent batch writes of processing outcomes
// =============================================================================
// Each batch is one multi-row INSERT with ON CONFLICT DO NOTHING on the
// (job_id, row_number) key, so a retried task re-writes its rows without
// duplicates. Transient write failures retry with exponential backoff;
// exhaustion surfaces to the consumer as a fatal job error.

// Persister writes clean and exception batches.
type Persister struct {
	db          *sql.DB
	maxRetries  int
	baseBackoff time.Duration
}

// NewPersister creates a batch persister. maxRetries counts attempts
// after the first; zero values get working defaults.
func NewPersister(db *sql.DB, maxRetries int, baseBackoff time.Duration) *Persister {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	return &Persister{db: db, maxRetries: maxRetries, baseBackoff: baseBackoff}
}

// PersistClean writes a batch of clean rows for jobID.
func (p *Persister) PersistClean(ctx context.Context, jobID string, batch []rules.RowOutcome) error {
	if len(batch) == 0 {
		return nil
	}
	return p.withRetry(ctx, "clean batch", func() error {
		return p.insertClean(ctx, jobID, batch)
	})
}

// PersistExceptions writes a batch of exception rows for jobID.
func (p *Persister) PersistExceptions(ctx context.Context, jobID string, batch []rules.RowOutcome) error {
	if len(batch) == 0 {
		return nil
	}
	return p.withRetry(ctx, "exception batch", func() error {
		return p.insertExceptions(ctx, jobID, batch)
	})
}

func (p *Persister) insertClean(ctx context.Context, jobID string, batch []rules.RowOutcome) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO clean_data (job_id, row_number, fields) VALUES `)
	args := make([]interface{}, 0, len(batch)*3)
	for i, outcome := range batch {
		fields, err := json.Marshal(outcome.Fields)
		if err != nil {
			return fmt.Errorf("marshal clean row %d: %w", outcome.RowNumber, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, jobID, outcome.RowNumber, fields)
	}
	sb.WriteString(` ON CONFLICT (job_id, row_number) DO NOTHING`)

	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert clean batch: %w", err)
	}
	return nil
}

func (p *Persister) insertExceptions(ctx context.Context, jobID string, batch []rules.RowOutcome) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO error_log (job_id, row_number, original_data, errors) VALUES `)
	args := make([]interface{}, 0, len(batch)*4)
	for i, outcome := range batch {
		original, err := json.Marshal(outcome.Original)
		if err != nil {
			return fmt.Errorf("marshal exception row %d: %w", outcome.RowNumber, err)
		}
		errs, err := json.Marshal(outcome.Errors)
		if err != nil {
			return fmt.Errorf("marshal exception row %d errors: %w", outcome.RowNumber, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d)", i*4+1, i*4+2, i*4+3, i*4+4)
		args = append(args, jobID, outcome.RowNumber, original, errs)
	}
	sb.WriteString(` ON CONFLICT (job_id, row_number) DO NOTHING`)

	if _, err := p.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert exception batch: %w", err)
	}
	return nil
}

func (p *Persister) withRetry(ctx context.Context, what string, write func() error) error {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			delay := p.baseBackoff << uint(attempt-1)
			log.Printf("[Persister] Retrying %s write (attempt %d/%d) after %s: %v",
				what, attempt, p.maxRetries, delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = write(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("persist %s exhausted %d retries: %w", what, p.maxRetries, lastErr)
}

// CleanRow is one persisted clean row.
type CleanRow struct {
	RowNumber int               `json:"rowNumber"`
	Fields    map[string]string `json:"fields"`
}

// ExceptionRow is one persisted exception row.
type ExceptionRow struct {
	RowNumber    int               `json:"rowNumber"`
	OriginalData map[string]string `json:"originalData"`
	Errors       []rules.RowError  `json:"errors"`
}

// FetchClean returns a page of clean rows ordered by row number.
func (p *Persister) FetchClean(ctx context.Context, jobID string, page, pageSize int) ([]CleanRow, int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if page < 1 {
		page = 1
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clean_data WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count clean rows: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT row_number, fields FROM clean_data
		WHERE job_id = $1 ORDER BY row_number LIMIT $2 OFFSET $3
	`, jobID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch clean rows: %w", err)
	}
	defer rows.Close()

	var out []CleanRow
	for rows.Next() {
		var row CleanRow
		var fields []byte
		if err := rows.Scan(&row.RowNumber, &fields); err != nil {
			return nil, 0, fmt.Errorf("scan clean row: %w", err)
		}
		if err := json.Unmarshal(fields, &row.Fields); err != nil {
			return nil, 0, fmt.Errorf("unmarshal clean row %d: %w", row.RowNumber, err)
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}

// FetchExceptions returns a page of exception rows ordered by row number.
func (p *Persister) FetchExceptions(ctx context.Context, jobID string, page, pageSize int) ([]ExceptionRow, int, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	if page < 1 {
		page = 1
	}

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM error_log WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count exception rows: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT row_number, original_data, errors FROM error_log
		WHERE job_id = $1 ORDER BY row_number LIMIT $2 OFFSET $3
	`, jobID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch exception rows: %w", err)
	}
	defer rows.Close()

	var out []ExceptionRow
	for rows.Next() {
		var row ExceptionRow
		var original, errs []byte
		if err := rows.Scan(&row.RowNumber, &original, &errs); err != nil {
			return nil, 0, fmt.Errorf("scan exception row: %w", err)
		}
		if err := json.Unmarshal(original, &row.OriginalData); err != nil {
			return nil, 0, fmt.Errorf("unmarshal exception row %d: %w", row.RowNumber, err)
		}
		if err := json.Unmarshal(errs, &row.Errors); err != nil {
			return nil, 0, fmt.Errorf("unmarshal exception row %d errors: %w", row.RowNumber, err)
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}
