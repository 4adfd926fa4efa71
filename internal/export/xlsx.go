package export

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/ignite/datacleanse/internal/storage"
)

// =============================================================================
// EXPORT - on-demand spreadsheet generation from persisted results
// =============================================================================
// Spreadsheets are built from clean_data / error_log pages through the
// stream writer, so export memory stays flat regardless of job size.

// fetchPageSize is the page size used when draining persisted rows.
const fetchPageSize = 1000

const sheetName = "Sheet1"

// Exporter serializes job results to XLSX.
type Exporter struct {
	persister *storage.Persister
}

func NewExporter(persister *storage.Persister) *Exporter {
	return &Exporter{persister: persister}
}

// WriteClean streams the clean dataset for jobID as an XLSX workbook.
// Columns are the union of field names, sorted for stability.
func (e *Exporter) WriteClean(ctx context.Context, jobID string, w io.Writer) error {
	// First page decides the column set.
	first, _, err := e.persister.FetchClean(ctx, jobID, 1, fetchPageSize)
	if err != nil {
		return err
	}
	columns := cleanColumns(first)

	f := excelize.NewFile()
	defer f.Close()
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("export clean: %w", err)
	}

	header := make([]interface{}, 0, len(columns)+1)
	header = append(header, "rowNumber")
	for _, col := range columns {
		header = append(header, col)
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("export clean header: %w", err)
	}

	line := 2
	for page := 1; ; page++ {
		var rows []storage.CleanRow
		if page == 1 {
			rows = first
		} else {
			rows, _, err = e.persister.FetchClean(ctx, jobID, page, fetchPageSize)
			if err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			cells := make([]interface{}, 0, len(columns)+1)
			cells = append(cells, row.RowNumber)
			for _, col := range columns {
				cells = append(cells, row.Fields[col])
			}
			cell, _ := excelize.CoordinatesToCellName(1, line)
			if err := sw.SetRow(cell, cells); err != nil {
				return fmt.Errorf("export clean row %d: %w", row.RowNumber, err)
			}
			line++
		}
		if len(rows) < fetchPageSize {
			break
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("export clean: %w", err)
	}
	return f.Write(w)
}

// WriteExceptions streams the exception dataset for jobID: original
// values plus one error summary column per row.
func (e *Exporter) WriteExceptions(ctx context.Context, jobID string, w io.Writer) error {
	first, _, err := e.persister.FetchExceptions(ctx, jobID, 1, fetchPageSize)
	if err != nil {
		return err
	}
	columns := exceptionColumns(first)

	f := excelize.NewFile()
	defer f.Close()
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("export exceptions: %w", err)
	}

	header := make([]interface{}, 0, len(columns)+2)
	header = append(header, "rowNumber")
	for _, col := range columns {
		header = append(header, col)
	}
	header = append(header, "errors")
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("export exceptions header: %w", err)
	}

	line := 2
	for page := 1; ; page++ {
		var rows []storage.ExceptionRow
		if page == 1 {
			rows = first
		} else {
			rows, _, err = e.persister.FetchExceptions(ctx, jobID, page, fetchPageSize)
			if err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			cells := make([]interface{}, 0, len(columns)+2)
			cells = append(cells, row.RowNumber)
			for _, col := range columns {
				cells = append(cells, row.OriginalData[col])
			}
			cells = append(cells, summarizeErrors(row))
			cell, _ := excelize.CoordinatesToCellName(1, line)
			if err := sw.SetRow(cell, cells); err != nil {
				return fmt.Errorf("export exception row %d: %w", row.RowNumber, err)
			}
			line++
		}
		if len(rows) < fetchPageSize {
			break
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("export exceptions: %w", err)
	}
	return f.Write(w)
}

func cleanColumns(rows []storage.CleanRow) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for field := range row.Fields {
			seen[field] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func exceptionColumns(rows []storage.ExceptionRow) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for field := range row.OriginalData {
			seen[field] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func summarizeErrors(row storage.ExceptionRow) string {
	out := ""
	for i, e := range row.Errors {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s[%s]: %s", e.Field, e.RuleName, e.ErrorMessage)
	}
	return out
}
