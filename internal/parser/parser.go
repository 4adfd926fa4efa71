package parser

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
)

// =============================================================================
// STREAMING PARSER - lazy row sequences from XLSX/XLS/CSV files
// =============================================================================
// Memory bound is O(one row): rows flow through a bounded channel and
// the whole file is never materialized. The header vector is produced
// exactly once from the first non-empty row; data rows are 1-based.

var (
	ErrFileUnreadable     = errors.New("file unreadable")
	ErrUnsupportedFormat  = errors.New("unsupported file format")
	ErrCorruptedStructure = errors.New("corrupted file structure")
	ErrEmptyFile          = errors.New("file is empty")
)

// Supported file types.
const (
	FileTypeXLSX = "xlsx"
	FileTypeXLS  = "xls"
	FileTypeCSV  = "csv"
)

// rowChannelCapacity bounds the parser-to-processor channel; a full
// channel pauses the file read.
const rowChannelCapacity = 256

// Row is one parsed data row. Number is 1-based over data rows (the
// header is row 0). ParseErr carries a row-level structural problem
// (e.g. field count mismatch) that classifies the row as an exception
// without failing the job.
type Row struct {
	Number   int
	Fields   map[string]string
	ParseErr string
}

// RowStream is a lazy sequence of rows with a stable header vector.
type RowStream struct {
	Headers []string
	Rows    <-chan Row

	mu  sync.Mutex
	err error
}

// Err reports the fatal parse error, if any, after Rows is drained.
func (s *RowStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *RowStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// DetectType maps a filename extension to a file type.
func DetectType(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return FileTypeXLSX, nil
	case ".xls":
		return FileTypeXLS, nil
	case ".csv":
		return FileTypeCSV, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Parse opens path and returns a row stream for the given file type.
// The returned stream's channel is fed by a background goroutine that
// stops when ctx is cancelled.
func Parse(ctx context.Context, path, fileType string) (*RowStream, error) {
	switch fileType {
	case FileTypeCSV:
		return parseCSV(ctx, path)
	case FileTypeXLSX, FileTypeXLS:
		// Legacy .xls uploads are accepted at the boundary; files that
		// are not actually OOXML surface ErrUnsupportedFormat here.
		return parseXLSX(ctx, path)
	default:
		return nil, ErrUnsupportedFormat
	}
}

// CountRows scans the file and returns the number of data rows. Used
// by the upload path to report totalRows before the job runs.
func CountRows(ctx context.Context, path, fileType string) (int, error) {
	stream, err := Parse(ctx, path, fileType)
	if err != nil {
		return 0, err
	}
	count := 0
	for range stream.Rows {
		count++
	}
	if err := stream.Err(); err != nil {
		return 0, err
	}
	return count, nil
}

// rowFromRecord zips the header vector with a record. Missing trailing
// cells are emitted as absent; extra cells beyond the header are a
// structural mismatch handled by the caller.
func rowFromRecord(headers, record []string) map[string]string {
	fields := make(map[string]string, len(headers))
	for i, header := range headers {
		if i < len(record) {
			fields[header] = record[i]
		}
	}
	return fields
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
