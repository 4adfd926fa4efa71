package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
)

// utf8BOM is tolerated (and stripped) at the start of CSV input.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func parseCSV(ctx context.Context, path string) (*RowStream, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileUnreadable, err)
	}

	bufReader := bufio.NewReaderSize(file, 1024*1024)
	if peeked, err := bufReader.Peek(3); err == nil && string(peeked) == string(utf8BOM) {
		bufReader.Discard(3)
	}

	csvReader := csv.NewReader(bufReader)
	csvReader.FieldsPerRecord = -1 // mismatches become row-level errors
	csvReader.LazyQuotes = true
	csvReader.TrimLeadingSpace = true

	// Header: first non-empty row.
	var headers []string
	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			file.Close()
			return nil, ErrEmptyFile
		}
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: %v", ErrCorruptedStructure, err)
		}
		if !isBlankRecord(record) {
			headers = record
			break
		}
	}

	rows := make(chan Row, rowChannelCapacity)
	stream := &RowStream{Headers: headers, Rows: rows}

	go func() {
		defer close(rows)
		defer file.Close()

		rowNumber := 0
		for {
			record, err := csvReader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				// Malformed line: attach the error to the row, keep going.
				rowNumber++
				row := Row{
					Number:   rowNumber,
					Fields:   map[string]string{},
					ParseErr: fmt.Sprintf("csv parse error: %v", err),
				}
				select {
				case rows <- row:
				case <-ctx.Done():
					stream.setErr(ctx.Err())
					return
				}
				continue
			}
			if isBlankRecord(record) {
				continue
			}

			rowNumber++
			row := Row{Number: rowNumber, Fields: rowFromRecord(headers, record)}
			if len(record) != len(headers) {
				row.ParseErr = fmt.Sprintf("field count mismatch: row has %d fields, header has %d",
					len(record), len(headers))
			}

			select {
			case rows <- row:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
	}()

	return stream, nil
}
