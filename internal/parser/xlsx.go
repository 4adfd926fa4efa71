package parser

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"
)

func parseXLSX(ctx context.Context, path string) (*RowStream, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, ErrEmptyFile
	}

	// First sheet only; additional sheets are ignored.
	iter, err := f.Rows(sheets[0])
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptedStructure, err)
	}

	// Header: first non-empty row.
	var headers []string
	for iter.Next() {
		record, err := iter.Columns()
		if err != nil {
			iter.Close()
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrCorruptedStructure, err)
		}
		if !isBlankRecord(record) {
			headers = record
			break
		}
	}
	if headers == nil {
		iter.Close()
		f.Close()
		return nil, ErrEmptyFile
	}

	rows := make(chan Row, rowChannelCapacity)
	stream := &RowStream{Headers: headers, Rows: rows}

	go func() {
		defer close(rows)
		defer f.Close()
		defer iter.Close()

		rowNumber := 0
		for iter.Next() {
			record, err := iter.Columns()
			if err != nil {
				rowNumber++
				row := Row{
					Number:   rowNumber,
					Fields:   map[string]string{},
					ParseErr: fmt.Sprintf("sheet read error: %v", err),
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
			if len(record) > len(headers) {
				row.ParseErr = fmt.Sprintf("field count mismatch: row has %d cells, header has %d",
					len(record), len(headers))
			}

			select {
			case rows <- row:
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
		if err := iter.Error(); err != nil {
			stream.setErr(fmt.Errorf("%w: %v", ErrCorruptedStructure, err))
		}
	}()

	return stream, nil
}
