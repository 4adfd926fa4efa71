package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ignite/datacleanse/internal/storage"
)

// =============================================================================
// XLSX EXPORT TESTS
// =============================================================================

func setupExporter(t *testing.T) (*Exporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewExporter(storage.NewPersister(db, 1, time.Millisecond)), mock
}

func readSheet(t *testing.T, buf *bytes.Buffer) [][]string {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Sheet1")
	require.NoError(t, err)
	return rows
}

func TestWriteClean(t *testing.T) {
	exp, mock := setupExporter(t)

	mock.ExpectQuery("SELECT COUNT(.+) FROM clean_data").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT row_number, fields FROM clean_data").
		WithArgs("job-1", 1000, 0).
		WillReturnRows(sqlmock.NewRows([]string{"row_number", "fields"}).
			AddRow(1, []byte(`{"name":"张三","phone":"13812345678"}`)).
			AddRow(2, []byte(`{"name":"李四","phone":"13987654321"}`)))

	var buf bytes.Buffer
	require.NoError(t, exp.WriteClean(context.Background(), "job-1", &buf))

	rows := readSheet(t, &buf)
	require.Len(t, rows, 3)
	// Columns come out in sorted field order after rowNumber.
	assert.Equal(t, []string{"rowNumber", "name", "phone"}, rows[0])
	assert.Equal(t, []string{"1", "张三", "13812345678"}, rows[1])
	assert.Equal(t, []string{"2", "李四", "13987654321"}, rows[2])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteClean_EmptyJob(t *testing.T) {
	exp, mock := setupExporter(t)

	mock.ExpectQuery("SELECT COUNT(.+) FROM clean_data").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT row_number, fields FROM clean_data").
		WillReturnRows(sqlmock.NewRows([]string{"row_number", "fields"}))

	var buf bytes.Buffer
	require.NoError(t, exp.WriteClean(context.Background(), "job-1", &buf))

	rows := readSheet(t, &buf)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"rowNumber"}, rows[0])
}

func TestWriteExceptions(t *testing.T) {
	exp, mock := setupExporter(t)

	errs := `[{"field":"phone","ruleName":"phone_format","errorMessage":"手机号格式不正确","originalValue":"123"}]`
	mock.ExpectQuery("SELECT COUNT(.+) FROM error_log").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT row_number, original_data, errors FROM error_log").
		WithArgs("job-1", 1000, 0).
		WillReturnRows(sqlmock.NewRows([]string{"row_number", "original_data", "errors"}).
			AddRow(3, []byte(`{"name":"王五","phone":"123"}`), []byte(errs)))

	var buf bytes.Buffer
	require.NoError(t, exp.WriteExceptions(context.Background(), "job-1", &buf))

	rows := readSheet(t, &buf)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"rowNumber", "name", "phone", "errors"}, rows[0])
	assert.Equal(t, []string{"3", "王五", "123", "phone[phone_format]: 手机号格式不正确"}, rows[1])

	assert.NoError(t, mock.ExpectationsWereMet())
}
