package ingest

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"campaignmailer/internal/apperr"
	"campaignmailer/internal/model"
)

func TestFill(t *testing.T) {
	row := model.Row{"name": "Ada", "email": "a@x.com"}
	assert.Equal(t, "Hi Ada", Fill("Hi {{name}}", row))
	assert.Equal(t, "Hi Ada <a@x.com>", Fill("Hi {{ NAME }} <{{email}}>", row))
	assert.Equal(t, "Hi ", Fill("Hi {{name}}", model.Row{"email": "a@x.com"}))
	assert.Equal(t, "no placeholders", Fill("no placeholders", row))
	assert.Equal(t, "{{}} stays", Fill("{{}} stays", row))
}

func TestPlaceholdersAndRequiredColumns(t *testing.T) {
	assert.Equal(t, []string{"first name", "company"},
		Placeholders("Hello {{ First Name }}", "at {{company}}, {{first name}}"))
	assert.Equal(t, []string{"email", "name", "city"},
		RequiredColumns("Hi {{name}}", "{{ Email }} in {{city}}"))
	assert.Equal(t, []string{"email"}, RequiredColumns("plain", "text"))
}

func TestOpen_CSV(t *testing.T) {
	data := "\ufeffEmail, Name ,City\n" +
		"a@x.com,Ada,London\n" +
		" ,NoEmail,Paris\n" +
		"b@x.com,Bob\n"

	rd, err := Open(strings.NewReader(data), "list.CSV", []string{"email", "name"})
	require.NoError(t, err)
	defer rd.Close()

	assert.Equal(t, []string{"email", "name", "city"}, rd.Header())

	rows, err := rd.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.Row{"email": "a@x.com", "name": "Ada", "city": "London"}, rows[0])
	assert.Equal(t, model.Row{"email": "b@x.com", "name": "Bob", "city": ""}, rows[1])
}

func TestOpen_MissingPlaceholders(t *testing.T) {
	data := "email,name\na@x.com,Ada\n"
	_, err := Open(strings.NewReader(data), "list.csv", []string{"email", "name", "city", "plan"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrMissingPlaceholders)

	var mp *apperr.MissingPlaceholdersError
	require.True(t, errors.As(err, &mp))
	assert.Equal(t, []string{"city", "plan"}, mp.Missing)
}

func TestOpen_UnsupportedFileType(t *testing.T) {
	_, err := Open(strings.NewReader("x"), "list.xls", []string{"email"})
	assert.ErrorIs(t, err, apperr.ErrUnsupportedFileType)

	_, err = Open(strings.NewReader("x"), "noext", []string{"email"})
	assert.ErrorIs(t, err, apperr.ErrUnsupportedFileType)
}

func TestOpen_EmptyCSV(t *testing.T) {
	_, err := Open(strings.NewReader(""), "list.csv", []string{"email"})
	assert.ErrorIs(t, err, apperr.ErrEmptyFile)

	rd, err := Open(strings.NewReader("email,name\n"), "list.csv", []string{"email"})
	require.NoError(t, err, "header-only csv yields zero rows")
	rows, err := rd.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRows_StopsEarly(t *testing.T) {
	data := "email\na@x.com\nb@x.com\nc@x.com\n"
	rd, err := Open(strings.NewReader(data), "list.csv", []string{"email"})
	require.NoError(t, err)

	var got []string
	for row, err := range rd.Rows() {
		require.NoError(t, err)
		got = append(got, row.Email())
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, got)
}

func workbook(t *testing.T, rows [][]interface{}) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func TestOpen_XLSX(t *testing.T) {
	buf := workbook(t, [][]interface{}{
		{"EMAIL", "Name", "Plan"},
		{"a@x.com", "Ada", "pro"},
		{"", "Skipped", "free"},
		{"b@x.com", "Bob"},
	})

	rd, err := Open(buf, "recipients.xlsx", RequiredColumns("Hi {{name}}", "Your plan: {{ plan }}"))
	require.NoError(t, err)
	defer rd.Close()

	rows, err := rd.ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, model.Row{"email": "a@x.com", "name": "Ada", "plan": "pro"}, rows[0])
	assert.Equal(t, model.Row{"email": "b@x.com", "name": "Bob", "plan": ""}, rows[1])
}

func TestOpen_XLSXHeaderOnlyIsEmpty(t *testing.T) {
	buf := workbook(t, [][]interface{}{{"email", "name"}})
	_, err := Open(buf, "recipients.xlsx", []string{"email"})
	assert.ErrorIs(t, err, apperr.ErrEmptyFile)
}

func TestOpen_XLSXMissingColumn(t *testing.T) {
	buf := workbook(t, [][]interface{}{{"email"}, {"a@x.com"}})
	_, err := Open(buf, "recipients.xlsx", []string{"email", "name"})
	assert.ErrorIs(t, err, apperr.ErrMissingPlaceholders)
}
