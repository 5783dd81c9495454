package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when an uploaded file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}
)

const (
	contentTypeCSV  = "text/csv"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Row is one data row handed to the pipeline.
type Row struct {
	// Data maps column names to raw values.
	Data map[string]any
	// FileName is the upload the row came from; empty for API payloads.
	FileName string
	// SourceRow is the row's line in the file, counting the header as 1.
	// Zero when the row did not come from a file.
	SourceRow int
}

// RowSource yields rows in order and returns io.EOF after the last one.
// Sources are single pass.
type RowSource interface {
	Next() (Row, error)
}

// FileFormat is a supported upload format.
type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatXLSX FileFormat = "xlsx"
)

// DetectFormat picks the format from the content type, falling back to the
// file extension for generic content types.
func DetectFormat(fileName, contentType string) (FileFormat, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch mediaType {
	case contentTypeCSV, "application/csv":
		return FormatCSV, nil
	case contentTypeXLSX:
		return FormatXLSX, nil
	case "", "application/octet-stream", "text/plain", "application/vnd.ms-excel":
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, mediaType)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
}

// NewFileSource parses an uploaded CSV or XLSX payload into a RowSource.
func NewFileSource(fileName string, format FileFormat, payload []byte) (RowSource, error) {
	var (
		records [][]string
		err     error
	)
	switch format {
	case FormatCSV:
		records, err = readCSV(payload)
	case FormatXLSX:
		records, err = readExcel(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return newTableSource(fileName, records), nil
}

func readCSV(payload []byte) ([][]string, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return records, nil
}

func readExcel(payload []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("excel file has no sheets")
	}

	sheet := sheets[0]
	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}

	date1904 := false
	if props, err := f.GetWorkbookProps(); err == nil && props.Date1904 != nil {
		date1904 = *props.Date1904
	}

	dateStyles := make(map[int]bool)
	for r, row := range rows {
		for c, value := range row {
			if value == "" {
				continue
			}
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, err
			}
			styleID, err := f.GetCellStyle(sheet, cell)
			if err != nil || styleID == 0 {
				continue
			}
			isDate, seen := dateStyles[styleID]
			if !seen {
				isDate = isDateStyle(f, styleID)
				dateStyles[styleID] = isDate
			}
			if isDate {
				row[c] = excelSerialToISO(value, date1904)
			}
		}
	}
	return rows, nil
}

// builtInDateFormats are the number format IDs Excel reserves for dates and
// times.
var builtInDateFormats = map[int]bool{
	14: true, 15: true, 16: true, 17: true, 18: true, 19: true, 20: true, 21: true, 22: true,
	27: true, 28: true, 29: true, 30: true, 31: true, 32: true, 33: true, 34: true, 35: true, 36: true,
	45: true, 46: true, 47: true,
	50: true, 51: true, 52: true, 53: true, 54: true, 55: true, 56: true, 57: true, 58: true,
}

func isDateStyle(f *excelize.File, styleID int) bool {
	style, err := f.GetStyle(styleID)
	if err != nil || style == nil {
		return false
	}
	if builtInDateFormats[style.NumFmt] {
		return true
	}
	if style.CustomNumFmt == nil {
		return false
	}
	return isDateFormatCode(*style.CustomNumFmt)
}

// isDateFormatCode reports whether a custom number format renders a date.
// Quoted literals and bracketed sections such as colours or locales are
// ignored.
func isDateFormatCode(code string) bool {
	var quoted, bracketed bool
	for _, ch := range strings.ToLower(code) {
		switch {
		case ch == '"':
			quoted = !quoted
		case quoted:
		case ch == '[':
			bracketed = true
		case ch == ']':
			bracketed = false
		case bracketed:
		case ch == 'y' || ch == 'd':
			return true
		}
	}
	return false
}

// excelSerialToISO renders a date serial as an ISO date, or an ISO datetime
// when it carries a time of day. Values that are not serials pass through.
func excelSerialToISO(value string, date1904 bool) string {
	serial, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	ts, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return value
	}
	if ts.Hour() == 0 && ts.Minute() == 0 && ts.Second() == 0 {
		return ts.Format("2006-01-02")
	}
	return ts.Format("2006-01-02T15:04:05")
}

type column struct {
	index int
	name  string
}

// tableSource walks parsed records. The first non-empty record is the
// header; columns with blank headers are dropped and empty data rows are
// skipped without disturbing line numbers.
type tableSource struct {
	fileName string
	columns  []column
	records  [][]string
	next     int
}

func newTableSource(fileName string, records [][]string) *tableSource {
	src := &tableSource{fileName: fileName, records: records, next: len(records)}
	for idx, record := range records {
		if isEmptyRecord(record) {
			continue
		}
		src.columns = headerColumns(record)
		src.next = idx + 1
		break
	}
	return src
}

func headerColumns(header []string) []column {
	columns := make([]column, 0, len(header))
	for idx, cell := range header {
		name := strings.TrimSpace(cell)
		if name == "" {
			continue
		}
		columns = append(columns, column{index: idx, name: name})
	}
	return columns
}

func (s *tableSource) Next() (Row, error) {
	for s.next < len(s.records) {
		idx := s.next
		s.next++

		record := s.records[idx]
		if isEmptyRecord(record) {
			continue
		}

		data := make(map[string]any, len(s.columns))
		for _, col := range s.columns {
			value := ""
			if col.index < len(record) {
				value = record[col.index]
			}
			data[col.name] = value
		}
		return Row{Data: data, FileName: s.fileName, SourceRow: idx + 1}, nil
	}
	return Row{}, io.EOF
}

func isEmptyRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// sliceSource serves in-memory rows such as a bulk JSON payload.
type sliceSource struct {
	items []map[string]any
	next  int
}

// NewSliceSource wraps already decoded rows.
func NewSliceSource(items []map[string]any) RowSource {
	return &sliceSource{items: items}
}

func (s *sliceSource) Next() (Row, error) {
	if s.next >= len(s.items) {
		return Row{}, io.EOF
	}
	item := s.items[s.next]
	s.next++
	return Row{Data: item}, nil
}
