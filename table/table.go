// Package table defines the row model shared by the extractor, the worksheet writer and the
// reconciler, along with the value conversions applied on either side of an upload.
package table

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Timestamp is the layout used for every date/time value written to, or compared against, a worksheet.
const Timestamp = "2006-01-02 15:04:05"

// Columns is the ordered list of column names returned by a query.
type Columns []string

// Row is a single record, positionally aligned with Columns.
type Row []any

// Normalise maps any cell value to the string used for comparing source and destination rows.
func Normalise(v any) string {
	switch x := v.(type) {
	case nil:
		return ""

	case string:
		return x

	case time.Time:
		return x.Format(Timestamp)

	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format(Timestamp)

	case bool:
		return strconv.FormatBool(x)

	case int:
		return strconv.FormatInt(int64(x), 10)

	case int8:
		return strconv.FormatInt(int64(x), 10)

	case int16:
		return strconv.FormatInt(int64(x), 10)

	case int32:
		return strconv.FormatInt(int64(x), 10)

	case int64:
		return strconv.FormatInt(x, 10)

	case uint:
		return strconv.FormatUint(uint64(x), 10)

	case uint8:
		return strconv.FormatUint(uint64(x), 10)

	case uint16:
		return strconv.FormatUint(uint64(x), 10)

	case uint32:
		return strconv.FormatUint(uint64(x), 10)

	case uint64:
		return strconv.FormatUint(x, 10)

	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)

	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)

	case []byte:
		return string(x)

	case fmt.Stringer:
		return x.String()

	default:
		return fmt.Sprint(v)
	}
}

// NormaliseRow normalises every cell in a row, padding with empty strings up to width cells.
func NormaliseRow(row []any, width int) []string {
	n := len(row)
	if width > n {
		n = width
	}

	record := make([]string, n)
	for i, v := range row {
		record[i] = Normalise(v)
	}

	return record
}

// Format converts a value into the form written to a worksheet: date/time values become Timestamp
// strings, NaN and infinite floats become the strings Normalise produces for them (they cannot be
// JSON encoded) and everything else is passed through unchanged.
func Format(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.Format(Timestamp)

	case *time.Time:
		if x == nil {
			return nil
		}
		return x.Format(Timestamp)

	case float32:
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			return Normalise(x)
		}
		return v

	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Normalise(x)
		}
		return v

	default:
		return v
	}
}

// FormatRows applies Format to every cell, returning rows in the shape expected by the Sheets API.
func FormatRows(rows []Row) [][]any {
	formatted := make([][]any, 0, len(rows))
	for _, row := range rows {
		record := make([]any, len(row))
		for i, v := range row {
			record[i] = Format(v)
		}

		formatted = append(formatted, record)
	}

	return formatted
}

// Batches partitions rows into consecutive chunks of at most size rows. The chunks share the
// backing array of rows and concatenate back to the input slice.
func Batches[T any](rows []T, size int) [][]T {
	if size <= 0 {
		panic(fmt.Sprintf("invalid batch size %d", size))
	}

	batches := make([][]T, 0, (len(rows)+size-1)/size)
	for i := 0; i < len(rows); i += size {
		end := i + size
		if end > len(rows) {
			end = len(rows)
		}

		batches = append(batches, rows[i:end:end])
	}

	return batches
}

// ColumnName returns the A1 notation letters for a 0-based column index, e.g. 0 → A, 26 → AA.
func ColumnName(index int) string {
	if index < 0 {
		return ""
	}

	name := ""
	for n := index + 1; n > 0; n = (n - 1) / 26 {
		name = string(rune('A'+(n-1)%26)) + name
	}

	return name
}

// Address returns the A1 range spanning columns x rows anchored at A1, e.g. Address(3, 11) → A1:C11.
// A table always spans at least one column and one (header) row.
func Address(columns, rows int) string {
	if columns < 1 {
		columns = 1
	}

	if rows < 1 {
		rows = 1
	}

	return fmt.Sprintf("A1:%s%d", ColumnName(columns-1), rows)
}
