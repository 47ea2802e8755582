// Package result turns raw database rows into a bounded, JSON-safe result set.
package result

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// Limits caps the size of an ExecutionResult.
type Limits struct {
	MaxRows  int
	MaxBytes int
}

// ExecutionResult is the bounded result of one query.
type ExecutionResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	ByteSize  int      `json:"bytes"`
	Truncated bool     `json:"truncated"`
}

// Empty returns the result for a query that produced no rows.
func Empty() ExecutionResult {
	return ExecutionResult{Columns: []string{}, Rows: [][]any{}}
}

// Bounder accumulates rows until the first row that would exceed either limit.
// Once stopped it ignores further rows.
type Bounder struct {
	columns []string
	limits  Limits
	rows    [][]any
	bytes   int
	seen    int
	stopped bool
}

func NewBounder(columns []string, limits Limits) *Bounder {
	return &Bounder{
		columns: append([]string(nil), columns...),
		limits:  limits,
		rows:    make([][]any, 0),
	}
}

// Add serializes values and appends them as one row. It returns false when the
// row was rejected or the bounder had already stopped; callers should stop
// reading at that point.
func (b *Bounder) Add(values []any) (bool, error) {
	if b.stopped {
		return false, nil
	}
	b.seen++

	if len(b.rows) >= b.limits.MaxRows {
		b.stopped = true
		return false, nil
	}

	row := SerializeRow(values)
	encoded, err := json.Marshal(row)
	if err != nil {
		return false, fmt.Errorf("encode row %d: %w", b.seen, err)
	}
	if b.bytes+len(encoded) > b.limits.MaxBytes {
		b.stopped = true
		return false, nil
	}

	b.bytes += len(encoded)
	b.rows = append(b.rows, row)
	return true, nil
}

// Result returns the accumulated rows. Columns are empty when no row was seen.
func (b *Bounder) Result() ExecutionResult {
	if b.seen == 0 {
		return Empty()
	}
	return ExecutionResult{
		Columns:   append([]string(nil), b.columns...),
		Rows:      b.rows,
		RowCount:  len(b.rows),
		ByteSize:  b.bytes,
		Truncated: b.stopped,
	}
}

// Bound applies limits to an in-memory row set.
func Bound(columns []string, rows [][]any, limits Limits) (ExecutionResult, error) {
	if len(rows) == 0 {
		return Empty(), nil
	}
	b := NewBounder(columns, limits)
	for _, row := range rows {
		ok, err := b.Add(row)
		if err != nil {
			return ExecutionResult{}, err
		}
		if !ok {
			break
		}
	}
	return b.Result(), nil
}

func SerializeRow(values []any) []any {
	row := make([]any, len(values))
	for i, value := range values {
		row[i] = Serialize(value)
	}
	return row
}

// Serialize maps a database value onto a JSON scalar. Numbers, booleans and
// strings pass through; everything else becomes a deterministic string.
func Serialize(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Sprint(v)
		}
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprint(v)
		}
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case [16]byte:
		return formatUUID(v[:])
	case []byte:
		if utf8.Valid(v) {
			return string(v)
		}
		return `\x` + hex.EncodeToString(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func formatUUID(b []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
