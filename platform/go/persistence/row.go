package persistence

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Row is a read-only view over one row of a result set, addressed by column
// name. Typed extraction is strict: a NULL or absent column without an
// explicit default fails with MissingValue, and requesting an incompatible
// type fails with TypeMismatch rather than silently converting.
type Row struct {
	names  []string
	index  map[string]int
	values []any
}

func newRow(columns []string, values []any) *Row {
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		index[strings.ToLower(name)] = i
	}
	return &Row{names: columns, index: index, values: values}
}

func rowFromRows(rows pgx.Rows) (*Row, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, Classify(err)
	}

	fds := rows.FieldDescriptions()
	columns := make([]string, len(fds))
	for i, fd := range fds {
		columns[i] = fd.Name
	}

	return newRow(columns, values), nil
}

// Columns returns the column names in result order.
func (r *Row) Columns() []string { return r.names }

// Has reports whether the row contains a non-null value for the column.
func (r *Row) Has(column string) bool {
	i, ok := r.index[strings.ToLower(column)]
	return ok && r.values[i] != nil
}

func (r *Row) lookup(column string) (any, bool) {
	i, ok := r.index[strings.ToLower(column)]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Get extracts the column as T. Absent or NULL values fail with MissingValue:
// the mapper asked for a value it did not guard.
func Get[T any](r *Row, column string) (T, error) {
	var zero T

	raw, ok := r.lookup(column)
	if !ok || raw == nil {
		return zero, newError(KindMissingValue, fmt.Errorf("column %q is absent or null", column))
	}

	return coerce[T](column, raw)
}

// GetDefault extracts the column as T, returning def when the column is
// absent or NULL. Type mismatches on present values still fail.
func GetDefault[T any](r *Row, column string, def T) (T, error) {
	raw, ok := r.lookup(column)
	if !ok || raw == nil {
		return def, nil
	}

	return coerce[T](column, raw)
}

// coerce converts a stored value to the requested type. Integer widths only
// widen (or narrow when the value provably fits); there is no float-to-int,
// string-to-number, or other silent conversion.
func coerce[T any](column string, raw any) (T, error) {
	var zero T

	if v, ok := raw.(T); ok {
		return v, nil
	}

	var converted any
	var err error

	switch any(zero).(type) {
	case int64:
		converted, err = toInt64(raw)
	case int:
		var v int64
		v, err = toInt64(raw)
		converted = int(v)
	case int32:
		var v int64
		v, err = toInt64(raw)
		if err == nil {
			if v > 1<<31-1 || v < -(1<<31) {
				err = fmt.Errorf("value %d overflows int32", v)
			}
			converted = int32(v)
		}
	case int16:
		var v int64
		v, err = toInt64(raw)
		if err == nil {
			if v > 1<<15-1 || v < -(1<<15) {
				err = fmt.Errorf("value %d overflows int16", v)
			}
			converted = int16(v)
		}
	case float64:
		converted, err = toFloat64(raw)
	case string:
		converted, err = toString(raw)
	case uuid.UUID:
		converted, err = toUUID(raw)
	case time.Time, bool, []byte:
		// Direct assertion above is the only accepted representation.
		err = fmt.Errorf("stored type %T", raw)
	default:
		err = fmt.Errorf("unsupported target type %T from stored %T", zero, raw)
	}

	if err != nil {
		return zero, newError(KindTypeMismatch, fmt.Errorf("column %q: %w", column, err))
	}

	v, ok := converted.(T)
	if !ok {
		return zero, newError(KindTypeMismatch, fmt.Errorf("column %q: stored type %T", column, raw))
	}
	return v, nil
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("stored type %T is not an integer", raw)
	}
}

func toFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case pgtype.Numeric:
		f, err := v.Float64Value()
		if err != nil {
			return 0, err
		}
		if !f.Valid {
			return 0, fmt.Errorf("numeric value is not representable")
		}
		return f.Float64, nil
	default:
		return 0, fmt.Errorf("stored type %T is not numeric", raw)
	}
}

func toString(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case pgtype.Numeric:
		val, err := v.Value()
		if err != nil {
			return "", err
		}
		s, ok := val.(string)
		if !ok {
			return "", fmt.Errorf("numeric value is not representable as text")
		}
		return s, nil
	default:
		return "", fmt.Errorf("stored type %T is not text", raw)
	}
}

func toUUID(raw any) (uuid.UUID, error) {
	switch v := raw.(type) {
	case [16]byte:
		return uuid.UUID(v), nil
	case string:
		return uuid.Parse(v)
	default:
		return uuid.Nil, fmt.Errorf("stored type %T is not a uuid", raw)
	}
}
