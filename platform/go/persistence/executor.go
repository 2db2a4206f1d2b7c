package persistence

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoRows is returned by QueryOne when the statement matched nothing.
var ErrNoRows = pgx.ErrNoRows

// Querier is the execution surface of an open scope. Both *Scope (primary
// branch) and *Branch (picked via Scope.On for joint scopes) satisfy it.
// Statements are always parameterized; caller values never reach the
// statement text.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	sendBatch(ctx context.Context, batch *pgx.Batch) (pgx.BatchResults, error)
}

// RowMapper converts one result row into a T.
type RowMapper[T any] func(r *Row) (T, error)

// Query runs a parameterized read and maps every row through the cursor.
func Query[T any](ctx context.Context, q Querier, sql string, args []any, mapper RowMapper[T]) ([]T, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	out, err := mapRows(rows, mapper)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func mapRows[T any](rows pgx.Rows, mapper RowMapper[T]) ([]T, error) {
	out := make([]T, 0)
	for rows.Next() {
		r, err := rowFromRows(rows)
		if err != nil {
			return nil, err
		}

		item, err := mapper(r)
		if err != nil {
			return nil, Classify(err)
		}
		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, Classify(err)
	}
	return out, nil
}

// QueryOne runs a read expected to match exactly one row. No match returns
// ErrNoRows for the caller to translate into its own sentinel.
func QueryOne[T any](ctx context.Context, q Querier, sql string, args []any, mapper RowMapper[T]) (T, error) {
	var zero T

	items, err := Query(ctx, q, sql, args, mapper)
	if err != nil {
		return zero, err
	}
	if len(items) == 0 {
		return zero, ErrNoRows
	}
	return items[0], nil
}

// Exec runs a parameterized write and returns the affected row count.
func Exec(ctx context.Context, q Querier, sql string, args ...any) (int64, error) {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return 0, Classify(err)
	}
	return tag.RowsAffected(), nil
}

// Statement is one parameterized statement of a multi-result execution.
type Statement struct {
	SQL  string
	Args []any
}

// QueryMulti pipelines several statements in one round trip and returns their
// result sets in order. The caller advances explicitly with NextSet and maps
// each set with MapSet; NextSet returning false signals exhaustion.
func QueryMulti(ctx context.Context, q Querier, stmts ...Statement) (*ResultSets, error) {
	if len(stmts) == 0 {
		return nil, errors.New("at least one statement is required")
	}

	batch := &pgx.Batch{}
	for _, stmt := range stmts {
		batch.Queue(stmt.SQL, stmt.Args...)
	}

	results, err := q.sendBatch(ctx, batch)
	if err != nil {
		return nil, Classify(err)
	}

	return &ResultSets{results: results, remaining: len(stmts)}, nil
}

// ResultSets iterates the independent result sets of a QueryMulti call.
type ResultSets struct {
	results   pgx.BatchResults
	remaining int
	rows      pgx.Rows
	err       error
}

// NextSet advances to the next result set, returning false once exhausted or
// on error (check Err).
func (rs *ResultSets) NextSet() bool {
	if rs.err != nil || rs.remaining == 0 {
		return false
	}

	if rs.rows != nil {
		rs.rows.Close()
		if err := rs.rows.Err(); err != nil {
			rs.err = Classify(err)
			return false
		}
	}

	rows, err := rs.results.Query()
	if err != nil {
		rs.err = Classify(err)
		return false
	}

	rs.rows = rows
	rs.remaining--
	return true
}

// Err returns the first failure observed while iterating.
func (rs *ResultSets) Err() error { return rs.err }

// Close releases the underlying batch results; always call it.
func (rs *ResultSets) Close() error {
	if rs.rows != nil {
		rs.rows.Close()
		rs.rows = nil
	}
	if err := rs.results.Close(); err != nil {
		return Classify(err)
	}
	return nil
}

// MapSet maps every row of the current result set.
func MapSet[T any](rs *ResultSets, mapper RowMapper[T]) ([]T, error) {
	if rs.err != nil {
		return nil, rs.err
	}
	if rs.rows == nil {
		return nil, errors.New("no current result set: call NextSet first")
	}

	rows := rs.rows
	rs.rows = nil
	defer rows.Close()

	out, err := mapRows(rows, mapper)
	if err != nil {
		rs.err = err
		return nil, err
	}
	return out, nil
}
