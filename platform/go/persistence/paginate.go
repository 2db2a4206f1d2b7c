package persistence

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Page is one page of a paginated read plus its totals.
type Page[T any] struct {
	Items      []T
	TotalCount int64
	Page       int
	PageSize   int
}

// Paginate derives a count query and a limit/offset query from the base
// select and runs both under the same scope, so the totals and the items see
// the same transactional snapshot.
func Paginate[T any](ctx context.Context, q Querier, base sq.SelectBuilder, page, pageSize int, mapper RowMapper[T]) (Page[T], error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	result := Page[T]{Items: []T{}, Page: page, PageSize: pageSize}

	countSQL, countArgs, err := sq.Select("COUNT(*)").
		FromSelect(base, "page_src").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return result, fmt.Errorf("build count query: %w", err)
	}

	total, err := QueryOne(ctx, q, countSQL, countArgs, func(r *Row) (int64, error) {
		return Get[int64](r, "count")
	})
	if err != nil {
		return result, err
	}

	result.TotalCount = total
	if total == 0 {
		return result, nil
	}

	dataSQL, dataArgs, err := base.
		Limit(uint64(pageSize)).
		Offset(uint64((page - 1) * pageSize)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return result, fmt.Errorf("build page query: %w", err)
	}

	items, err := Query(ctx, q, dataSQL, dataArgs, mapper)
	if err != nil {
		return result, err
	}

	result.Items = items
	return result, nil
}
