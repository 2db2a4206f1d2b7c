package persistence

import (
	"context"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"
)

func widgetBase() sq.SelectBuilder {
	return sq.Select("id", "name").
		From("widgets").
		Where(sq.Eq{"kind": "heavy"}).
		OrderBy("id")
}

func TestPaginateRunsCountThenPageQuery(t *testing.T) {
	q := &fakeQuerier{results: []*fakeRows{
		{cols: []string{"count"}, data: [][]any{{int64(3)}}},
		{cols: []string{"id", "name"}, data: [][]any{{int64(1), "anvil"}, {int64(2), "rocket"}}},
	}}

	page, err := Paginate(context.Background(), q, widgetBase(), 1, 2, scanWidget)
	require.NoError(t, err)
	require.Equal(t, int64(3), page.TotalCount)
	require.Equal(t, []widget{{1, "anvil"}, {2, "rocket"}}, page.Items)
	require.Equal(t, 1, page.Page)
	require.Equal(t, 2, page.PageSize)

	require.Len(t, q.queries, 2)
	require.Equal(t, `SELECT COUNT(*) FROM (SELECT id, name FROM widgets WHERE kind = $1 ORDER BY id) AS page_src`, q.queries[0])
	require.Equal(t, `SELECT id, name FROM widgets WHERE kind = $1 ORDER BY id LIMIT 2 OFFSET 0`, q.queries[1])
	require.Equal(t, []any{"heavy"}, q.argsLog[0])
}

func TestPaginateOffsetFollowsPageNumber(t *testing.T) {
	q := &fakeQuerier{results: []*fakeRows{
		{cols: []string{"count"}, data: [][]any{{int64(10)}}},
		{cols: []string{"id", "name"}, data: [][]any{{int64(7), "spring"}}},
	}}

	page, err := Paginate(context.Background(), q, widgetBase(), 3, 4, scanWidget)
	require.NoError(t, err)
	require.Equal(t, 3, page.Page)
	require.Contains(t, q.queries[1], "LIMIT 4 OFFSET 8")
}

func TestPaginateSkipsPageQueryWhenEmpty(t *testing.T) {
	q := &fakeQuerier{results: []*fakeRows{
		{cols: []string{"count"}, data: [][]any{{int64(0)}}},
	}}

	page, err := Paginate(context.Background(), q, widgetBase(), 1, 10, scanWidget)
	require.NoError(t, err)
	require.Equal(t, int64(0), page.TotalCount)
	require.Empty(t, page.Items)
	require.NotNil(t, page.Items)
	require.Len(t, q.queries, 1)
}

func TestPaginateClampsPageArguments(t *testing.T) {
	q := &fakeQuerier{results: []*fakeRows{
		{cols: []string{"count"}, data: [][]any{{int64(1)}}},
		{cols: []string{"id", "name"}, data: [][]any{{int64(1), "anvil"}}},
	}}

	page, err := Paginate(context.Background(), q, widgetBase(), 0, -5, scanWidget)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, defaultPageSize, page.PageSize)

	q2 := &fakeQuerier{results: []*fakeRows{
		{cols: []string{"count"}, data: [][]any{{int64(1)}}},
		{cols: []string{"id", "name"}, data: [][]any{{int64(1), "anvil"}}},
	}}

	page, err = Paginate(context.Background(), q2, widgetBase(), 1, maxPageSize+1, scanWidget)
	require.NoError(t, err)
	require.Equal(t, maxPageSize, page.PageSize)
}
