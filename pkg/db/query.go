package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// Order is a sort direction on the time column.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

func (o Order) sql() string {
	if o == OrderDesc {
		return "DESC"
	}
	return "ASC"
}

// RangeQuery selects rows of one table or view within an optional time range,
// one page at a time. Columns are SQL expressions and must not carry user input.
type RangeQuery struct {
	Schema     string
	Table      string
	Columns    []string
	TimeColumn string
	Start      *time.Time
	End        *time.Time
	Order      Order
	Limit      int
	Offset     int
}

type queryBuilder struct {
	schema    string
	table     string
	values    []any
	nextIndex int
}

func newQueryBuilder(tableName string, schema string) *queryBuilder {
	if schema == "" {
		schema = "public"
	}
	return &queryBuilder{
		schema:    schema,
		table:     tableName,
		nextIndex: 1,
	}
}

func (qb *queryBuilder) bind(value any) string {
	qb.values = append(qb.values, value)
	placeholder := fmt.Sprintf("$%d", qb.nextIndex)
	qb.nextIndex++
	return placeholder
}

func (qb *queryBuilder) tableIdentifier() string {
	return pgx.Identifier{qb.schema, qb.table}.Sanitize()
}

func (q RangeQuery) timeColumn() string {
	if q.TimeColumn == "" {
		return "time"
	}
	return pgx.Identifier{q.TimeColumn}.Sanitize()
}

func (q RangeQuery) where(qb *queryBuilder) string {
	var clauses []string
	if q.Start != nil {
		clauses = append(clauses, fmt.Sprintf("%s >= %s", q.timeColumn(), qb.bind(*q.Start)))
	}
	if q.End != nil {
		clauses = append(clauses, fmt.Sprintf("%s <= %s", q.timeColumn(), qb.bind(*q.End)))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(clauses, " AND ")
}

// SQL returns the page query and its arguments.
func (q RangeQuery) SQL() (string, []any) {
	qb := newQueryBuilder(q.Table, q.Schema)

	columns := "*"
	if len(q.Columns) > 0 {
		columns = strings.Join(q.Columns, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", columns, qb.tableIdentifier())
	sb.WriteString(q.where(qb))
	fmt.Fprintf(&sb, " ORDER BY %s %s", q.timeColumn(), q.Order.sql())
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %s", qb.bind(q.Limit))
	}
	if q.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %s", qb.bind(q.Offset))
	}
	return sb.String(), qb.values
}

// CountSQL returns the query counting every row in range, ignoring paging.
func (q RangeQuery) CountSQL() (string, []any) {
	qb := newQueryBuilder(q.Table, q.Schema)
	query := fmt.Sprintf("SELECT count(*) FROM %s%s", qb.tableIdentifier(), q.where(qb))
	return query, qb.values
}

// SelectPage runs q and its count query, scanning rows with fn.
func SelectPage[T any](ctx context.Context, conn Conn, q RangeQuery, fn pgx.RowToFunc[T]) ([]T, int64, error) {
	countSQL, countArgs := q.CountSQL()
	var total int64
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count %s: %w", q.Table, err)
	}

	query, args := q.SQL()
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query %s: %w", q.Table, err)
	}
	items, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan %s: %w", q.Table, err)
	}
	return items, total, nil
}
