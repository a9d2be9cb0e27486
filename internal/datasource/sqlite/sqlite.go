// Package sqlite implements a data source backed by a SQLite database.
// Queries are compiled to SQL with positional placeholders; limitPer uses a
// ROW_NUMBER window so nested collections can be capped per parent group.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/trellisql/trellis/internal/datasource"
	"github.com/trellisql/trellis/internal/errors"
	"github.com/trellisql/trellis/internal/logging"
)

// Driver executes engine queries against a single SQLite database. One
// *sql.DB is shared by all descriptors; it is safe for concurrent use.
type Driver struct {
	db  *sql.DB
	log zerolog.Logger
}

// New opens the database at dsn (a file path or ":memory:").
func New(dsn string) (*Driver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Connection(err, "opening sqlite database %q", dsn)
	}
	return &Driver{db: db, log: logging.Component("sqlite")}, nil
}

// NewWithDB wraps an existing handle, mainly for tests.
func NewWithDB(db *sql.DB) *Driver {
	return &Driver{db: db, log: logging.Component("sqlite")}
}

// Prepare validates the table identifier and remembers it for Process.
func (d *Driver) Prepare(desc *datasource.Descriptor, usedColumns []string) error {
	table := desc.Name
	if t, ok := desc.Options["table"].(string); ok && t != "" {
		table = t
	}
	if err := checkIdentifier(table); err != nil {
		return errors.Implementation("invalid sqlite table name %q", table)
	}
	for _, col := range usedColumns {
		if err := checkIdentifier(col); err != nil {
			return errors.Implementation("invalid sqlite column name %q on table %q", col, table)
		}
	}
	desc.Prepared = table
	return nil
}

// Process compiles and runs the query.
func (d *Driver) Process(ctx context.Context, q *datasource.Query) (*datasource.Result, error) {
	table, _ := q.Options["table"].(string)
	if table == "" {
		return nil, errors.Implementation("sqlite query without table option")
	}

	sqlText, args, err := compile(table, q)
	if err != nil {
		return nil, err
	}
	d.log.Debug().Str("sql", sqlText).Msg("executing query")

	rows, err := d.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.Connection(err, "sqlite query failed")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Connection(err, "sqlite column introspection failed")
	}

	var data []datasource.Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(errors.KindData, err, "sqlite row scan failed")
		}
		row := make(datasource.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Connection(err, "sqlite row iteration failed")
	}

	result := &datasource.Result{Data: data}
	if q.Limit > 0 || q.Page > 0 {
		total, err := d.count(ctx, table, q)
		if err != nil {
			return nil, err
		}
		result.TotalCount = &total
	} else {
		total := len(data)
		result.TotalCount = &total
	}
	return result, nil
}

func (d *Driver) count(ctx context.Context, table string, q *datasource.Query) (int, error) {
	where, args, err := compileWhere(q)
	if err != nil {
		return 0, err
	}
	sqlText := "SELECT COUNT(*) FROM " + quote(table)
	if where != "" {
		sqlText += " WHERE " + where
	}
	var total int
	if err := d.db.QueryRowContext(ctx, sqlText, args...).Scan(&total); err != nil {
		return 0, errors.Connection(err, "sqlite count failed")
	}
	return total, nil
}

// Close closes the underlying handle.
func (d *Driver) Close() error {
	return d.db.Close()
}

func compile(table string, q *datasource.Query) (string, []any, error) {
	cols := "*"
	if len(q.Attributes) > 0 {
		quoted := make([]string, len(q.Attributes))
		for i, a := range q.Attributes {
			if err := checkIdentifier(a); err != nil {
				return "", nil, errors.Implementation("invalid column %q in projection", a)
			}
			quoted[i] = quote(a)
		}
		cols = strings.Join(quoted, ", ")
	}

	where, args, err := compileWhere(q)
	if err != nil {
		return "", nil, err
	}

	orderBy, err := compileOrder(q.Order)
	if err != nil {
		return "", nil, err
	}

	if len(q.LimitPer) > 0 && q.Limit > 0 {
		return compileLimitPer(table, cols, where, orderBy, q, args)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, quote(table))
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	if orderBy != "" {
		b.WriteString(" ORDER BY " + orderBy)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
		if q.Page > 1 {
			fmt.Fprintf(&b, " OFFSET %d", (q.Page-1)*q.Limit)
		}
	}
	return b.String(), args, nil
}

// compileLimitPer caps rows per group with a ROW_NUMBER window.
func compileLimitPer(table, cols, where, orderBy string, q *datasource.Query, args []any) (string, []any, error) {
	partCols := make([]string, len(q.LimitPer))
	for i, col := range q.LimitPer {
		if err := checkIdentifier(col); err != nil {
			return "", nil, errors.Implementation("invalid limitPer column %q", col)
		}
		partCols[i] = quote(col)
	}
	window := "ROW_NUMBER() OVER (PARTITION BY " + strings.Join(partCols, ", ")
	if orderBy != "" {
		window += " ORDER BY " + orderBy
	}
	window += ")"

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM (SELECT *, %s AS rn__ FROM %s", cols, window, quote(table))
	if where != "" {
		b.WriteString(" WHERE " + where)
	}
	fmt.Fprintf(&b, ") WHERE rn__ <= %d", q.Limit)
	if orderBy != "" {
		b.WriteString(" ORDER BY " + orderBy)
	}
	return b.String(), args, nil
}

func compileWhere(q *datasource.Query) (string, []any, error) {
	var branches []string
	var args []any
	for _, and := range q.Filter {
		var parts []string
		skip := false
		for _, cond := range and {
			if cond.Empty {
				skip = true
				break
			}
			sqlPart, condArgs, err := compileCondition(cond)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, sqlPart)
			args = append(args, condArgs...)
		}
		if skip || len(parts) == 0 {
			continue
		}
		branches = append(branches, "("+strings.Join(parts, " AND ")+")")
	}

	where := strings.Join(branches, " OR ")
	if q.Search != "" {
		searchCols, _ := q.Options["searchColumns"].([]string)
		if len(searchCols) > 0 {
			var likes []string
			for _, col := range searchCols {
				if err := checkIdentifier(col); err != nil {
					return "", nil, errors.Implementation("invalid search column %q", col)
				}
				likes = append(likes, quote(col)+" LIKE ?")
				args = append(args, "%"+q.Search+"%")
			}
			search := "(" + strings.Join(likes, " OR ") + ")"
			if where != "" {
				where = "(" + where + ") AND " + search
			} else {
				where = search
			}
		}
	}
	return where, args, nil
}

func compileCondition(cond datasource.Condition) (string, []any, error) {
	for _, col := range cond.Attribute {
		if err := checkIdentifier(col); err != nil {
			return "", nil, errors.Implementation("invalid filter column %q", col)
		}
	}
	if len(cond.Attribute) > 1 {
		return compileTupleIn(cond)
	}
	col := quote(cond.Attribute[0])
	switch cond.Operator {
	case datasource.OpEqual:
		if list, ok := cond.Value.([]any); ok {
			if len(list) == 0 {
				return "1=0", nil, nil
			}
			return col + " IN (" + placeholders(len(list)) + ")", list, nil
		}
		if cond.Value == nil {
			return col + " IS NULL", nil, nil
		}
		return col + " = ?", []any{cond.Value}, nil
	case datasource.OpNotEqual:
		if list, ok := cond.Value.([]any); ok {
			if len(list) == 0 {
				return "1=1", nil, nil
			}
			return col + " NOT IN (" + placeholders(len(list)) + ")", list, nil
		}
		if cond.Value == nil {
			return col + " IS NOT NULL", nil, nil
		}
		return col + " != ?", []any{cond.Value}, nil
	case datasource.OpGreater:
		return col + " > ?", []any{cond.Value}, nil
	case datasource.OpGreaterOrEqual:
		return col + " >= ?", []any{cond.Value}, nil
	case datasource.OpLess:
		return col + " < ?", []any{cond.Value}, nil
	case datasource.OpLessOrEqual:
		return col + " <= ?", []any{cond.Value}, nil
	case datasource.OpLike:
		return col + " LIKE ?", []any{cond.Value}, nil
	case datasource.OpBetween:
		lo, hi, ok := betweenBounds(cond.Value)
		if !ok {
			return "", nil, errors.Request("between requires a two-element value")
		}
		return col + " BETWEEN ? AND ?", []any{lo, hi}, nil
	case datasource.OpNotBetween:
		lo, hi, ok := betweenBounds(cond.Value)
		if !ok {
			return "", nil, errors.Request("notBetween requires a two-element value")
		}
		return col + " NOT BETWEEN ? AND ?", []any{lo, hi}, nil
	default:
		return "", nil, errors.Request("operator %q not supported by sqlite driver", cond.Operator)
	}
}

func betweenBounds(value any) (any, any, bool) {
	list, ok := value.([]any)
	if !ok || len(list) != 2 {
		return nil, nil, false
	}
	return list[0], list[1], true
}

// compileTupleIn renders a composite-key IN over value tuples.
func compileTupleIn(cond datasource.Condition) (string, []any, error) {
	tuples, ok := cond.Value.([]any)
	if !ok {
		return "", nil, errors.Implementation("composite condition requires tuple values")
	}
	if len(tuples) == 0 {
		return "1=0", nil, nil
	}
	cols := make([]string, len(cond.Attribute))
	for i, c := range cond.Attribute {
		cols[i] = quote(c)
	}
	var rows []string
	var args []any
	for _, raw := range tuples {
		tuple, ok := raw.([]any)
		if !ok || len(tuple) != len(cond.Attribute) {
			return "", nil, errors.Implementation("composite tuple length mismatch")
		}
		rows = append(rows, "("+placeholders(len(tuple))+")")
		args = append(args, tuple...)
	}
	sqlPart := "(" + strings.Join(cols, ", ") + ") IN (VALUES " + strings.Join(rows, ", ") + ")"
	return sqlPart, args, nil
}

func compileOrder(order []datasource.Sort) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	var parts []string
	for _, s := range order {
		if s.Direction == datasource.DirRandom {
			parts = append(parts, "RANDOM()")
			continue
		}
		if err := checkIdentifier(s.Attribute); err != nil {
			return "", errors.Implementation("invalid order column %q", s.Attribute)
		}
		dir := "ASC"
		if s.Direction == datasource.DirDesc || s.Direction == datasource.DirTopFlop {
			dir = "DESC"
		}
		parts = append(parts, quote(s.Attribute)+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func quote(identifier string) string {
	return `"` + identifier + `"`
}

func checkIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range s {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return fmt.Errorf("invalid character %q", r)
		}
	}
	return nil
}
