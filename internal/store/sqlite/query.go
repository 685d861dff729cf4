package sqlite

import (
	"fmt"
	"strings"

	"github.com/andreystavitsky/synquill-go/internal/store"
)

// jsonField returns the json_extract expression for a Record field. "id"
// and "updated_at" are promoted real columns (set at Put time) so they
// can be indexed/sorted cheaply; every other field is read out of the
// payload JSON blob, relying on SQLite's builtin json1 extension (present
// in both mattn/go-sqlite3 and modernc.org/sqlite).
func jsonField(field string) string {
	switch field {
	case "id":
		return "id"
	case "updated_at":
		return "updated_at"
	default:
		return fmt.Sprintf("json_extract(payload, '$.%s')", field)
	}
}

// buildWhere renders a store.Query's filters into a SQL WHERE clause
// (without the leading "WHERE") and its positional arguments.
func buildWhere(q store.Query) (string, []any) {
	if len(q.Filters) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(q.Filters))
	args := make([]any, 0, len(q.Filters))
	for _, f := range q.Filters {
		col := jsonField(f.Field)
		switch f.Op {
		case store.FilterEq:
			clauses = append(clauses, col+" = ?")
			args = append(args, f.Value)
		case store.FilterNe:
			clauses = append(clauses, col+" != ?")
			args = append(args, f.Value)
		case store.FilterGt:
			clauses = append(clauses, col+" > ?")
			args = append(args, f.Value)
		case store.FilterGe:
			clauses = append(clauses, col+" >= ?")
			args = append(args, f.Value)
		case store.FilterLt:
			clauses = append(clauses, col+" < ?")
			args = append(args, f.Value)
		case store.FilterLe:
			clauses = append(clauses, col+" <= ?")
			args = append(args, f.Value)
		case store.FilterContains:
			clauses = append(clauses, col+" LIKE ?")
			args = append(args, "%"+fmt.Sprint(f.Value)+"%")
		case store.FilterStartsWith:
			clauses = append(clauses, col+" LIKE ?")
			args = append(args, fmt.Sprint(f.Value)+"%")
		case store.FilterEndsWith:
			clauses = append(clauses, col+" LIKE ?")
			args = append(args, "%"+fmt.Sprint(f.Value))
		case store.FilterInList:
			placeholders, inArgs := inListArgs(f.Value)
			clauses = append(clauses, col+" IN ("+placeholders+")")
			args = append(args, inArgs...)
		case store.FilterIsNull:
			clauses = append(clauses, col+" IS NULL")
		case store.FilterIsNotNull:
			clauses = append(clauses, col+" IS NOT NULL")
		}
	}
	return strings.Join(clauses, " AND "), args
}

func inListArgs(v any) (string, []any) {
	items, ok := v.([]any)
	if !ok {
		return "?", []any{v}
	}
	placeholders := make([]string, len(items))
	args := make([]any, len(items))
	for i, it := range items {
		placeholders[i] = "?"
		args[i] = it
	}
	return strings.Join(placeholders, ", "), args
}

// buildOrderBy renders a store.Query's ordering, defaulting to id asc so
// results are always deterministic.
func buildOrderBy(q store.Query) string {
	if len(q.OrderBy) == 0 {
		return "id ASC"
	}
	parts := make([]string, 0, len(q.OrderBy))
	for _, ob := range q.OrderBy {
		dir := "ASC"
		if ob.Descending {
			dir = "DESC"
		}
		parts = append(parts, jsonField(ob.Field)+" "+dir)
	}
	return strings.Join(parts, ", ")
}

func buildLimitOffset(q store.Query) string {
	var b strings.Builder
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			b.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return b.String()
}
