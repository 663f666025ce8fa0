// Package hooks provides observability hooks for txkit statements
package hooks

import (
	"context"
	"strings"
	"time"
)

// StatementEvent describes one statement flowing through a transaction.
type StatementEvent struct {
	SQL       string
	Args      []any
	StartTime time.Time
	Err       error
}

// Hook observes statement execution. BeforeStatement may derive a new context
// that is passed to the statement and to AfterStatement.
type Hook interface {
	BeforeStatement(ctx context.Context, event *StatementEvent) context.Context
	AfterStatement(ctx context.Context, event *StatementEvent)
}

// OperationType extracts the operation type from a statement
func OperationType(sql string) string {
	sql = strings.TrimSpace(strings.ToUpper(sql))
	switch {
	case strings.HasPrefix(sql, "SELECT"):
		return "select"
	case strings.HasPrefix(sql, "INSERT"):
		return "insert"
	case strings.HasPrefix(sql, "UPDATE"):
		return "update"
	case strings.HasPrefix(sql, "DELETE"):
		return "delete"
	case strings.HasPrefix(sql, "CREATE"):
		return "create"
	case strings.HasPrefix(sql, "DROP"):
		return "drop"
	case strings.HasPrefix(sql, "ALTER"):
		return "alter"
	case strings.HasPrefix(sql, "BEGIN"):
		return "begin"
	case strings.HasPrefix(sql, "COMMIT"):
		return "commit"
	case strings.HasPrefix(sql, "ROLLBACK"):
		return "rollback"
	default:
		return "other"
	}
}

// truncate caps statement text for logs and spans.
func truncate(sql string) string {
	if len(sql) > 500 {
		return sql[:500] + "..."
	}
	return sql
}
