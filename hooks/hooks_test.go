package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestOperationType(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM t", "select"},
		{"  select 1", "select"},
		{"insert into t values (1)", "insert"},
		{"UPDATE t SET x = 1", "update"},
		{"delete from t", "delete"},
		{"begin", "begin"},
		{"commit", "commit"},
		{"rollback", "rollback"},
		{"vacuum", "other"},
	}

	for _, tc := range cases {
		if got := OperationType(tc.sql); got != tc.want {
			t.Errorf("OperationType(%q): expected %s, got %s", tc.sql, tc.want, got)
		}
	}
}

func TestLoggerHook_SlowStatement(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	hook := NewLoggerHook(logger, false, 5*time.Millisecond)

	event := &StatementEvent{SQL: "select pg_sleep(1)", StartTime: time.Now().Add(-10 * time.Millisecond)}
	ctx := hook.BeforeStatement(context.Background(), event)
	hook.AfterStatement(ctx, event)

	out := buf.String()
	if !strings.Contains(out, "slow database statement") {
		t.Errorf("Expected slow statement log, got %s", out)
	}
	if !strings.Contains(out, "select pg_sleep(1)") {
		t.Errorf("Expected statement text in log, got %s", out)
	}
}

func TestLoggerHook_FastStatementSkipped(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	hook := NewLoggerHook(logger, false, time.Hour)

	event := &StatementEvent{SQL: "select 1", StartTime: time.Now()}
	hook.AfterStatement(context.Background(), event)

	if buf.Len() != 0 {
		t.Errorf("Expected no log output, got %s", buf.String())
	}
}

func TestLoggerHook_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	hook := NewLoggerHook(logger, true, 0)

	event := &StatementEvent{
		SQL:       "select 1",
		StartTime: time.Now(),
		Err:       errors.New("syntax error"),
	}
	hook.AfterStatement(context.Background(), event)

	out := buf.String()
	if !strings.Contains(out, "database statement failed") {
		t.Errorf("Expected failure log, got %s", out)
	}
	if !strings.Contains(out, "syntax error") {
		t.Errorf("Expected error text in log, got %s", out)
	}
}

func TestMetricsHook(t *testing.T) {
	registry := prometheus.NewRegistry()
	hook, err := NewMetricsHook(registry)
	if err != nil {
		t.Fatalf("NewMetricsHook failed: %v", err)
	}

	event := &StatementEvent{SQL: "select 1", StartTime: time.Now()}
	ctx := hook.BeforeStatement(context.Background(), event)
	hook.AfterStatement(ctx, event)

	event = &StatementEvent{SQL: "update t set x = 1", StartTime: time.Now(), Err: errors.New("boom")}
	hook.AfterStatement(context.Background(), event)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"txkit_statement_duration_seconds",
		"txkit_statements_total",
		"txkit_statement_errors_total",
	} {
		if !found[name] {
			t.Errorf("Expected metric %s to be registered", name)
		}
	}
}

func TestMetricsHook_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	if _, err := NewMetricsHook(registry); err != nil {
		t.Fatalf("NewMetricsHook failed: %v", err)
	}
	if _, err := NewMetricsHook(registry); err != nil {
		t.Fatalf("Expected duplicate registration to be tolerated: %v", err)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 600)
	if got := truncate(long); len(got) != 503 || !strings.HasSuffix(got, "...") {
		t.Errorf("Expected 500-char truncation, got %d chars", len(got))
	}
	if got := truncate("short"); got != "short" {
		t.Errorf("Expected short statement untouched, got %s", got)
	}
}
