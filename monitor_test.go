package txkit

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func sleepyConn(d time.Duration, only string) *TestConn {
	conn := &TestConn{}
	conn.ExecFunc = func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		if only == "" || sql == only {
			time.Sleep(d)
		}
		return pgconn.NewCommandTag(""), nil
	}
	return conn
}

func TestSlowReport_FiresOnce(t *testing.T) {
	var calls atomic.Int64
	var gotSQL atomic.Value
	var gotElapsed atomic.Int64

	cfg := Config{
		SlowThreshold: 5 * time.Millisecond,
		OnSlowSQL: func(elapsed time.Duration, sql string, args []any) {
			calls.Add(1)
			gotSQL.Store(sql)
			gotElapsed.Store(int64(elapsed))
		},
	}
	client, pool := newTestClient(t, cfg)
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		return sleepyConn(15*time.Millisecond, "select pg_sleep(1)"), nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "select pg_sleep(1)")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	if n := calls.Load(); n != 1 {
		t.Fatalf("Expected exactly one slow report, got %d", n)
	}
	if sql := gotSQL.Load(); sql != "select pg_sleep(1)" {
		t.Errorf("Expected the slow statement text, got %v", sql)
	}
	if elapsed := time.Duration(gotElapsed.Load()); elapsed < cfg.SlowThreshold {
		t.Errorf("Expected elapsed >= threshold, got %v", elapsed)
	}
}

func TestSlowReport_FastStatementNotReported(t *testing.T) {
	var calls atomic.Int64
	cfg := Config{
		SlowThreshold: time.Hour,
		OnSlowSQL: func(elapsed time.Duration, sql string, args []any) {
			calls.Add(1)
		},
	}
	client, _ := newTestClient(t, cfg)

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "select 1")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("Expected no slow reports, got %d", n)
	}
}

func TestSlowCommit_AttributedToPreviousStatement(t *testing.T) {
	reported := make(chan string, 1)
	cfg := Config{
		SlowThreshold: 5 * time.Millisecond,
		OnSlowSQL: func(elapsed time.Duration, sql string, args []any) {
			select {
			case reported <- sql:
			default:
			}
		},
	}
	client, pool := newTestClient(t, cfg)
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		// only the commit itself is slow
		return sleepyConn(15*time.Millisecond, "commit"), nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "update accounts set balance = 0")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	select {
	case sql := <-reported:
		if sql != "update accounts set balance = 0" {
			t.Errorf("Expected the slow commit attributed to the previous statement, got %q", sql)
		}
	default:
		t.Fatal("Expected a slow report for the commit")
	}
}

func TestSlowThreshold_PerTransactionOverride(t *testing.T) {
	var calls atomic.Int64
	cfg := Config{
		SlowThreshold: time.Hour, // process default would never fire
		OnSlowSQL: func(elapsed time.Duration, sql string, args []any) {
			calls.Add(1)
		},
	}
	client, pool := newTestClient(t, cfg)
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		return sleepyConn(15*time.Millisecond, "select pg_sleep(1)"), nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		tx.SetSlowThreshold(5 * time.Millisecond)
		_, err := tx.Exec(ctx, "select pg_sleep(1)")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected the override to trigger one slow report, got %d", n)
	}
}

func TestQuery_CloseTriggersSlowCheck(t *testing.T) {
	var calls atomic.Int64
	cfg := Config{
		SlowThreshold: 5 * time.Millisecond,
		OnSlowSQL: func(elapsed time.Duration, sql string, args []any) {
			calls.Add(1)
		},
	}
	client, pool := newTestClient(t, cfg)
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		return &TestConn{
			QueryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
				return NewRows([]string{"id"}).AddRow(1).AddRow(2).Build(), nil
			},
		}, nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		rows, err := tx.Query(ctx, "select id from t")
		if err != nil {
			return err
		}

		// consume one row, then cancel early while the statement is "slow"
		rows.Next()
		time.Sleep(15 * time.Millisecond)
		rows.Close()
		rows.Close() // idempotent

		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	if n := calls.Load(); n != 1 {
		t.Errorf("Expected exactly one slow report from stream close, got %d", n)
	}
}

func TestPreSlowDiagnostic_NoBlockers(t *testing.T) {
	summaries := make(chan string, 1)
	cfg := Config{
		SlowThreshold: 20 * time.Millisecond,
		OnPreSlowSQL: func(summary string, dataset map[string]any) {
			select {
			case summaries <- summary:
			default:
			}
		},
	}
	client, pool := newTestClient(t, cfg)

	var acquired atomic.Int64
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		if acquired.Add(1) == 1 {
			// the transaction's own connection, slow on its statement
			return sleepyConn(60*time.Millisecond, "select pg_sleep(1)"), nil
		}
		// the diagnostic connection reports no blocking sessions
		return &TestConn{
			QueryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
				return NewRows(nil).Build(), nil
			},
		}, nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "select pg_sleep(1)")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	select {
	case summary := <-summaries:
		if summary != "None" {
			t.Errorf("Expected summary None, got %q", summary)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pre-slow diagnostic did not run")
	}
}

func TestPreSlowDiagnostic_ReportsBlockers(t *testing.T) {
	type report struct {
		summary string
		dataset map[string]any
	}
	reports := make(chan report, 1)
	cfg := Config{
		SlowThreshold: 20 * time.Millisecond,
		OnPreSlowSQL: func(summary string, dataset map[string]any) {
			select {
			case reports <- report{summary, dataset}:
			default:
			}
		},
	}
	client, pool := newTestClient(t, cfg)

	var acquired atomic.Int64
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		if acquired.Add(1) == 1 {
			return sleepyConn(60*time.Millisecond, "update t set x = 1"), nil
		}
		return &TestConn{
			QueryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
				if !strings.Contains(sql, "pg_blocking_pids") {
					t.Errorf("Expected the blocking-session query, got %q", sql)
				}
				return NewRows([]string{"pid", "usename", "query", "bpid", "bquery"}).
					AddRow(101, "app", "update t set x = 1", 202, "vacuum full t").
					Build(), nil
			},
		}, nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		tx.Put("request_id", "r-1")
		_, err := tx.Exec(ctx, "update t set x = 1")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	select {
	case r := <-reports:
		if !strings.Contains(r.summary, "blocked by pid 202") {
			t.Errorf("Expected blocker in summary, got %q", r.summary)
		}
		if r.dataset["request_id"] != "r-1" {
			t.Errorf("Expected the transaction dataset, got %v", r.dataset)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pre-slow diagnostic did not run")
	}
}

func TestPreSlowDiagnostic_NotArmedWithoutCallback(t *testing.T) {
	cfg := Config{
		SlowThreshold: 5 * time.Millisecond,
		OnSlowSQL:     func(elapsed time.Duration, sql string, args []any) {},
	}
	client, pool := newTestClient(t, cfg)

	var acquired atomic.Int64
	pool.AcquireFunc = func(ctx context.Context) (Conn, error) {
		acquired.Add(1)
		return sleepyConn(15*time.Millisecond, "select pg_sleep(1)"), nil
	}

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "select pg_sleep(1)")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	// no diagnostic callback, so no second connection is ever acquired
	time.Sleep(20 * time.Millisecond)
	if n := acquired.Load(); n != 1 {
		t.Errorf("Expected only the transaction's connection, got %d acquisitions", n)
	}
}

func TestPreSlowDiagnostic_TimerCancelledOnFastStatement(t *testing.T) {
	var calls atomic.Int64
	cfg := Config{
		SlowThreshold: 40 * time.Millisecond,
		OnPreSlowSQL: func(summary string, dataset map[string]any) {
			calls.Add(1)
		},
	}
	client, _ := newTestClient(t, cfg)

	ctx := context.Background()
	err := client.RunInTx(ctx, func(tx *Tx) error {
		_, err := tx.Exec(ctx, "select 1")
		return err
	})
	if err != nil {
		t.Fatalf("RunInTx failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Errorf("Expected the pre-slow timer to be cancelled, got %d calls", n)
	}
}
