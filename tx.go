package txkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fernandezvara/txkit/hooks"
)

type txState int

const (
	stateOpen txState = iota
	stateCommitting
	stateRollingBack
	stateClosed
)

// TxFunc is a unit of work executed within a transaction
type TxFunc func(tx *Tx) error

// Tx is the handle for one in-flight transaction. It exclusively owns its
// connection until Close. Statements issued through it are sequenced by the
// caller; the handle itself never interleaves them.
type Tx struct {
	client *Client
	conn   Conn

	mu            sync.Mutex
	state         txState
	rollbackCause any
	dataset       map[string]any
	afterCommit   []func()
	afterRollback []func(cause any)
	slowOverride  time.Duration
	lastSQL       string
	lastStart     time.Time
	committed     bool
	closedCause   any
	beganCounted  bool
}

// Begin acquires a connection and starts a transaction (manual control).
// The caller must call tx.Close; prefer RunInTx for automatic lifecycle.
func (c *Client) Begin(ctx context.Context) (*Tx, error) {
	conn, err := c.config.Pool.Acquire(ctx)
	if err != nil {
		return nil, wrapError(err, "Begin")
	}

	if _, err := conn.Exec(ctx, "begin"); err != nil {
		conn.Release()
		return nil, wrapError(err, "Begin")
	}

	tx := &Tx{
		client:       c,
		conn:         conn,
		beganCounted: true,
	}
	c.inFlight.Add(1)
	if c.metrics != nil {
		c.metrics.txInFlight.Inc()
	}
	return tx, nil
}

// RunInTx executes fn within a transaction and returns its result. The
// transaction commits unless fn returns an error, panics, or sets a rollback
// cause; a forced rollback still returns fn's result. The error fn returns is
// re-raised unchanged after a best-effort rollback.
func RunInTx[T any](ctx context.Context, c *Client, fn func(tx *Tx) (T, error)) (T, error) {
	var zero T

	tx, err := c.Begin(ctx)
	if err != nil {
		return zero, err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.abort(p)
			panic(p)
		}
	}()

	result, err := fn(tx)
	if err != nil {
		tx.abort(err)
		return zero, err
	}

	// fn may have closed the handle itself
	if tx.Closed() {
		return result, nil
	}

	if err := tx.Close(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// RunInTx executes fn within a transaction with automatic commit/rollback
func (c *Client) RunInTx(ctx context.Context, fn TxFunc) error {
	_, err := RunInTx(ctx, c, func(tx *Tx) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// Exec executes a statement and returns the affected row count
func (tx *Tx) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	if err := tx.checkOpen("Exec"); err != nil {
		return 0, err
	}

	st, ctx := tx.beginStatement(ctx, sql, args)
	tag, err := tx.conn.Exec(ctx, sql, args...)
	st.finish(ctx, err)

	if err != nil {
		return 0, wrapError(err, "Exec")
	}
	return tag.RowsAffected(), nil
}

// Query executes a statement that streams rows. The returned cursor is lazy
// and not restartable; the caller must close it (end of stream closes it too).
func (tx *Tx) Query(ctx context.Context, sql string, args ...any) (*Rows, error) {
	if err := tx.checkOpen("Query"); err != nil {
		return nil, err
	}

	st, ctx := tx.beginStatement(ctx, sql, args)
	rows, err := tx.conn.Query(ctx, sql, args...)
	if err != nil {
		st.finish(ctx, err)
		return nil, wrapError(err, "Query")
	}

	return &Rows{Rows: rows, stmt: st, ctx: ctx}, nil
}

// Rows wraps a pgx row stream so that finishing it, by exhaustion or early
// Close, completes the statement's slow check and timer teardown.
type Rows struct {
	pgx.Rows
	stmt *statement
	ctx  context.Context
}

func (r *Rows) Next() bool {
	ok := r.Rows.Next()
	if !ok {
		r.stmt.finish(r.ctx, r.Rows.Err())
	}
	return ok
}

func (r *Rows) Close() {
	r.Rows.Close()
	r.stmt.finish(r.ctx, r.Rows.Err())
}

// SetRollback marks the transaction for rollback at close and stores the
// cause, which is later passed to AfterRollback hooks. A nil or false cause
// clears the mark.
func (tx *Tx) SetRollback(cause any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.rollbackCause = cause
}

// RollbackCause returns the stored rollback cause, if any
func (tx *Tx) RollbackCause() any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackCause
}

// SetSlowThreshold overrides the configured slow threshold for this
// transaction only
func (tx *Tx) SetSlowThreshold(threshold time.Duration) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.slowOverride = threshold
}

// AfterCommit registers fn to run after a successful commit, strictly after
// the connection has been released. If the transaction is already closed and
// committed, fn runs immediately on a fresh goroutine.
func (tx *Tx) AfterCommit(fn func()) {
	tx.mu.Lock()
	if tx.state != stateClosed {
		tx.afterCommit = append(tx.afterCommit, fn)
		tx.mu.Unlock()
		return
	}
	committed := tx.committed
	tx.mu.Unlock()

	if committed {
		go tx.runHook(fn)
	}
}

// AfterRollback registers fn to run with the rollback cause after a rollback,
// strictly after the connection has been released. If the transaction is
// already closed and rolled back, fn runs immediately on a fresh goroutine.
func (tx *Tx) AfterRollback(fn func(cause any)) {
	tx.mu.Lock()
	if tx.state != stateClosed {
		tx.afterRollback = append(tx.afterRollback, fn)
		tx.mu.Unlock()
		return
	}
	committed := tx.committed
	cause := tx.closedCause
	tx.mu.Unlock()

	if !committed {
		go tx.runHook(func() { fn(cause) })
	}
}

// Closed reports whether the transaction has reached its terminal state
func (tx *Tx) Closed() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state == stateClosed
}

// Close commits the transaction, or rolls it back when a rollback cause is
// set. On a commit/rollback error it attempts an emergency rollback, bounded
// by the configured timeout and never raising, and returns the original
// error. A second Close returns ErrTxClosed.
func (tx *Tx) Close(ctx context.Context) error {
	tx.mu.Lock()
	if tx.state != stateOpen {
		tx.mu.Unlock()
		return errTxClosed("Close")
	}
	cause := tx.rollbackCause
	rollingBack := forcesRollback(cause)
	if rollingBack {
		tx.state = stateRollingBack
	} else {
		tx.state = stateCommitting
	}
	tx.mu.Unlock()

	var closeErr error
	if rollingBack {
		if _, err := tx.conn.Exec(ctx, "rollback"); err != nil {
			closeErr = wrapError(err, "Close")
		}
	} else {
		closeErr = tx.commit(ctx)
	}

	if closeErr != nil {
		tx.emergencyRollback()
		// hooks get the caller's stored cause on a forced rollback; a failed
		// commit has no stored cause, so the commit error stands in
		hookCause := cause
		if !rollingBack {
			hookCause = closeErr
		}
		tx.finalize(false, hookCause)
		return closeErr
	}

	tx.finalize(!rollingBack, cause)
	return nil
}

// commit runs through statement instrumentation so a slow commit is caught
// and attributed to the statement that preceded it
func (tx *Tx) commit(ctx context.Context) error {
	st, ctx := tx.beginStatement(ctx, "commit", nil)
	_, err := tx.conn.Exec(ctx, "commit")
	st.finish(ctx, err)

	if err != nil {
		return wrapError(err, "Commit")
	}
	return nil
}

// abort rolls back after a failed unit of work. Rollback errors are swallowed;
// the handle always reaches its terminal state.
func (tx *Tx) abort(cause any) {
	tx.mu.Lock()
	if tx.state != stateOpen {
		tx.mu.Unlock()
		return
	}
	tx.state = stateRollingBack
	if forcesRollback(tx.rollbackCause) {
		cause = tx.rollbackCause
	}
	tx.mu.Unlock()

	tx.emergencyRollback()
	tx.finalize(false, cause)
}

// emergencyRollback races a rollback attempt against the configured timeout.
// On either completion or timeout the close proceeds regardless.
func (tx *Tx) emergencyRollback() {
	timeout := tx.client.config.RollbackTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := tx.conn.Exec(ctx, "rollback")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			tx.client.logError("emergency rollback failed", wrapError(err, "Close"))
		}
	case <-ctx.Done():
		tx.client.logError("emergency rollback timed out", &Error{
			Code:    CodeRollbackTimeout,
			Message: "emergency rollback did not finish within " + timeout.String(),
			Op:      "Close",
			Cause:   ErrRollbackTimeout,
		})
	}
}

// finalize records the terminal outcome, releases the connection, and drains
// the matching hook list exactly once on a deferred goroutine, in
// registration order.
func (tx *Tx) finalize(committed bool, cause any) {
	tx.mu.Lock()
	tx.state = stateClosed
	tx.committed = committed
	tx.closedCause = cause
	commitHooks := tx.afterCommit
	rollbackHooks := tx.afterRollback
	tx.afterCommit = nil
	tx.afterRollback = nil
	counted := tx.beganCounted
	tx.beganCounted = false
	tx.mu.Unlock()

	tx.conn.Release()

	if counted {
		tx.client.inFlight.Add(-1)
		if m := tx.client.metrics; m != nil {
			m.txInFlight.Dec()
			if committed {
				m.txTotal.WithLabelValues("committed").Inc()
			} else {
				m.txTotal.WithLabelValues("rolled_back").Inc()
			}
		}
	}

	go func() {
		if committed {
			for _, fn := range commitHooks {
				tx.runHook(fn)
			}
		} else {
			for _, fn := range rollbackHooks {
				fn := fn
				tx.runHook(func() { fn(cause) })
			}
		}
	}()
}

// runHook isolates hook panics so a misbehaving observer cannot corrupt the
// transaction outcome
func (tx *Tx) runHook(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			tx.client.logError("lifecycle hook panicked", fmt.Errorf("txkit: hook panic: %v", p))
		}
	}()
	fn()
}

func (tx *Tx) checkOpen(op string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != stateOpen {
		return errTxClosed(op)
	}
	return nil
}

// forcesRollback reports whether a stored cause marks the transaction for
// rollback: anything but nil and false does.
func forcesRollback(cause any) bool {
	if cause == nil {
		return false
	}
	if b, ok := cause.(bool); ok && !b {
		return false
	}
	return true
}

// statement carries per-statement instrumentation state
type statement struct {
	tx      *Tx
	sql     string
	args    []any
	prevSQL string
	started time.Time
	timer   *time.Timer
	event   *hooks.StatementEvent
	once    sync.Once
}

// beginStatement records attribution state, arms the pre-slow timer, and runs
// the before-statement hooks
func (tx *Tx) beginStatement(ctx context.Context, sql string, args []any) (*statement, context.Context) {
	now := time.Now()

	tx.mu.Lock()
	prev := tx.lastSQL
	tx.lastSQL = sql
	tx.lastStart = now
	threshold := tx.effectiveThresholdLocked()
	tx.mu.Unlock()

	st := &statement{
		tx:      tx,
		sql:     sql,
		args:    args,
		prevSQL: prev,
		started: now,
		event:   &hooks.StatementEvent{SQL: sql, Args: args, StartTime: now},
	}
	st.timer = tx.client.armPreSlow(tx, threshold)

	for _, h := range tx.client.hooks {
		ctx = h.BeforeStatement(ctx, st.event)
	}
	return st, ctx
}

// finish stops the pre-slow timer, performs the slow check, and runs the
// after-statement hooks. It is safe to call more than once; only the first
// call has effect.
func (st *statement) finish(ctx context.Context, err error) {
	st.once.Do(func() {
		if st.timer != nil {
			st.timer.Stop()
		}
		st.tx.client.reportSlow(st.tx, st.started, st.sql, st.prevSQL, st.args)

		st.event.Err = err
		for _, h := range st.tx.client.hooks {
			h.AfterStatement(ctx, st.event)
		}
	})
}

func (tx *Tx) effectiveThreshold() time.Duration {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.effectiveThresholdLocked()
}

func (tx *Tx) effectiveThresholdLocked() time.Duration {
	if tx.slowOverride > 0 {
		return tx.slowOverride
	}
	return tx.client.config.SlowThreshold
}
