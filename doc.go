/*
Package txkit coordinates single-transaction lifecycles over a pooled
PostgreSQL connection and builds SQL fragments from structured conditions.

txkit provides:
  - Transaction execution with automatic commit/rollback and re-raised
    unit-of-work errors
  - Deferred after-commit / after-rollback hooks, drained exactly once after
    the connection is released
  - Forced rollback with an arbitrary cause, delivered to rollback hooks
  - Slow statement detection with a pre-timeout blocking-session diagnostic
  - A per-transaction dataset for passing context to hooks and diagnostics
  - Predicate and column-list rendering with typed conditions
  - Rich error handling with PostgreSQL error parsing
  - Configurable observability (logging, metrics, tracing)

# Basic Usage

	pool, err := txkit.NewPgxPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
	    log.Fatal(err)
	}

	cfg := txkit.DefaultConfig(pool).
	    WithLogger(slog.Default()).
	    WithSlowThreshold(500*time.Millisecond, func(elapsed time.Duration, sql string, args []any) {
	        log.Printf("slow: %s (%s)", sql, elapsed)
	    })

	client, err := txkit.New(cfg)
	if err != nil {
	    log.Fatal(err)
	}

# Transactions

Callback-based (auto commit/rollback):

	err := client.RunInTx(ctx, func(tx *txkit.Tx) error {
	    _, err := tx.Exec(ctx, "update accounts set balance = balance - $1 where id = $2", 10, id)
	    return err // non-nil rolls back and is returned unchanged
	})

With a result value:

	n, err := txkit.RunInTx(ctx, client, func(tx *txkit.Tx) (int64, error) {
	    return tx.Exec(ctx, "delete from sessions where expires_at < now()")
	})

Manual control:

	tx, err := client.Begin(ctx)
	if err != nil {
	    return err
	}

	// ... statements ...

	return tx.Close(ctx) // commits, or rolls back when a cause is set

Forced rollback without an error (the unit of work's result is still
returned):

	tx.SetRollback("validation failed")

# Lifecycle Hooks

	tx.AfterCommit(func() { cache.Invalidate(id) })
	tx.AfterRollback(func(cause any) { log.Printf("rolled back: %v", cause) })

Hooks run in registration order on a deferred goroutine, strictly after the
connection has returned to the pool. Hook panics are logged, never propagated.

# Predicates

	conds := txkit.NewConditions()
	conds.Set("status", "active")
	conds.Set("deleted_at", nil)
	conds.Set("retries", txkit.Not(0))
	conds.Set("kind", txkit.In("a", "b"))

	sql := "select " + txkit.RenderColumns([]string{"id", "name"}, "") +
	    " from jobs where " + txkit.RenderWhere(conds, "order by id")

# Error Handling

	if _, err := tx.Exec(ctx, q); err != nil {
	    if txkit.IsDuplicate(err) {
	        // handle duplicate key
	    }

	    var txErr *txkit.Error
	    if errors.As(err, &txErr) {
	        fmt.Println(txErr.Code)       // DUPLICATE
	        fmt.Println(txErr.Constraint) // jobs_name_key
	    }
	}
*/
package txkit
