package txkit

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// blockingSessionsSQL lists sessions whose progress is blocked by another
// session's locks, paired with the blocker.
const blockingSessionsSQL = `select blocked.pid, coalesce(blocked.usename, ''), coalesce(blocked.query, ''), blocking.pid, coalesce(blocking.query, '')
from pg_stat_activity blocked
join pg_stat_activity blocking on blocking.pid = any(pg_blocking_pids(blocked.pid))`

// armPreSlow schedules the pre-slow diagnostic at 95% of the threshold.
// Returns nil when no threshold applies or no diagnostic callback is
// configured.
func (c *Client) armPreSlow(tx *Tx, threshold time.Duration) *time.Timer {
	if threshold <= 0 || c.config.OnPreSlowSQL == nil {
		return nil
	}
	return time.AfterFunc(threshold*95/100, func() {
		c.preSlowDiagnostic(tx)
	})
}

// reportSlow invokes the slow-statement callback when the elapsed time
// reached the effective threshold. A slow commit is attributed to the
// statement that preceded it.
func (c *Client) reportSlow(tx *Tx, started time.Time, sql, prevSQL string, args []any) {
	threshold := tx.effectiveThreshold()
	if threshold <= 0 || c.config.OnSlowSQL == nil {
		return
	}

	elapsed := time.Since(started)
	if elapsed < threshold {
		return
	}

	reported := sql
	if strings.EqualFold(strings.TrimSpace(sql), "commit") && prevSQL != "" {
		reported = prevSQL
	}

	if c.metrics != nil {
		c.metrics.slowTotal.Inc()
	}
	c.config.OnSlowSQL(elapsed, reported, args)
}

// preSlowDiagnostic inspects blocking sessions while the slow statement is
// still running. It uses a separate connection, bounded by the diagnostic
// timeout, because the transaction's own connection is busy. All failures
// here are logged and swallowed.
func (c *Client) preSlowDiagnostic(tx *Tx) {
	defer func() {
		if p := recover(); p != nil {
			c.logError("pre-slow diagnostic panicked", fmt.Errorf("txkit: diagnostic panic: %v", p))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), c.config.DiagnosticTimeout)
	defer cancel()

	conn, err := c.config.Pool.Acquire(ctx)
	if err != nil {
		c.logError("pre-slow diagnostic: acquire connection", err)
		return
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, blockingSessionsSQL)
	if err != nil {
		c.logError("pre-slow diagnostic: blocking sessions query", err)
		return
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var blockedPID, blockingPID int
		var user, blockedQuery, blockingQuery string
		if err := rows.Scan(&blockedPID, &user, &blockedQuery, &blockingPID, &blockingQuery); err != nil {
			c.logError("pre-slow diagnostic: scan", err)
			return
		}
		fmt.Fprintf(&b, "pid %d (%s) blocked by pid %d: %q waiting on %q\n",
			blockedPID, user, blockingPID, blockedQuery, blockingQuery)
	}
	if err := rows.Err(); err != nil {
		c.logError("pre-slow diagnostic: rows", err)
		return
	}

	summary := strings.TrimRight(b.String(), "\n")
	if summary == "" {
		summary = "None"
	}
	c.config.OnPreSlowSQL(summary, tx.Dataset())
}
