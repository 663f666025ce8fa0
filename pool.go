package txkit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool supplies exclusively owned connections. A transaction holds one
// connection from acquisition until close; the pre-slow diagnostic briefly
// acquires a second one.
type Pool interface {
	// Acquire returns a connection. The caller must call Release when done.
	Acquire(ctx context.Context) (Conn, error)
}

// Conn is a single database connection.
//
// Exec executes a statement that does not stream rows. Query returns a lazy,
// non-restartable row cursor; the caller must close it (use defer rows.Close()).
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Release()
}

// PgxPool is the concrete Pool implementation backed by pgxpool.
// It intentionally wraps (does not embed) *pgxpool.Pool.
type PgxPool struct {
	pool *pgxpool.Pool
}

var _ Pool = (*PgxPool)(nil)

// NewPgxPool connects to the given PostgreSQL URL and wraps the pool.
func NewPgxPool(ctx context.Context, url string) (*PgxPool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, wrapError(err, "NewPgxPool")
	}
	return &PgxPool{pool: pool}, nil
}

// WrapPgxPool wraps an existing pgxpool.Pool.
func WrapPgxPool(pool *pgxpool.Pool) *PgxPool {
	return &PgxPool{pool: pool}
}

func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapError(err, "Acquire")
	}
	return &pgxConn{conn: conn}, nil
}

// Stat returns a snapshot of pool statistics.
func (p *PgxPool) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Close releases all pool resources. Call once during graceful shutdown.
func (p *PgxPool) Close() {
	p.pool.Close()
}

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *pgxConn) Release() {
	c.conn.Release()
}
