package txkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TestPool is a Pool fake for unit tests. Every Acquire hands out a fresh
// recording TestConn unless AcquireFunc is set.
type TestPool struct {
	// AcquireFunc overrides connection acquisition (e.g. to simulate pool
	// exhaustion).
	AcquireFunc func(ctx context.Context) (Conn, error)

	mu    sync.Mutex
	conns []*TestConn
}

var _ Pool = (*TestPool)(nil)

func (p *TestPool) Acquire(ctx context.Context) (Conn, error) {
	if p.AcquireFunc != nil {
		return p.AcquireFunc(ctx)
	}

	c := &TestConn{}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

// Conns returns the connections handed out so far, in acquisition order.
func (p *TestPool) Conns() []*TestConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TestConn, len(p.conns))
	copy(out, p.conns)
	return out
}

// TestConn is a Conn fake that records every statement issued through it.
type TestConn struct {
	// ExecFunc and QueryFunc override the default no-op behavior.
	ExecFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	mu         sync.Mutex
	statements []string
	released   bool
}

var _ Conn = (*TestConn)(nil)

func (c *TestConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.record(sql)
	if c.ExecFunc != nil {
		return c.ExecFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag(""), nil
}

func (c *TestConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.record(sql)
	if c.QueryFunc != nil {
		return c.QueryFunc(ctx, sql, args...)
	}
	return NewRows(nil).Build(), nil
}

func (c *TestConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

func (c *TestConn) record(sql string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statements = append(c.statements, sql)
}

// Statements returns the statements issued so far, in order.
func (c *TestConn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.statements))
	copy(out, c.statements)
	return out
}

// Released reports whether the connection has been given back.
func (c *TestConn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// RowsBuilder builds pgx.Rows backed by in-memory rows.
type RowsBuilder struct {
	columns []string
	rows    [][]any
}

// NewRows creates a new RowsBuilder.
func NewRows(columns []string) *RowsBuilder {
	return &RowsBuilder{columns: columns}
}

// AddRow appends a row. It panics on arity mismatch.
func (b *RowsBuilder) AddRow(values ...any) *RowsBuilder {
	if len(values) != len(b.columns) {
		panic("txkit.RowsBuilder: column count mismatch")
	}
	b.rows = append(b.rows, values)
	return b
}

// Build returns a pgx.Rows cursor for the builder data.
func (b *RowsBuilder) Build() pgx.Rows {
	return &fakeRows{
		columns: b.columns,
		data:    b.rows,
		idx:     -1,
	}
}

// ErrRows implements pgx.Rows and always returns the configured error.
type ErrRows struct {
	// ErrValue is returned by Err(), Scan(), and Values().
	ErrValue error
}

func (r *ErrRows) Close()                                       {}
func (r *ErrRows) Err() error                                   { return r.ErrValue }
func (r *ErrRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *ErrRows) Conn() *pgx.Conn                              { return nil }
func (r *ErrRows) RawValues() [][]byte                          { return nil }
func (r *ErrRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *ErrRows) Next() bool                                   { return false }
func (r *ErrRows) Values() ([]any, error)                       { return nil, r.ErrValue }
func (r *ErrRows) Scan(dest ...any) error                       { return r.ErrValue }

type fakeRows struct {
	columns []string
	data    [][]any
	idx     int
	closed  bool
	scanErr error
}

func (r *fakeRows) Close() {
	r.closed = true
}

func (r *fakeRows) Err() error {
	return r.scanErr
}

func (r *fakeRows) CommandTag() pgconn.CommandTag {
	return pgconn.CommandTag{}
}

func (r *fakeRows) Conn() *pgx.Conn {
	return nil
}

func (r *fakeRows) RawValues() [][]byte {
	return nil
}

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	fields := make([]pgconn.FieldDescription, len(r.columns))
	for i, col := range r.columns {
		fields[i] = pgconn.FieldDescription{Name: col}
	}
	return fields
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}

	r.idx++
	if r.idx >= len(r.data) {
		r.closed = true
		return false
	}
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx < 0 || r.idx >= len(r.data) {
		return pgx.ErrNoRows
	}

	row := r.data[r.idx]
	if len(dest) != len(row) {
		err := fmt.Errorf("txkit.fakeRows: scan dest count %d != column count %d", len(dest), len(row))
		r.scanErr = err
		return err
	}

	for i, val := range row {
		if err := assignScanValue(i, dest[i], val); err != nil {
			r.scanErr = err
			return err
		}
	}

	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx < 0 || r.idx >= len(r.data) {
		return nil, pgx.ErrNoRows
	}
	return r.data[r.idx], nil
}

func assignScanValue(idx int, dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("txkit.fakeRows: expected string at column %d, got %T", idx, val)
		}
		*d = v
	case *int:
		v, ok := val.(int)
		if !ok {
			return fmt.Errorf("txkit.fakeRows: expected int at column %d, got %T", idx, val)
		}
		*d = v
	case *int64:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("txkit.fakeRows: expected int64 at column %d, got %T", idx, val)
		}
		*d = v
	case *bool:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("txkit.fakeRows: expected bool at column %d, got %T", idx, val)
		}
		*d = v
	case *any:
		*d = val
	default:
		return fmt.Errorf("txkit.fakeRows: unsupported scan target type %T at column %d", dest, idx)
	}

	return nil
}
