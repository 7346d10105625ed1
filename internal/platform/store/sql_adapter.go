package store

import (
	"context"
	"errors"
	"time"

	"shutter/internal/platform/store/pg"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// traceSink reports finished statements to the configured tracer. One sink
// is shared between the pool adapter and every transaction it opens, so a
// statement is traced the same way wherever it ran.
type traceSink struct {
	tracer pg.QueryTracer
	slowUS int64
}

func (s traceSink) observe(ctx context.Context, sql string, args []any, start time.Time, err error) {
	if s.tracer == nil {
		return
	}
	elapsed := time.Since(start).Microseconds()
	s.tracer.OnQuery(ctx, pg.QueryEvent{
		SQL:       sql,
		Args:      args,
		ElapsedUS: elapsed,
		Err:       err,
		Slow:      s.slowUS >= 0 && elapsed >= s.slowUS,
	})
}

// pgAdapter exposes the pgx pool through the package's RowQuerier and
// TxRunner seams
type pgAdapter struct {
	p    *pg.PG
	sink traceSink
}

func newPGAdapter(p *pg.PG) *pgAdapter {
	return &pgAdapter{
		p:    p,
		sink: traceSink{tracer: p.Tracer, slowUS: int64(p.SlowMs) * 1000},
	}
}

func (a *pgAdapter) Ping(ctx context.Context) error {
	if a == nil {
		return errors.New("pg: nil adapter")
	}
	var one int
	return a.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (a *pgAdapter) Close() error { a.p.Close(); return nil }

func (a *pgAdapter) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	start := time.Now()
	ct, err := a.p.Pool.Exec(ctx, sql, args...)
	a.sink.observe(ctx, sql, args, start, err)
	return cmdTag{ct}, err
}

func (a *pgAdapter) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := a.p.Pool.Query(ctx, sql, args...)
	a.sink.observe(ctx, sql, args, start, err)
	if err != nil {
		return nil, err
	}
	return rowSet{r: rs}, nil
}

func (a *pgAdapter) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return deferredRow(ctx, a.sink, a.p.Pool.QueryRow(ctx, sql, args...), sql, args)
}

func (a *pgAdapter) Tx(ctx context.Context, fn func(q RowQuerier) error) error {
	tx, err := a.p.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(txQuerier{tx: tx, sink: a.sink}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// txQuerier satisfies RowQuerier inside a transaction, sharing the
// adapter's sink so in-tx statements are traced too
type txQuerier struct {
	tx   pgx.Tx
	sink traceSink
}

func (t txQuerier) Exec(ctx context.Context, sql string, args ...any) (CommandTag, error) {
	start := time.Now()
	ct, err := t.tx.Exec(ctx, sql, args...)
	t.sink.observe(ctx, sql, args, start, err)
	return cmdTag{ct}, err
}

func (t txQuerier) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	start := time.Now()
	rs, err := t.tx.Query(ctx, sql, args...)
	t.sink.observe(ctx, sql, args, start, err)
	if err != nil {
		return nil, err
	}
	return rowSet{r: rs}, nil
}

func (t txQuerier) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return deferredRow(ctx, t.sink, t.tx.QueryRow(ctx, sql, args...), sql, args)
}

// deferredRow wraps a pgx.Row so the trace event fires once Scan resolves
// it; a single row's error is only known at Scan time
func deferredRow(ctx context.Context, sink traceSink, r pgx.Row, sql string, args []any) Row {
	start := time.Now()
	return scanHook{
		row: r,
		done: func(scanErr error) {
			sink.observe(ctx, sql, args, start, scanErr)
		},
	}
}

type scanHook struct {
	row  pgx.Row
	done func(error)
}

func (h scanHook) Scan(dst ...any) error {
	err := h.row.Scan(dst...)
	if h.done != nil {
		h.done(err)
	}
	return err
}

// rowSet adapts pgx.Rows to the package's Rows
type rowSet struct{ r pgx.Rows }

func (x rowSet) Next() bool            { return x.r.Next() }
func (x rowSet) Scan(dst ...any) error { return x.r.Scan(dst...) }
func (x rowSet) Err() error            { return x.r.Err() }
func (x rowSet) Close()                { x.r.Close() }
func (x rowSet) Columns() []string {
	f := x.r.FieldDescriptions()
	out := make([]string, len(f))
	for i := range f {
		out[i] = string(f[i].Name)
	}
	return out
}

// cmdTag adapts pgconn.CommandTag to the package's CommandTag
type cmdTag struct{ t pgconn.CommandTag }

func (t cmdTag) String() string      { return t.t.String() }
func (t cmdTag) RowsAffected() int64 { return t.t.RowsAffected() }
