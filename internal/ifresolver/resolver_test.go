package ifresolver

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/require"

	"github.com/mediamesh/flowmediator/internal/flowstate"
)

type mockRow struct {
	value string
	err   error
}

func (m *mockRow) Err() error { return m.err }

func (m *mockRow) Scan(dest ...any) error {
	if m.err != nil {
		return m.err
	}
	*(dest[0].(*string)) = m.value
	return nil
}

func (m *mockRow) ScanStruct(dest any) error { return m.err }

type mockConn struct {
	QueryRowFunc func(ctx context.Context, query string, args ...any) chdriver.Row
	queries      int
}

func (m *mockConn) QueryRow(ctx context.Context, query string, args ...any) chdriver.Row {
	m.queries++
	return m.QueryRowFunc(ctx, query, args...)
}

func newTestResolver(t *testing.T, conn querier) *Resolver {
	t.Helper()
	r, err := New(
		withResolverConn(conn),
		WithResolverLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return r
}

func TestIfResolver_Resolve_Found(t *testing.T) {
	t.Parallel()

	conn := &mockConn{QueryRowFunc: func(ctx context.Context, query string, args ...any) chdriver.Row {
		require.Equal(t, "groupA", args[0])
		require.Equal(t, "3", args[1])
		return &mockRow{value: "eth-phys-3"}
	}}
	r := newTestResolver(t, conn)

	ref, err := r.Resolve(context.Background(), "groupA", "3")
	require.NoError(t, err)
	require.Equal(t, "eth-phys-3", ref)
}

func TestIfResolver_Resolve_NotFound(t *testing.T) {
	t.Parallel()

	conn := &mockConn{QueryRowFunc: func(ctx context.Context, query string, args ...any) chdriver.Row {
		return &mockRow{err: sql.ErrNoRows}
	}}
	r := newTestResolver(t, conn)

	_, err := r.Resolve(context.Background(), "groupA", "9")
	require.ErrorIs(t, err, flowstate.ErrPhysicalNotFound)
}

func TestIfResolver_Resolve_QueryError(t *testing.T) {
	t.Parallel()

	conn := &mockConn{QueryRowFunc: func(ctx context.Context, query string, args ...any) chdriver.Row {
		return &mockRow{err: errors.New("connection reset")}
	}}
	r := newTestResolver(t, conn)

	_, err := r.Resolve(context.Background(), "groupA", "3")
	require.Error(t, err)
	require.NotErrorIs(t, err, flowstate.ErrPhysicalNotFound)
}

func TestIfResolver_Resolve_CachesHitsAndMisses(t *testing.T) {
	t.Parallel()

	conn := &mockConn{QueryRowFunc: func(ctx context.Context, query string, args ...any) chdriver.Row {
		if args[1] == "3" {
			return &mockRow{value: "eth-phys-3"}
		}
		return &mockRow{err: sql.ErrNoRows}
	}}
	r := newTestResolver(t, conn)
	ctx := context.Background()

	for range 3 {
		ref, err := r.Resolve(ctx, "groupA", "3")
		require.NoError(t, err)
		require.Equal(t, "eth-phys-3", ref)
	}
	for range 3 {
		_, err := r.Resolve(ctx, "groupA", "9")
		require.ErrorIs(t, err, flowstate.ErrPhysicalNotFound)
	}

	// One query per distinct key; the rest were served from cache.
	require.Equal(t, 2, conn.queries)
}
