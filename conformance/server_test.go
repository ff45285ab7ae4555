// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var quiet = slog.New(slog.DiscardHandler)

type harness struct {
	t       testing.TB
	backend *Backend
	lis     *bufconn.Listener
}

func startServer(t testing.TB, opts ...Option) *harness {
	t.Helper()
	backend, err := NewBackend(t.TempDir())
	require.NoError(t, err)
	srv := NewServer(backend, append([]Option{WithLogger(quiet)}, opts...)...)
	lis := bufconn.Listen(1 << 20)
	gs := srv.NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() {
		gs.Stop()
		_ = backend.Close()
	})
	return &harness{t: t, backend: backend, lis: lis}
}

func (h *harness) dial(opts ...sqlrpc.Option) *sqlrpc.Client {
	h.t.Helper()
	base := []sqlrpc.Option{
		sqlrpc.WithInsecure(),
		sqlrpc.WithLogger(quiet),
		sqlrpc.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		})),
	}
	c, err := sqlrpc.Dial("passthrough:///bufnet", append(base, opts...)...)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustScript(t testing.TB, c *sqlrpc.Client, db string, stmts ...string) {
	t.Helper()
	var list []sqlrpc.Statement
	for _, s := range stmts {
		list = append(list, sqlrpc.SQL(s))
	}
	_, err := c.ExecuteScript(context.Background(), db, list)
	require.NoError(t, err)
}

func TestQueryRoundTripsValueKinds(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()
	mustScript(t, c, "kinds.db", `CREATE TABLE items (
		id INTEGER PRIMARY KEY,
		big INTEGER,
		data BLOB,
		active BOOLEAN,
		created DATETIME,
		price REAL,
		name TEXT
	)`)

	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	huge := int64(9007199254740993)
	res, err := c.Query(ctx, "kinds.db", sqlrpc.SQL(
		"INSERT INTO items (big, data, active, created, price, name) VALUES (?, ?, ?, ?, ?, ?)",
		huge, []byte{0x00, 0xff}, true, when, 2.5, "widget"))
	require.NoError(t, err)
	require.True(t, res.IsWrite())
	assert.Equal(t, sqlrpc.WriteSummary{RowsAffected: 1, LastInsertID: 1}, res.Summary())

	res, err = c.Query(ctx, "kinds.db", sqlrpc.NamedSQL(
		"SELECT big, data, active, created, price, name, 1 + 1 AS two FROM items WHERE name = :name",
		map[string]any{":name": "widget"}))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, []sqlrpc.ColumnType{
		sqlrpc.ColumnTypeInteger, sqlrpc.ColumnTypeBlob, sqlrpc.ColumnTypeBoolean, sqlrpc.ColumnTypeDate,
		sqlrpc.ColumnTypeFloat, sqlrpc.ColumnTypeText, sqlrpc.ColumnTypeInteger,
	}, res.Columns.Types)

	row := res.Rows[0]
	n, ok := row[0].(*big.Int)
	require.True(t, ok, "integers beyond 2^53 arrive as *big.Int, got %T", row[0])
	assert.Equal(t, huge, n.Int64())
	assert.Equal(t, []byte{0x00, 0xff}, row[1])
	assert.Equal(t, true, row[2])
	created, ok := row[3].(time.Time)
	require.True(t, ok, "got %T", row[3])
	assert.True(t, when.Equal(created))
	assert.Equal(t, 2.5, row[4])
	assert.Equal(t, "widget", row[5])
	assert.Equal(t, int64(2), row[6])
}

func TestQueryErrorsCarrySQLiteCode(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()
	mustScript(t, c, "err.db",
		"CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT UNIQUE)",
		"INSERT INTO users (email) VALUES ('a@example.com')")

	insert := "INSERT INTO users (email) VALUES ('a@example.com')"
	_, err := c.Query(ctx, "err.db", sqlrpc.SQL(insert))
	var serr *sqlrpc.ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sqlrpc.SQLiteConstraint, serr.PrimaryCode())
	assert.Equal(t, insert, serr.FailedSQL)
	assert.Contains(t, serr.Message, "UNIQUE")

	_, err = c.Query(ctx, "err.db", sqlrpc.SQL("SELECT * FROM missing"))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, sqlrpc.SQLiteError, serr.PrimaryCode())

	_, err = c.Query(ctx, "../escape.db", sqlrpc.SQL("SELECT 1"))
	assert.ErrorIs(t, err, sqlrpc.ErrServer)

	_, err = c.Query(ctx, "err.db", sqlrpc.SQL("SELECT ?", make(chan int)))
	assert.ErrorIs(t, err, sqlrpc.ErrUsage, "bad parameters never reach the server")
}

func TestQueryStreamBatches(t *testing.T) {
	c := startServer(t, WithBatchSize(3)).dial()
	ctx := context.Background()
	mustScript(t, c, "stream.db",
		"CREATE TABLE n (v INTEGER)",
		"INSERT INTO n WITH RECURSIVE s(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM s WHERE x < 7) SELECT x FROM s")

	rows, err := c.QueryStream(ctx, "stream.db", sqlrpc.SQL("SELECT v FROM n ORDER BY v"))
	require.NoError(t, err)
	assert.Equal(t, []string{"v"}, rows.Columns().Names)
	var got []int64
	for row, err := range rows.All(ctx) {
		require.NoError(t, err)
		got = append(got, row[0].(int64))
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, got)

	rows, err = c.QueryStream(ctx, "stream.db", sqlrpc.SQL("DELETE FROM n WHERE v > ?", 5))
	require.NoError(t, err)
	assert.False(t, rows.Next(ctx))
	sum, ok := rows.Summary()
	require.True(t, ok)
	assert.Equal(t, int64(2), sum.RowsAffected)
	require.NoError(t, rows.Close())

	_, err = c.QueryStream(ctx, "stream.db", sqlrpc.SQL("SELECT * FROM missing"))
	assert.ErrorIs(t, err, sqlrpc.ErrServer)

	// Closing early cancels the stream.
	rows, err = c.QueryStream(ctx, "stream.db", sqlrpc.SQL("SELECT v FROM n"))
	require.NoError(t, err)
	require.True(t, rows.Next(ctx))
	require.NoError(t, rows.Close())
	assert.NoError(t, rows.Err())
}

func TestTransactionSavepoints(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()
	mustScript(t, c, "bank.db",
		"CREATE TABLE accounts (id INTEGER PRIMARY KEY, balance INTEGER NOT NULL)",
		"INSERT INTO accounts (id, balance) VALUES (1, 1000)")

	s, err := c.Begin(ctx, "bank.db", sqlrpc.ModeImmediate)
	require.NoError(t, err)
	defer s.Close()
	assert.NotEmpty(t, s.TransactionID())

	_, err = s.Query(ctx, sqlrpc.SQL("UPDATE accounts SET balance = balance - 100 WHERE id = 1"))
	require.NoError(t, err)
	sp, err := s.Savepoint(ctx, "before_fee", sqlrpc.SavepointCreate)
	require.NoError(t, err)
	assert.True(t, sp.Success)
	_, err = s.Query(ctx, sqlrpc.SQL("UPDATE accounts SET balance = balance - 500 WHERE id = 1"))
	require.NoError(t, err)
	_, err = s.Savepoint(ctx, "before_fee", sqlrpc.SavepointRollbackTo)
	require.NoError(t, err)
	_, err = s.Savepoint(ctx, "before_fee", sqlrpc.SavepointRelease)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, sqlrpc.ReasonCommitted, s.Reason())

	res, err := c.Query(ctx, "bank.db", sqlrpc.SQL("SELECT balance FROM accounts WHERE id = 1"))
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.Rows[0][0])
}

func TestExecuteScriptIsAtomic(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()

	_, err := c.ExecuteScript(ctx, "script.db", []sqlrpc.Statement{
		sqlrpc.SQL("CREATE TABLE t (id INTEGER PRIMARY KEY)"),
		sqlrpc.SQL("INSERT INTO t (id) VALUES (1)"),
		sqlrpc.SQL("INSERT INTO t (id) VALUES (1)"),
		sqlrpc.SQL("INSERT INTO t (id) VALUES (2)"),
	})
	var se *sqlrpc.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Index)
	assert.ErrorIs(t, err, sqlrpc.ErrServer)

	res, err := c.Query(ctx, "script.db", sqlrpc.SQL("SELECT count(*) FROM sqlite_master WHERE name = 't'"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows[0][0], "the whole script rolled back")
}

func TestTransactionServerErrorRollsBack(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()
	mustScript(t, c, "tx.db", "CREATE TABLE t (id INTEGER PRIMARY KEY)")

	err := c.Transaction(ctx, "tx.db", sqlrpc.ModeDeferred, func(ctx context.Context, s *sqlrpc.Session) error {
		if _, err := s.Query(ctx, sqlrpc.SQL("INSERT INTO t (id) VALUES (1)")); err != nil {
			return err
		}
		_, err := s.Query(ctx, sqlrpc.SQL("INSERT INTO nope VALUES (1)"))
		assert.Equal(t, sqlrpc.StateFinalized, s.State())
		assert.Equal(t, sqlrpc.ReasonErrored, s.Reason())
		return err
	})
	assert.ErrorIs(t, err, sqlrpc.ErrServer)

	res, err := c.Query(ctx, "tx.db", sqlrpc.SQL("SELECT count(*) FROM t"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows[0][0])
}

// lockedBuffer collects log output written from server goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTransactionFailureIsLogged(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := startServer(t, WithLogger(logger)).dial()
	ctx := context.Background()

	err := c.Transaction(ctx, "log.db", sqlrpc.ModeDeferred, func(ctx context.Context, s *sqlrpc.Session) error {
		_, err := s.Query(ctx, sqlrpc.SQL("SELECT * FROM missing"))
		return err
	})
	require.ErrorIs(t, err, sqlrpc.ErrServer)

	var entry map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var m map[string]any
		if json.Unmarshal([]byte(line), &m) == nil && m["msg"] == "transaction failed" {
			entry = m
		}
	}
	require.NotNil(t, entry, "logs: %s", logs.String())
	assert.Contains(t, entry["err"], "no such table: missing")
	assert.NotContains(t, entry, "error")
}

func TestTransactionCallbackErrorRollsBack(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()
	mustScript(t, c, "cb.db", "CREATE TABLE t (id INTEGER PRIMARY KEY)")

	errStop := errors.New("stop")
	err := c.Transaction(ctx, "cb.db", sqlrpc.ModeImmediate, func(ctx context.Context, s *sqlrpc.Session) error {
		if _, err := s.Query(ctx, sqlrpc.SQL("INSERT INTO t (id) VALUES (1)")); err != nil {
			return err
		}
		return errStop
	})
	assert.ErrorIs(t, err, errStop)

	res, err := c.Query(ctx, "cb.db", sqlrpc.SQL("SELECT count(*) FROM t"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows[0][0])
}

func TestSessionStreaming(t *testing.T) {
	c := startServer(t, WithBatchSize(2)).dial()
	ctx := context.Background()
	mustScript(t, c, "sess.db",
		"CREATE TABLE n (v INTEGER)",
		"INSERT INTO n WITH RECURSIVE s(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM s WHERE x < 50) SELECT x FROM s")

	s, err := c.Begin(ctx, "sess.db", sqlrpc.ModeDeferred)
	require.NoError(t, err)
	defer s.Close()

	batches, err := s.QueryStream(ctx, sqlrpc.SQL("SELECT v FROM n WHERE v <= 5 ORDER BY v"), 2)
	require.NoError(t, err)
	var sizes []int
	for batches.Next(ctx) {
		sizes = append(sizes, len(batches.Batch()))
	}
	require.NoError(t, batches.Err())
	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, sqlrpc.StateIdle, s.State())

	// A Rows closed mid-stream leaves the session usable.
	rows, err := s.Iterate(ctx, sqlrpc.SQL("SELECT v FROM n ORDER BY v"))
	require.NoError(t, err)
	for range 3 {
		require.True(t, rows.Next(ctx))
	}
	_, err = s.Query(ctx, sqlrpc.SQL("SELECT 1"))
	assert.ErrorIs(t, err, sqlrpc.ErrBusy)
	require.NoError(t, rows.Close())
	assert.Equal(t, sqlrpc.StateIdle, s.State())

	rows, err = s.Iterate(ctx, sqlrpc.SQL("UPDATE n SET v = v * 10 WHERE v > 48"))
	require.NoError(t, err)
	assert.False(t, rows.Next(ctx))
	sum, ok := rows.Summary()
	require.True(t, ok)
	assert.Equal(t, int64(2), sum.RowsAffected)

	require.NoError(t, s.Commit(ctx))
}

func TestAuthentication(t *testing.T) {
	secret := []byte("test-secret")
	h := startServer(t,
		WithBasicUsers(map[string]string{"alice": "s3cret"}),
		WithJWTSecret(secret))
	ctx := context.Background()
	mustScript(t, h.dial(sqlrpc.WithBasicAuth("alice", "s3cret")), "auth.db", "CREATE TABLE t (id INTEGER)")

	_, err := h.dial().Query(ctx, "auth.db", sqlrpc.SQL("SELECT 1"))
	assert.ErrorIs(t, err, sqlrpc.ErrTransport, "unauthenticated calls fail at the transport")

	_, err = h.dial(sqlrpc.WithBasicAuth("alice", "wrong")).Query(ctx, "auth.db", sqlrpc.SQL("SELECT 1"))
	assert.ErrorIs(t, err, sqlrpc.ErrTransport)

	_, err = h.dial(sqlrpc.WithBearerToken("not-a-jwt")).Begin(ctx, "auth.db", sqlrpc.ModeDeferred)
	assert.Error(t, err)

	token, err := SignToken(secret, "bob")
	require.NoError(t, err)
	bearer := h.dial(sqlrpc.WithBearerToken(token))
	_, err = bearer.Query(ctx, "auth.db", sqlrpc.SQL("SELECT count(*) FROM t"))
	require.NoError(t, err)
	err = bearer.Transaction(ctx, "auth.db", sqlrpc.ModeDeferred, func(ctx context.Context, s *sqlrpc.Session) error {
		_, err := s.Query(ctx, sqlrpc.SQL("INSERT INTO t VALUES (1)"))
		return err
	})
	require.NoError(t, err)

	forged, err := SignToken([]byte("other"), "mallory")
	require.NoError(t, err)
	_, err = h.dial(sqlrpc.WithBearerToken(forged)).Query(ctx, "auth.db", sqlrpc.SQL("SELECT 1"))
	assert.ErrorIs(t, err, sqlrpc.ErrTransport)
}

func TestCompressedCalls(t *testing.T) {
	c := startServer(t).dial(sqlrpc.WithCompression(sqlrpc.ZstdName))
	ctx := context.Background()
	mustScript(t, c, "zstd.db", "CREATE TABLE t (body TEXT)")

	_, err := c.Query(ctx, "zstd.db", sqlrpc.SQL("INSERT INTO t VALUES (?)", strings.Repeat("x", 64<<10)))
	require.NoError(t, err)
	res, err := c.Query(ctx, "zstd.db", sqlrpc.SQL("SELECT length(body) FROM t"))
	require.NoError(t, err)
	assert.Equal(t, int64(64<<10), res.Rows[0][0])

	_, err = sqlrpc.Dial("passthrough:///bufnet", sqlrpc.WithInsecure(), sqlrpc.WithCompression("lz5"))
	assert.ErrorIs(t, err, sqlrpc.ErrInvalidParameter)
}

func TestConcurrentSessions(t *testing.T) {
	c := startServer(t).dial()
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := range 4 {
		db := fmt.Sprintf("tenant%d.db", i)
		g.Go(func() error {
			if _, err := c.Query(gctx, db, sqlrpc.SQL("CREATE TABLE t (id INTEGER)")); err != nil {
				return err
			}
			return c.Transaction(gctx, db, sqlrpc.ModeImmediate, func(ctx context.Context, s *sqlrpc.Session) error {
				for j := range 10 {
					if _, err := s.Query(ctx, sqlrpc.SQL("INSERT INTO t VALUES (?)", j)); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	for i := range 4 {
		res, err := c.Query(ctx, fmt.Sprintf("tenant%d.db", i), sqlrpc.SQL("SELECT count(*) FROM t"))
		require.NoError(t, err)
		assert.Equal(t, int64(10), res.Rows[0][0])
	}
}
