// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func newMockServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	backend, err := NewBackend(t.TempDir())
	require.NoError(t, err)
	backend.Attach("mock.db", sqlx.NewDb(mockDB, "sqlmock"))
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = backend.Close()
	})
	return NewServer(backend, WithLogger(quiet)), mock
}

func TestServerQueryWrite(t *testing.T) {
	srv, mock := newMockServer(t)
	mock.ExpectExec("INSERT INTO t").
		WithArgs(int64(7), "x").
		WillReturnResult(sqlmock.NewResult(42, 1))

	params := &sqlrpc.Parameters{Positional: []*structpb.Value{structpb.NewNumberValue(7), structpb.NewStringValue("x")}}
	res, err := srv.Query(context.Background(), &sqlrpc.QueryRequest{Database: "mock.db", SQL: "INSERT INTO t VALUES (?, ?)", Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, &sqlrpc.DMLResult{RowsAffected: 1, LastInsertID: 42}, res.Result)
}

func TestServerQueryInfersExpressionKinds(t *testing.T) {
	srv, mock := newMockServer(t)
	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "nothing"}).
			AddRow(int64(1), "ann", nil).
			AddRow(int64(2), "bob", nil))

	res, err := srv.Query(context.Background(), &sqlrpc.QueryRequest{Database: "mock.db", SQL: "SELECT id, name, NULL FROM users"})
	require.NoError(t, err)
	sel, ok := res.Result.(*sqlrpc.SelectResult)
	require.True(t, ok, "got %T", res.Result)
	assert.Equal(t, []string{"id", "name", "nothing"}, sel.Columns)
	assert.Equal(t, []sqlrpc.ColumnType{sqlrpc.ColumnTypeInteger, sqlrpc.ColumnTypeText, sqlrpc.ColumnTypeNull}, sel.ColumnTypes)
	require.Len(t, sel.Rows, 2)
	assert.Equal(t, "bob", sel.Rows[1].GetValues()[1].GetStringValue())
}

func TestServerQueryEmptyResultHasHeader(t *testing.T) {
	srv, mock := newMockServer(t)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	res, err := srv.Query(context.Background(), &sqlrpc.QueryRequest{Database: "mock.db", SQL: "SELECT id FROM empty"})
	require.NoError(t, err)
	sel := res.Result.(*sqlrpc.SelectResult)
	assert.Equal(t, []string{"id"}, sel.Columns)
	assert.Equal(t, []sqlrpc.ColumnType{sqlrpc.ColumnTypeNull}, sel.ColumnTypes)
	assert.Empty(t, sel.Rows)
}

func TestServerQueryDriverFailures(t *testing.T) {
	srv, mock := newMockServer(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE").WillReturnError(errors.New("disk I/O error"))
	_, err := srv.Query(ctx, &sqlrpc.QueryRequest{Database: "mock.db", SQL: "UPDATE t SET x = 1"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "disk I/O error", st.Message())

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(1)).AddRow(int64(2)).RowError(1, errors.New("cursor lost")))
	_, err = srv.Query(ctx, &sqlrpc.QueryRequest{Database: "mock.db", SQL: "SELECT n FROM t"})
	st, _ = status.FromError(err)
	assert.Equal(t, "cursor lost", st.Message())

	_, err = srv.Query(ctx, &sqlrpc.QueryRequest{Database: "nested/x.db", SQL: "SELECT 1"})
	st, _ = status.FromError(err)
	assert.Equal(t, codes.NotFound, st.Code())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = srv.Query(cctx, &sqlrpc.QueryRequest{Database: "mock.db", SQL: "DELETE FROM t"})
	st, _ = status.FromError(err)
	assert.Equal(t, codes.Canceled, st.Code())
}

type recordingSink struct {
	headers    int
	types      []sqlrpc.ColumnType
	batches    []int
	dmls       int
	doneCalled bool
}

func (s *recordingSink) header(_ []string, types []sqlrpc.ColumnType) error {
	s.headers++
	s.types = types
	return nil
}

func (s *recordingSink) batch(rows []*structpb.ListValue) error {
	s.batches = append(s.batches, len(rows))
	return nil
}

func (s *recordingSink) dml(*sqlrpc.DMLResult) error { s.dmls++; return nil }

func (s *recordingSink) done() error { s.doneCalled = true; return nil }

func TestExecuteBatchesRows(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "sqlmock")

	rows := sqlmock.NewRows([]string{"v"})
	for i := range 7 {
		rows.AddRow(float64(i) + 0.5)
	}
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	var sink recordingSink
	require.NoError(t, execute(context.Background(), db, "SELECT v FROM t", nil, 3, &sink))
	assert.Equal(t, 1, sink.headers)
	assert.Equal(t, []sqlrpc.ColumnType{sqlrpc.ColumnTypeFloat}, sink.types)
	assert.Equal(t, []int{3, 3, 1}, sink.batches)
	assert.True(t, sink.doneCalled)
	assert.Zero(t, sink.dmls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackendRejectsEscapingNames(t *testing.T) {
	b, err := NewBackend(t.TempDir())
	require.NoError(t, err)
	defer b.Close()

	for _, name := range []string{"", ".", "..", "../x.db", "a/b.db", `a\b.db`} {
		_, err := b.DB(name)
		assert.ErrorIs(t, err, ErrInvalidDatabase, "name %q", name)
	}

	db, err := b.DB("ok.db")
	require.NoError(t, err)
	again, err := b.DB("ok.db")
	require.NoError(t, err)
	assert.Same(t, db, again, "handles are cached per name")
}
