// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidDatabase is returned for database names that are empty or would
// escape the backend's root directory.
var ErrInvalidDatabase = errors.New("conformance: invalid database name")

// Backend resolves database names to SQLite handles kept open for the life of
// the server. Files live under a single root directory.
type Backend struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sqlx.DB
}

// NewBackend creates a backend rooted at dir, creating it if needed.
func NewBackend(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("conformance: create root: %w", err)
	}
	return &Backend{root: dir, dbs: make(map[string]*sqlx.DB)}, nil
}

// Attach registers an already open handle under name. Used to serve
// in-memory or mocked databases.
func (b *Backend) Attach(name string, db *sqlx.DB) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dbs[name] = db
}

// DB returns the handle for name, opening the file on first use.
func (b *Backend) DB(name string) (*sqlx.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if db, ok := b.dbs[name]; ok {
		return db, nil
	}
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDatabase, name)
	}
	dsn := "file:" + filepath.Join(b.root, name) + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	b.dbs[name] = db
	return db, nil
}

// Close closes every open handle.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for name, db := range b.dbs {
		errs = append(errs, db.Close())
		delete(b.dbs, name)
	}
	return errors.Join(errs...)
}

// executor is satisfied by *sqlx.Conn and *sqlx.DB.
type executor interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// resultSink receives the parts of one statement's result in order: either a
// header, zero or more batches and done, or a single dml.
type resultSink interface {
	header(cols []string, types []sqlrpc.ColumnType) error
	batch(rows []*structpb.ListValue) error
	dml(res *sqlrpc.DMLResult) error
	done() error
}

// execute runs one statement and feeds its result to sink in batches of at
// most batchSize rows. The header is held back until the first batch is read
// so that expression columns can take their kind from the first row.
func execute(ctx context.Context, x executor, query string, args []any, batchSize int, sink resultSink) error {
	if !returnsRows(query) {
		res, err := x.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		lastID, _ := res.LastInsertId()
		return sink.dml(&sqlrpc.DMLResult{RowsAffected: affected, LastInsertID: lastID})
	}

	rows, err := x.QueryxContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		// PRAGMA assignments and CTE writes come through here.
		for rows.Next() {
		}
		if err := rows.Err(); err != nil {
			return err
		}
		return sink.dml(&sqlrpc.DMLResult{})
	}

	types := make([]sqlrpc.ColumnType, len(cols))
	if cts, err := rows.ColumnTypes(); err == nil {
		for i, ct := range cts {
			types[i] = declaredType(ct.DatabaseTypeName())
		}
	}

	headerSent := false
	sendHeader := func(firstRaw [][]any) error {
		for i := range types {
			if types[i] != sqlrpc.ColumnTypeUnspecified {
				continue
			}
			types[i] = sqlrpc.ColumnTypeNull
			for _, r := range firstRaw {
				if k := valueType(r[i]); k != sqlrpc.ColumnTypeUnspecified {
					types[i] = k
					break
				}
			}
		}
		headerSent = true
		return sink.header(cols, types)
	}

	batch := make([]*structpb.ListValue, 0, batchSize)
	var raw [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return err
		}
		list := &structpb.ListValue{Values: make([]*structpb.Value, len(vals))}
		for i, v := range vals {
			list.Values[i] = wireValue(v)
		}
		batch = append(batch, list)
		if !headerSent {
			raw = append(raw, vals)
		}
		if len(batch) == batchSize {
			if !headerSent {
				if err := sendHeader(raw); err != nil {
					return err
				}
				raw = nil
			}
			if err := sink.batch(batch); err != nil {
				return err
			}
			batch = make([]*structpb.ListValue, 0, batchSize)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !headerSent {
		if err := sendHeader(raw); err != nil {
			return err
		}
	}
	if len(batch) > 0 {
		if err := sink.batch(batch); err != nil {
			return err
		}
	}
	return sink.done()
}

// bufferSink collects a whole result for the unary and in-transaction query
// paths.
type bufferSink struct {
	result sqlrpc.QueryResultVariant
	sel    *sqlrpc.SelectResult
}

func (s *bufferSink) header(cols []string, types []sqlrpc.ColumnType) error {
	s.sel = &sqlrpc.SelectResult{Columns: cols, ColumnTypes: types}
	s.result = s.sel
	return nil
}

func (s *bufferSink) batch(rows []*structpb.ListValue) error {
	s.sel.Rows = append(s.sel.Rows, rows...)
	return nil
}

func (s *bufferSink) dml(res *sqlrpc.DMLResult) error {
	s.result = res
	return nil
}

func (s *bufferSink) done() error { return nil }

// errorResponse converts a driver error into the wire error envelope,
// carrying SQLite's extended result code when there is one.
func errorResponse(err error, query string) *sqlrpc.ErrorResponse {
	resp := &sqlrpc.ErrorResponse{Message: err.Error(), FailedSQL: query}
	var se sqlite3.Error
	if errors.As(err, &se) {
		resp.SQLiteErrorCode = int32(se.ExtendedCode)
	}
	return resp
}
