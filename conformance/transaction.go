// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dilipvamsi/sqlite-server-go/sqlrpc"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"google.golang.org/grpc"
)

var errNoTransaction = errors.New("no transaction: begin must be the first request")

// txSession holds one transaction on a dedicated connection. Any SQL failure
// is reported in-band, the transaction is rolled back and the stream ends.
type txSession struct {
	srv    *Server
	stream grpc.ServerStream
	log    *slog.Logger

	conn *sqlx.Conn
	open bool
	id   string
}

func (t *txSession) serve(ctx context.Context) error {
	defer t.release()
	for {
		var req sqlrpc.TransactionRequest
		if err := t.stream.RecvMsg(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		done, err := t.handle(ctx, req.Request)
		if err != nil {
			var se *sendError
			if errors.As(err, &se) {
				return se.err
			}
			t.log.DebugContext(ctx, "transaction failed", "tx", t.id, "err", err)
			return t.send(errorResponse(err, sqlOf(req.Request)))
		}
		if done {
			return nil
		}
	}
}

// handle executes one request. It reports done once the transaction has
// ended normally.
func (t *txSession) handle(ctx context.Context, req sqlrpc.TransactionRequestVariant) (bool, error) {
	if _, ok := req.(*sqlrpc.BeginRequest); !ok && t.conn == nil {
		return true, errNoTransaction
	}
	switch r := req.(type) {
	case *sqlrpc.BeginRequest:
		return false, t.begin(ctx, r)
	case *sqlrpc.QueryCommand:
		var sink bufferSink
		if err := execute(ctx, t.conn, r.SQL, bindArgs(r.Parameters), t.srv.batchSize, &sink); err != nil {
			return true, err
		}
		return false, t.sendWrapped(&sqlrpc.QueryResult{Result: sink.result})
	case *sqlrpc.QueryStreamCommand:
		sink := &streamSink{send: func(v sqlrpc.StreamResultVariant) error {
			return t.send(&sqlrpc.StreamResult{Result: v})
		}}
		if err := execute(ctx, t.conn, r.SQL, bindArgs(r.Parameters), t.srv.batchSize, sink); err != nil {
			return true, err
		}
		return false, nil
	case *sqlrpc.SavepointRequest:
		stmt, err := savepointSQL(r)
		if err != nil {
			return true, err
		}
		if _, err := t.conn.ExecContext(ctx, stmt); err != nil {
			return true, err
		}
		return false, t.sendWrapped(&sqlrpc.SavepointResponse{Success: true, Name: r.Name, Action: r.Action})
	case *sqlrpc.CommitRequest:
		if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
			return true, err
		}
		t.open = false
		t.log.DebugContext(ctx, "committed", "tx", t.id)
		return true, t.sendWrapped(&sqlrpc.CommitResponse{Success: true})
	case *sqlrpc.RollbackRequest:
		if _, err := t.conn.ExecContext(ctx, "ROLLBACK"); err != nil {
			return true, err
		}
		t.open = false
		t.log.DebugContext(ctx, "rolled back", "tx", t.id)
		return true, t.sendWrapped(&sqlrpc.RollbackResponse{Success: true})
	}
	return true, fmt.Errorf("unsupported request %T", req)
}

func (t *txSession) begin(ctx context.Context, r *sqlrpc.BeginRequest) error {
	if t.conn != nil {
		return errors.New("transaction already begun")
	}
	db, err := t.srv.backend.DB(r.Database)
	if err != nil {
		return err
	}
	conn, err := db.Connx(ctx)
	if err != nil {
		return err
	}
	t.conn = conn
	stmt := "BEGIN"
	switch r.Mode {
	case sqlrpc.ModeDeferred:
		stmt = "BEGIN DEFERRED"
	case sqlrpc.ModeImmediate:
		stmt = "BEGIN IMMEDIATE"
	case sqlrpc.ModeExclusive:
		stmt = "BEGIN EXCLUSIVE"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		return err
	}
	t.open = true
	t.id = uuid.NewString()
	t.log.DebugContext(ctx, "begun", "tx", t.id, "database", r.Database, "mode", r.Mode.String())
	return t.sendWrapped(&sqlrpc.BeginResponse{Success: true, TransactionID: t.id})
}

// release rolls back an unfinished transaction and returns the connection
// to the pool.
func (t *txSession) release() {
	if t.conn == nil {
		return
	}
	if t.open {
		if _, err := t.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
			t.log.Warn("rollback on release failed", "tx", t.id, "err", err)
		}
		t.open = false
	}
	_ = t.conn.Close()
	t.conn = nil
}

func (t *txSession) send(v sqlrpc.TransactionResponseVariant) error {
	return t.stream.SendMsg(&sqlrpc.TransactionResponse{Response: v})
}

func (t *txSession) sendWrapped(v sqlrpc.TransactionResponseVariant) error {
	if err := t.send(v); err != nil {
		return &sendError{err: err}
	}
	return nil
}

func savepointSQL(r *sqlrpc.SavepointRequest) (string, error) {
	if r.Name == "" {
		return "", errors.New("savepoint name is required")
	}
	name := `"` + strings.ReplaceAll(r.Name, `"`, `""`) + `"`
	switch r.Action {
	case sqlrpc.SavepointCreate:
		return "SAVEPOINT " + name, nil
	case sqlrpc.SavepointRelease:
		return "RELEASE SAVEPOINT " + name, nil
	case sqlrpc.SavepointRollbackTo:
		return "ROLLBACK TO SAVEPOINT " + name, nil
	}
	return "", fmt.Errorf("unsupported savepoint action %s", r.Action)
}

func sqlOf(req sqlrpc.TransactionRequestVariant) string {
	switch r := req.(type) {
	case *sqlrpc.QueryCommand:
		return r.SQL
	case *sqlrpc.QueryStreamCommand:
		return r.SQL
	}
	return ""
}
