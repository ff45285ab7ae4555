// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var queryStreamDesc = grpc.StreamDesc{
	StreamName:    "QueryStream",
	ServerStreams: true,
}

// Query runs one statement outside any transaction and returns the
// materialized result.
func (c *Client) Query(ctx context.Context, database string, stmt Statement) (*Result, error) {
	params, err := BuildParameters(stmt)
	if err != nil {
		return nil, err
	}
	scope := startCommand(ctx, c.hook, c.log, CommandInfo{Kind: CommandUnaryQuery, Database: database, SQL: stmt.SQL})

	var trailer metadata.MD
	out := &QueryResult{}
	req := &QueryRequest{Database: database, SQL: stmt.SQL, Parameters: params}
	if err := c.conn.Invoke(scope.Context(), MethodQuery, req, out, c.callOptions(grpc.Trailer(&trailer))...); err != nil {
		err = fromStatus("query", err, trailer)
		scope.end(err)
		return nil, err
	}
	res, err := decodeQueryResult(out, c.decoder)
	if err != nil {
		scope.end(err)
		return nil, err
	}
	if res.IsWrite() {
		scope.stats.RecordWrite(res.RowsAffected)
	} else {
		scope.stats.RecordBatch(len(res.Rows))
	}
	scope.end(nil)
	return res, nil
}

// QueryStream runs one statement outside any transaction and streams its
// rows. It returns once the column header arrives. The stream follows ctx:
// cancelling it ends the stream.
func (c *Client) QueryStream(ctx context.Context, database string, stmt Statement) (*Rows, error) {
	params, err := BuildParameters(stmt)
	if err != nil {
		return nil, err
	}
	scope := startCommand(ctx, c.hook, c.log, CommandInfo{Kind: CommandStreamedQuery, Database: database, SQL: stmt.SQL})
	callCtx, cancel := context.WithCancel(scope.Context())
	fail := func(err error) (*Rows, error) {
		cancel()
		scope.end(err)
		return nil, err
	}

	cs, err := c.conn.NewStream(callCtx, &queryStreamDesc, MethodQueryStream, c.callOptions()...)
	if err != nil {
		return fail(fromStatus("query stream", err, nil))
	}
	// A send error is reported by the following receive.
	if err := cs.SendMsg(&QueryRequest{Database: database, SQL: stmt.SQL, Parameters: params}); err != nil && !errors.Is(err, io.EOF) {
		return fail(fromStatus("query stream", err, nil))
	}
	if err := cs.CloseSend(); err != nil {
		return fail(&TransportError{Op: "query stream", Err: err})
	}

	first := &QueryStreamResponse{}
	if err := cs.RecvMsg(first); err != nil {
		if errors.Is(err, io.EOF) {
			return fail(&TransportError{Op: "query stream", Err: io.ErrUnexpectedEOF})
		}
		return fail(fromStatus("query stream", err, cs.Trailer()))
	}

	gate := newFlowGate(callCtx)
	st := &serverStream{
		cs:      cs,
		cancel:  cancel,
		gate:    gate,
		scope:   scope,
		decoder: c.decoder,
		queue: NewRowQueue[[]Row](FlowControl{
			High:   c.flow.High,
			Low:    c.flow.Low,
			Pause:  gate.pause,
			Resume: gate.resume,
		}),
	}
	switch v := first.Response.(type) {
	case *ResultHeader:
		st.cols = newColumnMetadata(v.Columns, v.ColumnTypes)
		go st.run()
	case *DMLResult:
		scope.stats.RecordWrite(v.RowsAffected)
		st.queue.CloseWithSummary(WriteSummary{RowsAffected: v.RowsAffected, LastInsertID: v.LastInsertID})
		st.finish(nil)
	case *ResultComplete:
		st.queue.Close()
		st.finish(nil)
	case *ErrorResponse:
		return fail(v.AsError())
	default:
		return fail(&ProtocolError{Message: fmt.Sprintf("query stream opened with %T", v)})
	}
	return newRows(st, st.cols, st.queue), nil
}

// serverStream feeds a Rows from a stateless server stream.
type serverStream struct {
	cs        grpc.ClientStream
	cancel    context.CancelFunc
	gate      *flowGate
	scope     *commandScope
	decoder   ValueDecoder
	cols      ColumnMetadata
	queue     *RowQueue[[]Row]
	discarded atomic.Bool
}

func (s *serverStream) run() {
	for {
		s.gate.wait()
		msg := &QueryStreamResponse{}
		if err := s.cs.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(&TransportError{Op: "query stream", Err: io.ErrUnexpectedEOF})
			} else {
				s.finish(fromStatus("query stream", err, s.cs.Trailer()))
			}
			return
		}
		switch v := msg.Response.(type) {
		case *ResultBatch:
			s.scope.stats.RecordBatch(len(v.Rows))
			s.queue.Push(s.decoder.DecodeRows(v.Rows, s.cols))
		case *DMLResult:
			s.scope.stats.RecordWrite(v.RowsAffected)
			s.queue.CloseWithSummary(WriteSummary{RowsAffected: v.RowsAffected, LastInsertID: v.LastInsertID})
			s.finish(nil)
			return
		case *ResultComplete:
			s.queue.Close()
			s.finish(nil)
			return
		case *ErrorResponse:
			s.finish(v.AsError())
			return
		default:
			s.finish(&ProtocolError{Message: fmt.Sprintf("unexpected %T inside a query stream", v)})
			return
		}
	}
}

func (s *serverStream) finish(err error) {
	if s.discarded.Load() {
		err = nil
	}
	if err != nil {
		s.queue.Fail(err)
	}
	s.scope.end(err)
	s.cancel()
}

func (s *serverStream) abortStream(error) {
	s.cancel()
}

func (s *serverStream) drainStream(q *RowQueue[[]Row]) error {
	s.discarded.Store(true)
	q.Discard()
	s.cancel()
	return nil
}

// fromStatus converts a gRPC call failure. A status carrying SQLite trailers,
// or one whose code describes a rejected statement, is a server error;
// everything else is a transport failure.
func fromStatus(op string, err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return &TransportError{Op: op, Err: err}
	}
	if vals := trailer.Get(MetaSQLiteErrorCode); len(vals) > 0 {
		code, _ := strconv.ParseInt(vals[0], 10, 32)
		serr := &ServerError{Code: int32(code), Message: st.Message()}
		if sqls := trailer.Get(MetaSQLiteFailedSQL); len(sqls) > 0 {
			serr.FailedSQL = sqls[0]
		}
		return serr
	}
	switch st.Code() {
	case codes.Unknown, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.FailedPrecondition, codes.Aborted, codes.OutOfRange:
		return &ServerError{Message: st.Message()}
	}
	return &TransportError{Op: op, Err: err}
}
