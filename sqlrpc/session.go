// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	StateCreated SessionState = iota
	StateAwaitingBegin
	StateIdle
	StateBusy
	StateStreaming
	StateFinalized
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingBegin:
		return "awaiting_begin"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// FinalizeReason records why a Session reached StateFinalized.
type FinalizeReason int

const (
	ReasonNone FinalizeReason = iota
	ReasonCommitted
	ReasonRolledBack
	ReasonErrored
	ReasonAbandoned
)

func (r FinalizeReason) String() string {
	switch r {
	case ReasonCommitted:
		return "committed"
	case ReasonRolledBack:
		return "rolled_back"
	case ReasonErrored:
		return "errored"
	case ReasonAbandoned:
		return "abandoned"
	}
	return "none"
}

// pendingKind tags the single command awaiting its response.
type pendingKind int

const (
	pendingBegin pendingKind = iota
	pendingQuery
	pendingStreamInit
	pendingSavepoint
	pendingCommit
	pendingRollback
)

func (k pendingKind) String() string {
	return [...]string{"begin", "query", "query stream", "savepoint", "commit", "rollback"}[k]
}

type commandResult struct {
	resp   TransactionResponseVariant
	stream *activeStream
	err    error
}

type pendingCommand struct {
	kind   pendingKind
	scope  *commandScope
	result chan commandResult
}

// activeStream is the row feed of the streaming query currently open on a
// session.
type activeStream struct {
	cols  ColumnMetadata
	queue *RowQueue[[]Row]
	scope *commandScope
}

// transactionStream is the bidirectional stream a session owns.
type transactionStream interface {
	Send(*TransactionRequest) error
	Recv() (*TransactionResponse, error)
	CloseSend() error
}

type grpcTransactionStream struct {
	cs grpc.ClientStream
}

func (s grpcTransactionStream) Send(req *TransactionRequest) error { return s.cs.SendMsg(req) }
func (s grpcTransactionStream) CloseSend() error                   { return s.cs.CloseSend() }
func (s grpcTransactionStream) Recv() (*TransactionResponse, error) {
	resp := &TransactionResponse{}
	if err := s.cs.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

var transactionStreamDesc = grpc.StreamDesc{
	StreamName:    "Transaction",
	ServerStreams: true,
	ClientStreams: true,
}

// openStreamFunc opens the transport of a session.
type openStreamFunc func(ctx context.Context) (transactionStream, error)

// txEngine is the protocol engine behind a Session. It never references the
// Session handle, so an abandoned handle can be collected while the receive
// goroutine is still parked on the stream.
type txEngine struct {
	log      *slog.Logger
	hook     CommandHook
	decoder  ValueDecoder
	flow     FlowControl
	id       string
	database string
	mode     TransactionMode

	stream   transactionStream
	cancel   context.CancelFunc
	gate     *flowGate
	recvDone chan struct{}

	mu      sync.Mutex
	state   SessionState
	reason  FinalizeReason
	err     error
	txID    string
	pending *pendingCommand
	active  *activeStream
}

func (e *txEngine) info(kind CommandKind, sql string) CommandInfo {
	return CommandInfo{
		Kind:          kind,
		Database:      e.database,
		SessionID:     e.id,
		TransactionID: e.txID,
		SQL:           sql,
	}
}

// begin opens the stream and sends the Begin command.
func (e *txEngine) begin(ctx context.Context, open openStreamFunc) error {
	scope := startCommand(ctx, e.hook, e.log, e.info(CommandBegin, ""))
	e.mu.Lock()
	if e.state != StateCreated {
		state := e.state
		e.mu.Unlock()
		err := usageErrorf("begin", ErrSessionFinalized, "begin called on a session in state %s", state)
		scope.end(err)
		return err
	}
	p := &pendingCommand{kind: pendingBegin, scope: scope, result: make(chan commandResult, 1)}
	e.pending = p
	e.state = StateAwaitingBegin
	e.mu.Unlock()

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(p.scope.Context()))
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, MetaSessionID, e.id)
	stream, err := open(streamCtx)
	if err != nil {
		cancel()
		terr := &TransactionError{Op: "begin", Err: err}
		e.finalize(ReasonErrored, terr)
		return terr
	}
	e.mu.Lock()
	e.stream = stream
	e.cancel = cancel
	e.mu.Unlock()
	e.gate = newFlowGate(streamCtx)
	go e.recvLoop()

	if err := stream.Send(&TransactionRequest{Request: &BeginRequest{Database: e.database, Mode: e.mode}}); err != nil {
		e.finalize(ReasonErrored, &TransportError{Op: "send begin", Err: err})
	}
	r := e.await(ctx, p)
	if r.err != nil {
		var terr *TransportError
		if errors.As(r.err, &terr) {
			r.err = &TransactionError{Op: "begin", Err: r.err}
		}
		p.scope.end(r.err)
		return r.err
	}
	p.scope.info.TransactionID = e.TransactionID()
	p.scope.end(nil)
	e.log.Debug("transaction started", "transaction", e.TransactionID(), "mode", e.mode.String())
	return nil
}

// roundTrip sends one command and waits for its correlated response. The
// caller owns the returned scope unless the command opened a stream.
func (e *txEngine) roundTrip(ctx context.Context, kind pendingKind, info CommandInfo, req TransactionRequestVariant) (commandResult, *commandScope) {
	info.TransactionID = e.TransactionID()
	scope := startCommand(ctx, e.hook, e.log, info)

	e.mu.Lock()
	var err error
	switch e.state {
	case StateIdle:
	case StateFinalized:
		err = usageErrorf(kind.String(), ErrSessionFinalized, "session is finalized (%s)", e.reason)
	default:
		err = usageErrorf(kind.String(), ErrBusy, "session is %s", e.state)
	}
	if err != nil {
		e.mu.Unlock()
		scope.end(err)
		return commandResult{err: err}, nil
	}
	p := &pendingCommand{kind: kind, scope: scope, result: make(chan commandResult, 1)}
	e.pending = p
	e.state = StateBusy
	e.mu.Unlock()

	if err := e.stream.Send(&TransactionRequest{Request: req}); err != nil {
		e.finalize(ReasonErrored, &TransportError{Op: "send " + kind.String(), Err: err})
	}
	return e.await(ctx, p), scope
}

// await blocks until p is resolved. A context that ends first severs the
// session, since a single command cannot be cancelled on its own.
func (e *txEngine) await(ctx context.Context, p *pendingCommand) commandResult {
	select {
	case r := <-p.result:
		return r
	case <-ctx.Done():
		e.finalize(ReasonErrored, &TransportError{Op: "await " + p.kind.String(), Err: ctx.Err()})
		return <-p.result
	}
}

func (e *txEngine) recvLoop() {
	defer close(e.recvDone)
	for {
		e.gate.wait()
		resp, err := e.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			e.finalize(ReasonErrored, &TransportError{Op: "recv", Err: err})
			return
		}
		if stop := e.dispatch(resp); stop {
			return
		}
	}
}

// dispatch routes one inbound message. It reports true once the session is
// finalized and no further message is expected.
func (e *txEngine) dispatch(resp *TransactionResponse) bool {
	switch v := resp.Response.(type) {
	case *ErrorResponse:
		e.finalize(ReasonErrored, v.AsError())
		return true
	case *BeginResponse:
		if !v.Success {
			e.finalize(ReasonErrored, &ServerError{Message: "begin was not acknowledged"})
			return true
		}
		return e.resolve(pendingBegin, v)
	case *QueryResult:
		return e.resolve(pendingQuery, v)
	case *SavepointResponse:
		return e.resolve(pendingSavepoint, v)
	case *CommitResponse:
		return e.resolve(pendingCommit, v)
	case *RollbackResponse:
		return e.resolve(pendingRollback, v)
	case *StreamResult:
		return e.dispatchStream(v.Result)
	default:
		e.finalize(ReasonErrored, &ProtocolError{Message: fmt.Sprintf("unexpected transaction response %T", v)})
		return true
	}
}

// resolve completes the pending command of the given kind.
func (e *txEngine) resolve(kind pendingKind, resp TransactionResponseVariant) bool {
	e.mu.Lock()
	p := e.pending
	if p == nil {
		e.mu.Unlock()
		e.log.Debug("response without a pending command", "response", fmt.Sprintf("%T", resp))
		return false
	}
	if p.kind != kind {
		e.mu.Unlock()
		e.finalize(ReasonErrored, &ProtocolError{Message: fmt.Sprintf("%T does not answer a %s command", resp, p.kind)})
		return true
	}
	e.pending = nil
	stop := false
	switch kind {
	case pendingBegin:
		e.txID = resp.(*BeginResponse).TransactionID
		e.state = StateIdle
	case pendingCommit:
		e.state, e.reason, stop = StateFinalized, ReasonCommitted, true
	case pendingRollback:
		e.state, e.reason, stop = StateFinalized, ReasonRolledBack, true
	default:
		e.state = StateIdle
	}
	e.mu.Unlock()
	p.result <- commandResult{resp: resp}
	return stop
}

func (e *txEngine) dispatchStream(v StreamResultVariant) bool {
	switch r := v.(type) {
	case *ResultHeader:
		e.mu.Lock()
		p := e.pending
		if p == nil || p.kind != pendingStreamInit {
			e.mu.Unlock()
			e.finalize(ReasonErrored, &ProtocolError{Message: "stream header without a pending stream command"})
			return true
		}
		as := e.openStream(p, newColumnMetadata(r.Columns, r.ColumnTypes))
		e.mu.Unlock()
		p.result <- commandResult{stream: as}
		return false

	case *ResultBatch:
		e.mu.Lock()
		as := e.active
		if as == nil {
			e.mu.Unlock()
			e.finalize(ReasonErrored, &ProtocolError{Message: "stream batch without an open stream"})
			return true
		}
		as.scope.stats.RecordBatch(len(r.Rows))
		e.mu.Unlock()
		as.queue.Push(e.decoder.DecodeRows(r.Rows, as.cols))
		return false

	case *DMLResult, *ResultComplete:
		e.mu.Lock()
		var p *pendingCommand
		as := e.active
		if as == nil {
			// A statement without a result set ends the stream without a
			// header.
			p = e.pending
			if p == nil || p.kind != pendingStreamInit {
				e.mu.Unlock()
				e.finalize(ReasonErrored, &ProtocolError{Message: "stream terminator without an open stream"})
				return true
			}
			as = e.openStream(p, ColumnMetadata{})
		}
		e.active = nil
		e.state = StateIdle
		if dml, ok := r.(*DMLResult); ok {
			as.scope.stats.RecordWrite(dml.RowsAffected)
		}
		e.mu.Unlock()

		if dml, ok := r.(*DMLResult); ok {
			as.queue.CloseWithSummary(WriteSummary{RowsAffected: dml.RowsAffected, LastInsertID: dml.LastInsertID})
		} else {
			as.queue.Close()
		}
		as.scope.end(nil)
		if p != nil {
			p.result <- commandResult{stream: as}
		}
		return false

	default:
		e.finalize(ReasonErrored, &ProtocolError{Message: fmt.Sprintf("unexpected stream result %T", v)})
		return true
	}
}

// openStream must be called with mu held.
func (e *txEngine) openStream(p *pendingCommand, cols ColumnMetadata) *activeStream {
	as := &activeStream{
		cols:  cols,
		scope: p.scope,
		queue: NewRowQueue[[]Row](FlowControl{
			High:   e.flow.High,
			Low:    e.flow.Low,
			Pause:  e.gate.pause,
			Resume: e.gate.resume,
		}),
	}
	e.pending = nil
	e.active = as
	e.state = StateStreaming
	return as
}

// finalize moves the session to its terminal state, rejecting the pending
// command and failing the open stream with err. A pending command or open
// stream is never resolved with a nil error. Later calls are no-ops.
func (e *txEngine) finalize(reason FinalizeReason, err error) {
	e.mu.Lock()
	if e.state == StateFinalized {
		e.mu.Unlock()
		return
	}
	p, as, cancel := e.pending, e.active, e.cancel
	if err == nil && (p != nil || as != nil) {
		err = &TransportError{Op: "finalize", Err: errSessionSevered}
	}
	e.state = StateFinalized
	e.reason = reason
	e.err = err
	e.pending, e.active = nil, nil
	e.mu.Unlock()

	if p != nil {
		p.scope.end(err)
		p.result <- commandResult{err: err}
	}
	if as != nil {
		as.queue.Fail(err)
		as.scope.end(err)
	}
	if cancel != nil {
		cancel()
	}

	var serr *ServerError
	switch {
	case err == nil:
	case errors.As(err, &serr):
		e.log.Debug("transaction aborted by server", "err", err, "code", serr.Code)
	case errors.Is(err, errSessionClosed), errors.Is(err, errSessionSevered):
		e.log.Debug("session severed", "err", err, "reason", reason.String())
	case reason == ReasonAbandoned:
	default:
		e.log.Error("transaction failed", "err", err)
	}
}

// closeTransport half-closes and cancels the stream after commit or rollback.
func (e *txEngine) closeTransport() {
	e.mu.Lock()
	stream, cancel := e.stream, e.cancel
	e.mu.Unlock()
	if stream != nil {
		_ = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
}

// abandon runs when the Session handle is collected without being finalized.
func (e *txEngine) abandon() {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	if state == StateFinalized {
		return
	}
	e.log.Warn("session dropped without commit or rollback; severing its stream",
		"state", state.String(), "transaction", e.TransactionID())
	e.finalize(ReasonAbandoned, &TransportError{Op: "abandon", Err: errSessionAbandoned})
}

var (
	errSessionAbandoned = errors.New("session was garbage collected before commit or rollback")
	errSessionClosed    = errors.New("session closed while a command was in flight")
	errSessionSevered   = errors.New("session severed")
	errDrainTimeout     = errors.New("server did not end the stream")
)

// drainTimeout bounds how long closing a Rows waits for the server to end a
// discarded stream before the session is severed.
var drainTimeout = 30 * time.Second

// TransactionID returns the server-assigned id, empty before Begin completes.
func (e *txEngine) TransactionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.txID
}

// Session is one transaction on its own bidirectional stream. At most one
// command is in flight at a time: a second command issued while one is
// awaiting its response, or while a Rows is open, fails with ErrBusy before
// anything is sent.
//
// A Session must end with Commit, Rollback, or Close. A Session dropped
// without one of these is severed once the garbage collector notices, and a
// warning is logged; do not rely on this for timely release.
type Session struct {
	e       *txEngine
	cleanup runtime.Cleanup
}

func newSession(c *Client, database string, mode TransactionMode) *Session {
	id := newSessionID()
	e := &txEngine{
		log:      c.log.With("session", id, "database", database),
		hook:     c.hook,
		decoder:  c.decoder,
		flow:     c.flow,
		id:       id,
		database: database,
		mode:     mode,
		recvDone: make(chan struct{}),
	}
	s := &Session{e: e}
	s.cleanup = runtime.AddCleanup(s, (*txEngine).abandon, e)
	return s
}

// ID returns the client-generated session id sent as x-sqlrpc-session.
func (s *Session) ID() string { return s.e.id }

// Database returns the database the transaction is bound to.
func (s *Session) Database() string { return s.e.database }

// TransactionID returns the server-assigned transaction id.
func (s *Session) TransactionID() string { return s.e.TransactionID() }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.state
}

// Reason returns why the session was finalized, ReasonNone while it is open.
func (s *Session) Reason() FinalizeReason {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.reason
}

// Err returns the error that finalized the session, if any.
func (s *Session) Err() error {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.e.err
}

// Query runs a buffered query and returns the materialized result.
func (s *Session) Query(ctx context.Context, stmt Statement) (*Result, error) {
	params, err := BuildParameters(stmt)
	if err != nil {
		return nil, err
	}
	r, scope := s.e.roundTrip(ctx, pendingQuery, s.e.info(CommandQuery, stmt.SQL),
		&QueryCommand{SQL: stmt.SQL, Parameters: params})
	if r.err != nil {
		if scope != nil {
			scope.end(r.err)
		}
		return nil, r.err
	}
	res, err := decodeQueryResult(r.resp.(*QueryResult), s.e.decoder)
	if err != nil {
		s.e.finalize(ReasonErrored, err)
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

// Iterate runs a streamed query and returns as soon as the column header
// arrives. The session stays busy until the returned Rows is exhausted or
// closed.
func (s *Session) Iterate(ctx context.Context, stmt Statement) (*Rows, error) {
	params, err := BuildParameters(stmt)
	if err != nil {
		return nil, err
	}
	r, scope := s.e.roundTrip(ctx, pendingStreamInit, s.e.info(CommandQueryStream, stmt.SQL),
		&QueryStreamCommand{SQL: stmt.SQL, Parameters: params})
	if r.err != nil {
		if scope != nil {
			scope.end(r.err)
		}
		return nil, r.err
	}
	return newRows(s, r.stream.cols, r.stream.queue), nil
}

// QueryStream runs a streamed query and regroups its rows into batches of
// exactly batchSize rows; only the last batch may be smaller.
func (s *Session) QueryStream(ctx context.Context, stmt Statement, batchSize int) (*Batches, error) {
	if batchSize <= 0 {
		return nil, usageErrorf("query stream", ErrInvalidParameter, "batch size must be positive, got %d", batchSize)
	}
	rows, err := s.Iterate(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return newBatches(rows, batchSize), nil
}

// SavepointResult acknowledges a savepoint command.
type SavepointResult struct {
	Success bool
	Name    string
	Action  SavepointAction
}

// Savepoint creates, releases, or rolls back to the named savepoint.
func (s *Session) Savepoint(ctx context.Context, name string, action SavepointAction) (SavepointResult, error) {
	if name == "" {
		return SavepointResult{}, usageErrorf("savepoint", ErrInvalidParameter, "savepoint name is empty")
	}
	r, scope := s.e.roundTrip(ctx, pendingSavepoint, s.e.info(CommandSavepoint, name),
		&SavepointRequest{Name: name, Action: action})
	if r.err != nil {
		if scope != nil {
			scope.end(r.err)
		}
		return SavepointResult{}, r.err
	}
	scope.end(nil)
	resp := r.resp.(*SavepointResponse)
	return SavepointResult{Success: resp.Success, Name: resp.Name, Action: resp.Action}, nil
}

// Commit commits the transaction and closes the stream. It is a no-op on a
// finalized session.
func (s *Session) Commit(ctx context.Context) error {
	if s.State() == StateFinalized {
		return nil
	}
	r, scope := s.e.roundTrip(ctx, pendingCommit, s.e.info(CommandCommit, ""), &CommitRequest{})
	if r.err != nil {
		if scope != nil {
			scope.end(r.err)
		}
		if errors.Is(r.err, ErrSessionFinalized) {
			return nil
		}
		return r.err
	}
	s.e.closeTransport()
	s.cleanup.Stop()
	if !r.resp.(*CommitResponse).Success {
		err := &ServerError{Message: "commit was not acknowledged"}
		s.e.mu.Lock()
		s.e.reason, s.e.err = ReasonErrored, err
		s.e.mu.Unlock()
		scope.end(err)
		return err
	}
	scope.end(nil)
	return nil
}

// Rollback rolls the transaction back and closes the stream. Rolling back a
// finalized or already severed session succeeds without touching the wire.
func (s *Session) Rollback(ctx context.Context) error {
	if s.State() == StateFinalized {
		return nil
	}
	r, scope := s.e.roundTrip(ctx, pendingRollback, s.e.info(CommandRollback, ""), &RollbackRequest{})
	if r.err != nil {
		if scope != nil {
			scope.end(r.err)
		}
		if errors.Is(r.err, ErrTransport) || errors.Is(r.err, ErrServer) || errors.Is(r.err, ErrSessionFinalized) {
			return nil
		}
		return r.err
	}
	s.e.closeTransport()
	s.cleanup.Stop()
	scope.end(nil)
	return nil
}

// Close rolls back a session that is still open. If a command is in flight or
// a Rows is open, the stream is severed instead, which makes the server roll
// back; the in-flight command and the open Rows then fail with ErrTransport.
// Close is safe to defer and to call more than once.
func (s *Session) Close() error {
	err := s.Rollback(context.Background())
	if errors.Is(err, ErrBusy) {
		s.e.finalize(ReasonRolledBack, &TransportError{Op: "close", Err: errSessionClosed})
		err = nil
	}
	s.cleanup.Stop()
	return err
}

// abortStream severs the session when a Rows consumer gives up.
func (s *Session) abortStream(err error) {
	s.e.finalize(ReasonErrored, &TransportError{Op: "next", Err: err})
}

// drainStream discards the rest of an abandoned row stream and waits until
// the server terminates it, returning the session to idle. A server that does
// not end the stream within drainTimeout gets the session severed.
func (s *Session) drainStream(q *RowQueue[[]Row]) error {
	q.Discard()
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-q.Done():
		return q.Err()
	case <-timer.C:
		err := &TransportError{Op: "close rows", Err: errDrainTimeout}
		s.e.finalize(ReasonErrored, err)
		return err
	}
}
