// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"errors"
	"fmt"
)

// Sentinels for use with errors.Is. Each matches any error of the
// corresponding type anywhere in a chain.
var (
	ErrUsage       = &UsageError{}
	ErrServer      = &ServerError{}
	ErrTransport   = &TransportError{}
	ErrTransaction = &TransactionError{}
	ErrProtocol    = &ProtocolError{}
)

// Causes carried by a *UsageError.
var (
	// ErrBusy is returned when a command is issued while another one is
	// still awaiting its response, or while a row stream is open.
	ErrBusy = errors.New("a command is already in flight on this session")
	// ErrSessionFinalized is returned for commands issued after commit,
	// rollback, or a terminal failure.
	ErrSessionFinalized = errors.New("session is finalized")
	// ErrAmbiguousHints is returned when an unpartitioned hint map is given
	// alongside both positional and named parameters.
	ErrAmbiguousHints = errors.New("unpartitioned hints are ambiguous with both positional and named parameters")
	// ErrInvalidParameter is returned for parameter values or hints that
	// cannot be placed on the wire.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrConcurrentNext is returned when a second consumer pulls from a row
	// queue while another pull is outstanding.
	ErrConcurrentNext = errors.New("concurrent pull on a single-consumer queue")
)

// UsageError reports a call that was rejected before anything reached the
// wire. The caller can always recover by fixing the call.
type UsageError struct {
	Op      string
	Message string
	Err     error
}

func (e *UsageError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return "sqlrpc: " + msg
	}
	return fmt.Sprintf("sqlrpc: %s: %s", e.Op, msg)
}

func (e *UsageError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *UsageError target.
func (e *UsageError) Is(target error) bool {
	_, ok := target.(*UsageError)
	return ok
}

func usageErrorf(op string, cause error, format string, args ...any) *UsageError {
	return &UsageError{Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

// SQLite primary result codes that callers commonly branch on.
const (
	SQLiteError      int32 = 1
	SQLiteBusy       int32 = 5
	SQLiteLocked     int32 = 6
	SQLiteReadOnly   int32 = 8
	SQLiteConstraint int32 = 19
)

// ServerError is the tagged error envelope returned by the server. For a
// session it also means the server has already rolled the transaction back.
type ServerError struct {
	Code      int32 // SQLite extended result code, 0 if unknown
	Message   string
	FailedSQL string
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("sqlrpc: server error (code %d): %s", e.Code, e.Message)
	}
	return "sqlrpc: server error: " + e.Message
}

// Is supports errors.Is by matching any *ServerError target.
func (e *ServerError) Is(target error) bool {
	_, ok := target.(*ServerError)
	return ok
}

// PrimaryCode strips the extended bits from Code.
func (e *ServerError) PrimaryCode() int32 {
	return e.Code & 0xff
}

// IsBusy reports whether the server rejected the statement with SQLITE_BUSY
// or SQLITE_LOCKED. Retrying is the caller's decision.
func (e *ServerError) IsBusy() bool {
	c := e.PrimaryCode()
	return c == SQLiteBusy || c == SQLiteLocked
}

// TransportError reports a connection failure or a stream that ended before
// the protocol said it should.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sqlrpc: transport: %s", e.Op)
	}
	return fmt.Sprintf("sqlrpc: transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *TransportError target.
func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// TransactionError reports a transaction that could not be started because
// its stream could not be opened.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("sqlrpc: transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Is supports errors.Is by matching any *TransactionError target.
func (e *TransactionError) Is(target error) bool {
	_, ok := target.(*TransactionError)
	return ok
}

// ProtocolError reports a message the engine could not interpret in its
// current state, or a payload that failed to decode.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "sqlrpc: protocol: " + e.Message
}

// Is supports errors.Is by matching any *ProtocolError target.
func (e *ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

// ScriptError identifies the statement of a script that failed.
type ScriptError struct {
	Index int
	Err   error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("sqlrpc: script statement %d: %v", e.Index, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }
