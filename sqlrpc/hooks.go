// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import "context"

// CommandKind names the command a hook is observing.
type CommandKind string

const (
	CommandBegin         CommandKind = "begin"
	CommandQuery         CommandKind = "query"
	CommandQueryStream   CommandKind = "query_stream"
	CommandSavepoint     CommandKind = "savepoint"
	CommandCommit        CommandKind = "commit"
	CommandRollback      CommandKind = "rollback"
	CommandUnaryQuery    CommandKind = "unary_query"
	CommandStreamedQuery CommandKind = "streamed_query"
)

// CommandHook provides observability callpoints around every command.
// Implementations must be safe for concurrent use: independent sessions and
// stateless calls run concurrently against one client.
//
// For streaming commands OnCommandEnd fires when the stream terminates, so
// the statistics cover every row delivered.
type CommandHook interface {
	OnCommandStart(ctx context.Context, info CommandInfo) (context.Context, HookToken)
	OnCommandEnd(ctx context.Context, token HookToken, info CommandInfo, stats *CallStatistics, err error)
}

// HookToken is an opaque value returned by OnCommandStart and passed back to
// OnCommandEnd. Only meaningful to the CommandHook that created it.
type HookToken interface{}

// CommandInfo carries command metadata passed to hooks.
type CommandInfo struct {
	Kind          CommandKind
	Database      string
	SessionID     string // empty for stateless calls
	TransactionID string // server-assigned, empty until Begin completes
	SQL           string
}

// CallStatistics holds per-command counters.
type CallStatistics struct {
	Batches      int64
	Rows         int64
	RowsAffected int64
}

// RecordBatch records one received batch with the given row count.
func (s *CallStatistics) RecordBatch(numRows int) {
	s.Batches++
	s.Rows += int64(numRows)
}

// RecordWrite records a write-summary.
func (s *CallStatistics) RecordWrite(rowsAffected int64) {
	s.RowsAffected += rowsAffected
}
