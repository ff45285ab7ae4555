// Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package sqlrpc is a client for a remote SQLite database service spoken
// over gRPC. It runs ad-hoc queries, multi-statement transactions with
// savepoints, and consumes result sets either fully buffered or row by row.
//
// # Calls
//
// The service exposes three RPCs:
//
//   - Query: one statement, one materialized result. Use [Client.Query].
//   - QueryStream: one statement, a header followed by row batches and a
//     terminator. Use [Client.QueryStream].
//   - Transaction: a bidirectional stream that carries one transaction.
//     Use [Client.Begin] or [Client.Transaction].
//
// # Sessions
//
// A [Session] owns one Transaction stream. Exactly one command is in flight
// at a time; a second command issued while the first is awaiting its
// response, or while a [Rows] is open, fails with [ErrBusy] before anything
// reaches the wire. A server error, a transport failure, or a context that
// ends while a command is waiting finalizes the session: the pending command
// and any open Rows fail with the same error and the stream is severed. The
// server rolls the transaction back on its side.
//
//	err := client.Transaction(ctx, "bank.db", sqlrpc.ModeImmediate,
//		func(ctx context.Context, s *sqlrpc.Session) error {
//			_, err := s.Query(ctx, sqlrpc.SQL("UPDATE accounts SET balance = balance - ? WHERE id = ?", 100, 1))
//			return err
//		})
//
// # Streaming and flow control
//
// Streamed rows travel through a [RowQueue]. When the consumer falls behind
// and the queue reaches its high-water mark, the receive loop stops reading
// from the stream until the queue drains to the low-water mark, so gRPC flow
// control pushes back on the server. See [WithQueueWatermarks].
//
// # Values
//
// Parameters are built from native Go values by [BuildParameters]. Integers
// beyond ±(2^53-1), []byte, time.Time and json.RawMessage are sent with type
// hints so they survive the JSON-like wire values. Results are decoded by
// [ValueDecoder] using each column's declared kind.
//
// # Wire format
//
// Messages are protobuf, encoded field by field with protowire and carried by
// a gRPC codec named "proto". The schema lives in
// proto/sqlrpc/v1/sqlrpc.proto.
package sqlrpc
