// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"errors"
	"io"
	"iter"
	"runtime"
)

// streamOwner is the session or stateless call that feeds a Rows.
type streamOwner interface {
	// abortStream severs the feed after the consumer's context ended.
	abortStream(err error)
	// drainStream releases the feed of a Rows closed before its end.
	drainStream(q *RowQueue[[]Row]) error
}

// Rows is a lazy, finite, single-pass sequence of streamed rows. It is not
// safe for concurrent use.
//
//	rows, err := session.Iterate(ctx, sqlrpc.SQL("SELECT id, name FROM users"))
//	if err != nil {
//		return err
//	}
//	defer rows.Close()
//	for rows.Next(ctx) {
//		row := rows.Row()
//		...
//	}
//	return rows.Err()
type Rows struct {
	owner  streamOwner
	cols   ColumnMetadata
	queue  *RowQueue[[]Row]
	batch  []Row
	pos    int
	row    Row
	err    error
	done   bool
	closed bool
}

func newRows(owner streamOwner, cols ColumnMetadata, queue *RowQueue[[]Row]) *Rows {
	r := &Rows{owner: owner, cols: cols, queue: queue}
	// A Rows dropped mid-stream stops holding back the producer.
	runtime.AddCleanup(r, (*RowQueue[[]Row]).Discard, queue)
	return r
}

// Columns returns the column metadata of the result.
func (r *Rows) Columns() ColumnMetadata { return r.cols }

// Next advances to the next row. It returns false at the end of the stream or
// on error; check Err afterwards. If ctx ends while Next is waiting, the
// stream is severed.
func (r *Rows) Next(ctx context.Context) bool {
	if r.done || r.closed {
		return false
	}
	for r.pos >= len(r.batch) {
		batch, err := r.queue.Next(ctx)
		if err != nil {
			r.done = true
			r.batch, r.row = nil, nil
			switch {
			case errors.Is(err, io.EOF):
			case ctx.Err() != nil && errors.Is(err, ctx.Err()):
				r.err = &TransportError{Op: "next", Err: err}
				r.owner.abortStream(err)
			default:
				r.err = err
			}
			return false
		}
		r.batch, r.pos = batch, 0
	}
	r.row = r.batch[r.pos]
	r.pos++
	return true
}

// Row returns the current row.
func (r *Rows) Row() Row { return r.row }

// Err returns the error that ended the stream, if any.
func (r *Rows) Err() error { return r.err }

// Summary returns the write-summary when the stream ended with one.
func (r *Rows) Summary() (WriteSummary, bool) { return r.queue.Summary() }

// Close releases the stream. Closing a Rows before its end discards the
// remaining rows; on a session this waits until the server ends the stream,
// so the session can take the next command. A server that never ends it gets
// the session severed after a bounded wait.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.batch, r.row = nil, nil
	if r.done {
		return nil
	}
	r.done = true
	return r.owner.drainStream(r.queue)
}

// All returns an iterator over the remaining rows. The Rows is closed when the
// loop ends. A failure is yielded once, as the last element.
func (r *Rows) All(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		defer r.Close()
		for r.Next(ctx) {
			if !yield(r.Row(), nil) {
				return
			}
		}
		if err := r.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Batches regroups a streamed result into batches of a fixed size.
type Batches struct {
	rows  *Rows
	size  int
	batch []Row
}

func newBatches(rows *Rows, size int) *Batches {
	return &Batches{rows: rows, size: size}
}

// Columns returns the column metadata of the result.
func (b *Batches) Columns() ColumnMetadata { return b.rows.Columns() }

// Next collects the next batch. Every batch holds exactly the configured
// number of rows except possibly the last; an empty result yields none.
func (b *Batches) Next(ctx context.Context) bool {
	b.batch = make([]Row, 0, b.size)
	for len(b.batch) < b.size && b.rows.Next(ctx) {
		b.batch = append(b.batch, b.rows.Row())
	}
	if b.rows.Err() != nil {
		b.batch = nil
		return false
	}
	return len(b.batch) > 0
}

// Batch returns the current batch.
func (b *Batches) Batch() []Row { return b.batch }

// Err returns the error that ended the stream, if any.
func (b *Batches) Err() error { return b.rows.Err() }

// Summary returns the write-summary when the stream ended with one.
func (b *Batches) Summary() (WriteSummary, bool) { return b.rows.Summary() }

// Close releases the stream.
func (b *Batches) Close() error { return b.rows.Close() }
