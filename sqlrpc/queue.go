// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package sqlrpc

import (
	"context"
	"io"
	"sync"
)

// Default watermarks, in queued batches.
const (
	DefaultHighWater = 64
	DefaultLowWater  = 16
)

// FlowControl configures the watermarks of a RowQueue. Pause is called once
// each time the buffered depth reaches High; Resume is called once each time
// a paused queue drains to Low or below. High <= 0 disables flow control.
//
// Both callbacks run with the queue's lock held, so they are ordered with the
// paused flag and must not call back into the queue.
type FlowControl struct {
	High   int
	Low    int
	Pause  func()
	Resume func()
}

func (fc FlowControl) normalized() FlowControl {
	if fc.High <= 0 {
		return FlowControl{}
	}
	if fc.Low < 0 || fc.Low >= fc.High {
		fc.Low = fc.High / 2
	}
	return fc
}

// RowQueue is a closeable, failable, single-producer single-consumer FIFO
// bridging pushed network delivery to pulled consumption.
//
// Items are never reordered or dropped, except after Discard. Once the queue
// is closed or failed, buffered items are still delivered, and then every
// pull resolves with the terminal signal: io.EOF after Close, the error
// after Fail.
type RowQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiting bool
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	err     error
	summary *WriteSummary
	discard bool
	paused  bool
	flow    FlowControl
}

// NewRowQueue creates an empty, open queue.
func NewRowQueue[T any](flow FlowControl) *RowQueue[T] {
	return &RowQueue[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		flow: flow.normalized(),
	}
}

func (q *RowQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push appends item. It reports false if the item was not accepted because
// the queue is already terminal or discarding.
func (q *RowQueue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed || q.discard {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	if q.waiting {
		q.signal()
	}
	if q.flow.High > 0 && !q.paused && len(q.items) >= q.flow.High {
		q.paused = true
		if q.flow.Pause != nil {
			q.flow.Pause()
		}
	}
	q.mu.Unlock()
	return true
}

// Close marks the end of the sequence.
func (q *RowQueue[T]) Close() {
	q.terminate(nil, nil)
}

// CloseWithSummary attaches a write-summary and marks the end of the sequence.
func (q *RowQueue[T]) CloseWithSummary(summary WriteSummary) {
	q.terminate(nil, &summary)
}

// SetSummary attaches a write-summary without ending the sequence.
func (q *RowQueue[T]) SetSummary(summary WriteSummary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.summary = &summary
	}
}

// Fail marks the queue terminal with err. A nil err is treated as Close.
func (q *RowQueue[T]) Fail(err error) {
	q.terminate(err, nil)
}

func (q *RowQueue[T]) terminate(err error, summary *WriteSummary) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	if summary != nil {
		q.summary = summary
	}
	close(q.done)
	q.signal()
}

// Next returns the oldest item, suspending until one is pushed or the queue
// turns terminal. Only one Next may be outstanding at a time.
func (q *RowQueue[T]) Next(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if q.waiting {
		q.mu.Unlock()
		return zero, &UsageError{Op: "next", Err: ErrConcurrentNext}
	}
	for {
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.checkResume()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		q.waiting = true
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			q.mu.Lock()
			q.waiting = false
			q.mu.Unlock()
			return zero, ctx.Err()
		}

		q.mu.Lock()
		q.waiting = false
	}
}

// checkResume must be called with mu held.
func (q *RowQueue[T]) checkResume() {
	if q.paused && len(q.items) <= q.flow.Low {
		q.unpause()
	}
}

// unpause must be called with mu held.
func (q *RowQueue[T]) unpause() {
	q.paused = false
	if q.flow.Resume != nil {
		q.flow.Resume()
	}
}

// Discard drops every buffered item and every future push, and releases a
// paused producer. Used when the consumer abandons a stream that is still
// being delivered.
func (q *RowQueue[T]) Discard() {
	q.mu.Lock()
	q.discard = true
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = nil
	if q.paused {
		q.unpause()
	}
	q.mu.Unlock()
}

// Len returns the number of buffered items.
func (q *RowQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Paused reports whether the producer is currently asked to hold delivery.
func (q *RowQueue[T]) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Done is closed once the queue turns terminal.
func (q *RowQueue[T]) Done() <-chan struct{} {
	return q.done
}

// Err returns the terminal error, or nil if the queue is open or closed
// normally.
func (q *RowQueue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Summary returns the write-summary attached by CloseWithSummary.
func (q *RowQueue[T]) Summary() (WriteSummary, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.summary == nil {
		return WriteSummary{}, false
	}
	return *q.summary, true
}

// flowGate holds a receive loop between messages while its queue is paused.
type flowGate struct {
	ctx context.Context
	mu  sync.Mutex
	ch  chan struct{} // non-nil while paused
}

func newFlowGate(ctx context.Context) *flowGate {
	return &flowGate{ctx: ctx}
}

func (g *flowGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
}

func (g *flowGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

// wait returns once the gate is open or its context ends.
func (g *flowGate) wait() {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	case <-g.ctx.Done():
	}
}
