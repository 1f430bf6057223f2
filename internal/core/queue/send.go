// Package queue holds work for a destination that is not reachable yet.
package queue

import (
	"fmt"
	"sync"
)

// Sender is the destination a queue flushes into.
type Sender[T any] interface {
	Send(entry T) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc[T any] func(entry T) error

func (f SenderFunc[T]) Send(entry T) error {
	return f(entry)
}

// FlushError reports the entry a sender refused while the queue was being
// flushed. The entry is no longer buffered; entries behind it still are.
type FlushError[T any] struct {
	Entry T
	Err   error
}

func (e *FlushError[T]) Error() string {
	return fmt.Sprintf("queue flush: %v", e.Err)
}

func (e *FlushError[T]) Unwrap() error {
	return e.Err
}

// Send is a FIFO of entries with at most one attached Sender. While
// detached, appends are buffered. Attach flushes the buffer in order, and
// afterwards appends go straight to the sender. The queue lock is never held
// while a sender runs.
type Send[T any] struct {
	mu     sync.Mutex
	buffer []T
	sender Sender[T]
	// flushing is the sender being handed the buffer; appends queue behind
	// it until the buffer is empty. epoch changes on every bind and unbind.
	flushing Sender[T]
	epoch    uint64
}

func NewSend[T any]() *Send[T] {
	return &Send[T]{}
}

// Append forwards entry to the attached sender or buffers it. The error is
// the sender's, a buffered append never fails.
func (q *Send[T]) Append(entry T) error {
	if sender := q.Push(entry); sender != nil {
		return sender.Send(entry)
	}
	return nil
}

// Push buffers entry while no sender is attached and returns nil. When a
// sender is attached entry is not buffered; the sender is returned and the
// caller hands entry to it.
func (q *Send[T]) Push(entry T) Sender[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sender == nil {
		q.buffer = append(q.buffer, entry)
		return nil
	}
	return q.sender
}

// Attach binds sender and flushes every buffered entry before any later
// Append can reach it. On the first refusal the queue detaches again and
// returns a *FlushError carrying the refused entry.
func (q *Send[T]) Attach(sender Sender[T]) error {
	q.mu.Lock()
	q.epoch++
	epoch := q.epoch
	q.sender, q.flushing = nil, sender
	q.mu.Unlock()

	return q.flush(sender, epoch)
}

// Detach unbinds the current sender; later appends are buffered.
func (q *Send[T]) Detach() Sender[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	sender := q.sender
	if sender == nil {
		sender = q.flushing
	}
	q.sender, q.flushing = nil, nil
	q.epoch++
	return sender
}

// Absorb moves the buffered entries of other behind the entries of q,
// keeping their order. If q is attached they are flushed right away.
func (q *Send[T]) Absorb(other *Send[T]) (int, error) {
	if other == nil || other == q {
		return 0, nil
	}
	moved := other.Drop()
	if len(moved) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	q.buffer = append(q.buffer, moved...)
	sender := q.sender
	if sender == nil {
		// detached, or a running flush picks them up
		q.mu.Unlock()
		return len(moved), nil
	}
	q.epoch++
	epoch := q.epoch
	q.sender, q.flushing = nil, sender
	q.mu.Unlock()

	return len(moved), q.flush(sender, epoch)
}

// Drop empties the buffer without flushing it and returns what was held.
func (q *Send[T]) Drop() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.buffer
	q.buffer = nil
	return entries
}

// Len is the number of buffered entries.
func (q *Send[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buffer)
}

// Attached reports whether a sender is bound.
func (q *Send[T]) Attached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sender != nil || q.flushing != nil
}

// flush hands the buffer to sender one entry at a time and publishes it once
// the buffer is empty. A Detach in between ends the flush.
func (q *Send[T]) flush(sender Sender[T], epoch uint64) error {
	for {
		q.mu.Lock()
		if q.epoch != epoch {
			q.mu.Unlock()
			return nil
		}
		if len(q.buffer) == 0 {
			q.buffer = nil
			q.sender, q.flushing = sender, nil
			q.mu.Unlock()
			return nil
		}
		entry := q.buffer[0]
		var zero T
		q.buffer[0] = zero
		q.buffer = q.buffer[1:]
		q.mu.Unlock()

		if err := sender.Send(entry); err != nil {
			q.mu.Lock()
			if q.epoch == epoch {
				q.flushing = nil
				q.epoch++
			}
			q.mu.Unlock()
			return &FlushError[T]{Entry: entry, Err: err}
		}
	}
}
