// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package eventqueue provides the buffer between a river's tailers and its
// indexer. A bounded queue applies back-pressure to the tailers once it is
// full; an unbounded queue never blocks them.
package eventqueue

import (
	"context"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/juju/mongoriver/core/river"
)

// ErrQueueClosed is returned from Put and Take once the queue is dying.
const ErrQueueClosed = errors.ConstError("event queue closed")

// Queue is a FIFO of change events shared by many producers and a single
// consumer. It is a worker; killing it releases every blocked caller.
type Queue struct {
	catacomb catacomb.Catacomb

	capacity int

	// in is the producer side. For a bounded queue in and out are the
	// same buffered channel.
	in  chan river.ChangeEvent
	out chan river.ChangeEvent

	// pending counts the events handed to the queue and not yet taken.
	// A consumer may decrement it before the producer's increment lands.
	pending atomic.Int64
}

// New returns a running queue. A capacity of river.UnboundedThrottle
// selects an unbounded queue; any other value must be positive.
func New(capacity int) (*Queue, error) {
	if capacity != river.UnboundedThrottle && capacity <= 0 {
		return nil, errors.NotValidf("queue capacity %d", capacity)
	}

	q := &Queue{capacity: capacity}
	work := q.waitDying
	if capacity == river.UnboundedThrottle {
		q.in = make(chan river.ChangeEvent)
		q.out = make(chan river.ChangeEvent)
		work = q.pump
	} else {
		q.in = make(chan river.ChangeEvent, capacity)
		q.out = q.in
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &q.catacomb,
		Work: work,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return q, nil
}

// Capacity returns the bound of the queue, or zero for an unbounded
// queue.
func (q *Queue) Capacity() int {
	if q.capacity == river.UnboundedThrottle {
		return 0
	}
	return q.capacity
}

// Len returns the number of events waiting to be taken. Producers blocked
// on a full bounded queue are not counted.
func (q *Queue) Len() int {
	if q.capacity != river.UnboundedThrottle {
		return len(q.in)
	}
	return int(max(q.pending.Load(), 0))
}

// Put appends an event. On a full bounded queue it blocks until space is
// made, the context is done or the queue is killed.
func (q *Queue) Put(ctx context.Context, event river.ChangeEvent) error {
	select {
	case <-q.catacomb.Dying():
		return ErrQueueClosed
	default:
	}

	select {
	case q.in <- event:
		q.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.catacomb.Dying():
		return ErrQueueClosed
	}
}

// Take removes the oldest event, blocking until one is available, the
// context is done or the queue is killed.
func (q *Queue) Take(ctx context.Context) (river.ChangeEvent, error) {
	select {
	case event := <-q.out:
		q.pending.Add(-1)
		return event, nil
	case <-ctx.Done():
		return river.ChangeEvent{}, ctx.Err()
	case <-q.catacomb.Dying():
		return river.ChangeEvent{}, ErrQueueClosed
	}
}

// Changes exposes the consumer side of the queue for use in select
// statements. Callers receiving from it must call Taken afterwards.
func (q *Queue) Changes() <-chan river.ChangeEvent {
	return q.out
}

// Taken records that an event read from Changes has been consumed.
func (q *Queue) Taken() {
	q.pending.Add(-1)
}

// Kill is part of the worker.Worker interface.
func (q *Queue) Kill() {
	q.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (q *Queue) Wait() error {
	return q.catacomb.Wait()
}

func (q *Queue) waitDying() error {
	<-q.catacomb.Dying()
	return q.catacomb.ErrDying()
}

// pump moves events from in to out, holding any backlog in memory.
func (q *Queue) pump() error {
	var backlog []river.ChangeEvent
	for {
		var (
			out  chan river.ChangeEvent
			next river.ChangeEvent
		)
		if len(backlog) > 0 {
			out = q.out
			next = backlog[0]
		}

		select {
		case <-q.catacomb.Dying():
			return q.catacomb.ErrDying()
		case event := <-q.in:
			backlog = append(backlog, event)
		case out <- next:
			backlog[0] = river.ChangeEvent{}
			backlog = backlog[1:]
		}
	}
}

var _ worker.Worker = (*Queue)(nil)
