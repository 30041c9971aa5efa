package dispatch

import (
	"context"
	"sync"
)

// Queue runs posted functions one at a time, in posting order, on a single
// goroutine.
type Queue struct {
	mu     sync.RWMutex
	ops    chan func()
	closed bool
	done   chan struct{}
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{
		ops:  make(chan func(), capacity),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for fn := range q.ops {
		fn()
	}
}

// Post enqueues fn, blocking while the queue is full.
func (q *Queue) Post(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ops <- fn
	return nil
}

// Do runs fn on the queue and waits for it. If ctx ends first Do returns
// ctx.Err(); fn is then skipped unless it had already started.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	finished := make(chan struct{})
	ran := false
	err := q.Post(func() {
		defer close(finished)
		if ctx.Err() != nil {
			return
		}
		ran = true
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		if !ran {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs what is already queued, and waits for
// the loop to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ops)
	}
	q.mu.Unlock()
	<-q.done
}
