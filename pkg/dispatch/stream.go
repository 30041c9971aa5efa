package dispatch

import (
	"context"
	"sync"

	"viewstore/pkg/metrics"
	"viewstore/pkg/views"
)

const defaultBacklog = 64

// Stream delivers snapshots of one subscription in publication order. When
// the consumer falls behind by more than the backlog, the oldest pending
// snapshots are dropped; the latest one is always kept.
type Stream struct {
	mu      sync.Mutex
	pending []views.Snapshot
	backlog int
	notify  chan struct{}
	closed  bool
	err     error
}

func newStream(backlog int) *Stream {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Stream{backlog: backlog, notify: make(chan struct{}, 1)}
}

func (s *Stream) push(snap views.Snapshot) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.pending) >= s.backlog {
		drop := len(s.pending) - s.backlog + 1
		s.pending = append(s.pending[:0], s.pending[drop:]...)
		metrics.StreamDropped.Add(float64(drop))
	}
	s.pending = append(s.pending, snap)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// close ends the stream. Pending snapshots stay readable; afterwards Next
// returns err, or ErrStreamClosed when err is nil.
func (s *Stream) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	s.wake()
}

// Next blocks until a snapshot is available, the stream ends, or ctx is done.
func (s *Stream) Next(ctx context.Context) (views.Snapshot, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			snap := s.pending[0]
			s.pending[0] = nil
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return snap, nil
		}
		if s.closed {
			err := s.err
			s.mu.Unlock()
			if err == nil {
				err = ErrStreamClosed
			}
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// TryNext returns the next pending snapshot without blocking.
func (s *Stream) TryNext() (views.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, false
	}
	snap := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return snap, true
}

// Err returns the terminal error, nil while the stream is open or when it
// ended by unsubscribe.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Subscription is one consumer's handle on a view.
type Subscription struct {
	Handle string
	Key    views.Key
	Stream *Stream

	mu      sync.Mutex
	initial views.Snapshot
	pending bool
	done    bool
}

// Initial is the snapshot current when the subscription attached, nil while
// the subscription is still pending. It is also the first stream element.
func (s *Subscription) Initial() views.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initial
}

// Pending reports whether attachment was deferred and has not happened yet.
func (s *Subscription) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Subscription) attach(initial views.Snapshot) {
	s.mu.Lock()
	s.initial = initial
	s.pending = false
	s.mu.Unlock()
	s.Stream.push(initial)
}
