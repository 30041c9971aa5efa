package dispatch

import (
	"context"

	"viewstore/pkg/logger"
	"viewstore/pkg/store/db"
	"viewstore/pkg/txn"
	"viewstore/pkg/views"
)

// Service fronts a Dispatcher with a Queue so it can be used from any
// goroutine, and feeds it every commit of the record store.
type Service struct {
	q *Queue
	d *Dispatcher
}

type ServiceOptions struct {
	Options
	QueueCapacity int
}

// NewService attaches a dispatcher to store. Commits are posted to the queue
// from the store's commit hook, so they are dispatched in commit order.
func NewService(store *db.Store, opts ServiceOptions) *Service {
	s := &Service{
		q: NewQueue(opts.QueueCapacity),
		d: New(StoreSource(store), opts.Options),
	}
	store.OnCommit(s.enqueue)
	return s
}

func (s *Service) enqueue(tx *txn.Descriptor) {
	err := s.q.Post(func() {
		if err := s.d.Commit(tx); err != nil {
			logger.Error("dispatch_commit_failed", "seq", tx.Seq(), "error", err)
		}
	})
	if err != nil {
		logger.Warn("dispatch_commit_dropped", "seq", tx.Seq(), "error", err)
	}
}

func (s *Service) Subscribe(ctx context.Context, key views.Key) (*Subscription, error) {
	var sub *Subscription
	var serr error
	if err := s.q.Do(ctx, func() { sub, serr = s.d.Subscribe(key) }); err != nil {
		// fn may have run after all; undo it in queue order
		_ = s.q.Post(func() {
			if sub != nil {
				_ = s.d.Unsubscribe(sub.Handle)
			}
		})
		return nil, err
	}
	return sub, serr
}

func (s *Service) Unsubscribe(ctx context.Context, handle string) error {
	var uerr error
	if err := s.q.Do(ctx, func() { uerr = s.d.Unsubscribe(handle) }); err != nil {
		return err
	}
	return uerr
}

// Sync waits until every commit posted before the call has been dispatched.
func (s *Service) Sync(ctx context.Context) error {
	return s.q.Do(ctx, func() {})
}

func (s *Service) Refresh(ctx context.Context, key views.Key) (bool, error) {
	var changed bool
	var rerr error
	if err := s.q.Do(ctx, func() { changed, rerr = s.d.Refresh(key) }); err != nil {
		return false, err
	}
	return changed, rerr
}

func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	var changed int
	var rerr error
	if err := s.q.Do(ctx, func() { changed, rerr = s.d.RefreshAll() }); err != nil {
		return 0, err
	}
	return changed, rerr
}

func (s *Service) Peek(ctx context.Context, key views.Key) (views.Snapshot, error) {
	var snap views.Snapshot
	var perr error
	if err := s.q.Do(ctx, func() { snap, perr = s.d.Peek(key) }); err != nil {
		return nil, err
	}
	return snap, perr
}

func (s *Service) Keys(ctx context.Context) ([]views.Key, error) {
	var keys []views.Key
	if err := s.q.Do(ctx, func() { keys = s.d.Keys() }); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.q.Do(ctx, func() { st = s.d.Stats() }); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Close drains pending commits, then ends every subscription.
func (s *Service) Close() {
	s.q.Close()
	s.d.Close()
}
