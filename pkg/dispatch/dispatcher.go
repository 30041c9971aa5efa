package dispatch

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
	"viewstore/pkg/telemetry"
	"viewstore/pkg/txn"
	"viewstore/pkg/views"

	"github.com/oklog/ulid/v2"
)

type State uint8

const (
	Idle State = iota
	Dispatching
)

func (s State) String() string {
	if s == Dispatching {
		return "dispatching"
	}
	return "idle"
}

// ChangeFunc observes a published snapshot. It runs while the dispatcher is
// Dispatching, on the dispatcher's goroutine.
type ChangeFunc func(d *Dispatcher, key views.Key, snap views.Snapshot)

type Options struct {
	// Strict panics with ReentrancyViolation on registry mutation during a
	// dispatch instead of deferring it.
	Strict bool
	// StreamBacklog bounds the undelivered snapshots per subscription.
	StreamBacklog int
	OnChange      ChangeFunc
}

type entry struct {
	view views.View
	// seq is the last commit the view state reflects
	seq   uint64
	stale bool
	last  views.Snapshot
	subs  map[string]*Subscription
}

// Dispatcher owns the set of live views and replays committed descriptors
// into them. It is not synchronized: all calls must come from one goroutine,
// normally the Queue's.
type Dispatcher struct {
	src  Source
	opts Options

	state    State
	lastSeq  uint64
	entries  map[views.Key]*entry
	handles  map[string]*Subscription
	deferred []func()
	closed   bool
}

func New(src Source, opts Options) *Dispatcher {
	return &Dispatcher{
		src:     src,
		opts:    opts,
		lastSeq: src.LastSeq(),
		entries: make(map[views.Key]*entry),
		handles: make(map[string]*Subscription),
	}
}

func (d *Dispatcher) State() State {
	return d.state
}

func (d *Dispatcher) LastSeq() uint64 {
	return d.lastSeq
}

// guard handles a registry mutation attempted while Dispatching. It returns
// true when the caller should defer op instead of running it now.
func (d *Dispatcher) guard(op string) bool {
	if d.state != Dispatching {
		return false
	}
	if d.opts.Strict {
		panic(ReentrancyViolation{Op: op})
	}
	metrics.DeferredOps.WithLabelValues(op).Inc()
	logger.Debug("dispatch_deferred", "op", op, "seq", d.lastSeq)
	return true
}

// Commit replays tx into every live view exactly once and publishes the
// snapshots of views that changed.
func (d *Dispatcher) Commit(tx *txn.Descriptor) error {
	if d.closed {
		return ErrQueueClosed
	}
	if d.guard("commit") {
		d.deferred = append(d.deferred, func() {
			if err := d.Commit(tx); err != nil {
				logger.Error("deferred_commit_failed", "seq", tx.Seq(), "error", err)
			}
		})
		return nil
	}
	if tx.Seq() <= d.lastSeq {
		return fmt.Errorf("%w: seq %d, last dispatched %d", ErrOutOfOrder, tx.Seq(), d.lastSeq)
	}

	tr := telemetry.Track("dispatch.commit")
	defer tr.Finish()
	start := time.Now()

	gap := tx.Seq() > d.lastSeq+1
	d.state = Dispatching
	var errs []error
	changed := 0
	if gap {
		logger.Warn("dispatch_gap", "last", d.lastSeq, "seq", tx.Seq(), "views", len(d.entries))
		n, err := d.refreshEntries(d.sortedKeys(), "gap")
		changed += n
		if err != nil {
			errs = append(errs, err)
		}
	} else {
		for _, key := range d.sortedKeys() {
			e := d.entries[key]
			if e.stale {
				if ok, err := d.refreshEntry(key, e); err != nil {
					errs = append(errs, err)
				} else if ok {
					changed++
				}
				continue
			}
			if e.seq >= tx.Seq() {
				continue
			}
			ok, err := e.view.Replay(d.src, tx)
			if err != nil {
				// the view missed this commit; reload it before the next replay
				e.stale = true
				metrics.ViewReplays.WithLabelValues(key.Kind.String(), "error").Inc()
				logger.Error("view_replay_failed", "view", key.String(), "seq", tx.Seq(), "error", err)
				errs = append(errs, fmt.Errorf("replay %s: %w", key, err))
				continue
			}
			e.seq = tx.Seq()
			if !ok {
				metrics.ViewReplays.WithLabelValues(key.Kind.String(), "unchanged").Inc()
				continue
			}
			metrics.ViewReplays.WithLabelValues(key.Kind.String(), "changed").Inc()
			changed++
			d.publish(key, e)
		}
	}
	d.lastSeq = tx.Seq()
	tr.Mark("replay")

	metrics.DispatchCommits.Inc()
	metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	logger.Debug("dispatch_commit", "seq", tx.Seq(), "views", len(d.entries), "changed", changed)

	d.state = Idle
	d.runDeferred()
	return errors.Join(errs...)
}

func (d *Dispatcher) publish(key views.Key, e *entry) {
	snap := e.view.Snapshot()
	e.last = snap
	for _, sub := range e.subs {
		sub.Stream.push(snap)
	}
	if d.opts.OnChange != nil {
		d.opts.OnChange(d, key, snap)
	}
}

func (d *Dispatcher) runDeferred() {
	for len(d.deferred) > 0 && d.state == Idle {
		fn := d.deferred[0]
		d.deferred[0] = nil
		d.deferred = d.deferred[1:]
		fn()
	}
}

func (d *Dispatcher) sortedKeys() []views.Key {
	out := make([]views.Key, 0, len(d.entries))
	for k := range d.entries {
		out = append(out, k)
	}
	slices.SortFunc(out, compareKeys)
	return out
}

func compareKeys(a, b views.Key) int {
	if a.Kind != b.Kind {
		return cmp.Compare(a.Kind, b.Kind)
	}
	if c := cmp.Compare(a.Peer, b.Peer); c != 0 {
		return c
	}
	return a.Message.Compare(b.Message)
}

// Subscribe attaches a new subscription to the view for key, constructing
// the view if this is its first subscriber. While Dispatching the call is
// deferred (or panics in strict mode) and the returned subscription stays
// pending until the dispatch ends.
func (d *Dispatcher) Subscribe(key views.Key) (*Subscription, error) {
	if d.closed {
		return nil, ErrQueueClosed
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	sub := &Subscription{
		Handle: ulid.Make().String(),
		Key:    key,
		Stream: newStream(d.opts.StreamBacklog),
	}
	if d.guard("subscribe") {
		sub.pending = true
		d.handles[sub.Handle] = sub
		d.deferred = append(d.deferred, func() {
			if sub.done {
				return
			}
			if err := d.attach(sub); err != nil {
				delete(d.handles, sub.Handle)
				sub.done = true
				sub.Stream.close(err)
				logger.Warn("deferred_subscribe_failed", "view", key.String(), "error", err)
			}
		})
		return sub, nil
	}
	if err := d.attach(sub); err != nil {
		return nil, err
	}
	d.handles[sub.Handle] = sub
	return sub, nil
}

func (d *Dispatcher) attach(sub *Subscription) error {
	e, ok := d.entries[sub.Key]
	if !ok {
		var err error
		e, err = d.construct(sub.Key)
		if err != nil {
			return err
		}
		d.entries[sub.Key] = e
		metrics.LiveViews.Set(float64(len(d.entries)))
	}
	e.subs[sub.Handle] = sub
	d.handles[sub.Handle] = sub
	metrics.Subscribers.Inc()
	sub.attach(e.last)
	logger.Debug("view_subscribed", "view", sub.Key.String(), "handle", sub.Handle, "subscribers", len(e.subs))
	return nil
}

func (d *Dispatcher) construct(key views.Key) (*entry, error) {
	snap, err := d.src.OpenSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: open snapshot: %w", views.ErrStoreRead, err)
	}
	defer snap.Close()
	v, err := views.New(snap, key)
	if err != nil {
		return nil, err
	}
	logger.Debug("view_constructed", "view", key.String(), "seq", snap.Seq())
	return &entry{
		view: v,
		seq:  snap.Seq(),
		last: v.Snapshot(),
		subs: make(map[string]*Subscription),
	}, nil
}

// Unsubscribe detaches handle. The last subscriber leaving destroys the view.
func (d *Dispatcher) Unsubscribe(handle string) error {
	sub, ok := d.handles[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if d.guard("unsubscribe") {
		d.deferred = append(d.deferred, func() {
			if err := d.Unsubscribe(handle); err != nil && !errors.Is(err, ErrUnknownHandle) {
				logger.Warn("deferred_unsubscribe_failed", "handle", handle, "error", err)
			}
		})
		return nil
	}
	delete(d.handles, handle)
	sub.done = true
	sub.Stream.close(nil)
	e, ok := d.entries[sub.Key]
	if !ok {
		// still pending
		return nil
	}
	if _, attached := e.subs[handle]; attached {
		delete(e.subs, handle)
		metrics.Subscribers.Dec()
	}
	if len(e.subs) == 0 {
		delete(d.entries, sub.Key)
		metrics.LiveViews.Set(float64(len(d.entries)))
		logger.Debug("view_destroyed", "view", sub.Key.String())
	}
	return nil
}

// Refresh reloads one live view from the store, publishing when it changed.
func (d *Dispatcher) Refresh(key views.Key) (bool, error) {
	e, ok := d.entries[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownView, key)
	}
	if d.state == Dispatching {
		if d.opts.Strict {
			panic(ReentrancyViolation{Op: "refresh"})
		}
		return false, fmt.Errorf("refresh %s: %w", key, ReentrancyViolation{Op: "refresh"})
	}
	return d.refreshEntry(key, e)
}

// RefreshAll reloads every live view and returns how many changed.
func (d *Dispatcher) RefreshAll() (int, error) {
	if d.state == Dispatching {
		if d.opts.Strict {
			panic(ReentrancyViolation{Op: "refresh"})
		}
		return 0, fmt.Errorf("refresh all: %w", ReentrancyViolation{Op: "refresh"})
	}
	return d.refreshEntries(d.sortedKeys(), "external")
}

func (d *Dispatcher) refreshEntries(keys []views.Key, cause string) (int, error) {
	var errs []error
	changed := 0
	for _, key := range keys {
		e, live := d.entries[key]
		if !live {
			continue
		}
		ok, err := d.refreshEntry(key, e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}
	if len(keys) > 0 {
		logger.Info("views_refreshed", "cause", cause, "views", len(keys), "changed", changed)
	}
	return changed, errors.Join(errs...)
}

func (d *Dispatcher) refreshEntry(key views.Key, e *entry) (bool, error) {
	snap, err := d.src.OpenSnapshot()
	if err != nil {
		e.stale = true
		return false, fmt.Errorf("%w: open snapshot: %w", views.ErrStoreRead, err)
	}
	defer snap.Close()
	changed, err := e.view.RefreshDueToExternalTransaction(snap)
	if err != nil {
		e.stale = true
		logger.Error("view_refresh_failed", "view", key.String(), "error", err)
		return false, fmt.Errorf("refresh %s: %w", key, err)
	}
	e.stale = false
	e.seq = snap.Seq()
	if changed {
		prev := d.state
		d.state = Dispatching
		d.publish(key, e)
		d.state = prev
		if prev == Idle {
			d.runDeferred()
		}
	}
	return changed, nil
}

// Peek returns the current snapshot for key without subscribing. A live
// view marked stale is reloaded first, unless a dispatch is in progress. A
// view that is not live is built from a store snapshot and discarded.
func (d *Dispatcher) Peek(key views.Key) (views.Snapshot, error) {
	if e, ok := d.entries[key]; ok {
		if e.stale && d.state != Dispatching {
			if _, err := d.refreshEntry(key, e); err != nil {
				return nil, err
			}
		}
		return e.last, nil
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e, err := d.construct(key)
	if err != nil {
		return nil, err
	}
	return e.last, nil
}

type ViewStats struct {
	Key         views.Key `json:"-"`
	View        string    `json:"view"`
	Seq         uint64    `json:"seq"`
	Stale       bool      `json:"stale"`
	Subscribers int       `json:"subscribers"`
}

type Stats struct {
	State       string      `json:"state"`
	LastSeq     uint64      `json:"last_seq"`
	Subscribers int         `json:"subscribers"`
	Deferred    int         `json:"deferred"`
	Views       []ViewStats `json:"views"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{State: d.state.String(), LastSeq: d.lastSeq, Deferred: len(d.deferred)}
	for _, key := range d.sortedKeys() {
		e := d.entries[key]
		st.Views = append(st.Views, ViewStats{
			Key:         key,
			View:        key.String(),
			Seq:         e.seq,
			Stale:       e.stale,
			Subscribers: len(e.subs),
		})
		st.Subscribers += len(e.subs)
	}
	return st
}

// Keys lists live view keys in a stable order.
func (d *Dispatcher) Keys() []views.Key {
	return d.sortedKeys()
}

// Close ends every subscription stream and drops all views.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	for h, sub := range d.handles {
		sub.Stream.close(ErrStreamClosed)
		delete(d.handles, h)
	}
	for k := range d.entries {
		delete(d.entries, k)
	}
	d.deferred = nil
	metrics.LiveViews.Set(0)
	metrics.Subscribers.Set(0)
}
