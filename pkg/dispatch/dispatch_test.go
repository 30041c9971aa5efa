package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewstore/pkg/models"
	"viewstore/pkg/store/codec"
	"viewstore/pkg/store/db"
	"viewstore/pkg/store/keys"
	"viewstore/pkg/txn"
	"viewstore/pkg/views"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mid(peer string, seq uint64) models.MessageID {
	return models.MessageID{Peer: models.PeerID(peer), Seq: seq}
}

func commit(t *testing.T, s *db.Store, fn func(tx *db.Txn) error) *txn.Descriptor {
	t.Helper()
	d, err := s.Transaction(fn)
	require.NoError(t, err)
	return d
}

func setRecord(rec *models.CachedPeerData) func(tx *db.Txn) error {
	return func(tx *db.Txn) error { return tx.SetCachedPeerData(rec) }
}

func insert(m *models.Message) func(tx *db.Txn) error {
	return func(tx *db.Txn) error {
		_, err := tx.InsertMessage(m)
		return err
	}
}

func cpd(s views.Snapshot) *views.CachedPeerDataSnapshot {
	return s.(*views.CachedPeerDataSnapshot)
}

func nextNow(t *testing.T, st *Stream) views.Snapshot {
	t.Helper()
	snap, ok := st.TryNext()
	require.True(t, ok, "expected a pending snapshot")
	return snap
}

func TestSubscribePublishesChanges(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	s.OnCommit(func(tx *txn.Descriptor) { require.NoError(t, d.Commit(tx)) })

	key := views.CachedPeerDataKey("p1", true)
	sub, err := d.Subscribe(key)
	require.NoError(t, err)
	assert.False(t, sub.Pending())
	require.NotNil(t, sub.Initial())
	assert.Nil(t, cpd(nextNow(t, sub.Stream)).CachedPeerData())

	commit(t, s, insert(&models.Message{ID: mid("p2", 1), Text: "hi"}))
	_, ok := sub.Stream.TryNext()
	assert.False(t, ok, "unrelated commit must not publish")

	commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1", Associated: []models.MessageID{mid("p2", 1)}}))
	snap := cpd(nextNow(t, sub.Stream))
	require.NotNil(t, snap.CachedPeerData())
	m, ok := snap.Message(mid("p2", 1))
	require.True(t, ok)
	assert.Equal(t, "hi", m.Text)

	commit(t, s, func(tx *db.Txn) error { return tx.RemoveMessages([]models.MessageID{mid("p2", 1)}) })
	snap = cpd(nextNow(t, sub.Stream))
	assert.Equal(t, 0, snap.MessageCount())
	assert.Equal(t, uint64(3), d.LastSeq())
}

func TestViewsSharedByKey(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	key := views.CachedPeerDataKey("p1", false)

	a, err := d.Subscribe(key)
	require.NoError(t, err)
	b, err := d.Subscribe(key)
	require.NoError(t, err)
	other, err := d.Subscribe(views.CachedPeerDataKey("p1", true))
	require.NoError(t, err)
	assert.NotEqual(t, a.Handle, b.Handle)

	st := d.Stats()
	require.Len(t, st.Views, 2)
	assert.Equal(t, 3, st.Subscribers)

	require.NoError(t, d.Unsubscribe(a.Handle))
	assert.True(t, a.Stream.Closed())
	assert.Len(t, d.Keys(), 2)

	require.NoError(t, d.Unsubscribe(b.Handle))
	assert.Equal(t, []views.Key{other.Key}, d.Keys())

	err = d.Unsubscribe(b.Handle)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestConstructionSkipsReflectedCommits(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	published := 0
	d.opts.OnChange = func(*Dispatcher, views.Key, views.Snapshot) { published++ }

	// committed but not yet dispatched when the view is built
	tx := commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1", About: "x"}))
	sub, err := d.Subscribe(views.CachedPeerDataKey("p1", false))
	require.NoError(t, err)
	assert.Equal(t, "x", cpd(sub.Initial()).CachedPeerData().About)

	require.NoError(t, d.Commit(tx))
	assert.Equal(t, 0, published)
	_ = nextNow(t, sub.Stream)
	_, ok := sub.Stream.TryNext()
	assert.False(t, ok)
}

func TestCommitOutOfOrder(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	tx := commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1"}))
	require.NoError(t, d.Commit(tx))
	err := d.Commit(tx)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestCommitGapRefreshesViews(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	sub, err := d.Subscribe(views.CachedPeerDataKey("p1", false))
	require.NoError(t, err)
	_ = nextNow(t, sub.Stream)

	// seq 1 never reaches the dispatcher
	commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1", About: "missed"}))
	tx2 := commit(t, s, setRecord(&models.CachedPeerData{Peer: "p9"}))

	require.NoError(t, d.Commit(tx2))
	assert.Equal(t, "missed", cpd(nextNow(t, sub.Stream)).CachedPeerData().About)
	assert.Equal(t, uint64(2), d.LastSeq())
}

func TestStrictModePanicsOnReentrantSubscribe(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{Strict: true})
	d.opts.OnChange = func(d *Dispatcher, _ views.Key, _ views.Snapshot) {
		_, _ = d.Subscribe(views.CachedPeerDataKey("p2", false))
	}
	_, err := d.Subscribe(views.CachedPeerDataKey("p1", false))
	require.NoError(t, err)

	tx := commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1"}))
	assert.PanicsWithValue(t, ReentrancyViolation{Op: "subscribe"}, func() { _ = d.Commit(tx) })
}

func TestReentrantCallsDeferredUntilIdle(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	first, err := d.Subscribe(views.CachedPeerDataKey("p1", false))
	require.NoError(t, err)

	var late *Subscription
	d.opts.OnChange = func(d *Dispatcher, key views.Key, _ views.Snapshot) {
		if late != nil {
			return
		}
		assert.Equal(t, Dispatching, d.State())
		var err error
		late, err = d.Subscribe(views.CachedPeerDataKey("p2", false))
		require.NoError(t, err)
		assert.True(t, late.Pending())
		assert.Nil(t, late.Initial())
		assert.Len(t, d.Keys(), 1, "registry must not change mid-dispatch")

		require.NoError(t, d.Unsubscribe(first.Handle))
		assert.False(t, first.Stream.Closed())
	}

	tx := commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1"}))
	require.NoError(t, d.Commit(tx))

	assert.Equal(t, Idle, d.State())
	require.NotNil(t, late)
	assert.False(t, late.Pending())
	assert.NotNil(t, late.Initial())
	assert.True(t, first.Stream.Closed())
	assert.Equal(t, []views.Key{views.CachedPeerDataKey("p2", false)}, d.Keys())
}

func TestRefreshPicksUpExternalWrites(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	key := views.CachedPeerDataKey("p1", false)
	sub, err := d.Subscribe(key)
	require.NoError(t, err)
	_ = nextNow(t, sub.Stream)

	changed, err := d.Refresh(key)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, s.ExternalWrite(func(b *pebble.Batch) error {
		data, err := codec.EncodeCachedPeerData(&models.CachedPeerData{Peer: "p1", About: "repaired"})
		if err != nil {
			return err
		}
		return b.Set([]byte(keys.GenCachedPeerDataKey("p1")), data, nil)
	}))

	n, err := d.RefreshAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "repaired", cpd(nextNow(t, sub.Stream)).CachedPeerData().About)

	_, err = d.Refresh(views.CachedPeerDataKey("nobody", false))
	assert.ErrorIs(t, err, ErrUnknownView)
}

func TestPeekDoesNotRegister(t *testing.T) {
	s := openStore(t)
	d := New(StoreSource(s), Options{})
	commit(t, s, setRecord(&models.CachedPeerData{Peer: "p1", About: "x"}))

	snap, err := d.Peek(views.CachedPeerDataKey("p1", false))
	require.NoError(t, err)
	assert.Equal(t, "x", cpd(snap).CachedPeerData().About)
	assert.Empty(t, d.Keys())

	_, err = d.Peek(views.Key{Kind: views.KindMessage, Peer: "p1"})
	assert.Error(t, err)
}

// failingSource is a Source over plain maps whose reads can be made to fail.
type failingSource struct {
	records map[models.PeerID]*models.CachedPeerData
	msgs    map[models.MessageID]*models.Message
	seq     uint64
	fail    error
}

func (f *failingSource) CachedPeerData(p models.PeerID) (*models.CachedPeerData, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.records[p].Clone(), nil
}

func (f *failingSource) Message(id models.MessageID) (*models.Message, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.msgs[id].Clone(), nil
}

func (f *failingSource) LastSeq() uint64 { return f.seq }

func (f *failingSource) Seq() uint64 { return f.seq }

func (f *failingSource) Close() error { return nil }

func (f *failingSource) OpenSnapshot() (SnapshotReader, error) {
	return f, nil
}

func sealed(t *testing.T, seq uint64, build func(b *txn.Builder)) *txn.Descriptor {
	t.Helper()
	b := txn.NewBuilder()
	build(b)
	d, err := b.Seal(seq)
	require.NoError(t, err)
	return d
}

func TestFailedReplayMarksViewStale(t *testing.T) {
	m1 := mid("p2", 1)
	src := &failingSource{
		records: map[models.PeerID]*models.CachedPeerData{"p1": {Peer: "p1"}},
		msgs:    map[models.MessageID]*models.Message{m1: {ID: m1, Text: "m1"}},
	}
	d := New(src, Options{})
	key := views.CachedPeerDataKey("p1", true)
	sub, err := d.Subscribe(key)
	require.NoError(t, err)
	_ = nextNow(t, sub.Stream)

	// the new record needs m1 from the store, which fails
	rec := &models.CachedPeerData{Peer: "p1", Associated: []models.MessageID{m1}}
	src.records["p1"] = rec
	src.seq = 1
	src.fail = errors.New("io error")
	err = d.Commit(sealed(t, 1, func(b *txn.Builder) { b.UpdateCachedPeerData("p1", rec) }))
	require.ErrorIs(t, err, views.ErrStoreRead)
	assert.True(t, d.Stats().Views[0].Stale)
	_, ok := sub.Stream.TryNext()
	assert.False(t, ok)

	// the next commit reloads the view before anything else
	src.fail = nil
	src.seq = 2
	require.NoError(t, d.Commit(sealed(t, 2, func(*txn.Builder) {})))
	assert.False(t, d.Stats().Views[0].Stale)
	snap := cpd(nextNow(t, sub.Stream))
	_, ok = snap.Message(m1)
	assert.True(t, ok)
}

func TestStreamConflatesOldest(t *testing.T) {
	st := newStream(2)
	snaps := make([]views.Snapshot, 3)
	for i := range snaps {
		snaps[i] = &views.MessageSnapshot{}
		st.push(snaps[i])
	}
	ctx := context.Background()
	got, err := st.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, snaps[1], got)
	got, err = st.Next(ctx)
	require.NoError(t, err)
	assert.Same(t, snaps[2], got)

	st.close(nil)
	_, err = st.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
	assert.NoError(t, st.Err())
}

func TestStreamNextHonoursContext(t *testing.T) {
	st := newStream(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := st.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueRunsInOrderAndCloses(t *testing.T) {
	q := NewQueue(4)
	var order []int
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Post(func() { order = append(order, i) }))
	}
	require.NoError(t, q.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Do(ctx, func() { t.Error("must not run") }), context.Canceled)

	q.Close()
	assert.ErrorIs(t, q.Post(func() {}), ErrQueueClosed)
	assert.ErrorIs(t, q.Do(context.Background(), func() {}), ErrQueueClosed)
}

func TestServiceEndToEnd(t *testing.T) {
	s := openStore(t)
	svc := NewService(s, ServiceOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := svc.Subscribe(ctx, views.MessageKey(mid("p1", 1)))
	require.NoError(t, err)
	first, err := sub.Stream.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, first.(*views.MessageSnapshot).Message())

	commit(t, s, insert(&models.Message{ID: mid("p1", 0), Text: "hello"}))
	next, err := sub.Stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", next.(*views.MessageSnapshot).Message().Text)

	require.NoError(t, svc.Sync(ctx))
	st, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.LastSeq)
	assert.Equal(t, 1, st.Subscribers)

	peek, err := svc.Peek(ctx, views.MessageKey(mid("p1", 1)))
	require.NoError(t, err)
	assert.True(t, peek.Equal(next))

	keys, err := svc.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	changed, err := svc.Refresh(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, svc.Unsubscribe(ctx, sub.Handle))
	_, err = sub.Stream.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)

	other, err := svc.Subscribe(ctx, views.CachedPeerDataKey("p1", false))
	require.NoError(t, err)
	svc.Close()
	_, _ = other.Stream.Next(ctx)
	_, err = other.Stream.Next(ctx)
	assert.ErrorIs(t, err, ErrStreamClosed)
	_, err = svc.Subscribe(ctx, views.CachedPeerDataKey("p1", false))
	assert.ErrorIs(t, err, ErrQueueClosed)
}
