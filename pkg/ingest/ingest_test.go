package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viewstore/pkg/models"
	"viewstore/pkg/store/db"
	"viewstore/pkg/txn"
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

func insertEntry(peer string, seq uint64, text string) Entry {
	return Entry{
		Handler: HandlerMessageInsert,
		Peer:    models.PeerID(peer),
		Message: &models.Message{ID: mid(peer, seq), Author: "u", Text: text},
	}
}

func TestApplyBatchOrdersByHandler(t *testing.T) {
	s := openStore(t)
	var descs []*txn.Descriptor
	s.OnCommit(func(d *txn.Descriptor) { descs = append(descs, d) })

	entries := []Entry{
		{Handler: HandlerMessageRemove, Peer: "p1", IDs: []models.MessageID{mid("p1", 1)}},
		{Handler: HandlerCachedSet, Peer: "p1", CachedPeerData: &models.CachedPeerData{Associated: []models.MessageID{mid("p1", 2)}}},
		insertEntry("p1", 1, "doomed"),
		insertEntry("p1", 2, "kept"),
		insertEntry("p2", 0, "assigned"),
	}
	res, err := ApplyBatch(s, entries)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seq)
	assert.Equal(t, 5, res.Entries)
	assert.Equal(t, []models.MessageID{{}, {}, mid("p1", 1), mid("p1", 2), mid("p2", 1)}, res.Inserted)

	require.Len(t, descs, 1, "one batch is one transaction")
	ops := descs[0].Operations("p1")
	require.Len(t, ops, 3)
	assert.Equal(t, txn.OpInsert, ops[0].Kind)
	assert.Equal(t, txn.OpInsert, ops[1].Kind)
	assert.Equal(t, txn.OpRemove, ops[2].Kind)

	rec, err := s.CachedPeerData("p1")
	require.NoError(t, err)
	assert.Equal(t, models.PeerID("p1"), rec.Peer, "peer is resolved from the entry")
	m, err := s.Message(mid("p1", 1))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestApplyBatchIsAtomic(t *testing.T) {
	s := openStore(t)
	_, err := ApplyBatch(s, []Entry{
		insertEntry("p1", 0, "a"),
		{Handler: HandlerMessageRemove, Peer: "p1", IDs: []models.MessageID{mid("p1", 7)}},
	})
	require.ErrorIs(t, err, txn.ErrMalformed)
	assert.Equal(t, uint64(0), s.LastSeq())
	ids, err := s.MessageIDs("p1", 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestApplyBatchValidates(t *testing.T) {
	s := openStore(t)
	cases := []Entry{
		{Handler: "message.upsert", Peer: "p1"},
		{Handler: HandlerCachedSet, Peer: "p1"},
		{Handler: HandlerCachedSet, Peer: "p1", CachedPeerData: &models.CachedPeerData{Peer: "p2"}},
		{Handler: HandlerMessageInsert, Peer: "p1"},
		{Handler: HandlerMessageInsert, Peer: "p1", Message: &models.Message{Text: "no author"}},
		{Handler: HandlerMessageRemove, Peer: "p1"},
		{Handler: HandlerMessageRemove, Peer: "p1", IDs: []models.MessageID{mid("p2", 1)}},
		{Handler: HandlerCachedRemove, Peer: "bad peer"},
	}
	for _, e := range cases {
		_, err := ApplyBatch(s, []Entry{e})
		assert.ErrorIs(t, err, ErrInvalidEntry, "entry %+v", e)
	}
	assert.Equal(t, uint64(0), s.LastSeq())
}

func TestSortOperationsByTypeUsesTimestamp(t *testing.T) {
	in := []positioned{
		{Entry: Entry{Handler: HandlerMessageInsert, TS: 30}, pos: 0},
		{Entry: Entry{Handler: HandlerMessageRemove, TS: 1}, pos: 1},
		{Entry: Entry{Handler: HandlerMessageInsert, Message: &models.Message{Timestamp: 10}}, pos: 2},
		{Entry: Entry{Handler: HandlerCachedSet}, pos: 3},
	}
	var got []int
	for _, e := range sortOperationsByType(in) {
		got = append(got, e.pos)
	}
	assert.Equal(t, []int{2, 0, 3, 1}, got)
}

func TestIngestorCoalescesAndIsolatesFailures(t *testing.T) {
	s := openStore(t)
	ing := NewIngestor(s, 64, 20*time.Millisecond)
	ing.Start()
	defer ing.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]Result, 4)
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries := []Entry{insertEntry("p1", 0, "m")}
			if i == 3 {
				// valid shape, but removes a message that does not exist
				entries = []Entry{{Handler: HandlerMessageRemove, Peer: "p1", IDs: []models.MessageID{mid("p1", 999)}}}
			}
			results[i], errs[i] = ing.Submit(ctx, entries)
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Inserted, 1)
		assert.False(t, results[i].Inserted[0].IsZero())
		assert.NotZero(t, results[i].Seq)
	}
	assert.ErrorIs(t, errs[3], txn.ErrMalformed)

	ids, err := s.MessageIDs("p1", 0)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestIngestorRejectsInvalidBeforeQueueing(t *testing.T) {
	s := openStore(t)
	ing := NewIngestor(s, 0, 0)
	ing.Start()
	_, err := ing.Submit(context.Background(), []Entry{{Handler: HandlerMessageInsert, Peer: "p1"}})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	ing.Stop()
	_, err = ing.Submit(context.Background(), []Entry{insertEntry("p1", 0, "late")})
	assert.ErrorIs(t, err, ErrIngestorStopped)
}

func TestIngestorAnswersSubmitsRacingStop(t *testing.T) {
	for round := 0; round < 20; round++ {
		s := openStore(t)
		ing := NewIngestor(s, 4, time.Millisecond)
		ing.Start()

		const submitters = 16
		var wg sync.WaitGroup
		errs := make([]error, submitters)
		start := make(chan struct{})
		for i := 0; i < submitters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = ing.Submit(context.Background(), []Entry{insertEntry("p1", 0, "m")})
			}()
		}
		close(start)
		ing.Stop()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Submit still blocked after Stop", round)
		}

		accepted := 0
		for _, err := range errs {
			if err == nil {
				accepted++
				continue
			}
			require.ErrorIs(t, err, ErrIngestorStopped)
		}
		ids, err := s.MessageIDs("p1", 0)
		require.NoError(t, err)
		assert.Len(t, ids, accepted, "round %d: every accepted submit is committed", round)
	}
}
