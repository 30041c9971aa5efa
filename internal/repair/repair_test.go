package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"viewstore/pkg/config"
	"viewstore/pkg/dispatch"
	"viewstore/pkg/models"
	"viewstore/pkg/views"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRefresher struct {
	mu      sync.Mutex
	keys    []views.Key
	results map[views.Key]error
	changed map[views.Key]bool
	calls   int
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeRefresher) Keys(context.Context) ([]views.Key, error) {
	return f.keys, nil
}

func (f *fakeRefresher) Refresh(ctx context.Context, key views.Key) (bool, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err := f.results[key]; err != nil {
		return false, err
	}
	return f.changed[key], nil
}

func peerKey(p string) views.Key {
	return views.CachedPeerDataKey(models.PeerID(p), false)
}

func TestSweepCounts(t *testing.T) {
	a, b, c, d := peerKey("a"), peerKey("b"), peerKey("c"), peerKey("d")
	boom := errors.New("disk on fire")
	f := &fakeRefresher{
		keys: []views.Key{a, b, c, d},
		results: map[views.Key]error{
			b: fmt.Errorf("%w: %s", dispatch.ErrUnknownView, b),
			c: boom,
		},
		changed: map[views.Key]bool{d: true},
	}
	m := New(config.RepairConfig{}, f)

	_, ok := m.LastReport()
	assert.False(t, ok)

	rep, err := m.Sweep(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, 1, rep.Changed)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 1, rep.Failed)
	assert.NotEmpty(t, rep.RunID)

	last, ok := m.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.RunID, last.RunID)
}

func TestSweepRejectsOverlap(t *testing.T) {
	f := &fakeRefresher{
		keys:    []views.Key{peerKey("a")},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	m := New(config.RepairConfig{}, f)

	done := make(chan error, 1)
	go func() {
		_, err := m.Sweep(context.Background())
		done <- err
	}()
	select {
	case <-f.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first sweep never started")
	}

	_, err := m.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrSweepRunning)

	close(f.block)
	require.NoError(t, <-done)

	_, err = m.Sweep(context.Background())
	assert.NoError(t, err, "lock must be released after a sweep")
}

func TestSweepTimeout(t *testing.T) {
	f := &fakeRefresher{
		keys:    []views.Key{peerKey("a"), peerKey("b")},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	m := New(config.RepairConfig{Timeout: config.Duration(20 * time.Millisecond)}, f)
	rep, err := m.Sweep(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, rep.Failed)
}

func TestRunDisabledReturns(t *testing.T) {
	m := New(config.RepairConfig{Enabled: false}, &fakeRefresher{})
	assert.NoError(t, m.Run(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	m := New(config.RepairConfig{Enabled: true, Cron: "0 0 1 1 *"}, &fakeRefresher{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
