package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"viewstore/pkg/config"
)

type fakeHost struct {
	diskUsed uint64
	diskErr  error
	heap     uint64
	clock    time.Time
}

func newTestSensor(h *fakeHost) *Sensor {
	s := New(config.SensorConfig{
		Enabled:        true,
		PollInterval:   config.Duration(time.Millisecond),
		DiskHighPct:    90,
		DiskLowPct:     80,
		MemHighPct:     75,
		RecoveryWindow: config.Duration(time.Minute),
	}, "/store")
	s.statfs = func(string) (uint64, uint64, error) { return h.diskUsed, 100, h.diskErr }
	s.memstats = func() (uint64, uint64) { return h.heap, 100 }
	s.now = func() time.Time { return h.clock }
	return s
}

func TestDiskAlertHysteresis(t *testing.T) {
	h := &fakeHost{diskUsed: 50, heap: 10, clock: time.Unix(1000, 0)}
	s := newTestSensor(h)

	r := s.Check()
	assert.InDelta(t, 50, r.DiskUsedPct, 0.001)
	disk, _ := s.Alerts()
	assert.False(t, disk)

	h.diskUsed = 95
	s.Check()
	disk, _ = s.Alerts()
	assert.True(t, disk)

	h.diskUsed = 85 // between low and high
	h.clock = h.clock.Add(time.Hour)
	s.Check()
	disk, _ = s.Alerts()
	assert.True(t, disk, "stays raised above the low mark")

	h.diskUsed = 70
	s.Check()
	disk, _ = s.Alerts()
	assert.True(t, disk, "recovery window just started")

	h.clock = h.clock.Add(30 * time.Second)
	s.Check()
	disk, _ = s.Alerts()
	assert.True(t, disk)

	h.clock = h.clock.Add(31 * time.Second)
	s.Check()
	disk, _ = s.Alerts()
	assert.False(t, disk)
}

func TestSpikeResetsRecovery(t *testing.T) {
	h := &fakeHost{diskUsed: 95, heap: 10, clock: time.Unix(0, 0)}
	s := newTestSensor(h)
	s.Check()

	h.diskUsed = 50
	s.Check()
	h.clock = h.clock.Add(50 * time.Second)
	h.diskUsed = 99
	s.Check()
	h.diskUsed = 50
	h.clock = h.clock.Add(20 * time.Second)
	s.Check()
	disk, _ := s.Alerts()
	assert.True(t, disk, "window restarts after the spike")
}

func TestHeapAlert(t *testing.T) {
	h := &fakeHost{diskUsed: 10, heap: 80, clock: time.Unix(0, 0)}
	s := newTestSensor(h)
	r := s.Check()
	assert.InDelta(t, 80, r.HeapInusePct, 0.001)
	_, mem := s.Alerts()
	assert.True(t, mem)
}

func TestDiskStatFailure(t *testing.T) {
	h := &fakeHost{diskErr: errors.New("no such device"), heap: 10}
	s := newTestSensor(h)
	r := s.Check()
	assert.Zero(t, r.DiskUsedPct)
	disk, _ := s.Alerts()
	assert.False(t, disk)
}

func TestRunStopsAndDisabled(t *testing.T) {
	s := New(config.SensorConfig{}, t.TempDir())
	assert.NoError(t, s.Run(context.Background()))

	s = newTestSensor(&fakeHost{heap: 10})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Run(ctx))
}

func TestStatfsOnTempDir(t *testing.T) {
	used, total, err := statfs(t.TempDir())
	if err != nil {
		t.Fatalf("statfs: %v", err)
	}
	if total == 0 || used > total {
		t.Fatalf("implausible statfs result used=%d total=%d", used, total)
	}
}
