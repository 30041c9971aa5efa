// Package sensor polls disk usage under the store path and heap usage,
// exporting both as gauges and logging when they cross their thresholds.
package sensor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"viewstore/pkg/config"
	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
)

// Reading is one poll's result, in percent.
type Reading struct {
	DiskUsedPct  float64
	HeapInusePct float64
}

type Sensor struct {
	cfg  config.SensorConfig
	path string

	// swapped in tests
	statfs   func(path string) (used, total uint64, err error)
	memstats func() (inuse, sys uint64)
	now      func() time.Time

	mu            sync.Mutex
	diskAlert     bool
	memAlert      bool
	diskCalmSince time.Time
	memCalmSince  time.Time
}

func New(cfg config.SensorConfig, path string) *Sensor {
	return &Sensor{
		cfg:      cfg,
		path:     path,
		statfs:   statfs,
		memstats: heapStats,
		now:      time.Now,
	}
}

// Run polls until ctx ends. A disabled sensor returns immediately.
func (s *Sensor) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	logger.Info("sensor_started", "path", s.path, "interval", s.cfg.PollInterval.Duration())
	ticker := time.NewTicker(s.cfg.PollInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Check()
		case <-ctx.Done():
			return nil
		}
	}
}

// Check takes one reading and updates alert state.
func (s *Sensor) Check() Reading {
	var r Reading
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	used, total, err := s.statfs(s.path)
	if err != nil {
		logger.Warn("sensor_disk_stat_failed", "path", s.path, "error", err)
	} else if total > 0 {
		r.DiskUsedPct = float64(used) / float64(total) * 100
		metrics.DiskUsedPercent.Set(r.DiskUsedPct)
		s.diskAlert, s.diskCalmSince = s.track("disk", r.DiskUsedPct,
			float64(s.cfg.DiskHighPct), float64(s.cfg.DiskLowPct), s.diskAlert, s.diskCalmSince, now)
	}

	inuse, sys := s.memstats()
	if sys > 0 {
		r.HeapInusePct = float64(inuse) / float64(sys) * 100
		metrics.HeapInusePercent.Set(r.HeapInusePct)
		high := float64(s.cfg.MemHighPct)
		s.memAlert, s.memCalmSince = s.track("heap", r.HeapInusePct, high, high, s.memAlert, s.memCalmSince, now)
	}
	return r
}

// Alerts reports which resources are currently alerting.
func (s *Sensor) Alerts() (disk, mem bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diskAlert, s.memAlert
}

// track raises an alert above high and clears it once the value has stayed
// below low for the recovery window.
func (s *Sensor) track(resource string, pct, high, low float64, alert bool, calmSince, now time.Time) (bool, time.Time) {
	switch {
	case pct > high:
		if !alert {
			logger.Warn("sensor_threshold_exceeded", "resource", resource, "used_pct", pct, "threshold_pct", high)
			metrics.ResourceAlert.WithLabelValues(resource).Set(1)
		}
		return true, time.Time{}
	case !alert:
		return false, time.Time{}
	case pct >= low:
		return true, time.Time{}
	case calmSince.IsZero():
		calmSince = now
	}
	if now.Sub(calmSince) < s.cfg.RecoveryWindow.Duration() {
		return true, calmSince
	}
	logger.Info("sensor_recovered", "resource", resource, "used_pct", pct, "window", s.cfg.RecoveryWindow.Duration())
	metrics.ResourceAlert.WithLabelValues(resource).Set(0)
	return false, time.Time{}
}

func statfs(path string) (used, total uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	total = st.Blocks * uint64(st.Bsize)
	avail := st.Bavail * uint64(st.Bsize)
	return total - avail, total, nil
}

func heapStats() (inuse, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapInuse, m.HeapSys
}
