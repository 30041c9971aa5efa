// Package repair runs the scheduled external-consistency sweep: every live
// view is reloaded from the record store so writes that bypassed the
// descriptor path become visible.
package repair

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"viewstore/pkg/config"
	"viewstore/pkg/dispatch"
	"viewstore/pkg/logger"
	"viewstore/pkg/metrics"
	"viewstore/pkg/views"

	"github.com/adhocore/gronx"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"
)

var ErrSweepRunning = errors.New("repair sweep already running")

// Refresher is the part of the dispatch service a sweep needs.
type Refresher interface {
	Keys(ctx context.Context) ([]views.Key, error)
	Refresh(ctx context.Context, key views.Key) (bool, error)
}

type Report struct {
	RunID    string        `json:"run_id"`
	Scanned  int           `json:"scanned"`
	Changed  int           `json:"changed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type Manager struct {
	cfg     config.RepairConfig
	svc     Refresher
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	last    *Report
}

func New(cfg config.RepairConfig, svc Refresher) *Manager {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &Manager{
		cfg:     cfg,
		svc:     svc,
		limiter: rate.NewLimiter(limit, max(cfg.Burst, 1)),
	}
}

// Run blocks running sweeps on the configured cron schedule until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if !m.cfg.Enabled {
		logger.Info("repair_disabled")
		return nil
	}
	logger.Info("repair_enabled", "cron", m.cfg.Cron, "rps", m.cfg.RPS)
	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, time.Now(), false)
		if err != nil {
			logger.Error("repair_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			if _, err := m.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepRunning) && ctx.Err() == nil {
				logger.Error("repair_run_error", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep refreshes every live view once, paced by the limiter.
func (m *Manager) Sweep(ctx context.Context) (Report, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Report{}, ErrSweepRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout.Duration())
		defer cancel()
	}

	rep := Report{RunID: ulid.Make().String()}
	start := time.Now()
	logger.Info("repair_run_start", "run_id", rep.RunID)

	keys, err := m.svc.Keys(ctx)
	if err != nil {
		metrics.RepairSweeps.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("list views: %w", err)
	}
	var errs []error
	for _, key := range keys {
		if err := m.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		rep.Scanned++
		changed, err := m.svc.Refresh(ctx, key)
		switch {
		case errors.Is(err, dispatch.ErrUnknownView):
			rep.Skipped++
		case err != nil:
			rep.Failed++
			errs = append(errs, err)
			logger.Warn("repair_refresh_failed", "run_id", rep.RunID, "view", key.String(), "error", err)
		case changed:
			rep.Changed++
			logger.Info("repair_view_changed", "run_id", rep.RunID, "view", key.String())
		}
	}
	rep.Duration = time.Since(start)

	err = errors.Join(errs...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RepairSweeps.WithLabelValues(result).Inc()
	logger.Info("repair_run_done", "run_id", rep.RunID, "scanned", rep.Scanned, "changed", rep.Changed, "failed", rep.Failed, "duration", rep.Duration)

	m.mu.Lock()
	r := rep
	m.last = &r
	m.mu.Unlock()
	return rep, err
}

// LastReport returns the most recent completed sweep, if any.
func (m *Manager) LastReport() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return *m.last, true
}
