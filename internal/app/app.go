// Package app wires the record store, the view dispatcher, the ingest path
// and the repair scheduler behind one lifecycle and serves the admin HTTP
// surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"viewstore/internal/repair"
	"viewstore/pkg/config"
	"viewstore/pkg/config/banner"
	"viewstore/pkg/dispatch"
	"viewstore/pkg/ingest"
	"viewstore/pkg/logger"
	"viewstore/pkg/router"
	"viewstore/pkg/sensor"
	"viewstore/pkg/state"
	"viewstore/pkg/store/db"
	"viewstore/pkg/telemetry"
)

const (
	stateStarting     = "starting"
	stateRunning      = "running"
	stateShuttingDown = "shutting_down"
	stateStopped      = "stopped"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store    *db.Store
	svc      *dispatch.Service
	ingestor *ingest.Ingestor
	repair   *repair.Manager
	limiter  *router.Limiter
	sensor   *sensor.Sensor

	srvFast      *fasthttp.Server
	ln           net.Listener
	shutdownOnce sync.Once
	state        atomic.Value
}

// New validates the effective config and opens every component that does
// not need a running context. Call Run to serve and block.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if err := config.ValidateConfig(eff); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := eff.Config
	logger.LogConfigSummary("config_summary", cfg.Summary())

	// warn if the store WAL is disabled and summarize what a crash loses
	if cfg.Store.DisableWAL {
		logger.LogConfigSummary("config_durability_summary", []string{
			"store_wal: disabled",
			fmt.Sprintf("ingest_max_batch: %s", humanize.Comma(int64(cfg.Ingest.MaxBatch))),
			fmt.Sprintf("ingest_flush: %s", cfg.Ingest.FlushInterval),
			"loss_window: every commit since the last memtable flush",
		})
	}

	dirs := []string{cfg.Store.Path}
	if cfg.Telemetry.Enabled {
		dirs = append(dirs, cfg.Telemetry.Dir)
	}
	if err := state.EnsureDirs(dirs...); err != nil {
		return nil, err
	}

	if cfg.Telemetry.Enabled {
		err := telemetry.Init(telemetry.Options{
			Dir:           cfg.Telemetry.Dir,
			BufferSize:    int(cfg.Telemetry.BufferSize.Int64()),
			QueueCapacity: cfg.Telemetry.QueueCapacity,
			FlushInterval: cfg.Telemetry.FlushInterval.Duration(),
			MaxFileSize:   cfg.Telemetry.FileMaxSize.Int64(),
			SampleRate:    cfg.Telemetry.SampleRate,
		})
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	store, err := db.Open(cfg.Store.Path, db.Options{
		DisableWAL: cfg.Store.DisableWAL,
		Sync:       cfg.Store.Sync,
		CacheSize:  cfg.Store.CacheSize.Int64(),
	})
	if err != nil {
		telemetry.Close()
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Store.Path, err)
	}

	a := newApp(eff, store)
	a.version, a.commit, a.buildDate = version, commit, buildDate
	return a, nil
}

// newApp builds the components on top of an already open store.
func newApp(eff config.EffectiveConfigResult, store *db.Store) *App {
	cfg := eff.Config
	svc := dispatch.NewService(store, dispatch.ServiceOptions{
		Options: dispatch.Options{
			Strict:        cfg.Dispatch.Strict,
			StreamBacklog: cfg.Dispatch.StreamBacklog,
		},
		QueueCapacity: cfg.Dispatch.QueueCapacity,
	})
	a := &App{
		eff:      eff,
		store:    store,
		svc:      svc,
		ingestor: ingest.NewIngestor(store, cfg.Ingest.MaxBatch, cfg.Ingest.FlushInterval.Duration()),
		repair:   repair.New(cfg.Repair, svc),
		limiter:  router.NewLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		sensor:   sensor.New(cfg.Sensor, cfg.Store.Path),
	}
	a.state.Store(stateStarting)
	a.srvFast = a.newServer()
	return a
}

func (a *App) State() string {
	s, _ := a.state.Load().(string)
	return s
}

// Run starts the ingestor, the background monitors and the HTTP server, and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	ln, err := net.Listen("tcp", a.eff.Config.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.eff.Config.Addr(), err)
	}
	a.ln = ln

	a.ingestor.Start()
	a.state.Store(stateRunning)
	logger.Info("server_listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.repair.Run(gctx)
	})
	g.Go(func() error {
		return a.sensor.Run(gctx)
	})
	g.Go(func() error {
		if err := a.srvFast.Serve(ln); err != nil && gctx.Err() == nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.stopHTTP()
		return nil
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) printBanner() {
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, ver)
}
