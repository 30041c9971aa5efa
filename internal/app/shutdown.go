package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"viewstore/pkg/logger"
	"viewstore/pkg/telemetry"
)

func (a *App) stopHTTP() {
	a.shutdownOnce.Do(func() {
		if a.srvFast == nil {
			return
		}
		logger.Info("shutdown_http_stopping")
		if err := a.srvFast.Shutdown(); err != nil {
			logger.Error("shutdown_http_error", "error", err)
		}
		// Serve may not have registered the listener yet
		if a.ln != nil {
			_ = a.ln.Close()
		}
	})
}

// Shutdown stops HTTP, then the ingestor, then the dispatcher, then the
// store. Pending ingest submissions are committed and dispatched first.
func (a *App) Shutdown(ctx context.Context) error {
	a.state.Store(stateShuttingDown)
	logger.Info("shutdown_requested")

	a.stopHTTP()
	a.limiter.Shutdown()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("shutdown_ingestor_stopping")
		a.ingestor.Stop()

		logger.Info("shutdown_dispatch_stopping")
		a.svc.Close()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Error("shutdown_timeout", "stage", "drain", "error", ctx.Err())
	}

	logger.Info("shutdown_store_closing")
	if err := a.store.Close(); err != nil {
		logger.Error("shutdown_store_close_error", "error", err)
		return err
	}

	telemetry.Close()
	a.state.Store(stateStopped)
	logger.Info("shutdown_complete")
	return nil
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
// SIGPIPE dumps goroutine stacks before cancelling.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String(), "msg", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	sigpipe := make(chan os.Signal, 1)
	signal.Notify(sigpipe, syscall.SIGPIPE)
	go func() {
		select {
		case s := <-sigpipe:
			logger.Info("signal_received", "signal", s.String(), "msg", "SIGPIPE - dumping goroutine stacks")
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			logger.Info("goroutine_stack_dump", "dump", string(buf[:n]))
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigpipe)
	}()

	return ctx, cancel
}
