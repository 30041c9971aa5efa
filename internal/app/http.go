package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"viewstore/internal/repair"
	"viewstore/pkg/dispatch"
	"viewstore/pkg/ingest"
	"viewstore/pkg/logger"
	"viewstore/pkg/models"
	"viewstore/pkg/router"
	"viewstore/pkg/store/db"
	"viewstore/pkg/txn"
	"viewstore/pkg/views"
)

const defaultListLimit = 100

type ingestRequest struct {
	Entries []ingest.Entry `json:"entries"`
}

// routes builds the admin router.
func (a *App) routes() *router.Router {
	r := router.New()
	r.GET("/healthz", a.healthzHandlerFast)
	r.GET("/readyz", a.readyzHandlerFast)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))

	admin := []router.Middleware{a.limiter.Middleware, requireAdminToken(a.eff.Config.Server.AdminToken)}
	r.GET("/admin/views", a.viewsHandler, admin...)
	r.POST("/admin/refresh", a.refreshHandler, admin...)
	r.GET("/admin/repair", a.repairReportHandler, admin...)
	r.POST("/admin/ingest", a.ingestHandler, admin...)
	r.GET("/admin/peers", a.peersHandler, admin...)
	r.GET("/admin/peers/{peer}", a.peerHandler, admin...)
	r.GET("/admin/peers/{peer}/messages", a.messageIDsHandler, admin...)
	r.GET("/admin/peers/{peer}/messages/{seq}", a.messageHandler, admin...)

	r.NotFound(func(ctx *fasthttp.RequestCtx) {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})
	return r
}

func (a *App) newServer() *fasthttp.Server {
	cfg := a.eff.Config
	const (
		readBufferSize       = 64 * 1024       // 64 KiB read buffer per connection
		maxRequestBodySize   = 4 * 1024 * 1024 // 4 MiB max ingest body
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	return &fasthttp.Server{
		Name:                 "viewstore",
		Handler:              router.Chain(a.routes().Handler, logRequests),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReduceMemoryUsage:    true,
		ReadTimeout:          cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:         cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}
}

func logRequests(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		next(ctx)
	}
}

// requireAdminToken accepts "Authorization: Bearer <token>" or an
// X-Admin-Token header. An empty token leaves the routes open.
func requireAdminToken(token string) router.Middleware {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return func(ctx *fasthttp.RequestCtx) {
			got := ctx.Request.Header.Peek("X-Admin-Token")
			if len(got) == 0 {
				auth := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
				if v, ok := strings.CutPrefix(auth, "Bearer "); ok {
					got = []byte(strings.TrimSpace(v))
				}
			}
			if subtle.ConstantTimeCompare(got, want) != 1 {
				logger.Warn("admin_auth_failed", "path", string(ctx.Path()), "remote", ctx.RemoteIP().String())
				router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
				return
			}
			next(ctx)
		}
	}
}

// readyzHandlerFast reports 503 until the store is open and the app runs.
func (a *App) readyzHandlerFast(ctx *fasthttp.RequestCtx) {
	if !a.store.Ready() || a.State() != stateRunning {
		_ = router.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": a.State()})
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{
		"status":   "ok",
		"version":  ver,
		"last_seq": a.store.LastSeq(),
	})
}

func (a *App) healthzHandlerFast(ctx *fasthttp.RequestCtx) {
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

// requestContext bounds queue and ingest waits by the write timeout.
func (a *App) requestContext(_ *fasthttp.RequestCtx) (context.Context, context.CancelFunc) {
	timeout := a.eff.Config.Server.WriteTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (a *App) viewsHandler(ctx *fasthttp.RequestCtx) {
	rctx, cancel := a.requestContext(ctx)
	defer cancel()
	st, err := a.svc.Stats(rctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, st)
}

// refreshHandler reloads every live view. With ?sweep=true it runs a full
// repair sweep instead and returns its report.
func (a *App) refreshHandler(ctx *fasthttp.RequestCtx) {
	rctx, cancel := a.requestContext(ctx)
	defer cancel()
	if ctx.QueryArgs().GetBool("sweep") {
		rep, err := a.repair.Sweep(rctx)
		if errors.Is(err, repair.ErrSweepRunning) {
			router.WriteJSONError(ctx, fasthttp.StatusConflict, err.Error())
			return
		}
		status := fasthttp.StatusOK
		if err != nil {
			logger.Warn("admin_sweep_failed", "run_id", rep.RunID, "error", err)
			status = fasthttp.StatusInternalServerError
		}
		_ = router.WriteJSON(ctx, status, rep)
		return
	}
	changed, err := a.svc.RefreshAll(rctx)
	if err != nil {
		writeError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]int{"changed": changed})
}

func (a *App) repairReportHandler(ctx *fasthttp.RequestCtx) {
	rep, ok := a.repair.LastReport()
	if !ok {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "no sweep has run")
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, rep)
}

func (a *App) ingestHandler(ctx *fasthttp.RequestCtx) {
	var req ingestRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Entries) == 0 {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "entries required")
		return
	}
	rctx, cancel := a.requestContext(ctx)
	defer cancel()
	res, err := a.ingestor.Submit(rctx, req.Entries)
	if err != nil {
		writeError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, res)
}

func (a *App) peersHandler(ctx *fasthttp.RequestCtx) {
	peers, err := a.store.Peers(listLimit(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"peers": peers})
}

// peerHandler returns a one-shot snapshot of the peer's cached data, with
// its referenced messages when ?refs=true.
func (a *App) peerHandler(ctx *fasthttp.RequestCtx) {
	key := views.CachedPeerDataKey(models.PeerID(router.Param(ctx, "peer")), ctx.QueryArgs().GetBool("refs"))
	a.peek(ctx, key)
}

func (a *App) messageIDsHandler(ctx *fasthttp.RequestCtx) {
	peer := models.PeerID(router.Param(ctx, "peer"))
	if err := views.CachedPeerDataKey(peer, false).Validate(); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	ids, err := a.store.MessageIDs(peer, listLimit(ctx))
	if err != nil {
		writeError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, map[string]any{"peer": peer, "ids": ids})
}

func (a *App) messageHandler(ctx *fasthttp.RequestCtx) {
	seq, err := strconv.ParseUint(router.Param(ctx, "seq"), 10, 64)
	if err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, "invalid message seq")
		return
	}
	id := models.MessageID{Peer: models.PeerID(router.Param(ctx, "peer")), Seq: seq}
	a.peek(ctx, views.MessageKey(id))
}

func (a *App) peek(ctx *fasthttp.RequestCtx, key views.Key) {
	if err := key.Validate(); err != nil {
		router.WriteJSONError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	rctx, cancel := a.requestContext(ctx)
	defer cancel()
	snap, err := a.svc.Peek(rctx, key)
	if err != nil {
		writeError(ctx, err)
		return
	}
	_ = router.WriteJSON(ctx, fasthttp.StatusOK, snap)
}

func listLimit(ctx *fasthttp.RequestCtx) int {
	n, err := ctx.QueryArgs().GetUint("limit")
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

// writeError maps domain errors onto HTTP statuses.
func writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, ingest.ErrInvalidEntry),
		errors.Is(err, txn.ErrMalformed),
		errors.Is(err, db.ErrMessageIDReused):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, dispatch.ErrUnknownView):
		status = fasthttp.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = fasthttp.StatusGatewayTimeout
	case errors.Is(err, dispatch.ErrQueueClosed),
		errors.Is(err, ingest.ErrIngestorStopped),
		errors.Is(err, db.ErrClosed):
		status = fasthttp.StatusServiceUnavailable
	}
	if status == fasthttp.StatusInternalServerError {
		logger.Error("admin_request_failed", "path", string(ctx.Path()), "error", err)
	}
	router.WriteJSONError(ctx, status, err.Error())
}
