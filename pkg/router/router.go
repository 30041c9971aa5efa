// Package router is a small method+path router for fasthttp. Paths may
// contain {name} segments, whose values are stored as request user values.
package router

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// Middleware wraps a handler.
type Middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

type Router struct {
	routes   map[string][]route
	notFound fasthttp.RequestHandler
}

type route struct {
	pattern  string
	segments []segment
	handler  fasthttp.RequestHandler
}

type segment struct {
	name    string
	isParam bool
}

func New() *Router {
	return &Router{routes: make(map[string][]route)}
}

// Handler dispatches ctx to the first route registered for its method and
// path. A path known under another method answers 405.
func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	parts := split(string(ctx.Path()))
	for _, rt := range r.routes[method] {
		if values, ok := match(parts, rt.segments); ok {
			for k, v := range values {
				ctx.SetUserValue(k, v)
			}
			rt.handler(ctx)
			return
		}
	}
	if allowed := r.allowed(method, parts); len(allowed) > 0 {
		ctx.Response.Header.Set("Allow", strings.Join(allowed, ", "))
		WriteJSONError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.notFound != nil {
		r.notFound(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

func (r *Router) allowed(method string, parts []string) []string {
	var out []string
	for m, list := range r.routes {
		if m == method {
			continue
		}
		for _, rt := range list {
			if _, ok := match(parts, rt.segments); ok {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (r *Router) GET(path string, h fasthttp.RequestHandler, mw ...Middleware) {
	r.Handle(fasthttp.MethodGet, path, h, mw...)
}

func (r *Router) POST(path string, h fasthttp.RequestHandler, mw ...Middleware) {
	r.Handle(fasthttp.MethodPost, path, h, mw...)
}

func (r *Router) DELETE(path string, h fasthttp.RequestHandler, mw ...Middleware) {
	r.Handle(fasthttp.MethodDelete, path, h, mw...)
}

// Handle registers h for method and path. Middleware is applied so the first
// one listed runs outermost.
func (r *Router) Handle(method, path string, h fasthttp.RequestHandler, mw ...Middleware) {
	r.routes[method] = append(r.routes[method], route{
		pattern:  path,
		segments: parse(path),
		handler:  Chain(h, mw...),
	})
}

func (r *Router) NotFound(h fasthttp.RequestHandler) {
	r.notFound = h
}

// Chain wraps h with mw, first middleware outermost.
func Chain(h fasthttp.RequestHandler, mw ...Middleware) fasthttp.RequestHandler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Param returns the value captured for a {name} segment.
func Param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func parse(path string) []segment {
	parts := split(path)
	segs := make([]segment, len(parts))
	for i, part := range parts {
		if len(part) > 2 && strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			segs[i] = segment{name: part[1 : len(part)-1], isParam: true}
		} else {
			segs[i] = segment{name: part}
		}
	}
	return segs
}

func split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func match(parts []string, segs []segment) (map[string]string, bool) {
	if len(parts) != len(segs) {
		return nil, false
	}
	var values map[string]string
	for i, seg := range segs {
		if seg.isParam {
			if parts[i] == "" {
				return nil, false
			}
			if values == nil {
				values = make(map[string]string, 1)
			}
			values[seg.name] = parts[i]
			continue
		}
		if seg.name != parts[i] {
			return nil, false
		}
	}
	return values, true
}
