// Package core wires the native request path: listener, connection
// loops, route dispatch, and the shared cache, limiter and bridge
// behind every worker.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/turbo-server/core/bridge"
	"github.com/searchktools/turbo-server/core/cache"
	"github.com/searchktools/turbo-server/core/middleware"
	"github.com/searchktools/turbo-server/core/pools"
	"github.com/searchktools/turbo-server/core/ratelimit"
	"github.com/searchktools/turbo-server/core/router"
	"github.com/searchktools/turbo-server/core/stats"
	"github.com/searchktools/turbo-server/core/websocket"
)

// Options configures one engine instance. Zero values fall back to the
// defaults in constants.go.
type Options struct {
	Logger *logrus.Logger

	// Debug includes handler error strings in 500 bodies and enables
	// per-request debug logs.
	Debug bool

	// FreeThreaded drops the bridge's handler serialization, for
	// runtimes whose handlers are safe to run concurrently.
	FreeThreaded bool

	RateLimit ratelimit.Config
	WebSocket websocket.Config

	// CacheDir enables the persistent cache tier. Empty keeps the
	// response cache memory-only.
	CacheDir     string
	CacheDiskMax int64

	StatsEnabled bool
	Workers      int // background pool size, zero means one per CPU

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int
}

type entryKind uint8

const (
	entryStandard entryKind = iota
	entryTurbo
	entryStatic
	entryCompiled
	entryFiles
)

// routeEntry is the dispatch side of a registered route. The router
// owns matching; the entry owns what happens after a match.
type routeEntry struct {
	kind  entryKind
	route *router.Route

	handlers map[string]bridge.Handler      // standard, by method
	turbos   map[string]bridge.TurboHandler // turbo, by method

	staticBody []byte
	staticType string
	staticFn   func() ([]byte, string) // resolved at freeze

	template *router.Template
	filesDir string

	limiter *ratelimit.Limiter // per-route override, nil uses the engine default
}

// RouteOption tweaks a single route registration.
type RouteOption func(*routeOpts)

type routeOpts struct {
	limit ratelimit.Config
}

// WithRateLimit gives the route its own token bucket instead of the
// engine-wide default.
func WithRateLimit(capacity, refillRate float64) RouteOption {
	return func(o *routeOpts) {
		o.limit = ratelimit.Config{Capacity: capacity, RefillRate: refillRate}
	}
}

// Engine is one worker's server: it owns the route table, the
// connection loops, and the native subsystems every request crosses.
type Engine struct {
	log *logrus.Logger

	router  *router.Router
	entries map[router.RouteID]*routeEntry

	bridge  *bridge.Bridge
	cache   *cache.Cache
	disk    *cache.Disk
	limiter *ratelimit.Limiter
	ws      *websocket.Manager
	stats   *stats.Collector
	workers *pools.WorkerPool
	chain   *middleware.Chain

	debug        bool
	maxBody      int
	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	mu       sync.Mutex
	frozen   bool
	listener net.Listener
	conns    map[*connState]struct{}

	connWG     sync.WaitGroup
	inShutdown atomic.Bool
}

// NewEngine builds an engine from opts. The returned engine accepts
// registrations until Freeze or the first Serve.
func NewEngine(opts Options) (*Engine, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Engine{
		log:          log,
		router:       router.New(),
		entries:      make(map[router.RouteID]*routeEntry),
		bridge:       bridge.New(!opts.FreeThreaded, log),
		limiter:      ratelimit.New(opts.RateLimit),
		stats:        stats.NewCollector(opts.StatsEnabled),
		workers:      pools.NewWorkerPool(opts.Workers),
		chain:        middleware.NewChain(),
		conns:        make(map[*connState]struct{}),
		debug:        opts.Debug,
		maxBody:      opts.MaxBodyBytes,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		idleTimeout:  opts.IdleTimeout,
	}
	if e.maxBody <= 0 {
		e.maxBody = defaultMaxBodyBytes
	}
	if e.readTimeout <= 0 {
		e.readTimeout = defaultReadTimeout
	}
	if e.writeTimeout <= 0 {
		e.writeTimeout = defaultWriteTimeout
	}
	if e.idleTimeout <= 0 {
		e.idleTimeout = defaultIdleTimeout
	}

	if opts.CacheDir != "" {
		disk, err := cache.OpenDisk(opts.CacheDir, opts.CacheDiskMax, log)
		if err != nil {
			return nil, fmt.Errorf("open cache dir: %w", err)
		}
		e.disk = disk
	}
	e.cache = cache.New(cache.Options{Disk: e.disk, Runner: e.workers, Logger: log})
	e.ws = websocket.NewManager(e.bridge, e.stats, log, opts.WebSocket)

	return e, nil
}

// Route registers a standard handler for the given methods. Methods
// default to GET when empty.
func (e *Engine) Route(pattern string, methods []string, h bridge.Handler, opts ...RouteOption) error {
	var ro routeOpts
	for _, o := range opts {
		o(&ro)
	}

	id, err := e.router.Register(pattern, methods, router.Standard, 0)
	if err != nil {
		return err
	}
	entry, err := e.entry(id, entryStandard)
	if err != nil {
		return err
	}
	if entry.handlers == nil {
		entry.handlers = make(map[string]bridge.Handler, 2)
	}
	for _, m := range methodsOrGet(methods) {
		entry.handlers[strings.ToUpper(m)] = h
	}
	if ro.limit.Enabled() && entry.limiter == nil {
		entry.limiter = ratelimit.New(ro.limit)
	}
	return nil
}

func (e *Engine) GET(pattern string, h bridge.Handler, opts ...RouteOption) error {
	return e.Route(pattern, []string{"GET"}, h, opts...)
}

func (e *Engine) POST(pattern string, h bridge.Handler, opts ...RouteOption) error {
	return e.Route(pattern, []string{"POST"}, h, opts...)
}

func (e *Engine) PUT(pattern string, h bridge.Handler, opts ...RouteOption) error {
	return e.Route(pattern, []string{"PUT"}, h, opts...)
}

func (e *Engine) DELETE(pattern string, h bridge.Handler, opts ...RouteOption) error {
	return e.Route(pattern, []string{"DELETE"}, h, opts...)
}

func (e *Engine) PATCH(pattern string, h bridge.Handler, opts ...RouteOption) error {
	return e.Route(pattern, []string{"PATCH"}, h, opts...)
}

// Turbo registers a handler on the turbo path: no hooks, no request
// view beyond the typed captures, and response caching when ttl > 0.
func (e *Engine) Turbo(pattern string, methods []string, h bridge.TurboHandler, ttl time.Duration) error {
	id, err := e.router.Register(pattern, methods, router.Turbo, ttl)
	if err != nil {
		return err
	}
	entry, err := e.entry(id, entryTurbo)
	if err != nil {
		return err
	}
	if entry.turbos == nil {
		entry.turbos = make(map[string]bridge.TurboHandler, 2)
	}
	for _, m := range methodsOrGet(methods) {
		entry.turbos[strings.ToUpper(m)] = h
	}
	return nil
}

// Static registers a fully precomputed GET response served natively.
func (e *Engine) Static(path string, body []byte, contentType string) error {
	id, err := e.router.Register(path, []string{"GET"}, router.Standard, 0)
	if err != nil {
		return err
	}
	entry, err := e.entry(id, entryStatic)
	if err != nil {
		return err
	}
	entry.staticBody = body
	entry.staticType = contentType
	return nil
}

// StaticFunc registers a GET response computed once at freeze time and
// served precomputed afterwards.
func (e *Engine) StaticFunc(path string, fn func() (body []byte, contentType string)) error {
	id, err := e.router.Register(path, []string{"GET"}, router.Standard, 0)
	if err != nil {
		return err
	}
	entry, err := e.entry(id, entryStatic)
	if err != nil {
		return err
	}
	entry.staticFn = fn
	return nil
}

// Compiled registers a GET route whose JSON response template renders
// natively from the path captures. The template is checked against the
// pattern before anything is registered.
func (e *Engine) Compiled(pattern string, template any) error {
	tpl, err := router.Compile(template)
	if err != nil {
		return err
	}
	captures, err := router.CaptureNames(pattern)
	if err != nil {
		return err
	}
	if err := tpl.Validate(captures); err != nil {
		return fmt.Errorf("compiled route %s: %w", pattern, err)
	}

	id, err := e.router.Register(pattern, []string{"GET"}, router.Standard, 0)
	if err != nil {
		return err
	}
	entry, err := e.entry(id, entryCompiled)
	if err != nil {
		return err
	}
	entry.template = tpl
	return nil
}

// filesCapture is the capture name Files routes use for the remainder
// of the path.
const filesCapture = "filepath"

// Files serves the tree under dir below the given URL prefix.
func (e *Engine) Files(prefix, dir string) error {
	pattern := strings.TrimSuffix(prefix, "/") + "/<path:" + filesCapture + ">"
	id, err := e.router.Register(pattern, []string{"GET"}, router.Standard, 0)
	if err != nil {
		return err
	}
	entry, err := e.entry(id, entryFiles)
	if err != nil {
		return err
	}
	entry.filesDir = dir
	return nil
}

// WebSocket registers a callback-mode session endpoint.
func (e *Engine) WebSocket(path string, cb websocket.Callback, cfg websocket.Config) error {
	return e.ws.Register(websocket.Endpoint{
		Path:     path,
		Mode:     websocket.ModeCallback,
		Callback: cb,
		Config:   cfg,
	})
}

// NativeWebSocket registers an echo, prefix-echo or broadcast endpoint
// that never crosses the bridge.
func (e *Engine) NativeWebSocket(path string, mode websocket.EndpointMode, cfg websocket.Config) error {
	return e.ws.Register(websocket.Endpoint{Path: path, Mode: mode, Config: cfg})
}

// WebSocketEndpoint registers a fully specified endpoint, for callers
// that need a broadcast group or custom prefix.
func (e *Engine) WebSocketEndpoint(ep websocket.Endpoint) error {
	return e.ws.Register(ep)
}

// Before appends a hook that runs ahead of every standard handler and
// may short-circuit with its own result.
func (e *Engine) Before(fn middleware.BeforeFunc) {
	e.chain.Before(fn)
}

// After appends a hook that observes or rewrites every standard
// response, newest first.
func (e *Engine) After(fn middleware.AfterFunc) {
	e.chain.After(fn)
}

// entry returns the dispatch entry for id, creating it on first use.
// A route whose shape is shared across registrations keeps one entry;
// mixing kinds on one shape is rejected.
func (e *Engine) entry(id router.RouteID, kind entryKind) (*routeEntry, error) {
	if entry, ok := e.entries[id]; ok {
		if entry.kind != kind {
			return nil, fmt.Errorf("route %s is already registered with a different handler kind", entry.route.Pattern)
		}
		return entry, nil
	}

	var rt *router.Route
	for _, r := range e.router.Routes() {
		if r.ID == id {
			rt = r
			break
		}
	}
	entry := &routeEntry{kind: kind, route: rt}
	e.entries[id] = entry
	return entry, nil
}

func methodsOrGet(methods []string) []string {
	if len(methods) == 0 {
		return []string{"GET"}
	}
	return methods
}

// Freeze resolves deferred registrations, folds the hook chain into
// every standard handler, and makes the route table immutable. Serve
// calls it implicitly.
func (e *Engine) Freeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return
	}
	e.frozen = true

	for _, entry := range e.entries {
		switch entry.kind {
		case entryStatic:
			if entry.staticFn != nil {
				entry.staticBody, entry.staticType = entry.staticFn()
				entry.staticFn = nil
			}
		case entryStandard:
			for m, h := range entry.handlers {
				entry.handlers[m] = e.chain.Wrap(h)
			}
		}
	}
	e.router.Freeze()
}

// Serve accepts connections on ln until Shutdown or a fatal accept
// error. Each connection gets its own goroutine.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	e.Freeze()

	e.mu.Lock()
	e.listener = ln
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"routes": e.router.Len(),
	}).Info("engine serving")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if e.inShutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
			tc.SetKeepAlive(true)
			tc.SetKeepAlivePeriod(30 * time.Second)
		}

		c := &connState{Conn: conn}
		e.trackConn(c, true)
		e.connWG.Add(1)
		go func() {
			defer e.connWG.Done()
			defer e.trackConn(c, false)
			e.serveConn(ctx, c)
		}()
	}
}

func (e *Engine) trackConn(c *connState, add bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if add {
		e.conns[c] = struct{}{}
	} else {
		delete(e.conns, c)
	}
}

// Shutdown stops accepting, closes idle keep-alive connections, and
// waits for in-flight requests and sessions until ctx expires, then
// force-closes whatever is left.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.inShutdown.Swap(true) {
		return nil
	}

	e.mu.Lock()
	ln := e.listener
	e.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	e.ws.CloseAll(websocket.CloseGoingAway, "server shutting down")

	e.mu.Lock()
	for c := range e.conns {
		if !c.busy.Load() {
			c.Close()
		}
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.connWG.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		e.mu.Lock()
		for c := range e.conns {
			c.Close()
		}
		e.mu.Unlock()
		err = ctx.Err()
		<-done
	}

	e.workers.Close()
	if e.disk != nil {
		e.disk.Close()
	}
	e.log.Info("engine stopped")
	return err
}

// Stats snapshots the request counters.
func (e *Engine) Stats() stats.Snapshot {
	return e.stats.Snapshot()
}

// PoolStats snapshots the background worker pool.
func (e *Engine) PoolStats() pools.WorkerPoolStats {
	return e.workers.Stats()
}

// Sessions reports the number of live WebSocket sessions.
func (e *Engine) Sessions() int {
	return e.ws.Count()
}

// Routes reports the number of registered routes.
func (e *Engine) Routes() int {
	return e.router.Len()
}
