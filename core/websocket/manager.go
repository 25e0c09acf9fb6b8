package websocket

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/searchktools/turbo-server/core/bridge"
	"github.com/searchktools/turbo-server/core/http"
	"github.com/searchktools/turbo-server/core/ratelimit"
	"github.com/searchktools/turbo-server/core/stats"
)

// EndpointMode selects how inbound messages are handled.
type EndpointMode int

const (
	// ModeCallback forwards each message to a user callback through
	// the bridge, subject to handler serialization.
	ModeCallback EndpointMode = iota
	// ModeEcho sends every message straight back, never crossing the
	// bridge.
	ModeEcho
	// ModePrefixEcho echoes text messages with a fixed prefix.
	ModePrefixEcho
	// ModeBroadcast fans every message out to the endpoint's group.
	ModeBroadcast
)

// Endpoint describes one registered WebSocket path.
type Endpoint struct {
	Path     string
	Mode     EndpointMode
	Config   Config
	Callback Callback // ModeCallback only
	Group    string   // ModeBroadcast; defaults to the path
	Prefix   string   // ModePrefixEcho; defaults to "Echo: "

	limiter *ratelimit.Limiter
}

// Manager owns the endpoint table and every live session of a worker.
// Endpoints are registered before the server starts serving; the table
// is read-only afterwards.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint

	sessions sync.Map // id -> *Session
	count    atomic.Int64

	hub      *Hub
	bridge   *bridge.Bridge
	stats    *stats.Collector
	log      *logrus.Entry
	defaults Config
}

func NewManager(b *bridge.Bridge, st *stats.Collector, log *logrus.Logger, defaults Config) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		endpoints: make(map[string]*Endpoint),
		hub:       NewHub(),
		bridge:    b,
		stats:     st,
		log:       log.WithField("component", "websocket"),
		defaults:  defaults.withDefaults(DefaultConfig()),
	}
}

// Register adds an endpoint. Paths are matched exactly against the
// request path of the upgrade.
func (m *Manager) Register(ep Endpoint) error {
	if ep.Path == "" || ep.Path[0] != '/' {
		return fmt.Errorf("websocket endpoint path %q must start with /", ep.Path)
	}
	if ep.Mode == ModeCallback && ep.Callback == nil {
		return fmt.Errorf("websocket endpoint %s: callback mode needs a callback", ep.Path)
	}

	ep.Config = ep.Config.withDefaults(m.defaults)
	if ep.Mode == ModePrefixEcho && ep.Prefix == "" {
		ep.Prefix = "Echo: "
	}
	if ep.Mode == ModeBroadcast && ep.Group == "" {
		ep.Group = ep.Path
	}
	if ep.Config.RateLimit > 0 {
		ep.limiter = ratelimit.New(ratelimit.Config{
			Capacity:   ep.Config.RateLimit,
			RefillRate: ep.Config.RateLimit,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.endpoints[ep.Path]; exists {
		return fmt.Errorf("websocket endpoint %s already registered", ep.Path)
	}
	m.endpoints[ep.Path] = &ep
	return nil
}

// Endpoint looks up the endpoint for an upgrade request path.
func (m *Manager) Endpoint(path string) (*Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[path]
	return ep, ok
}

// Serve upgrades the connection and runs the session's read loop until
// the connection ends. The caller's goroutine is occupied for the whole
// session lifetime, mirroring how plain HTTP connections are served.
func (m *Manager) Serve(ctx context.Context, conn net.Conn, req *http.Request, leftover []byte) error {
	ep, ok := m.Endpoint(req.Path)
	if !ok {
		return fmt.Errorf("no websocket endpoint for %s", req.Path)
	}

	ws, err := Accept(conn, req, leftover, ep.Config.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("websocket handshake: %w", err)
	}

	s := &Session{
		ID:      uuid.NewString(),
		cfg:     ep.Config,
		conn:    ws,
		ep:      ep,
		hub:     m.hub,
		bridge:  m.bridge,
		limiter: ep.limiter,
		stats:   m.stats,
		send:    make(chan Message, sendQueueSize),
		done:    make(chan struct{}),
	}
	s.state.Store(int32(StateHandshaking))
	s.log = m.log.WithFields(logrus.Fields{
		"session": s.ID,
		"path":    ep.Path,
	})

	m.sessions.Store(s.ID, s)
	m.count.Add(1)
	m.stats.RecordSessionOpened()
	if ep.Mode == ModeBroadcast {
		m.hub.Join(ep.Group, s)
	}
	s.log.Debug("websocket session opened")

	s.serve(ctx)

	if ep.Mode == ModeBroadcast {
		m.hub.Leave(ep.Group, s)
	}
	m.sessions.Delete(s.ID)
	m.count.Add(-1)
	m.stats.RecordSessionClosed()
	s.log.Debug("websocket session closed")
	return nil
}

// Hub exposes the group broadcaster, so native routes can push to
// groups without holding a session.
func (m *Manager) Hub() *Hub { return m.hub }

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	return int(m.count.Load())
}

// Session looks up a live session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// CloseAll force-closes every live session, for worker shutdown.
func (m *Manager) CloseAll(code CloseCode, reason string) {
	m.sessions.Range(func(_, v any) bool {
		v.(*Session).close(code, reason)
		return true
	})
}
