package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/turbo-server/core/bridge"
	"github.com/searchktools/turbo-server/core/ratelimit"
	"github.com/searchktools/turbo-server/core/stats"
)

// State is a session's lifecycle stage.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// rateStrikeLimit is how many consecutive over-budget messages a
// session survives before it is closed for policy violation.
const rateStrikeLimit = 3

// sendQueueSize bounds the per-session outbound queue used by group
// broadcasts. A session that falls this far behind is a slow consumer.
const sendQueueSize = 256

// Config is the negotiated per-session resource policy. RateLimit is
// messages per second; zero disables message rate checking.
type Config struct {
	MaxMessageSize    int64
	RateLimit         float64
	HeartbeatInterval time.Duration
	Timeout           time.Duration
}

// DefaultConfig mirrors the limits applied when an endpoint does not
// override them.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    DefaultMaxMessageSize,
		HeartbeatInterval: 30 * time.Second,
		Timeout:           60 * time.Second,
	}
}

// withDefaults fills zero fields from d. RateLimit is taken as-is:
// zero means disabled, not "inherit".
func (c Config) withDefaults(d Config) Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// Callback handles one inbound message on a callback-mode endpoint. It
// runs inside the bridge's execution slot. A non-empty reply is sent
// back to the client as a text message.
type Callback func(s *Session, msg Message) (string, error)

// Session is one live WebSocket connection and its negotiated limits.
type Session struct {
	ID  string
	cfg Config

	conn    *Conn
	ep      *Endpoint
	hub     *Hub
	bridge  *bridge.Bridge
	limiter *ratelimit.Limiter
	stats   *stats.Collector
	log     *logrus.Entry

	state   atomic.Int32
	strikes int
	send    chan Message
	done    chan struct{}
	once    sync.Once
}

// State reports the current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Config returns the limits this session runs under.
func (s *Session) Config() Config { return s.cfg }

// RemoteAddr reports the peer address, for handler-side logging.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// Send writes a message directly to the peer.
func (s *Session) Send(msg Message) error {
	return s.conn.WriteMessage(msg.OpCode, msg.Payload)
}

// SendText writes a text message directly to the peer.
func (s *Session) SendText(text string) error {
	return s.conn.WriteText(text)
}

// Close ends the session with a close frame.
func (s *Session) Close(code CloseCode, reason string) {
	s.close(code, reason)
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// serve runs the read loop until the connection ends. It owns the
// session's terminal transition.
func (s *Session) serve(ctx context.Context) {
	s.state.Store(int32(StateOpen))
	go s.writePump()
	go s.heartbeat(ctx)
	defer s.close(CloseNormal, "")

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMessageTooLarge) {
				s.close(CloseTooLarge, "Message too big")
			}
			return
		}
		s.stats.RecordMessage()

		if !s.admit() {
			if s.State() != StateOpen {
				return
			}
			continue
		}
		s.dispatch(ctx, msg)
	}
}

// admit applies the message rate budget. Over-budget messages are
// dropped; rateStrikeLimit consecutive violations close the session
// with a policy-violation code.
func (s *Session) admit() bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow(s.ID).Allowed {
		s.strikes = 0
		return true
	}

	s.strikes++
	if s.strikes >= rateStrikeLimit {
		s.log.WithField("strikes", s.strikes).Warn("websocket rate limit exceeded, closing")
		s.close(ClosePolicyViolation, "Rate limit exceeded")
	}
	return false
}

func (s *Session) dispatch(ctx context.Context, msg *Message) {
	switch s.ep.Mode {
	case ModeEcho:
		s.conn.WriteMessage(msg.OpCode, msg.Payload)

	case ModePrefixEcho:
		if msg.OpCode == OpText {
			s.conn.WriteText(s.ep.Prefix + string(msg.Payload))
		} else {
			s.conn.WriteMessage(msg.OpCode, msg.Payload)
		}

	case ModeBroadcast:
		s.hub.Broadcast(s.ep.Group, *msg)

	default:
		var reply string
		err := s.bridge.Exec(ctx, func() error {
			var cbErr error
			reply, cbErr = s.ep.Callback(s, *msg)
			return cbErr
		})
		if err != nil {
			s.log.WithError(err).Warn("websocket callback failed")
			return
		}
		if reply != "" {
			s.conn.WriteText(reply)
		}
	}
}

// heartbeat pings at the configured interval and tears the session
// down when the peer has been silent longer than the timeout. The
// check runs on ping ticks, so a dead peer is detected within one
// interval past the timeout.
func (s *Session) heartbeat(ctx context.Context) {
	if s.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close(CloseGoingAway, "server shutting down")
			return
		case <-s.done:
			return
		case <-ticker.C:
			if s.cfg.Timeout > 0 && time.Since(s.conn.LastActivity()) > s.cfg.Timeout {
				s.log.Debug("websocket heartbeat timeout")
				s.close(CloseGoingAway, "heartbeat timeout")
				return
			}
			if err := s.conn.Ping(); err != nil {
				return
			}
		}
	}
}

// writePump drains the broadcast queue onto the wire.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg.OpCode, msg.Payload); err != nil {
				return
			}
		}
	}
}

// enqueue offers a message to the outbound queue without blocking.
func (s *Session) enqueue(msg Message) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// close drives the session to Closed exactly once: close frame first,
// then the transport, then the done signal.
func (s *Session) close(code CloseCode, reason string) {
	s.once.Do(func() {
		s.state.Store(int32(StateClosing))
		s.conn.CloseWith(code, reason)
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}
