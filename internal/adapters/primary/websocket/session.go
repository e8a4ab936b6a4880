package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/logging"
)

// SessionConfig controls heartbeat timing and buffering for a session.
type SessionConfig struct {
	// Send pings to peer with this period. Must be less than PongWait.
	PingInterval time.Duration

	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration

	// Time allowed to write a message to the peer.
	WriteWait time.Duration

	// Maximum message size allowed from peer.
	MaxMessageSize int64

	// Capacity of the outbound queue.
	SendQueueSize int
}

// DefaultSessionConfig returns the standard heartbeat settings.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		PingInterval:   30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 1024,
		SendQueueSize:  256,
	}
}

func (c SessionConfig) withDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	return c
}

// Session is a middleman between one websocket connection and the relay.
// Only the write pump writes to the connection.
type Session struct {
	id       uuid.UUID
	conn     *websocket.Conn
	registry *Registry
	clock    clockwork.Clock
	cfg      SessionConfig
	metrics  ports.RelayMetrics
	logger   *slog.Logger
	logCtx   context.Context

	// Buffered channel of encoded outbound messages.
	send chan []byte

	// done is closed when the session enters Closing.
	done chan struct{}

	// closed is closed when the session reaches Closed.
	closed chan struct{}

	state     atomic.Int32
	closeOnce sync.Once

	// sendMu serializes enqueues with the transition to Closing.
	sendMu  sync.Mutex
	dropped int

	// mu protects lastPong, reason and drain
	mu       sync.Mutex
	lastPong time.Time
	reason   string
	drain    bool
}

// Ensure Session implements the Subscriber interface.
var _ ports.Subscriber = (*Session)(nil)

// NewSession wraps an upgraded connection. The session starts in Connecting;
// call Start after registering it.
func NewSession(
	conn *websocket.Conn,
	registry *Registry,
	clock clockwork.Clock,
	cfg SessionConfig,
	metrics ports.RelayMetrics,
	logger *slog.Logger,
) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	cfg = cfg.withDefaults()
	id := uuid.New()

	s := &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		clock:    clock,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		logCtx:   logging.WithSessionID(context.Background(), id.String()),
		send:     make(chan []byte, cfg.SendQueueSize),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.state.Store(int32(domain.SessionConnecting))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	return domain.SessionState(s.state.Load())
}

// Closed returns a channel that is closed once the session reaches Closed.
func (s *Session) Closed() <-chan struct{} {
	return s.closed
}

// CloseReason returns why the session closed, or "" while it is still open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Start moves the session to Open and launches its read and write pumps.
func (s *Session) Start() error {
	s.sendMu.Lock()
	if !s.state.CompareAndSwap(int32(domain.SessionConnecting), int32(domain.SessionOpen)) {
		s.sendMu.Unlock()
		return apperrors.ErrSessionClosed
	}
	s.markPong()
	s.sendMu.Unlock()

	s.metrics.SessionOpened()
	s.logger.InfoContext(s.logCtx, "session opened", "remote_addr", s.conn.RemoteAddr().String())

	go s.writePump()
	go s.readPump()
	return nil
}

// Enqueue queues an encoded message without blocking. When the queue is full
// the oldest queued message is discarded to make room.
func (s *Session) Enqueue(message []byte) domain.DeliveryResult {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.State() >= domain.SessionClosing {
		return domain.DeliveryRejected
	}

	select {
	case s.send <- message:
		return domain.DeliveryQueued
	default:
	}

	// Queue full: drop the oldest message. The write pump only ever removes
	// messages, so the second send cannot block.
	select {
	case <-s.send:
	default:
	}
	select {
	case s.send <- message:
	default:
	}

	s.dropped++
	s.metrics.SessionMessageDropped()
	if s.dropped == 1 || s.dropped%100 == 0 {
		s.logger.WarnContext(s.logCtx, "session send queue full, dropped oldest message",
			"dropped_total", s.dropped,
			"queue_capacity", cap(s.send),
		)
	}
	return domain.DeliveryDroppedOldest
}

// Close starts a server-initiated close. Messages already queued are flushed
// before the close frame is sent. Close does not wait; use Closed for that.
func (s *Session) Close(reason string) {
	s.shutdown(reason, true)
}

// shutdown moves the session to Closing exactly once and removes it from
// the registry so no later snapshot includes it.
func (s *Session) shutdown(reason string, drain bool) {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		prev := domain.SessionState(s.state.Swap(int32(domain.SessionClosing)))
		s.sendMu.Unlock()

		s.mu.Lock()
		s.reason = reason
		s.drain = drain
		s.mu.Unlock()

		if s.registry != nil {
			s.registry.Unregister(s.id)
		}
		close(s.done)

		// Without pumps nobody else will finish the session.
		if prev == domain.SessionConnecting {
			s.finish(false)
		}
	})
}

// readPump keeps the read side alive so control frames are processed.
// Inbound data messages are discarded.
func (s *Session) readPump() {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.logger.ErrorContext(s.logCtx, "failed to set read deadline", "error", err)
		s.shutdown(domain.CloseReasonPeerClosed, false)
		return
	}

	s.conn.SetPongHandler(func(string) error {
		s.markPong()
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.logger.ErrorContext(s.logCtx, "failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			reason := domain.CloseReasonPeerClosed

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				reason = domain.CloseReasonHeartbeatTimeout
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.WarnContext(s.logCtx, "websocket read error", "error", err)
			}

			s.shutdown(reason, false)
			return
		}
	}
}

// writePump writes queued messages and heartbeats to the connection.
func (s *Session) writePump() {
	ticker := s.clock.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer s.finish(true)

	for {
		select {
		case message := <-s.send:
			if err := s.write(websocket.TextMessage, message); err != nil {
				s.logger.DebugContext(s.logCtx, "failed to write message", "error", err)
				s.shutdown(domain.CloseReasonWriteError, false)
				return
			}

		case <-ticker.Chan():
			if s.clock.Since(s.lastPongAt()) > s.cfg.PongWait {
				s.logger.WarnContext(s.logCtx, "no pong within deadline", "pong_wait", s.cfg.PongWait.String())
				s.shutdown(domain.CloseReasonHeartbeatTimeout, false)
				return
			}

			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.DebugContext(s.logCtx, "failed to send ping", "error", err)
				s.shutdown(domain.CloseReasonWriteError, false)
				return
			}

		case <-s.done:
			if s.shouldDrain() {
				s.flush()
			}
			return
		}
	}
}

// flush writes whatever is still queued, stopping at the first failure.
func (s *Session) flush() {
	for {
		select {
		case message := <-s.send:
			if err := s.write(websocket.TextMessage, message); err != nil {
				s.logger.DebugContext(s.logCtx, "failed to flush message", "error", err)
				s.mu.Lock()
				s.reason = domain.CloseReasonWriteError
				s.mu.Unlock()
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// finish sends the close frame, releases the connection and marks the
// session Closed. opened reports whether Start ran.
func (s *Session) finish(opened bool) {
	reason := s.CloseReason()

	if reason != domain.CloseReasonWriteError {
		code := websocket.CloseNormalClosure
		if reason == domain.CloseReasonShutdown {
			code = websocket.CloseGoingAway
		}
		deadline := time.Now().Add(s.cfg.WriteWait)
		if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
			s.logger.DebugContext(s.logCtx, "failed to send close message", "error", err)
		}
	}
	_ = s.conn.Close()

	s.state.Store(int32(domain.SessionClosed))
	if opened {
		s.metrics.SessionClosed(reason)
	}

	s.sendMu.Lock()
	dropped := s.dropped
	s.sendMu.Unlock()

	s.logger.InfoContext(s.logCtx, "session closed", "reason", reason, "dropped_messages", dropped)
	close(s.closed)
}

func (s *Session) markPong() {
	s.mu.Lock()
	s.lastPong = s.clock.Now()
	s.mu.Unlock()
}

func (s *Session) lastPongAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

func (s *Session) shouldDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drain
}
