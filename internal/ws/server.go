// Package ws is chatd's WebSocket gateway. It authenticates and upgrades
// HTTP requests, multiplexes reads over epoll with a bounded worker pool,
// and hands complete text frames to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/protocol"
)

// MaxFrameBytes bounds a single inbound data frame.
const MaxFrameBytes = 64 << 10

// ErrRejected is returned by an admission check to refuse a connection with
// 429 Too Many Requests.
var ErrRejected = errors.New("ws: connection rejected")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator turns a bearer token into an identity.
type Authenticator interface {
	Verify(raw string) (auth.Identity, error)
}

// SessionStore records live sessions outside the process.
type SessionStore interface {
	Create(ctx context.Context, sessionID string, id auth.Identity) error
	Delete(ctx context.Context, sessionID string) error
}

// Server accepts authenticated WebSocket connections.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	authn    Authenticator
	sessions SessionStore

	poller     *poller
	conns      *ConnectionManager
	workerPool chan struct{}
	mux        *http.ServeMux
	httpServer *http.Server

	onMessage    func(c *Connection, data []byte)
	onConnect    func(c *Connection)
	onDisconnect func(c *Connection)
	admit        func(r *http.Request, id auth.Identity) error

	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. sessions may be nil.
func NewServer(config ServerConfig, authn Authenticator, sessions SessionStore, logger *slog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:     config,
		logger:     logger.With("component", "ws"),
		authn:      authn,
		sessions:   sessions,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetOnMessage registers the handler for inbound text frames. It runs on a
// worker goroutine; frames of one connection are handled one at a time.
func (s *Server) SetOnMessage(fn func(c *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnConnect registers a callback run after session_created is sent and
// before the first frame of the connection is read.
func (s *Server) SetOnConnect(fn func(c *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once per removed connection,
// before its session record is deleted.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// SetAdmission registers a check run after authentication and before the
// upgrade. Returning ErrRejected answers 429.
func (s *Server) SetAdmission(fn func(r *http.Request, id auth.Identity) error) {
	s.admit = fn
}

// Mount serves h under pattern on the same listener.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	p, err := newPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.eventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.logger.Info("server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.authn.Verify(auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.admit != nil {
		if err := s.admit(r, identity); err != nil {
			if errors.Is(err, ErrRejected) {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
			s.logger.Warn("admission check failed", "user_id", identity.UserID, "error", err)
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newConnection(uuid.NewString(), identity, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, identity); err != nil {
			s.logger.Warn("create session record", "session_id", c.ID, "error", err)
		}
		cancel()
	}

	if err := c.Send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
		UserID:    identity.UserID,
	}); err != nil {
		s.logger.Warn("send session_created", "session_id", c.ID, "error", err)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.poller.Add(c); err != nil {
		s.logger.Error("poller add failed", "session_id", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.logger.Info("connection opened",
		"session_id", c.ID, "user_id", identity.UserID, "fd", c.Fd, "total", s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isInterrupted(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("poller wait failed", "error", err)
			continue
		}

		for _, c := range ready {
			s.workerPool <- struct{}{}
			go func(c *Connection) {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}(c)
		}
	}
}

// handleConn reads one frame from a readable connection.
func (s *Server) handleConn(c *Connection) {
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.Done(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A timeout here is a stale readiness report, not a dead peer.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.Length > MaxFrameBytes {
		s.logger.Warn("frame too large", "session_id", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(data))
			c.writeMu.Unlock()
		}
		return
	}

	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// RemoveConnection closes c and releases everything attached to it. It is
// safe to call concurrently; cleanup runs once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.ID); err != nil {
			s.logger.Warn("delete session record", "session_id", c.ID, "error", err)
		}
	}

	s.logger.Info("connection closed", "session_id", c.ID, "user_id", c.UserID(), "total", s.conns.Count())
}

// SendMessage writes data to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// SendToUser writes a msgType frame to every connection of userID and
// returns how many writes succeeded.
func (s *Server) SendToUser(userID, msgType string, payload interface{}) int {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.logger.Error("encode frame", "type", msgType, "error", err)
		return 0
	}
	sent := 0
	for _, c := range s.conns.ForUser(userID) {
		if err := c.WriteMessage(data); err != nil {
			s.logger.Warn("write to user failed", "session_id", c.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Connections exposes the live connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and closes every live one, running
// the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.logger.Info("server stopped")
	})
	return err
}
