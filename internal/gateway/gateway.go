// Package gateway binds WebSocket connections to room sessions. Each
// connection may hold several open rooms; every change a room session
// produces is written back to the connection as a protocol frame.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/engine"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/store"
	"github.com/whisper/relay/internal/ws"
)

// Limiter throttles clients.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// RoomRecorder keeps the session record's open rooms current.
type RoomRecorder interface {
	OpenRoom(ctx context.Context, sessionID, roomID string) error
	CloseRoom(ctx context.Context, sessionID, roomID string) error
}

// Gateway owns the per-connection state.
type Gateway struct {
	engine   *engine.Engine
	bus      messaging.Transport
	hub      *auth.Hub
	limiter  Limiter
	recorder RoomRecorder
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLimiter throttles send_message.
func WithLimiter(l Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithRecorder mirrors open rooms into the session store.
func WithRecorder(r RoomRecorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithTimeout bounds each request handled for a client.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// New creates a Gateway.
func New(eng *engine.Engine, bus messaging.Transport, hub *auth.Hub, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		engine:  eng,
		bus:     bus,
		hub:     hub,
		timeout: 10 * time.Second,
		logger:  logger.With("component", "gateway"),
		clients: make(map[string]*client),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register installs the gateway's handlers on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeOpenRoom, g.handleOpenRoom)
	d.Register(protocol.TypeCloseRoom, g.handleCloseRoom)
	d.Register(protocol.TypeSendMessage, g.handleSendMessage)
	d.Register(protocol.TypeRefreshPresence, g.handleRefreshPresence)
	d.Register(protocol.TypeSearchMessages, g.handleSearchMessages)
}

// Connected is the server's connect callback.
func (g *Gateway) Connected(conn *ws.Connection) {
	c := newClient(conn, g.logger)

	if g.bus != nil {
		sub, err := messaging.SubscribeRooms(g.bus, conn.UserID(), func(room chat.Room) {
			c.send(protocol.TypeRoomCreated, protocol.RoomCreatedMsg{Room: room})
		})
		if err != nil {
			g.logger.Warn("room notice subscription failed", "user_id", conn.UserID(), "error", err)
		} else {
			c.roomNotices = sub
		}
	}

	g.mu.Lock()
	g.clients[conn.ID] = c
	g.mu.Unlock()

	if g.hub != nil {
		g.hub.Start(conn.Identity)
	}
}

// Disconnected is the server's disconnect callback.
func (g *Gateway) Disconnected(conn *ws.Connection) {
	g.mu.Lock()
	c := g.clients[conn.ID]
	delete(g.clients, conn.ID)
	g.mu.Unlock()
	if c == nil {
		return
	}

	c.closeAll()
	if g.hub != nil {
		g.hub.End(conn.Identity)
	}
}

// Clients returns the number of tracked connections.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) client(conn *ws.Connection) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[conn.ID]
}

func (g *Gateway) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.timeout)
}

func (g *Gateway) handleOpenRoom(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.OpenRoomMsg)
	c := g.client(conn)
	if c == nil {
		return
	}

	if rs := c.room(m.RoomID); rs != nil {
		c.Snapshot(m.RoomID, rs.Snapshot())
		return
	}

	ctx, cancel := g.context()
	defer cancel()

	rs, err := g.engine.Open(ctx, conn.Identity, m.RoomID, c)
	if err != nil {
		code := protocol.CodeInternal
		switch {
		case errors.Is(err, engine.ErrNotMember):
			code = protocol.CodeForbidden
		case errors.Is(err, store.ErrNotFound):
			code = protocol.CodeNotFound
		default:
			g.logger.Error("open room", "room_id", m.RoomID, "user_id", conn.UserID(), "error", err)
		}
		c.sendError(code, err.Error())
		return
	}

	if stale := c.addRoom(m.RoomID, rs); stale != nil {
		stale.Close()
		if stale == rs {
			return
		}
	}
	if g.recorder != nil {
		if err := g.recorder.OpenRoom(ctx, conn.ID, m.RoomID); err != nil {
			g.logger.Warn("record open room", "session_id", conn.ID, "error", err)
		}
	}
}

func (g *Gateway) handleCloseRoom(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.CloseRoomMsg)
	c := g.client(conn)
	if c == nil {
		return
	}
	rs := c.removeRoom(m.RoomID)
	if rs == nil {
		return
	}
	rs.Close()

	if g.recorder != nil {
		ctx, cancel := g.context()
		defer cancel()
		if err := g.recorder.CloseRoom(ctx, conn.ID, m.RoomID); err != nil {
			g.logger.Warn("record close room", "session_id", conn.ID, "error", err)
		}
	}
}

func (g *Gateway) handleSendMessage(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SendMessageMsg)
	c := g.client(conn)
	if c == nil {
		return
	}
	rs := c.room(m.RoomID)
	if rs == nil {
		c.send(protocol.TypeSendFailed, protocol.SendFailedMsg{
			RoomID:  m.RoomID,
			Code:    protocol.CodeRoomNotOpen,
			Message: "room is not open",
		})
		return
	}

	ctx, cancel := g.context()
	defer cancel()

	if g.limiter != nil {
		d, err := g.limiter.Allow(ctx, conn.UserID(), ratelimit.RuleSend)
		if err == nil && !d.Allowed {
			c.send(protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: ratelimit.RetrySeconds(d.RetryAfter),
			})
			return
		}
	}

	out, err := rs.Send(ctx, m.Payload)
	switch {
	case out.Skipped:
		return
	case err == nil:
		c.send(protocol.TypeSendAck, protocol.SendAckMsg{
			RoomID:      m.RoomID,
			ClientToken: out.Token,
			Message:     out.Message,
			Preview:     out.Preview,
		})
	default:
		code := protocol.CodeInvalid
		switch {
		case errors.Is(err, delivery.ErrSubmission):
			code = protocol.CodeSubmission
		case errors.Is(err, chat.ErrViewClosed):
			code = protocol.CodeRoomNotOpen
		}
		c.send(protocol.TypeSendFailed, protocol.SendFailedMsg{
			RoomID:      m.RoomID,
			ClientToken: out.Token,
			Code:        code,
			Message:     err.Error(),
		})
	}
}

func (g *Gateway) handleRefreshPresence(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.RefreshPresenceMsg)
	c := g.client(conn)
	if c == nil {
		return
	}
	rs := c.room(m.RoomID)
	if rs == nil {
		c.sendError(protocol.CodeRoomNotOpen, "room is not open")
		return
	}

	ctx, cancel := g.context()
	defer cancel()

	// A failed refresh still answers with the last known state.
	entry, err := rs.RefreshPresence(ctx)
	if err != nil && !errors.Is(err, presence.ErrStale) {
		g.logger.Warn("refresh presence", "room_id", m.RoomID, "error", err)
	}
	if entry.Profile.ID == "" {
		entry.Profile.ID = rs.Counterpart()
	}
	c.PresenceChanged(m.RoomID, entry)
}

func (g *Gateway) handleSearchMessages(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SearchMessagesMsg)
	c := g.client(conn)
	if c == nil {
		return
	}
	rs := c.room(m.RoomID)
	if rs == nil {
		c.sendError(protocol.CodeRoomNotOpen, "room is not open")
		return
	}
	results := rs.Search(m.Query)
	if results == nil {
		results = []chat.Message{}
	}
	c.send(protocol.TypeSearchResults, protocol.SearchResultsMsg{
		RoomID:   m.RoomID,
		Query:    m.Query,
		Messages: results,
	})
}
