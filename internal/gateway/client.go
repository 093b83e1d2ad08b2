package gateway

import (
	"log/slog"
	"sync"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/engine"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/protocol"
	"github.com/whisper/relay/internal/ws"
)

// client is one connection's open rooms. It is the engine.Sink of every
// room session it holds.
type client struct {
	conn   *ws.Connection
	logger *slog.Logger

	mu          sync.Mutex
	rooms       map[string]*engine.RoomSession
	roomNotices messaging.Subscription
	closed      bool
}

var _ engine.Sink = (*client)(nil)

func newClient(conn *ws.Connection, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		logger: logger.With("session_id", conn.ID, "user_id", conn.UserID()),
		rooms:  make(map[string]*engine.RoomSession),
	}
}

func (c *client) room(id string) *engine.RoomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[id]
}

// addRoom stores rs and returns the session the caller must close: the one
// it replaced, or rs itself once the client is gone.
func (c *client) addRoom(id string, rs *engine.RoomSession) *engine.RoomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return rs
	}
	prev := c.rooms[id]
	c.rooms[id] = rs
	return prev
}

func (c *client) removeRoom(id string) *engine.RoomSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.rooms[id]
	delete(c.rooms, id)
	return rs
}

func (c *client) closeAll() {
	c.mu.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*engine.RoomSession)
	notices := c.roomNotices
	c.roomNotices = nil
	c.mu.Unlock()

	if notices != nil {
		_ = notices.Unsubscribe()
	}
	for _, rs := range rooms {
		rs.Close()
	}
}

func (c *client) send(msgType string, payload interface{}) {
	if err := c.conn.Send(msgType, payload); err != nil {
		c.logger.Debug("write failed", "type", msgType, "error", err)
	}
}

func (c *client) sendError(code, message string) {
	c.send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (c *client) Snapshot(roomID string, msgs []chat.Message) {
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.send(protocol.TypeRoomSnapshot, protocol.RoomSnapshotMsg{RoomID: roomID, Messages: msgs})
}

// ViewChanged writes removals before upserts so a promoted entry never
// shows twice on the client.
func (c *client) ViewChanged(roomID string, d chat.Diff) {
	if len(d.Removed) > 0 {
		c.send(protocol.TypeMessageRemove, protocol.MessageRemoveMsg{RoomID: roomID, Removed: d.Removed})
	}
	if len(d.Upserted) > 0 {
		c.send(protocol.TypeMessageUpsert, protocol.MessageUpsertMsg{RoomID: roomID, Messages: d.Upserted})
	}
}

func (c *client) PresenceChanged(roomID string, e presence.Entry) {
	c.send(protocol.TypePresence, protocol.PresenceMsg{
		RoomID:      roomID,
		UserID:      e.Profile.ID,
		State:       e.State.String(),
		Name:        e.Profile.Name,
		AvatarURL:   e.Profile.AvatarURL,
		RefreshedAt: e.RefreshedAt,
	})
}

func (c *client) ChannelStatus(roomID string, status messaging.Status, err error) {
	msg := protocol.ChannelStatusMsg{RoomID: roomID, Status: string(status)}
	if err != nil {
		msg.Error = err.Error()
	}
	c.send(protocol.TypeChannelStatus, msg)
}
