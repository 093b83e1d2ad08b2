package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/protocol"
)

// Connection is one authenticated WebSocket client. Outbound frames are
// serialized by writeMu; inbound frames are read by at most one worker at a
// time, guarded by processing.
type Connection struct {
	ID        string        // session ID (UUID)
	Identity  auth.Identity // user behind the connection
	Conn      net.Conn
	Fd        int
	CreatedAt time.Time

	rd           io.Reader // frame source; wraps Conn on platforms without epoll
	writeTimeout time.Duration
	lastActive   atomic.Int64 // unix nanos of the last inbound frame
	writeMu      sync.Mutex
	processing   int32
}

func newConnection(id string, identity auth.Identity, conn net.Conn, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Identity:     identity,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		rd:           conn,
		writeTimeout: writeTimeout,
	}
	c.lastActive.Store(now.UnixNano())
	return c
}

// UserID is shorthand for c.Identity.UserID.
func (c *Connection) UserID() string {
	return c.Identity.UserID
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the last inbound frame arrived.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Send encodes payload as a msgType frame and writes it.
func (c *Connection) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager indexes live connections by session ID, file
// descriptor and user. A user may hold several connections at once.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byFd   map[int]*Connection
	byUser map[string]map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	user := cm.byUser[conn.UserID()]
	if user == nil {
		user = make(map[string]*Connection)
		cm.byUser[conn.UserID()] = user
	}
	user[conn.ID] = conn
}

// Remove unregisters the connection with the given ID and closes it. It
// reports false if the connection was already gone, so concurrent removals
// clean up exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
		if user := cm.byUser[conn.UserID()]; user != nil {
			delete(user, id)
			if len(user) == 0 {
				delete(cm.byUser, conn.UserID())
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByFd returns the connection registered for fd, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byFd[fd]
}

// ForUser returns every live connection of userID.
func (cm *ConnectionManager) ForUser(userID string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	user := cm.byUser[userID]
	out := make([]*Connection, 0, len(user))
	for _, c := range user {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of every live connection.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	return conns
}
