// Package messaging is the event bus client. It wraps NATS for pub/sub across
// chatd instances, reports push channel health as subscription statuses, and
// scopes room event streams to a single consumer.
package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/relay/internal/metrics"
)

// NATS subject patterns used by chatd.
const (
	SubjectRoom     = "room"     // + .<room_id> (message mutations)
	SubjectPresence = "presence" // + .<user_id> (profile and presence updates)
	SubjectRooms    = "rooms"    // + .<user_id> (room created notices)
)

// RoomSubject returns the subject carrying message events for roomID.
func RoomSubject(roomID string) string { return SubjectRoom + "." + roomID }

// PresenceSubject returns the subject carrying profile updates for userID.
func PresenceSubject(userID string) string { return SubjectPresence + "." + userID }

// RoomsSubject returns the subject carrying room notices for userID.
func RoomsSubject(userID string) string { return SubjectRooms + "." + userID }

// Status is the health of a push subscription as seen by its consumer.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// ErrTimedOut is returned when the server does not confirm a subscription
// within the flush timeout.
var ErrTimedOut = errors.New("messaging: subscribe timed out")

// Subscription is a live handler registration on a Transport.
type Subscription interface {
	Unsubscribe() error
}

// StatusFunc receives transport health changes. err is set for
// StatusChannelError when a cause is known.
type StatusFunc func(status Status, err error)

// Transport is the pub/sub surface chatd depends on. NATSClient is the
// production implementation and MemoryBus the in-process one.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	// OnStatus registers fn for connection-level health changes and returns
	// a function that removes it.
	OnStatus(fn StatusFunc) (remove func())
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn         *nats.Conn
	logger       *slog.Logger
	flushTimeout time.Duration

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}

	statusMu  sync.RWMutex
	listeners map[uint64]StatusFunc
	nextID    uint64
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	FlushTimeout  time.Duration // how long a subscribe waits for server confirmation
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatd",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		FlushTimeout:  5 * time.Second,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &NATSClient{
		logger:       logger.With("component", "nats"),
		flushTimeout: config.FlushTimeout,
		subs:         make(map[*nats.Subscription]struct{}),
		listeners:    make(map[uint64]StatusFunc),
	}
	if c.flushTimeout <= 0 {
		c.flushTimeout = DefaultNATSConfig().FlushTimeout
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("disconnected", "error", err)
			c.emit(StatusChannelError, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("reconnected", "url", nc.ConnectedUrl())
			c.emit(StatusSubscribed, nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("connection closed")
			c.emit(StatusClosed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			c.logger.Error("async error", "subject", subject, "error", err)
			c.emit(StatusChannelError, err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	c.conn = nc

	c.logger.Info("connected", "url", nc.ConnectedUrl())
	return c, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and waits for the
// server to confirm it. A confirmation that does not arrive within the
// flush timeout yields ErrTimedOut.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := c.conn.FlushTimeout(c.flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		if errors.Is(err, nats.ErrTimeout) {
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, ErrTimedOut)
		}
		return nil, fmt.Errorf("nats subscribe %s: flush: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return &natsSubscription{client: c, sub: sub}, nil
}

// OnStatus registers fn for connection health changes.
func (c *NATSClient) OnStatus(fn StatusFunc) func() {
	c.statusMu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.statusMu.Unlock()

	return func() {
		c.statusMu.Lock()
		delete(c.listeners, id)
		c.statusMu.Unlock()
	}
}

func (c *NATSClient) emit(status Status, err error) {
	metrics.ChannelStatus.WithLabelValues(string(status)).Inc()

	c.statusMu.RLock()
	fns := make([]StatusFunc, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.statusMu.RUnlock()

	for _, fn := range fns {
		fn(status, err)
	}
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", "error", err)
	}

	c.logger.Info("client closed")
}

type natsSubscription struct {
	client *NATSClient
	sub    *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	s.client.mu.Lock()
	_, ok := s.client.subs[s.sub]
	delete(s.client.subs, s.sub)
	s.client.mu.Unlock()

	if !ok {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", s.sub.Subject, err)
	}
	return nil
}
