package messaging

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
)

// DefaultRoomBuffer is the number of undelivered events a room stream holds
// before new ones are dropped.
const DefaultRoomBuffer = 256

// RoomSubscriber owns at most one room event stream at a time. Subscribing
// again first tears the previous stream down, so a consumer never sees the
// same event delivered twice through stacked subscriptions.
//
// Delivery is best effort: a consumer that falls behind loses events instead
// of blocking the transport, and nothing is replayed after a reconnect. The
// backstop poll covers both gaps.
type RoomSubscriber struct {
	bus    Transport
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	stream *roomStream
}

// NewRoomSubscriber creates a subscriber on bus. buffer <= 0 selects
// DefaultRoomBuffer.
func NewRoomSubscriber(bus Transport, buffer int, logger *slog.Logger) *RoomSubscriber {
	if buffer <= 0 {
		buffer = DefaultRoomBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomSubscriber{bus: bus, buffer: buffer, logger: logger.With("component", "room-sub")}
}

type roomStream struct {
	roomID       string
	sub          Subscription
	removeStatus func()
	onStatus     StatusFunc

	mu     sync.Mutex
	ch     chan chat.Event
	closed bool
}

func (s *roomStream) deliver(ev chat.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *roomStream) status(st Status, err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.onStatus == nil {
		return
	}
	s.onStatus(st, err)
}

func (s *roomStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe opens the event stream of roomID. onStatus, when non-nil, receives
// SUBSCRIBED once the stream is live, CHANNEL_ERROR and SUBSCRIBED as the
// transport degrades and recovers, TIMED_OUT or CHANNEL_ERROR when the
// subscription cannot be established, and CLOSED on Unsubscribe.
func (r *RoomSubscriber) Subscribe(roomID string, onStatus StatusFunc) (<-chan chat.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teardownLocked()

	s := &roomStream{
		roomID:   roomID,
		onStatus: onStatus,
		ch:       make(chan chat.Event, r.buffer),
	}

	sub, err := r.bus.Subscribe(RoomSubject(roomID), func(data []byte) {
		var ev chat.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			r.logger.Warn("undecodable event", "room_id", roomID, "error", err)
			return
		}
		if ev.Message.RoomID != roomID {
			return
		}
		if !s.deliver(ev) {
			metrics.PushDropped.Inc()
			r.logger.Warn("consumer behind, dropping event", "room_id", roomID, "message_id", ev.Message.ID)
		}
	})
	if err != nil {
		st := StatusChannelError
		if errors.Is(err, ErrTimedOut) {
			st = StatusTimedOut
		}
		metrics.ChannelStatus.WithLabelValues(string(st)).Inc()
		if onStatus != nil {
			onStatus(st, err)
		}
		return nil, err
	}

	s.sub = sub
	s.removeStatus = r.bus.OnStatus(s.status)
	r.stream = s

	metrics.ChannelStatus.WithLabelValues(string(StatusSubscribed)).Inc()
	if onStatus != nil {
		onStatus(StatusSubscribed, nil)
	}
	return s.ch, nil
}

// Unsubscribe releases the current stream, if any. The event channel is
// closed afterwards. Calling it twice is a no-op.
func (r *RoomSubscriber) Unsubscribe() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

// RoomID returns the currently subscribed room, or "".
func (r *RoomSubscriber) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream == nil {
		return ""
	}
	return r.stream.roomID
}

func (r *RoomSubscriber) teardownLocked() {
	s := r.stream
	if s == nil {
		return
	}
	r.stream = nil

	if s.removeStatus != nil {
		s.removeStatus()
	}
	if err := s.sub.Unsubscribe(); err != nil {
		r.logger.Warn("unsubscribe", "room_id", s.roomID, "error", err)
	}
	onStatus := s.onStatus
	s.close()
	if onStatus != nil {
		onStatus(StatusClosed, nil)
	}
}
