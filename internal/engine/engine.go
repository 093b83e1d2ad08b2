// Package engine hosts room sessions: for every room a user opens it builds
// the room view, feeds it from the push stream, the backstop poll and local
// sends, tracks the counterpart's presence, and forwards every change to a
// Sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/reconcile"
)

// ErrNotMember is returned when a user opens a room it does not belong to.
var ErrNotMember = errors.New("engine: not a member of this room")

// Rooms is the part of the backing store a session reads.
type Rooms interface {
	GetRoom(ctx context.Context, id string) (chat.Room, error)
	ListMessages(ctx context.Context, roomID string) ([]chat.Message, error)
}

// Sink receives everything a room session produces. Calls may come from
// several goroutines.
type Sink interface {
	Snapshot(roomID string, msgs []chat.Message)
	ViewChanged(roomID string, d chat.Diff)
	PresenceChanged(roomID string, e presence.Entry)
	ChannelStatus(roomID string, status messaging.Status, err error)
}

// Config tunes the engine.
type Config struct {
	MessagePollInterval time.Duration
	FetchTimeout        time.Duration
	EventBuffer         int
}

// DefaultConfig returns the standard intervals.
func DefaultConfig() Config {
	return Config{
		MessagePollInterval: reconcile.DefaultInterval,
		FetchTimeout:        5 * time.Second,
		EventBuffer:         messaging.DefaultRoomBuffer,
	}
}

// Engine opens room sessions.
type Engine struct {
	cfg      Config
	rooms    Rooms
	bus      messaging.Transport
	delivery *delivery.Coordinator
	presence *presence.Tracker
	logger   *slog.Logger
}

// New creates an Engine.
func New(cfg Config, rooms Rooms, bus messaging.Transport, coord *delivery.Coordinator, tracker *presence.Tracker, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MessagePollInterval <= 0 {
		cfg.MessagePollInterval = def.MessagePollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		rooms:    rooms,
		bus:      bus,
		delivery: coord,
		presence: tracker,
		logger:   logger.With("component", "engine"),
	}
}

// Open starts a session on roomID for id. The sink receives the initial
// snapshot before any other call. A push subscription that cannot be
// established does not fail Open: the sink is told the channel status and
// the poll keeps the view current.
func (e *Engine) Open(ctx context.Context, id auth.Identity, roomID string, sink Sink) (*RoomSession, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	room, err := e.rooms.GetRoom(fetchCtx, roomID)
	if err != nil {
		return nil, fmt.Errorf("engine: open room %s: %w", roomID, err)
	}
	if !room.IsParticipant(id.UserID) {
		return nil, ErrNotMember
	}

	runCtx, stop := context.WithCancel(context.Background())
	s := &RoomSession{
		identity:    id,
		room:        room,
		counterpart: room.Counterpart(id.UserID),
		view:        chat.NewView(roomID),
		sink:        sink,
		engine:      e,
		sub:         messaging.NewRoomSubscriber(e.bus, e.cfg.EventBuffer, e.logger),
		stop:        stop,
		logger:      e.logger.With("room_id", roomID, "user_id", id.UserID),
	}
	s.recon = reconcile.New(e.rooms, s.view, nil,
		reconcile.WithInterval(e.cfg.MessagePollInterval),
		reconcile.WithTimeout(e.cfg.FetchTimeout),
		reconcile.WithLogger(e.logger))

	// Subscribe before the initial fetch, so nothing committed in between is
	// left for the next poll. Events queue on the stream until the pump runs.
	events, err := s.sub.Subscribe(roomID, s.onStatus)
	if err != nil {
		s.logger.Warn("push subscription failed, relying on poll", "error", err)
	}

	// Initial fetch. Failure leaves an empty view for the poll loop to fill.
	msgs, err := e.rooms.ListMessages(fetchCtx, roomID)
	if err != nil {
		s.logger.Warn("initial fetch failed", "error", err)
	} else if _, err := s.view.MergeSnapshot(msgs); err != nil {
		s.sub.Unsubscribe()
		stop()
		return nil, err
	}
	sink.Snapshot(roomID, s.view.Snapshot())

	// From here on every view change reaches the sink in the order it was
	// applied, whichever goroutine applied it.
	s.view.SetObserver(func(d chat.Diff) { sink.ViewChanged(roomID, d) })
	s.releaseStatuses()

	s.startPresence(runCtx)

	if events != nil {
		s.wg.Add(1)
		go s.pump(events)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recon.Run(runCtx)
	}()

	metrics.OpenRooms.Inc()
	s.logger.Info("room opened", "messages", s.view.Len())
	return s, nil
}
