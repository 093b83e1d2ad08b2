package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/whisper/relay/internal/auth"
	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/delivery"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/metrics"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/reconcile"
)

// RoomSession is one user's open room.
type RoomSession struct {
	identity    auth.Identity
	room        chat.Room
	counterpart string
	view        *chat.View
	sink        Sink
	engine      *Engine
	sub         *messaging.RoomSubscriber
	recon       *reconcile.Reconciler
	logger      *slog.Logger

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	cleanup   []func()

	statusMu sync.Mutex
	degraded bool
	ready    bool          // initial snapshot delivered
	early    []statusEvent // statuses reported before it
}

type statusEvent struct {
	status messaging.Status
	err    error
}

// Room returns the room this session is open on.
func (s *RoomSession) Room() chat.Room {
	return s.room
}

// Counterpart returns the other participant's ID.
func (s *RoomSession) Counterpart() string {
	return s.counterpart
}

// Snapshot returns the current view.
func (s *RoomSession) Snapshot() []chat.Message {
	return s.view.Snapshot()
}

// Search returns the text messages of the view matching query.
func (s *RoomSession) Search(query string) []chat.Message {
	return s.view.Search(query)
}

// Send delivers p as the session's user.
func (s *RoomSession) Send(ctx context.Context, p chat.Payload) (delivery.Outcome, error) {
	return s.engine.delivery.Send(ctx, s.view, s.identity.UserID, p, nil)
}

// RefreshPresence re-reads the counterpart's profile now.
func (s *RoomSession) RefreshPresence(ctx context.Context) (presence.Entry, error) {
	snap, err := s.engine.presence.Refresh(ctx, []string{s.counterpart})
	return snap[s.counterpart], err
}

// PollNow asks for an immediate backstop poll.
func (s *RoomSession) PollNow() {
	s.recon.Trigger()
}

// Close tears the session down. No merge lands after the view is closed,
// and Close returns only once every session goroutine has exited.
func (s *RoomSession) Close() {
	s.closeOnce.Do(func() {
		s.view.Close()
		s.stop()
		s.sub.Unsubscribe()
		for _, fn := range s.cleanup {
			fn()
		}
		s.wg.Wait()
		metrics.OpenRooms.Dec()
		s.logger.Info("room closed")
	})
}

func (s *RoomSession) pump(events <-chan chat.Event) {
	defer s.wg.Done()
	for ev := range events {
		d, err := s.view.Merge(ev)
		if err != nil {
			if errors.Is(err, chat.ErrViewClosed) {
				metrics.MergesTotal.WithLabelValues(string(chat.SourcePush), "closed").Inc()
				return
			}
			s.logger.Warn("merge failed", "error", err)
			continue
		}
		if d.Empty() {
			metrics.MergesTotal.WithLabelValues(string(chat.SourcePush), "noop").Inc()
			continue
		}
		metrics.MergesTotal.WithLabelValues(string(chat.SourcePush), "changed").Inc()
	}
}

// onStatus forwards push channel health to the sink. A degraded channel
// triggers an immediate poll, and so does its recovery, since events
// published in between are not replayed.
func (s *RoomSession) onStatus(status messaging.Status, err error) {
	s.statusMu.Lock()
	poll := false
	switch status {
	case messaging.StatusChannelError, messaging.StatusTimedOut:
		s.degraded = true
		poll = true
	case messaging.StatusSubscribed:
		poll = s.degraded
		s.degraded = false
	}
	ready := s.ready
	if !ready {
		s.early = append(s.early, statusEvent{status, err})
	}
	s.statusMu.Unlock()

	if status == messaging.StatusChannelError {
		s.logger.Warn("push channel degraded", "error", err)
	}
	if poll {
		s.recon.Trigger()
	}
	if ready {
		s.sink.ChannelStatus(s.room.ID, status, err)
	}
}

// releaseStatuses forwards the statuses held back while the initial
// snapshot was being built.
func (s *RoomSession) releaseStatuses() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for _, ev := range s.early {
		s.sink.ChannelStatus(s.room.ID, ev.status, ev.err)
	}
	s.early = nil
	s.ready = true
}

func (s *RoomSession) startPresence(ctx context.Context) {
	tracker := s.engine.presence
	if tracker == nil || s.counterpart == "" {
		return
	}
	counterpart := s.counterpart
	roomID := s.room.ID

	s.cleanup = append(s.cleanup, tracker.Track(counterpart))
	s.cleanup = append(s.cleanup, tracker.OnChange(func(e presence.Entry) {
		if e.Profile.ID == counterpart {
			s.sink.PresenceChanged(roomID, e)
		}
	}))

	if sub, err := messaging.SubscribeProfiles(s.engine.bus, counterpart, tracker.Apply); err != nil {
		s.logger.Warn("presence subscription failed", "error", err)
	} else {
		s.cleanup = append(s.cleanup, func() { _ = sub.Unsubscribe() })
	}

	// Send what is known now, then refresh in the background.
	if e, ok := tracker.Get(counterpart); ok {
		s.sink.PresenceChanged(roomID, e)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := tracker.Refresh(ctx, []string{counterpart}); err != nil && ctx.Err() == nil {
			s.logger.Warn("presence refresh failed", "error", err)
		}
	}()
}
