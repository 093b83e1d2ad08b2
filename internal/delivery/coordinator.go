// Package delivery sends a message with an optimistic local entry and
// reconciles it with the authoritative record once the backing store accepts
// it.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/metrics"
)

// ErrSubmission is returned when the backing store rejects or fails a send.
// The optimistic entry has been withdrawn by then.
var ErrSubmission = errors.New("delivery: submission failed")

// Submitter persists a message and returns the stored record.
type Submitter interface {
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
}

// RoomUpdater stores a room's last message preview.
type RoomUpdater interface {
	SetLastMessage(ctx context.Context, roomID, preview string) error
}

// Outcome describes a finished send.
type Outcome struct {
	Token   string       // correlation token of the optimistic entry
	Message chat.Message // authoritative record; zero when Skipped
	Preview string       // last message preview written to the room
	Skipped bool         // empty payload, nothing was sent
}

// Coordinator runs sends. It is safe for concurrent use; every send carries
// its own correlation token.
type Coordinator struct {
	submit   Submitter
	rooms    RoomUpdater
	logger   *slog.Logger
	newToken func() string
	now      func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(submit Submitter, rooms RoomUpdater, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		submit:   submit,
		rooms:    rooms,
		logger:   logger.With("component", "delivery"),
		newToken: uuid.NewString,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send delivers p from senderID into view's room. emit receives every view
// diff the send causes: the optimistic insert, then either its promotion to
// the stored record or its withdrawal.
//
// An empty payload is a no-op reported as Skipped with chat.ErrEmptyPayload.
// Other validation failures are returned as is and nothing is sent.
func (c *Coordinator) Send(ctx context.Context, view *chat.View, senderID string, p chat.Payload, emit func(chat.Diff)) (Outcome, error) {
	if err := chat.ValidatePayload(p); err != nil {
		if errors.Is(err, chat.ErrEmptyPayload) {
			metrics.SendsTotal.WithLabelValues("skipped").Inc()
			return Outcome{Skipped: true}, err
		}
		metrics.SendsTotal.WithLabelValues("invalid").Inc()
		return Outcome{}, err
	}
	if emit == nil {
		emit = func(chat.Diff) {}
	}

	roomID := view.RoomID()
	token := c.newToken()
	out := Outcome{Token: token}

	d, err := view.AddPending(token, chat.Message{
		SenderID:  senderID,
		CreatedAt: c.now(),
		Payload:   p,
	})
	if err != nil {
		return out, err
	}
	emit(d)

	start := time.Now()
	stored, err := c.submit.InsertMessage(ctx, chat.Message{
		ClientToken: token,
		RoomID:      roomID,
		SenderID:    senderID,
		Payload:     p,
	})
	if err != nil {
		metrics.SendsTotal.WithLabelValues("failed").Inc()
		if d, derr := view.DropPending(token); derr == nil {
			emit(d)
		}
		c.logger.Warn("send failed", "room_id", roomID, "sender_id", senderID, "token", token, "error", err)
		return out, fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	metrics.SendsTotal.WithLabelValues("delivered").Inc()

	// The store may not echo the token back; the promotion keys on it.
	if stored.ClientToken == "" {
		stored.ClientToken = token
	}
	out.Message = stored

	d, err = view.Merge(chat.Event{Kind: chat.EventInsert, Message: stored})
	switch {
	case err == nil:
		metrics.MergesTotal.WithLabelValues(string(chat.SourceLocal), mergeResult(d)).Inc()
		emit(d)
	case errors.Is(err, chat.ErrViewClosed):
		metrics.MergesTotal.WithLabelValues(string(chat.SourceLocal), "closed").Inc()
	default:
		return out, err
	}

	out.Preview = chat.Preview(p)
	if c.rooms != nil {
		if err := c.rooms.SetLastMessage(ctx, roomID, out.Preview); err != nil {
			c.logger.Warn("update last message", "room_id", roomID, "error", err)
		}
	}
	return out, nil
}

func mergeResult(d chat.Diff) string {
	if d.Empty() {
		return "noop"
	}
	return "changed"
}
