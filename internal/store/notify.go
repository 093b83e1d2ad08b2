package store

import (
	"context"
	"log/slog"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/messaging"
)

// Repository is the backing store surface used by the rest of chatd. Store
// implements it directly; Notifier wraps one and adds bus fan-out.
type Repository interface {
	InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error)
	ListMessages(ctx context.Context, roomID string) ([]chat.Message, error)
	UpdateMessage(ctx context.Context, id string, p chat.Payload) (chat.Message, error)
	DeleteMessage(ctx context.Context, id string) (chat.Message, error)

	GetProfile(ctx context.Context, userID string) (chat.Participant, error)
	GetProfiles(ctx context.Context, ids []string) ([]chat.Participant, error)
	ListProfiles(ctx context.Context, excludeID string) ([]chat.Participant, error)
	UpdateProfile(ctx context.Context, userID string, u ProfileUpdate) (chat.Participant, error)
	UpsertProfile(ctx context.Context, p chat.Participant) (chat.Participant, error)

	FindRoomsContaining(ctx context.Context, userID string) ([]chat.Room, error)
	GetRoom(ctx context.Context, id string) (chat.Room, error)
	FindRoomByPair(ctx context.Context, pair chat.Pair) (chat.Room, error)
	CreateRoom(ctx context.Context, pair chat.Pair, snapshot map[string]chat.Participant) (chat.Room, error)
	SetLastMessage(ctx context.Context, roomID, preview string) error
}

var _ Repository = (*Store)(nil)

// Notifier publishes every committed mutation of the wrapped repository on
// the event bus: message changes on room.<id>, profile changes on
// presence.<user>, new rooms on rooms.<user>. A failed publish is logged and
// never turns a committed write into an error; the backstop poll repairs the
// gap for message subscribers.
type Notifier struct {
	Repository
	bus    messaging.Transport
	logger *slog.Logger
}

// NewNotifier wraps repo.
func NewNotifier(repo Repository, bus messaging.Transport, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{Repository: repo, bus: bus, logger: logger.With("component", "notifier")}
}

func (n *Notifier) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	out, err := n.Repository.InsertMessage(ctx, m)
	if err != nil {
		return out, err
	}
	n.event(chat.EventInsert, out)
	return out, nil
}

func (n *Notifier) UpdateMessage(ctx context.Context, id string, p chat.Payload) (chat.Message, error) {
	out, err := n.Repository.UpdateMessage(ctx, id, p)
	if err != nil {
		return out, err
	}
	n.event(chat.EventUpdate, out)
	return out, nil
}

func (n *Notifier) DeleteMessage(ctx context.Context, id string) (chat.Message, error) {
	out, err := n.Repository.DeleteMessage(ctx, id)
	if err != nil {
		return out, err
	}
	n.event(chat.EventDelete, out)
	return out, nil
}

func (n *Notifier) UpdateProfile(ctx context.Context, userID string, u ProfileUpdate) (chat.Participant, error) {
	out, err := n.Repository.UpdateProfile(ctx, userID, u)
	if err != nil {
		return out, err
	}
	n.profile(out)
	return out, nil
}

func (n *Notifier) UpsertProfile(ctx context.Context, p chat.Participant) (chat.Participant, error) {
	out, err := n.Repository.UpsertProfile(ctx, p)
	if err != nil {
		return out, err
	}
	n.profile(out)
	return out, nil
}

func (n *Notifier) CreateRoom(ctx context.Context, pair chat.Pair, snapshot map[string]chat.Participant) (chat.Room, error) {
	out, err := n.Repository.CreateRoom(ctx, pair, snapshot)
	if err != nil {
		return out, err
	}
	if err := messaging.PublishRoom(n.bus, out); err != nil {
		n.logger.Warn("publish room", "room_id", out.ID, "error", err)
	}
	return out, nil
}

func (n *Notifier) event(kind chat.EventKind, m chat.Message) {
	if err := messaging.PublishEvent(n.bus, chat.Event{Kind: kind, Message: m}); err != nil {
		n.logger.Warn("publish event", "kind", kind, "room_id", m.RoomID, "message_id", m.ID, "error", err)
	}
}

func (n *Notifier) profile(p chat.Participant) {
	if err := messaging.PublishProfile(n.bus, p); err != nil {
		n.logger.Warn("publish profile", "user_id", p.ID, "error", err)
	}
}
