// Package directory holds the user-facing profile and room operations that
// sit on top of the backing store.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
	"github.com/whisper/relay/internal/store"
)

// DefaultAvatarTemplate renders a generated avatar from a random seed.
const DefaultAvatarTemplate = "https://api.dicebear.com/9.x/avataaars/svg?seed={seed}"

var (
	// ErrDuplicateRoom is returned when the pair already has a room.
	ErrDuplicateRoom = store.ErrDuplicateRoom

	// ErrSelfRoom is returned when a user tries to open a room with itself.
	ErrSelfRoom = errors.New("directory: cannot create a room with yourself")
)

// Service implements profile and room operations.
type Service struct {
	repo     store.Repository
	template string
	newSeed  func() string
	logger   *slog.Logger
}

// NewService creates a Service. An empty avatarTemplate selects
// DefaultAvatarTemplate.
func NewService(repo store.Repository, avatarTemplate string, logger *slog.Logger) *Service {
	if avatarTemplate == "" {
		avatarTemplate = DefaultAvatarTemplate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		template: avatarTemplate,
		newSeed:  uuid.NewString,
		logger:   logger.With("component", "directory"),
	}
}

// AvatarURL renders a generated avatar URL for seed.
func (s *Service) AvatarURL(seed string) string {
	return strings.ReplaceAll(s.template, "{seed}", url.QueryEscape(seed))
}

// RegenerateAvatar assigns userID a freshly generated avatar.
func (s *Service) RegenerateAvatar(ctx context.Context, userID string) (chat.Participant, error) {
	avatar := s.AvatarURL(s.newSeed())
	p, err := s.repo.UpdateProfile(ctx, userID, store.ProfileUpdate{AvatarURL: &avatar})
	if err != nil {
		return chat.Participant{}, fmt.Errorf("directory: regenerate avatar: %w", err)
	}
	s.logger.Info("avatar regenerated", "user_id", userID)
	return p, nil
}

// Register creates or refreshes the profile of a user who just signed in.
// New users get a generated avatar.
func (s *Service) Register(ctx context.Context, p chat.Participant) (chat.Participant, error) {
	if p.ID == "" {
		return chat.Participant{}, errors.New("directory: register: missing user id")
	}
	if p.AvatarURL == "" {
		p.AvatarURL = s.AvatarURL(p.ID)
	}
	return s.repo.UpsertProfile(ctx, p)
}

// CreateRoom creates the room between me and other, with both profiles
// snapshotted into it.
func (s *Service) CreateRoom(ctx context.Context, me, other string) (chat.Room, error) {
	if me == other {
		return chat.Room{}, ErrSelfRoom
	}

	profiles, err := s.repo.GetProfiles(ctx, []string{me, other})
	if err != nil {
		return chat.Room{}, fmt.Errorf("directory: create room: %w", err)
	}
	snapshot := make(map[string]chat.Participant, 2)
	for _, p := range profiles {
		p.Online = false
		snapshot[p.ID] = p
	}
	for _, id := range []string{me, other} {
		if _, ok := snapshot[id]; !ok {
			return chat.Room{}, fmt.Errorf("directory: create room: user %s: %w", id, store.ErrNotFound)
		}
	}

	room, err := s.repo.CreateRoom(ctx, chat.NewPair(me, other), snapshot)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateRoom) {
			return chat.Room{}, ErrDuplicateRoom
		}
		return chat.Room{}, fmt.Errorf("directory: create room: %w", err)
	}
	s.logger.Info("room created", "room_id", room.ID, "by", me)
	return room, nil
}

// RoomsOf returns the rooms of userID.
func (s *Service) RoomsOf(ctx context.Context, userID string) ([]chat.Room, error) {
	return s.repo.FindRoomsContaining(ctx, userID)
}

// Room returns room id if userID participates in it.
func (s *Service) Room(ctx context.Context, userID, id string) (chat.Room, error) {
	room, err := s.repo.GetRoom(ctx, id)
	if err != nil {
		return chat.Room{}, err
	}
	if !room.IsParticipant(userID) {
		return chat.Room{}, store.ErrNotFound
	}
	return room, nil
}
