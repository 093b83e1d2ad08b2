package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

// Memory is an in-process Repository with the same semantics as Store,
// including pair uniqueness and idempotent client tokens. It backs tests of
// the packages built on top of the store.
type Memory struct {
	mu       sync.Mutex
	messages map[string]chat.Message
	tokens   map[string]string
	users    map[string]chat.Participant
	rooms    map[string]chat.Room
	now      func() time.Time
	last     time.Time
	err      error
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]chat.Message),
		tokens:   make(map[string]string),
		users:    make(map[string]chat.Participant),
		rooms:    make(map[string]chat.Room),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetErr makes every later call return err. A nil err restores normal
// behaviour.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// stamp returns a strictly increasing timestamp. It must be called with mu
// held.
func (m *Memory) stamp() time.Time {
	t := m.now()
	if !t.After(m.last) {
		t = m.last.Add(time.Microsecond)
	}
	m.last = t
	return t
}

// fail must be called with mu held.
func (m *Memory) fail() error {
	return m.err
}

func (m *Memory) InsertMessage(_ context.Context, msg chat.Message) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Message{}, err
	}
	if _, ok := m.rooms[msg.RoomID]; !ok {
		return chat.Message{}, fmt.Errorf("store: insert message: room %s: %w", msg.RoomID, ErrNotFound)
	}
	if id, ok := m.tokens[msg.ClientToken]; ok && msg.ClientToken != "" {
		return m.messages[id], nil
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = m.stamp()
	msg.UpdatedAt = msg.CreatedAt
	msg.Pending = false
	m.messages[msg.ID] = msg
	if msg.ClientToken != "" {
		m.tokens[msg.ClientToken] = msg.ID
	}
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, roomID string) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []chat.Message
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateMessage(_ context.Context, id string, p chat.Payload) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Message{}, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	msg.Payload = p
	msg.UpdatedAt = m.stamp()
	m.messages[id] = msg
	return msg, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id string) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Message{}, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	delete(m.messages, id)
	delete(m.tokens, msg.ClientToken)
	return msg, nil
}

func (m *Memory) GetProfile(_ context.Context, userID string) (chat.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Participant{}, err
	}
	p, ok := m.users[userID]
	if !ok {
		return chat.Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) GetProfiles(_ context.Context, ids []string) ([]chat.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []chat.Participant
	for _, id := range ids {
		if p, ok := m.users[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) ListProfiles(_ context.Context, excludeID string) ([]chat.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []chat.Participant
	for id, p := range m.users {
		if id != excludeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateProfile(_ context.Context, userID string, u ProfileUpdate) (chat.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Participant{}, err
	}
	p, ok := m.users[userID]
	if !ok {
		return chat.Participant{}, ErrNotFound
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	if u.Online != nil {
		p.Online = *u.Online
	}
	m.users[userID] = p
	return p, nil
}

func (m *Memory) UpsertProfile(_ context.Context, p chat.Participant) (chat.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Participant{}, err
	}
	if cur, ok := m.users[p.ID]; ok {
		cur.Name, cur.Email = p.Name, p.Email
		m.users[p.ID] = cur
		return cur, nil
	}
	m.users[p.ID] = p
	return p, nil
}

func (m *Memory) FindRoomsContaining(_ context.Context, userID string) ([]chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return nil, err
	}
	var out []chat.Room
	for _, r := range m.rooms {
		if r.IsParticipant(userID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) GetRoom(_ context.Context, id string) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Room{}, err
	}
	r, ok := m.rooms[id]
	if !ok {
		return chat.Room{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) FindRoomByPair(_ context.Context, pair chat.Pair) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Room{}, err
	}
	return m.findPairLocked(chat.NewPair(pair.Low, pair.High))
}

func (m *Memory) findPairLocked(pair chat.Pair) (chat.Room, error) {
	for _, r := range m.rooms {
		if r.Participants == pair {
			return r, nil
		}
	}
	return chat.Room{}, ErrNotFound
}

func (m *Memory) CreateRoom(_ context.Context, pair chat.Pair, snapshot map[string]chat.Participant) (chat.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return chat.Room{}, err
	}
	if pair.Low == pair.High {
		return chat.Room{}, fmt.Errorf("store: create room: participants must differ")
	}
	pair = chat.NewPair(pair.Low, pair.High)
	if _, err := m.findPairLocked(pair); err == nil {
		return chat.Room{}, ErrDuplicateRoom
	}
	r := chat.Room{
		ID:           uuid.NewString(),
		Participants: pair,
		Snapshot:     snapshot,
		CreatedAt:    m.stamp(),
	}
	m.rooms[r.ID] = r
	return r, nil
}

func (m *Memory) SetLastMessage(_ context.Context, roomID, preview string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(); err != nil {
		return err
	}
	r, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.LastMessage = preview
	m.rooms[roomID] = r
	return nil
}
