package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

const roomColumns = `id, user_low, user_high, participants, last_message, created_at`

// FindRoomsContaining returns the rooms userID participates in, most
// recently active first.
func (s *Store) FindRoomsContaining(ctx context.Context, userID string) ([]chat.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms
		WHERE user_low = $1 OR user_high = $1
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: find rooms: %w", err)
	}
	defer rows.Close()

	var out []chat.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRoom returns room id.
func (s *Store) GetRoom(ctx context.Context, id string) (chat.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE id = $1`
	r, err := scanRoom(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return chat.Room{}, fmt.Errorf("store: get room %s: %w", id, notFound(err))
	}
	return r, nil
}

// FindRoomByPair returns the room of pair, or ErrNotFound.
func (s *Store) FindRoomByPair(ctx context.Context, pair chat.Pair) (chat.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms WHERE user_low = $1 AND user_high = $2`
	r, err := scanRoom(s.db.QueryRowContext(ctx, query, pair.Low, pair.High))
	if err != nil {
		return chat.Room{}, fmt.Errorf("store: find room by pair: %w", notFound(err))
	}
	return r, nil
}

// CreateRoom creates the room of pair with the participants' profile
// snapshot. It checks for an existing room first; a concurrent creation that
// wins the race is caught by the unique index and also reported as
// ErrDuplicateRoom.
func (s *Store) CreateRoom(ctx context.Context, pair chat.Pair, snapshot map[string]chat.Participant) (chat.Room, error) {
	if pair.Low == pair.High {
		return chat.Room{}, fmt.Errorf("store: create room: participants must differ")
	}
	pair = chat.NewPair(pair.Low, pair.High)

	if _, err := s.FindRoomByPair(ctx, pair); err == nil {
		return chat.Room{}, ErrDuplicateRoom
	} else if !errors.Is(err, ErrNotFound) {
		return chat.Room{}, err
	}

	snap, err := json.Marshal(snapshot)
	if err != nil {
		return chat.Room{}, fmt.Errorf("store: marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO rooms (id, user_low, user_high, participants)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + roomColumns

	r, err := scanRoom(s.db.QueryRowContext(ctx, query, uuid.NewString(), pair.Low, pair.High, snap))
	if err != nil {
		if isUniqueViolation(err) {
			return chat.Room{}, ErrDuplicateRoom
		}
		return chat.Room{}, fmt.Errorf("store: create room: %w", err)
	}
	return r, nil
}

// SetLastMessage stores the preview shown in room listings.
func (s *Store) SetLastMessage(ctx context.Context, roomID, preview string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET last_message = $2, updated_at = now() WHERE id = $1`, roomID, preview)
	if err != nil {
		return fmt.Errorf("store: set last message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: set last message %s: %w", roomID, ErrNotFound)
	}
	return nil
}

func scanRoom(row rowScanner) (chat.Room, error) {
	var (
		r    chat.Room
		snap []byte
	)
	if err := row.Scan(&r.ID, &r.Participants.Low, &r.Participants.High, &snap, &r.LastMessage, &r.CreatedAt); err != nil {
		return chat.Room{}, err
	}
	if len(snap) > 0 {
		if err := json.Unmarshal(snap, &r.Snapshot); err != nil {
			return chat.Room{}, fmt.Errorf("decode participants: %w", err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}
