package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/whisper/relay/internal/chat"
)

const userColumns = `id, name, email, avatar_url, is_online`

// ProfileUpdate lists the profile fields to change. Nil fields are left alone.
type ProfileUpdate struct {
	Name      *string
	AvatarURL *string
	Online    *bool
}

// Empty reports whether the update changes nothing.
func (u ProfileUpdate) Empty() bool {
	return u.Name == nil && u.AvatarURL == nil && u.Online == nil
}

// GetProfile returns the profile of userID.
func (s *Store) GetProfile(ctx context.Context, userID string) (chat.Participant, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		return chat.Participant{}, fmt.Errorf("store: get profile %s: %w", userID, notFound(err))
	}
	return p, nil
}

// GetProfiles returns the profiles of ids that exist, in no particular order.
func (s *Store) GetProfiles(ctx context.Context, ids []string) ([]chat.Participant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1)`
	return s.queryProfiles(ctx, query, pq.Array(ids))
}

// ListProfiles returns every user except excludeID, ordered by name.
func (s *Store) ListProfiles(ctx context.Context, excludeID string) ([]chat.Participant, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id <> $1 ORDER BY name ASC, id ASC`
	return s.queryProfiles(ctx, query, excludeID)
}

// UpdateProfile applies u to userID and returns the resulting profile.
func (s *Store) UpdateProfile(ctx context.Context, userID string, u ProfileUpdate) (chat.Participant, error) {
	if u.Empty() {
		return s.GetProfile(ctx, userID)
	}

	sets := []string{}
	args := []any{userID}
	if u.Name != nil {
		args = append(args, *u.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if u.AvatarURL != nil {
		args = append(args, *u.AvatarURL)
		sets = append(sets, fmt.Sprintf("avatar_url = $%d", len(args)))
	}
	if u.Online != nil {
		args = append(args, *u.Online)
		sets = append(sets, fmt.Sprintf("is_online = $%d", len(args)))
	}
	sets = append(sets, "updated_at = now()")

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + userColumns
	p, err := scanProfile(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return chat.Participant{}, fmt.Errorf("store: update profile %s: %w", userID, notFound(err))
	}
	return p, nil
}

// UpsertProfile registers p, or refreshes name and email if it exists.
// Avatar and online state are only set on first insert.
func (s *Store) UpsertProfile(ctx context.Context, p chat.Participant) (chat.Participant, error) {
	query := `
		INSERT INTO users (id, name, email, avatar_url, is_online)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, updated_at = now()
		RETURNING ` + userColumns

	out, err := scanProfile(s.db.QueryRowContext(ctx, query, p.ID, p.Name, p.Email, p.AvatarURL, p.Online))
	if err != nil {
		return chat.Participant{}, fmt.Errorf("store: upsert profile %s: %w", p.ID, err)
	}
	return out, nil
}

func (s *Store) queryProfiles(ctx context.Context, query string, args ...any) ([]chat.Participant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query profiles: %w", err)
	}
	defer rows.Close()

	var out []chat.Participant
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProfile(row rowScanner) (chat.Participant, error) {
	var p chat.Participant
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.AvatarURL, &p.Online)
	return p, err
}
