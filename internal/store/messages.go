package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/whisper/relay/internal/chat"
)

const messageColumns = `id, room_id, sender_id, client_token, content, image_url, file_url,
	file_type, location_lat, location_lng, contact_user_id, created_at, updated_at`

// InsertMessage persists m and returns the stored row. The backing store
// assigns ID and timestamps. Submitting the same ClientToken twice returns
// the row stored by the first submission.
func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	lat, lng := locationArgs(m.Location)

	query := `
		INSERT INTO messages (id, room_id, sender_id, client_token, content, image_url, file_url,
			file_type, location_lat, location_lng, contact_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (client_token) WHERE client_token IS NOT NULL
		DO UPDATE SET client_token = EXCLUDED.client_token
		RETURNING ` + messageColumns

	row := s.db.QueryRowContext(ctx, query,
		uuid.NewString(),
		m.RoomID,
		m.SenderID,
		nullString(m.ClientToken),
		m.Text,
		m.ImageURL,
		m.FileURL,
		m.FileType,
		lat,
		lng,
		m.ContactUserID,
	)
	out, err := scanMessage(row)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return out, nil
}

// ListMessages returns every message of roomID ordered by creation time.
func (s *Store) ListMessages(ctx context.Context, roomID string) ([]chat.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id = $1 ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return out, nil
}

// UpdateMessage replaces the payload of message id and bumps its version.
func (s *Store) UpdateMessage(ctx context.Context, id string, p chat.Payload) (chat.Message, error) {
	lat, lng := locationArgs(p.Location)

	query := `
		UPDATE messages
		SET content = $2, image_url = $3, file_url = $4, file_type = $5,
			location_lat = $6, location_lng = $7, contact_user_id = $8,
			updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
		WHERE id = $1
		RETURNING ` + messageColumns

	row := s.db.QueryRowContext(ctx, query, id, p.Text, p.ImageURL, p.FileURL, p.FileType, lat, lng, p.ContactUserID)
	m, err := scanMessage(row)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: update message %s: %w", id, notFound(err))
	}
	return m, nil
}

// DeleteMessage removes message id and returns the deleted row.
func (s *Store) DeleteMessage(ctx context.Context, id string) (chat.Message, error) {
	query := `DELETE FROM messages WHERE id = $1 RETURNING ` + messageColumns

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: delete message %s: %w", id, notFound(err))
	}
	return m, nil
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m     chat.Message
		token sql.NullString
		lat   sql.NullFloat64
		lng   sql.NullFloat64
	)
	err := row.Scan(
		&m.ID, &m.RoomID, &m.SenderID, &token,
		&m.Text, &m.ImageURL, &m.FileURL, &m.FileType,
		&lat, &lng, &m.ContactUserID,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return chat.Message{}, err
	}
	m.ClientToken = token.String
	if lat.Valid && lng.Valid {
		m.Location = &chat.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return m, nil
}

func locationArgs(p *chat.GeoPoint) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Lat, Valid: true}, sql.NullFloat64{Float64: p.Lng, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
