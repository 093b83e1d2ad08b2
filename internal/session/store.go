package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/relay/internal/auth"
)

const (
	// SessionPrefix prefixes the hash of one session.
	SessionPrefix = "session:"
	// RoomsSuffix is appended to a session key for its set of open rooms.
	RoomsSuffix = ":rooms"
	// UserPrefix prefixes the set of session IDs held by one user.
	UserPrefix = "user_sessions:"

	// SessionTTL bounds how long an unrefreshed record survives.
	SessionTTL = 1 * time.Hour
)

// ErrNotFound is returned by Get for an unknown or expired session.
var ErrNotFound = errors.New("session: not found")

// Session is a live connection's record.
type Session struct {
	ID         string   `redis:"id"`
	UserID     string   `redis:"user_id"`
	Server     string   `redis:"server"`
	CreatedAt  int64    `redis:"created_at"`
	LastActive int64    `redis:"last_active"`
	Rooms      []string `redis:"-"`
}

// Store keeps session records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a Store tagging records with serverName.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func sessionKey(id string) string { return SessionPrefix + id }
func roomsKey(id string) string   { return SessionPrefix + id + RoomsSuffix }
func userKey(userID string) string {
	return UserPrefix + userID
}

// Create records a new session for id.
func (s *Store) Create(ctx context.Context, sessionID string, id auth.Identity) error {
	now := time.Now().Unix()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, sessionKey(sessionID), map[string]interface{}{
		"id":          sessionID,
		"user_id":     id.UserID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, sessionKey(sessionID), SessionTTL)
	pipe.SAdd(ctx, userKey(id.UserID), sessionID)
	pipe.Expire(ctx, userKey(id.UserID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the session record, including its open rooms.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, sessionKey(sessionID)).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, ErrNotFound
	}
	rooms, err := s.client.SMembers(ctx, roomsKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)
	sess.Rooms = rooms
	return &sess, nil
}

// OpenRoom records that the session has roomID open.
func (s *Store) OpenRoom(ctx context.Context, sessionID, roomID string) error {
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, roomsKey(sessionID), roomID)
	pipe.Expire(ctx, roomsKey(sessionID), SessionTTL)
	pipe.HSet(ctx, sessionKey(sessionID), "last_active", time.Now().Unix())
	_, err := pipe.Exec(ctx)
	return err
}

// CloseRoom removes roomID from the session's open rooms.
func (s *Store) CloseRoom(ctx context.Context, sessionID, roomID string) error {
	return s.client.SRem(ctx, roomsKey(sessionID), roomID).Err()
}

// UserSessions returns the IDs of every live session of userID.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Touch marks activity and extends the session's TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, sessionKey(sessionID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionKey(sessionID), SessionTTL)
	pipe.Expire(ctx, roomsKey(sessionID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes the session and unlinks it from its user.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	userID, err := s.client.HGet(ctx, sessionKey(sessionID), "user_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID), roomsKey(sessionID))
	if userID != "" {
		pipe.SRem(ctx, userKey(userID), sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}
