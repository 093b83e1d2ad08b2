// Package chat holds the messaging domain model and the RoomView: the ordered,
// deduplicated projection of one room's messages that push events, backstop
// polls and optimistic local sends are all merged into.
package chat

import (
	"sort"
	"time"
)

// GeoPoint is a latitude/longitude pair attached to a location message.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Payload is the primary content of a message. A valid payload populates
// exactly one variant; see Kind for the precedence used when reading it.
type Payload struct {
	Text          string    `json:"content,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	FileURL       string    `json:"file_url,omitempty"`
	FileType      string    `json:"file_type,omitempty"` // mime type of FileURL
	Location      *GeoPoint `json:"location,omitempty"`
	ContactUserID string    `json:"contact_user_id,omitempty"`
}

// Message is a single chat message. ID is assigned by the backing store once
// the message is persisted; an optimistic local entry has an empty ID and is
// tracked by its ClientToken instead.
type Message struct {
	ID          string    `json:"id,omitempty"`
	ClientToken string    `json:"client_token,omitempty"`
	RoomID      string    `json:"room_id"`
	SenderID    string    `json:"sender_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Payload
	Pending bool `json:"pending,omitempty"`
}

// newerThan reports whether m is a strictly newer version of the same row
// than other. Rows without an UpdatedAt fall back to CreatedAt.
func (m Message) newerThan(other Message) bool {
	return m.version().After(other.version())
}

func (m Message) version() time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

// Pair is an unordered pair of participant IDs. Use NewPair to obtain the
// normalized form; two pairs with the same members compare equal.
type Pair struct {
	Low  string `json:"low"`
	High string `json:"high"`
}

// NewPair normalizes two participant IDs into a Pair.
func NewPair(a, b string) Pair {
	ids := []string{a, b}
	sort.Strings(ids)
	return Pair{Low: ids[0], High: ids[1]}
}

// Contains reports whether userID is one of the pair's members.
func (p Pair) Contains(userID string) bool {
	return userID == p.Low || userID == p.High
}

// Other returns the member that is not userID, or "" if userID is not a member.
func (p Pair) Other(userID string) string {
	switch userID {
	case p.Low:
		return p.High
	case p.High:
		return p.Low
	}
	return ""
}

// Participant is a user's profile as seen by the messaging core.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
	Online    bool   `json:"is_online"`
}

// Room is a two-participant conversation. Snapshot is the participants'
// profile data denormalized at creation time, keyed by user ID.
type Room struct {
	ID           string                 `json:"id"`
	Participants Pair                   `json:"participants"`
	Snapshot     map[string]Participant `json:"snapshot"`
	LastMessage  string                 `json:"last_message"`
	CreatedAt    time.Time              `json:"created_at"`
}

// IsParticipant reports whether userID belongs to the room.
func (r *Room) IsParticipant(userID string) bool {
	return r.Participants.Contains(userID)
}

// Counterpart returns the other participant's ID.
func (r *Room) Counterpart(userID string) string {
	return r.Participants.Other(userID)
}
