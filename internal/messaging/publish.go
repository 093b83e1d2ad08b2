package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/relay/internal/chat"
)

// RoomNotice is published on rooms.<user_id> when a room that includes the
// user is created.
type RoomNotice struct {
	Room chat.Room `json:"room"`
}

// PublishEvent publishes a message mutation on the room's subject.
func PublishEvent(t Transport, ev chat.Event) error {
	if ev.Message.RoomID == "" {
		return fmt.Errorf("messaging: event without room id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal event: %w", err)
	}
	return t.Publish(RoomSubject(ev.Message.RoomID), data)
}

// PublishProfile publishes a profile change on the user's presence subject.
func PublishProfile(t Transport, p chat.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("messaging: marshal profile: %w", err)
	}
	return t.Publish(PresenceSubject(p.ID), data)
}

// PublishRoom notifies both participants that room was created.
func PublishRoom(t Transport, room chat.Room) error {
	data, err := json.Marshal(RoomNotice{Room: room})
	if err != nil {
		return fmt.Errorf("messaging: marshal room: %w", err)
	}
	for _, id := range []string{room.Participants.Low, room.Participants.High} {
		if err := t.Publish(RoomsSubject(id), data); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeProfiles subscribes to profile updates for userID.
func SubscribeProfiles(t Transport, userID string, fn func(chat.Participant)) (Subscription, error) {
	return t.Subscribe(PresenceSubject(userID), func(data []byte) {
		var p chat.Participant
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		fn(p)
	})
}

// SubscribeRooms subscribes to room notices for userID.
func SubscribeRooms(t Transport, userID string, fn func(chat.Room)) (Subscription, error) {
	return t.Subscribe(RoomsSubject(userID), func(data []byte) {
		var n RoomNotice
		if err := json.Unmarshal(data, &n); err != nil {
			return
		}
		fn(n.Room)
	})
}
