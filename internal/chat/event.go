package chat

// EventKind is the mutation carried by a push event.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event is the payload published on room.<room_id> subjects whenever the
// backing store mutates a message of that room.
type Event struct {
	Kind    EventKind `json:"kind"`
	Message Message   `json:"message"`
}

// Source names where a merge input came from. It is used for metrics and
// logging only; every source goes through the same merge rule.
type Source string

const (
	SourcePush  Source = "push"
	SourcePoll  Source = "poll"
	SourceLocal Source = "local"
)
