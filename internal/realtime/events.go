package realtime

import "encoding/json"

// EventKind closes the set of domain events this layer broadcasts. The wire
// type of a delivered frame is the kind itself.
type EventKind string

const (
	EventThreadCreated EventKind = "thread:created"
	EventThreadUpdated EventKind = "thread:updated"
	EventMessageAdded  EventKind = "message:added"
)

// Event is a notification about a persisted thread or message change. The
// payload comes from the persistence layer and is delivered unmodified.
// Events are transient; nothing in this package stores them.
type Event struct {
	Kind    EventKind       `json:"type"`
	Repo    string          `json:"repo"`
	Branch  string          `json:"branch,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
