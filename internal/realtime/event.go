package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is either a ModeChanged or a DataUpdated. The set is closed.
type Event interface {
	Kind() string
	isEvent()
}

// Sink receives every event the manager emits. *events.Bus[Event]
// satisfies it.
type Sink interface {
	Publish(Event)
}

// Source tells which transport produced a DataUpdated.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// ModeChanged is emitted once per completed transport switch.
type ModeChanged struct {
	Mode   Mode      `json:"mode"`
	Reason Reason    `json:"reason"`
	At     time.Time `json:"at"`
}

// Kind returns "mode_changed".
func (ModeChanged) Kind() string { return "mode_changed" }
func (ModeChanged) isEvent()     {}

// DataUpdated carries one payload for one channel, whichever transport
// delivered it.
type DataUpdated struct {
	ID      uuid.UUID       `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Source  Source          `json:"source"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Kind returns "data_updated".
func (DataUpdated) Kind() string { return "data_updated" }
func (DataUpdated) isEvent()     {}
