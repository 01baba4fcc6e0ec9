package registry

import (
	"fmt"
	"time"
)

// StreamID identifies a sensor stream. IDs follow the platform sensor type
// numbers and are never reused.
type StreamID int

const (
	Accelerometer StreamID = 1
	Gyroscope     StreamID = 4
	Light         StreamID = 5
	Proximity     StreamID = 8
)

const keyPrefix = "SwitchState_"

type Definition struct {
	ID   StreamID
	Name string
}

// DefaultDefinitions returns the built-in streams in registration order
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: Light, Name: "Light"},
		{ID: Accelerometer, Name: "Accelerometer"},
		{ID: Proximity, Name: "Proximity"},
		{ID: Gyroscope, Name: "Gyroscope"},
	}
}

// Key returns the activation state key for a stream
func Key(id StreamID) string {
	return fmt.Sprintf("%s%d", keyPrefix, id)
}

// Stream is a snapshot of one registered stream. Snapshots are copies and
// never alias registry state.
type Stream struct {
	ID        StreamID   `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	Latest    *float64   `json:"latest,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func (s *Stream) snapshot() Stream {
	out := *s
	if s.Latest != nil {
		v := *s.Latest
		out.Latest = &v
	}
	if s.UpdatedAt != nil {
		at := *s.UpdatedAt
		out.UpdatedAt = &at
	}
	return out
}

type Field string

const (
	FieldActive Field = "active"
	FieldValue  Field = "value"
)

// Event reports a change of one field of a stream
type Event struct {
	StreamID StreamID  `json:"stream_id"`
	Name     string    `json:"name"`
	Field    Field     `json:"field"`
	Active   bool      `json:"active"`
	Value    float64   `json:"value"`
	At       time.Time `json:"at"`
}
