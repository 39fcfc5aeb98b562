// Package events carries change notifications between the API surface,
// the scheduler, and external event producers over Redis pub/sub.
// Delivery is at-least-once; consumers must tolerate duplicates.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind names a bus message type.
type Kind string

const (
	KindTaskCreated       Kind = "task.created"
	KindTaskUpdated       Kind = "task.updated"
	KindTaskStatusChanged Kind = "task.status_changed"
	KindTaskRunNow        Kind = "task.run_now"
	KindTaskSnooze        Kind = "task.snooze"
	KindEventPublished    Kind = "event.published"
)

// Message is the JSON envelope shared by both channels. Task control
// messages fill TaskID and the kind-specific fields; external events
// fill Topic and Payload instead.
type Message struct {
	Kind    Kind            `json:"kind"`
	TaskID  uuid.UUID       `json:"task_id,omitzero"`
	Status  string          `json:"status,omitempty"`
	Seconds int64           `json:"seconds,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}
