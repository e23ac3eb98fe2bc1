package lock

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types pushed on the notification channel. Events are best-effort
// hints; IsLocked remains the source of truth.
const (
	EventLockAcquired = "lock_acquired"
	EventLockReleased = "lock_released"
)

// Event is the wire form of a lock lifecycle notification.
type Event struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	RecordID          string    `json:"recordId"`
	HolderID          string    `json:"holderId,omitempty"`
	HolderDisplayName string    `json:"holderDisplayName,omitempty"`
	ExpiresAt         time.Time `json:"expiresAt,omitzero"`
}

// EventKeyPrefix is the bus key prefix for lock events.
const EventKeyPrefix = "lock:"

// EventKey returns the bus key carrying events for one record.
func EventKey(recordID string) string {
	return EventKeyPrefix + recordID
}

// ParseEvent decodes an event payload received from the bus.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func newEvent(typ, recordID string) Event {
	return Event{
		ID:       uuid.NewString(),
		Type:     typ,
		RecordID: recordID,
	}
}
