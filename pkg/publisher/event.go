package publisher

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaCredentialV1 is the schema identifier for credential audit events.
	SchemaCredentialV1 = "authkeeper.credential.v1"
)

// EventType names a credential lifecycle transition.
type EventType string

const (
	EventProfileSaved   EventType = "profile.saved"
	EventProfileRefresh EventType = "profile.refreshed"
	EventProfileDeleted EventType = "profile.deleted"
	EventFlowStarted    EventType = "flow.started"
	EventFlowFailed     EventType = "flow.failed"
	EventFlowCompleted  EventType = "flow.completed"
)

// ErrEmptyProvider indicates an event was built without a provider.
var ErrEmptyProvider = errors.New("cannot create event with empty provider")

// ErrEmptyType indicates an event was built without a type.
var ErrEmptyType = errors.New("cannot create event with empty type")

// Event is the publish payload for one credential lifecycle transition.
// It never carries secret material.
type Event struct {
	Schema     string            `json:"schema"`
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Provider   string            `json:"provider"`
	ProfileID  string            `json:"profile_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// NewEvent creates an Event with a fresh id and timestamp. detail is copied.
func NewEvent(typ EventType, provider, profileID string, detail map[string]string) (*Event, error) {
	if typ == "" {
		return nil, ErrEmptyType
	}
	if provider == "" {
		return nil, ErrEmptyProvider
	}

	var d map[string]string
	if len(detail) > 0 {
		d = make(map[string]string, len(detail))
		for k, v := range detail {
			d[k] = v
		}
	}

	return &Event{
		Schema:     SchemaCredentialV1,
		ID:         uuid.NewString(),
		Type:       typ,
		Provider:   provider,
		ProfileID:  profileID,
		OccurredAt: time.Now(),
		Detail:     d,
	}, nil
}

// Key returns the partitioning key for the event: the profile id when set,
// otherwise the provider.
func (e *Event) Key() string {
	if e.ProfileID != "" {
		return e.ProfileID
	}
	return e.Provider
}
