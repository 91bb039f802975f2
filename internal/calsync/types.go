package calsync

import (
	"fmt"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

type ActionState string

const (
	ActionPending  ActionState = "pending"
	ActionInFlight ActionState = "in-flight"
	ActionApplied  ActionState = "applied"
	ActionFailed   ActionState = "failed"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

const EntityTypeEvent = "event"

// EventPayload is the user-editable content of an event. Tags travel with the
// payload so the router can pick a calendar from the snapshot alone.
type EventPayload struct {
	Subject  string    `json:"subject"`
	Body     string    `json:"body,omitempty"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	AllDay   bool      `json:"allDay,omitempty"`
	Location string    `json:"location,omitempty"`
	TimeZone string    `json:"timeZone,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
}

func (p EventPayload) Clone() EventPayload {
	p.Tags = append([]string(nil), p.Tags...)
	return p
}

type Event struct {
	ID               string       `json:"id"`
	Tags             []string     `json:"tags,omitempty"`
	Payload          EventPayload `json:"payload"`
	ExternalID       string       `json:"externalId,omitempty"`
	RemoteCalendarID string       `json:"remoteCalendarId,omitempty"`
	SyncStatus       SyncStatus   `json:"syncStatus"`
	LastSyncError    string       `json:"lastSyncError,omitempty"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Snapshot returns the payload with the event's current tag order attached.
func (e Event) Snapshot() EventPayload {
	p := e.Payload.Clone()
	p.Tags = append([]string(nil), e.Tags...)
	return p
}

func (e Event) clone() Event {
	e.Tags = append([]string(nil), e.Tags...)
	e.Payload = e.Payload.Clone()
	return e
}

// ActionRecord holds the fields shared by every action variant and is the
// persisted representation of the log.
type ActionRecord struct {
	ID               string        `json:"id"`
	Seq              uint64        `json:"seq"`
	EntityType       string        `json:"entityType"`
	EntityID         string        `json:"entityId"`
	Operation        Operation     `json:"operation"`
	PayloadSnapshot  *EventPayload `json:"payloadSnapshot,omitempty"`
	PreviousSnapshot *EventPayload `json:"previousSnapshot,omitempty"`
	RemoteID         string        `json:"remoteId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	Attempts         int           `json:"attempts"`
	LastError        string        `json:"lastError,omitempty"`
	State            ActionState   `json:"state"`
	NextAttemptAt    time.Time     `json:"nextAttemptAt,omitzero"`
}

func (r ActionRecord) clone() ActionRecord {
	if r.PayloadSnapshot != nil {
		p := r.PayloadSnapshot.Clone()
		r.PayloadSnapshot = &p
	}
	if r.PreviousSnapshot != nil {
		p := r.PreviousSnapshot.Clone()
		r.PreviousSnapshot = &p
	}
	return r
}

// Action is one of *CreateAction, *UpdateAction or *DeleteAction.
type Action interface {
	Header() ActionRecord
	isAction()
}

type CreateAction struct {
	ActionRecord
}

type UpdateAction struct {
	ActionRecord
}

type DeleteAction struct {
	ActionRecord
}

func (a *CreateAction) Header() ActionRecord { return a.ActionRecord }
func (a *UpdateAction) Header() ActionRecord { return a.ActionRecord }
func (a *DeleteAction) Header() ActionRecord { return a.ActionRecord }

func (*CreateAction) isAction() {}
func (*UpdateAction) isAction() {}
func (*DeleteAction) isAction() {}

func (a *CreateAction) Payload() EventPayload {
	if a.PayloadSnapshot == nil {
		return EventPayload{}
	}
	return a.PayloadSnapshot.Clone()
}

func (a *UpdateAction) Payload() EventPayload {
	if a.PayloadSnapshot == nil {
		return EventPayload{}
	}
	return a.PayloadSnapshot.Clone()
}

func actionFromRecord(r ActionRecord) (Action, error) {
	r = r.clone()
	switch r.Operation {
	case OpCreate:
		return &CreateAction{ActionRecord: r}, nil
	case OpUpdate:
		return &UpdateAction{ActionRecord: r}, nil
	case OpDelete:
		return &DeleteAction{ActionRecord: r}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, r.Operation)
	}
}

// LocalMutation is a user edit handed to the action log.
type LocalMutation struct {
	Operation  Operation
	EntityType string
	EntityID   string
	Payload    *EventPayload
	Previous   *EventPayload
	// RemoteID is the remote twin known at the time of the edit, if any.
	RemoteID string
}

type Logger interface {
	Printf(format string, args ...any)
}
