package calsync

import (
	"fmt"
	"strings"
	"time"
)

// Engine is the surface the UI layer talks to: local writes go to the event
// store and the action log in one call, remote work happens on the
// scheduler's timeline.
type Engine struct {
	*Scheduler
	log   *ActionLog
	store EventStore
	now   func() time.Time
}

func NewEngine(scheduler *Scheduler) *Engine {
	return &Engine{
		Scheduler: scheduler,
		log:       scheduler.log,
		store:     scheduler.store,
		now:       scheduler.now,
	}
}

func (e *Engine) ActionLog() *ActionLog {
	return e.log
}

func (e *Engine) Events() EventStore {
	return e.store
}

// RecordLocalAction appends a raw mutation without touching the event store.
func (e *Engine) RecordLocalAction(m LocalMutation) (Action, error) {
	return e.log.Record(m)
}

// SaveEvent stores a created or edited event and records the matching
// action. The event is rolled back when the action cannot be persisted.
func (e *Engine) SaveEvent(ev Event) (Action, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return nil, ErrInvalidInput
	}
	existing, exists := e.store.Get(ev.ID)
	m := LocalMutation{
		Operation:  OpCreate,
		EntityType: EntityTypeEvent,
		EntityID:   ev.ID,
	}
	if exists {
		previous := existing.Snapshot()
		m.Operation = OpUpdate
		m.Previous = &previous
		m.RemoteID = existing.ExternalID
		ev.ExternalID = existing.ExternalID
		ev.RemoteCalendarID = existing.RemoteCalendarID
	}
	ev.SyncStatus = SyncPending
	ev.LastSyncError = ""
	ev.UpdatedAt = e.now()
	if err := e.store.Put(ev); err != nil {
		return nil, err
	}
	snapshot := ev.Snapshot()
	m.Payload = &snapshot

	action, err := e.log.Record(m)
	if err != nil {
		e.rollback(ev.ID, existing, exists)
		return nil, err
	}
	return action, nil
}

// DeleteEvent removes the event locally and records the remote delete, which
// is dropped entirely when the event never reached the remote.
func (e *Engine) DeleteEvent(id string) (Action, error) {
	id = strings.TrimSpace(id)
	existing, ok := e.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	if err := e.store.Delete(id); err != nil {
		return nil, err
	}
	action, err := e.log.Record(LocalMutation{
		Operation:  OpDelete,
		EntityType: EntityTypeEvent,
		EntityID:   id,
		RemoteID:   existing.ExternalID,
	})
	if err != nil {
		e.rollback(id, existing, true)
		return nil, err
	}
	return action, nil
}

func (e *Engine) rollback(id string, previous Event, existed bool) {
	var err error
	if existed {
		err = e.store.Put(previous)
	} else {
		err = e.store.Delete(id)
	}
	if err != nil {
		e.logf("rollback of event %s failed: %v", id, err)
	}
}
