package calsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventStore is the local source of truth for events and their sync badges.
type EventStore interface {
	Get(id string) (Event, bool)
	Put(ev Event) error
	Delete(id string) error
	// ApplySyncResult records the remote twin of an event. The badge stays
	// pending while later edits of the event are still queued.
	ApplySyncResult(id, externalID, calendarID string, stillPending bool) error
	// DetachRemote forgets a vanished remote twin, provided the event still
	// points at it, and returns the event as stored afterwards.
	DetachRemote(id, externalID string) (Event, bool, error)
	MarkError(id, message string) error
	List() []Event
	Count() int
}

type LocalEventStore struct {
	mu      sync.RWMutex
	backend StateBackend
	events  map[string]Event
	now     func() time.Time
}

type eventStoreSnapshot struct {
	Events map[string]Event `json:"events"`
}

func OpenLocalEventStore(backend StateBackend, now func() time.Time) (*LocalEventStore, error) {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	s := &LocalEventStore{
		backend: backend,
		events:  map[string]Event{},
		now:     now,
	}
	data, err := backend.Load(stateKeyEvents)
	if err != nil {
		return nil, &LocalPersistenceError{Op: "load events", Err: err}
	}
	if len(data) > 0 {
		var snapshot eventStoreSnapshot
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, &LocalPersistenceError{Op: "decode events", Err: err}
		}
		for id, ev := range snapshot.Events {
			s.events[id] = ev
		}
	}
	return s, nil
}

func (s *LocalEventStore) Get(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return ev.clone(), true
}

func (s *LocalEventStore) Put(ev Event) error {
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return ErrInvalidInput
	}
	if ev.SyncStatus == "" {
		ev.SyncStatus = SyncPending
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = s.now()
	}
	return s.mutate("put event", ev.ID, func(events map[string]Event) bool {
		events[ev.ID] = ev.clone()
		return true
	})
}

func (s *LocalEventStore) Delete(id string) error {
	return s.mutate("delete event", id, func(events map[string]Event) bool {
		if _, ok := events[id]; !ok {
			return false
		}
		delete(events, id)
		return true
	})
}

// ApplySyncResult is a no-op for events deleted locally while the call was in
// flight.
func (s *LocalEventStore) ApplySyncResult(id, externalID, calendarID string, stillPending bool) error {
	return s.mutate("apply sync result", id, func(events map[string]Event) bool {
		ev, ok := events[id]
		if !ok {
			return false
		}
		ev.ExternalID = externalID
		ev.RemoteCalendarID = calendarID
		ev.SyncStatus = SyncSynced
		if stillPending {
			ev.SyncStatus = SyncPending
		}
		ev.LastSyncError = ""
		events[id] = ev
		return true
	})
}

// DetachRemote leaves the event untouched when it was deleted or re-linked
// since the caller looked at it.
func (s *LocalEventStore) DetachRemote(id, externalID string) (Event, bool, error) {
	var detached Event
	var ok bool
	err := s.mutate("detach remote", id, func(events map[string]Event) bool {
		ev, exists := events[id]
		if !exists || externalID == "" || ev.ExternalID != externalID {
			return false
		}
		ev.ExternalID = ""
		ev.SyncStatus = SyncPending
		events[id] = ev
		detached, ok = ev, true
		return true
	})
	if err != nil {
		return Event{}, false, err
	}
	return detached, ok, nil
}

func (s *LocalEventStore) MarkError(id, message string) error {
	return s.mutate("mark event error", id, func(events map[string]Event) bool {
		ev, ok := events[id]
		if !ok {
			return false
		}
		ev.SyncStatus = SyncError
		ev.LastSyncError = message
		events[id] = ev
		return true
	})
}

func (s *LocalEventStore) List() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *LocalEventStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *LocalEventStore) mutate(op, id string, fn func(map[string]Event) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.events[id]
	if !fn(s.events) {
		return nil
	}
	data, err := json.Marshal(eventStoreSnapshot{Events: s.events})
	if err == nil {
		err = s.backend.Save(stateKeyEvents, data)
	}
	if err != nil {
		if existed {
			s.events[id] = prev
		} else {
			delete(s.events, id)
		}
		return &LocalPersistenceError{Op: fmt.Sprintf("%s %s", op, id), Err: err}
	}
	return nil
}
