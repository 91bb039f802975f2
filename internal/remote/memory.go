package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

// StoredEvent is an event held by MemoryCalendar.
type StoredEvent struct {
	ID         string
	CalendarID string
	Payload    calsync.EventPayload
}

// MemoryCalendar is an in-process provider. Events can be removed out of band
// with Forget, and failures injected per operation with FailNext.
type MemoryCalendar struct {
	mu     sync.Mutex
	nextID int
	events map[string]StoredEvent
	faults map[string][]error
	calls  map[string]int
	// created maps transaction ids to the event they produced.
	created map[string]string
}

func NewMemoryCalendar() *MemoryCalendar {
	return &MemoryCalendar{
		events:  map[string]StoredEvent{},
		faults:  map[string][]error{},
		calls:   map[string]int{},
		created: map[string]string{},
	}
}

// FailNext queues err for the next call of op ("create", "update", "delete"
// or "get").
func (m *MemoryCalendar) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = append(m.faults[op], err)
}

// Forget deletes an event without going through the sync engine.
func (m *MemoryCalendar) Forget(remoteID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[remoteID]
	delete(m.events, remoteID)
	return ok
}

func (m *MemoryCalendar) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryCalendar) Lookup(remoteID string) (StoredEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[remoteID]
	if ok {
		ev.Payload = ev.Payload.Clone()
	}
	return ev, ok
}

// Events returns every stored event in id order.
func (m *MemoryCalendar) Events() []StoredEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StoredEvent, 0, len(m.events))
	for _, ev := range m.events {
		ev.Payload = ev.Payload.Clone()
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryCalendar) begin(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &calsync.TransientError{Err: err}
	}
	m.calls[op]++
	if queued := m.faults[op]; len(queued) > 0 {
		m.faults[op] = queued[1:]
		return queued[0]
	}
	return nil
}

// Create returns the earlier event instead of adding a copy when a create
// with the same idempotency key already succeeded and the event still exists.
func (m *MemoryCalendar) Create(ctx context.Context, payload calsync.EventPayload, calendarID string) (string, error) {
	transactionID := calsync.IdempotencyKey(ctx)
	if _, err := encodeEvent(payload, transactionID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "create"); err != nil {
		return "", err
	}
	calendarID = strings.TrimSpace(calendarID)
	if calendarID == "" {
		return "", calsync.NewValidationError("calendar id is required")
	}
	if id, ok := m.created[transactionID]; ok && transactionID != "" {
		if _, exists := m.events[id]; exists {
			return id, nil
		}
	}
	m.nextID++
	id := fmt.Sprintf("mem_%06d", m.nextID)
	m.events[id] = StoredEvent{ID: id, CalendarID: calendarID, Payload: payload.Clone()}
	if transactionID != "" {
		m.created[transactionID] = id
	}
	return id, nil
}

func (m *MemoryCalendar) Update(ctx context.Context, remoteID string, payload calsync.EventPayload) error {
	if _, err := encodeEvent(payload, ""); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "update"); err != nil {
		return err
	}
	ev, ok := m.events[remoteID]
	if !ok {
		return calsync.NewNotFoundError("event " + remoteID)
	}
	ev.Payload = payload.Clone()
	m.events[remoteID] = ev
	return nil
}

func (m *MemoryCalendar) Delete(ctx context.Context, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "delete"); err != nil {
		return err
	}
	delete(m.events, remoteID)
	return nil
}

func (m *MemoryCalendar) Get(ctx context.Context, remoteID string) (calsync.EventPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(ctx, "get"); err != nil {
		return calsync.EventPayload{}, err
	}
	ev, ok := m.events[remoteID]
	if !ok {
		return calsync.EventPayload{}, calsync.NewNotFoundError("event " + remoteID)
	}
	return ev.Payload.Clone(), nil
}
