package calsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ActionLogOptions struct {
	Backend StateBackend
	Now     func() time.Time
	NewID   func() string
	Logger  Logger
}

// ActionLog is the durable queue of local mutations awaiting remote
// reconciliation. Every change is saved to the backend before the call
// returns; a failed save leaves the in-memory log untouched.
type ActionLog struct {
	mu      sync.Mutex
	backend StateBackend
	seq     uint64
	actions []ActionRecord
	now     func() time.Time
	newID   func() string
	logger  Logger
}

type actionLogSnapshot struct {
	Seq     uint64         `json:"seq"`
	Actions []ActionRecord `json:"actions"`
}

func OpenActionLog(opts ActionLogOptions) (*ActionLog, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return "act_" + uuid.NewString() }
	}
	l := &ActionLog{
		backend: backend,
		actions: []ActionRecord{},
		now:     now,
		newID:   newID,
		logger:  opts.Logger,
	}
	recovered, err := l.load()
	if err != nil {
		return nil, &LocalPersistenceError{Op: "load action log", Err: err}
	}
	if recovered > 0 {
		if err := l.save(); err != nil {
			return nil, &LocalPersistenceError{Op: "recover action log", Err: err}
		}
		l.logf("action log recovered %d in-flight actions as pending", recovered)
	}
	return l, nil
}

func (l *ActionLog) load() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.backend.Load(stateKeyActions)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var snapshot actionLogSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return 0, err
	}
	recovered := 0
	l.seq = snapshot.Seq
	l.actions = make([]ActionRecord, 0, len(snapshot.Actions))
	for _, record := range snapshot.Actions {
		if !record.Operation.Valid() {
			return 0, fmt.Errorf("%w: action %s has operation %q", ErrInvalidInput, record.ID, record.Operation)
		}
		// The process died mid-call; the remote effect is unknown so the
		// action is replayed.
		if record.State == ActionInFlight {
			record.State = ActionPending
			recovered++
		}
		if record.Seq > l.seq {
			l.seq = record.Seq
		}
		l.actions = append(l.actions, record)
	}
	return recovered, nil
}

func (l *ActionLog) save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

func (l *ActionLog) saveLocked() error {
	data, err := json.Marshal(actionLogSnapshot{Seq: l.seq, Actions: l.actions})
	if err != nil {
		return err
	}
	return l.backend.Save(stateKeyActions, data)
}

// mutateLocked runs fn and persists the result, restoring the previous state
// when either step fails.
func (l *ActionLog) mutateLocked(op string, fn func() error) error {
	prevSeq := l.seq
	prev := make([]ActionRecord, len(l.actions))
	for i, record := range l.actions {
		prev[i] = record.clone()
	}
	if err := fn(); err != nil {
		l.seq = prevSeq
		l.actions = prev
		return err
	}
	if err := l.saveLocked(); err != nil {
		l.seq = prevSeq
		l.actions = prev
		return &LocalPersistenceError{Op: op, Err: err}
	}
	return nil
}

// Record appends a local mutation, coalescing it with any still-pending
// action for the same entity. The returned action is nil when the mutation
// cancelled out and no remote call is needed.
func (l *ActionLog) Record(m LocalMutation) (Action, error) {
	m.EntityID = strings.TrimSpace(m.EntityID)
	m.EntityType = strings.TrimSpace(m.EntityType)
	m.RemoteID = strings.TrimSpace(m.RemoteID)
	if m.EntityType == "" {
		m.EntityType = EntityTypeEvent
	}
	if m.EntityID == "" || !m.Operation.Valid() {
		return nil, ErrInvalidInput
	}
	if m.Operation != OpDelete && m.Payload == nil {
		return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidInput, m.Operation)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	var result *ActionRecord
	err := l.mutateLocked("record "+string(m.Operation), func() error {
		result = l.coalesceLocked(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		l.logf("action log: %s %s coalesced to no remote call", m.Operation, m.EntityID)
		return nil, nil
	}
	return actionFromRecord(*result)
}

func (l *ActionLog) coalesceLocked(m LocalMutation) *ActionRecord {
	// A fresh edit supersedes earlier terminal failures for the entity.
	for i := range l.actions {
		record := &l.actions[i]
		if record.EntityID == m.EntityID && record.State == ActionFailed {
			record.State = ActionPending
			record.Attempts = 0
			record.LastError = ""
			record.NextAttemptAt = time.Time{}
		}
	}

	inFlight := false
	tail := -1
	for i, record := range l.actions {
		if record.EntityID != m.EntityID {
			continue
		}
		switch record.State {
		case ActionInFlight:
			inFlight = true
		case ActionPending:
			tail = i
		}
	}

	switch m.Operation {
	case OpCreate:
		if tail >= 0 && l.actions[tail].Operation == OpCreate {
			l.actions[tail].PayloadSnapshot = clonePayload(m.Payload)
			return &l.actions[tail]
		}
	case OpUpdate:
		if tail >= 0 {
			switch l.actions[tail].Operation {
			case OpCreate:
				l.actions[tail].PayloadSnapshot = clonePayload(m.Payload)
				return &l.actions[tail]
			case OpUpdate:
				l.actions[tail].PayloadSnapshot = clonePayload(m.Payload)
				if l.actions[tail].RemoteID == "" {
					l.actions[tail].RemoteID = m.RemoteID
				}
				return &l.actions[tail]
			}
		}
	case OpDelete:
		remoteID := m.RemoteID
		remoteKnown := remoteID != "" || inFlight
		kept := l.actions[:0]
		for _, record := range l.actions {
			if record.EntityID == m.EntityID && record.State == ActionPending {
				if record.Operation != OpCreate {
					remoteKnown = true
					if remoteID == "" {
						remoteID = record.RemoteID
					}
				}
				continue
			}
			kept = append(kept, record)
		}
		l.actions = kept
		if !remoteKnown {
			return nil
		}
		m.RemoteID = remoteID
	}
	return l.appendLocked(m)
}

func (l *ActionLog) appendLocked(m LocalMutation) *ActionRecord {
	l.seq++
	l.actions = append(l.actions, ActionRecord{
		ID:               l.newID(),
		Seq:              l.seq,
		EntityType:       m.EntityType,
		EntityID:         m.EntityID,
		Operation:        m.Operation,
		PayloadSnapshot:  clonePayload(m.Payload),
		PreviousSnapshot: clonePayload(m.Previous),
		RemoteID:         m.RemoteID,
		CreatedAt:        l.now(),
		State:            ActionPending,
	})
	return &l.actions[len(l.actions)-1]
}

func clonePayload(p *EventPayload) *EventPayload {
	if p == nil {
		return nil
	}
	out := p.Clone()
	return &out
}

// ReadyGroups returns, per entity, the run of pending actions that may be
// sent now. Entities whose head action is in flight, failed or waiting out a
// backoff are skipped entirely.
func (l *ActionLog) ReadyGroups(now time.Time) [][]Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	blocked := map[string]bool{}
	index := map[string]int{}
	groups := [][]Action{}
	for _, record := range l.actions {
		if blocked[record.EntityID] {
			continue
		}
		if record.State != ActionPending || record.NextAttemptAt.After(now) {
			blocked[record.EntityID] = true
			continue
		}
		action, err := actionFromRecord(record)
		if err != nil {
			blocked[record.EntityID] = true
			continue
		}
		i, ok := index[record.EntityID]
		if !ok {
			i = len(groups)
			index[record.EntityID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], action)
	}
	return groups
}

// MarkInFlight claims a pending action and returns its current content,
// which may differ from an earlier snapshot if later edits were merged in.
func (l *ActionLog) MarkInFlight(id string) (Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var claimed ActionRecord
	err := l.mutateLocked("mark in-flight", func() error {
		record := l.findLocked(id)
		if record == nil {
			return fmt.Errorf("%w: action %s", ErrNotFound, id)
		}
		if record.State != ActionPending {
			return fmt.Errorf("%w: action %s is %s", ErrInvalidInput, id, record.State)
		}
		record.State = ActionInFlight
		record.Attempts++
		claimed = *record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return actionFromRecord(claimed)
}

// MarkApplied removes a confirmed action. A non-empty remoteID is handed to
// the entity's queued actions so later updates and deletes target it.
func (l *ActionLog) MarkApplied(id, remoteID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutateLocked("mark applied", func() error {
		idx := l.indexLocked(id)
		if idx < 0 {
			return fmt.Errorf("%w: action %s", ErrNotFound, id)
		}
		entityID := l.actions[idx].EntityID
		l.actions = append(l.actions[:idx], l.actions[idx+1:]...)
		if remoteID = strings.TrimSpace(remoteID); remoteID != "" {
			for i := range l.actions {
				if l.actions[i].EntityID == entityID && l.actions[i].Operation != OpCreate {
					l.actions[i].RemoteID = remoteID
				}
			}
		}
		return nil
	})
}

func (l *ActionLog) MarkRetry(id, lastError string, nextAttemptAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutateLocked("mark retry", func() error {
		record := l.findLocked(id)
		if record == nil {
			return fmt.Errorf("%w: action %s", ErrNotFound, id)
		}
		if l.cancelUnconfirmedCreateLocked(id) {
			return nil
		}
		record.State = ActionPending
		record.LastError = lastError
		record.NextAttemptAt = nextAttemptAt
		return nil
	})
}

func (l *ActionLog) MarkFailed(id, lastError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutateLocked("mark failed", func() error {
		record := l.findLocked(id)
		if record == nil {
			return fmt.Errorf("%w: action %s", ErrNotFound, id)
		}
		if l.cancelUnconfirmedCreateLocked(id) {
			return nil
		}
		record.State = ActionFailed
		record.LastError = lastError
		record.NextAttemptAt = time.Time{}
		return nil
	})
}

// Release returns an in-flight action to pending without counting the
// attempt, used when the pass is aborted for reasons unrelated to the action.
func (l *ActionLog) Release(id, lastError string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutateLocked("release", func() error {
		record := l.findLocked(id)
		if record == nil {
			return fmt.Errorf("%w: action %s", ErrNotFound, id)
		}
		if l.cancelUnconfirmedCreateLocked(id) {
			return nil
		}
		record.State = ActionPending
		record.LastError = lastError
		if record.Attempts > 0 {
			record.Attempts--
		}
		return nil
	})
}

// cancelUnconfirmedCreateLocked drops a create the remote never confirmed
// when a delete for the same entity is queued behind it, together with that
// delete and anything recorded in between. Neither call is needed any more.
func (l *ActionLog) cancelUnconfirmedCreateLocked(id string) bool {
	idx := l.indexLocked(id)
	if idx < 0 || l.actions[idx].Operation != OpCreate {
		return false
	}
	entityID := l.actions[idx].EntityID
	deleteIdx := -1
	for i := idx + 1; i < len(l.actions); i++ {
		record := l.actions[i]
		if record.EntityID == entityID && record.Operation == OpDelete && record.State == ActionPending && record.RemoteID == "" {
			deleteIdx = i
			break
		}
	}
	if deleteIdx < 0 {
		return false
	}
	kept := make([]ActionRecord, 0, len(l.actions))
	for i, record := range l.actions {
		if record.EntityID == entityID && i >= idx && i <= deleteIdx {
			continue
		}
		kept = append(kept, record)
	}
	l.actions = kept
	l.logf("action log: unconfirmed create for %s cancelled by queued delete", entityID)
	return true
}

// Resync re-queues the failed actions of an entity with a fresh retry budget.
func (l *ActionLog) Resync(entityID string) (int, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return 0, ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	err := l.mutateLocked("resync", func() error {
		for i := range l.actions {
			record := &l.actions[i]
			if record.EntityID != entityID || record.State != ActionFailed {
				continue
			}
			record.State = ActionPending
			record.Attempts = 0
			record.LastError = ""
			record.NextAttemptAt = time.Time{}
			count++
		}
		return nil
	})
	return count, err
}

func (l *ActionLog) Get(id string) (Action, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record := l.findLocked(id)
	if record == nil {
		return nil, false
	}
	action, err := actionFromRecord(*record)
	return action, err == nil
}

// Pending lists pending and in-flight actions in creation order.
func (l *ActionLog) Pending() []Action {
	return l.list(func(r ActionRecord) bool {
		return r.State == ActionPending || r.State == ActionInFlight
	})
}

func (l *ActionLog) Failed() []Action {
	return l.list(func(r ActionRecord) bool { return r.State == ActionFailed })
}

func (l *ActionLog) All() []Action {
	return l.list(func(ActionRecord) bool { return true })
}

func (l *ActionLog) list(keep func(ActionRecord) bool) []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []Action{}
	for _, record := range l.actions {
		if !keep(record) {
			continue
		}
		if action, err := actionFromRecord(record); err == nil {
			out = append(out, action)
		}
	}
	return out
}

// HasActions reports whether any unconfirmed action exists for the entity.
func (l *ActionLog) HasActions(entityID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, record := range l.actions {
		if record.EntityID == entityID {
			return true
		}
	}
	return false
}

// Len counts actions still waiting on the remote, excluding failed ones.
func (l *ActionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, record := range l.actions {
		if record.State == ActionPending || record.State == ActionInFlight {
			n++
		}
	}
	return n
}

func (l *ActionLog) Close() error {
	if l == nil {
		return nil
	}
	return closeBackend(l.backend)
}

func (l *ActionLog) findLocked(id string) *ActionRecord {
	if idx := l.indexLocked(id); idx >= 0 {
		return &l.actions[idx]
	}
	return nil
}

func (l *ActionLog) indexLocked(id string) int {
	for i := range l.actions {
		if l.actions[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *ActionLog) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}
