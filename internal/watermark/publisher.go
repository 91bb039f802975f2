package watermark

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sink receives every published watermark, e.g. a websocket hub.
type Sink interface {
	Broadcast(w Watermark)
}

// Publisher is held only by the process that owns the action log. It stamps
// each watermark with the owner id and a monotonic sequence.
type Publisher struct {
	mu      sync.Mutex
	slot    Slot
	ownerID string
	seq     uint64
	last    Watermark
	sinks   []Sink
}

func NewPublisher(slot Slot, ownerID string, sinks ...Sink) (*Publisher, error) {
	ownerID = strings.TrimSpace(ownerID)
	if slot == nil || ownerID == "" {
		return nil, fmt.Errorf("%w: publisher needs a slot and an owner id", ErrInvalidInput)
	}
	p := &Publisher{slot: slot, ownerID: ownerID}
	for _, sink := range sinks {
		if sink != nil {
			p.sinks = append(p.sinks, sink)
		}
	}
	// Continue the sequence of a previous owner so observers keep accepting.
	if existing, ok, err := slot.Read(); err == nil && ok {
		p.seq = existing.Sequence
		p.last = existing
	}
	return p, nil
}

func (p *Publisher) OwnerID() string {
	return p.ownerID
}

func (p *Publisher) Publish(w Watermark) (Watermark, error) {
	p.mu.Lock()
	p.seq++
	w.OwnerID = p.ownerID
	w.Sequence = p.seq
	if err := p.slot.Write(w); err != nil {
		p.mu.Unlock()
		return Watermark{}, fmt.Errorf("write watermark: %w", err)
	}
	p.last = w
	sinks := append([]Sink(nil), p.sinks...)
	p.mu.Unlock()

	for _, sink := range sinks {
		sink.Broadcast(w)
	}
	return w, nil
}

// Last returns the most recent watermark written by this publisher, or the
// one found in the slot at construction.
func (p *Publisher) Last() Watermark {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Observer is the read-only view used by widget windows.
type Observer struct {
	slot Slot
	poll time.Duration

	mu     sync.Mutex
	latest Watermark
	have   bool
}

func NewObserver(slot Slot, pollInterval time.Duration) *Observer {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if pollInterval > MaxStaleness {
		pollInterval = MaxStaleness
	}
	return &Observer{slot: slot, poll: pollInterval}
}

func (o *Observer) Latest() (Watermark, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest, o.have
}

// Refresh reads the slot and reports whether a newer watermark was accepted.
func (o *Observer) Refresh() (Watermark, bool, error) {
	w, ok, err := o.slot.Read()
	if err != nil || !ok {
		return Watermark{}, false, err
	}
	if !o.accept(w) {
		return w, false, nil
	}
	return w, true, nil
}

func (o *Observer) accept(w Watermark) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.have && w.Sequence <= o.latest.Sequence {
		return false
	}
	o.latest = w
	o.have = true
	return true
}

// Watch calls fn for every newer watermark until ctx is done. Change
// notifications make updates prompt; polling bounds staleness when they are
// missed.
func (o *Observer) Watch(ctx context.Context, fn func(Watermark)) error {
	changes, cancel := o.slot.Subscribe()
	defer cancel()
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	check := func() {
		if w, changed, err := o.Refresh(); err == nil && changed && fn != nil {
			fn(w)
		}
	}
	check()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changes:
			check()
		case <-ticker.C:
			check()
		}
	}
}
