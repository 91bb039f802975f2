package calsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/relaycal/internal/jitter"
	"github.com/agentworkforce/relaycal/internal/watermark"
)

const (
	DefaultTickInterval   = 30 * time.Second
	DefaultMaxConcurrency = 4
	DefaultCallTimeout    = 20 * time.Second
)

var (
	ErrPassInProgress = errors.New("sync pass already in progress")
	ErrNotRunning     = errors.New("scheduler not running")
)

// RemoteAdapter is the remote calendar provider. Update and Get must return
// an error matching ErrRemoteNotFound when the object no longer exists;
// Delete treats a missing object as success.
type RemoteAdapter interface {
	Create(ctx context.Context, payload EventPayload, calendarID string) (string, error)
	Update(ctx context.Context, remoteID string, payload EventPayload) error
	Delete(ctx context.Context, remoteID string) error
	Get(ctx context.Context, remoteID string) (EventPayload, error)
}

type WatermarkPublisher interface {
	Publish(w watermark.Watermark) (watermark.Watermark, error)
}

type SchedulerOptions struct {
	Log       *ActionLog
	Store     EventStore
	Router    *Router
	Adapter   RemoteAdapter
	Backoff   BackoffPolicy
	Publisher WatermarkPublisher

	Interval       time.Duration
	IntervalJitter float64
	MaxConcurrency int
	CallTimeout    time.Duration
	// DriftSchedule is an optional cron spec for full passes with drift
	// detection while the scheduler runs.
	DriftSchedule string

	Logger Logger
	Now    func() time.Time
}

type PassResult struct {
	Created int
	Updated int
	Failed  int
	Drifted int
	Halted  bool
}

type passStats struct {
	created atomic.Int64
	updated atomic.Int64
	failed  atomic.Int64
	drifted atomic.Int64
}

type triggerKind int

const (
	triggerTick triggerKind = iota
	triggerFull
)

type Scheduler struct {
	log       *ActionLog
	store     EventStore
	adapter   RemoteAdapter
	resolver  *Resolver
	publisher WatermarkPublisher
	logger    Logger
	now       func() time.Time

	interval       time.Duration
	intervalJitter float64
	maxConcurrency int
	callTimeout    time.Duration
	driftSchedule  string

	router atomic.Pointer[Router]

	// cancelled is checked between entity-level operations only; a remote
	// call that already started always runs to completion.
	cancelled atomic.Bool
	passing   atomic.Bool
	passWG    sync.WaitGroup

	mu         sync.Mutex
	state      watermark.State
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	triggers   chan triggerKind
	cron       *cron.Cron
	last       watermark.Watermark
	rng        *rand.Rand
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Log == nil || opts.Store == nil || opts.Adapter == nil {
		return nil, fmt.Errorf("%w: scheduler needs an action log, event store and adapter", ErrInvalidInput)
	}
	if opts.Router == nil {
		opts.Router = NewRouter(nil, "")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultTickInterval
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	opts.DriftSchedule = strings.TrimSpace(opts.DriftSchedule)
	if opts.DriftSchedule != "" {
		if _, err := cron.ParseStandard(opts.DriftSchedule); err != nil {
			return nil, fmt.Errorf("%w: drift schedule %q: %v", ErrInvalidInput, opts.DriftSchedule, err)
		}
	}
	s := &Scheduler{
		log:            opts.Log,
		store:          opts.Store,
		adapter:        opts.Adapter,
		resolver:       NewResolver(opts.Backoff),
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		now:            opts.Now,
		interval:       opts.Interval,
		intervalJitter: jitter.ClampRatio(opts.IntervalJitter),
		maxConcurrency: opts.MaxConcurrency,
		callTimeout:    opts.CallTimeout,
		driftSchedule:  opts.DriftSchedule,
		state:          watermark.StateIdle,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.router.Store(opts.Router)
	return s, nil
}

func (s *Scheduler) Router() *Router {
	return s.router.Load()
}

// SetRouter swaps the tag mapping used for actions routed from now on.
func (s *Scheduler) SetRouter(r *Router) {
	if r != nil {
		s.router.Store(r)
	}
}

func (s *Scheduler) State() watermark.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Watermark returns the last published watermark.
func (s *Scheduler) Watermark() watermark.Watermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start begins the periodic tick and queues an immediate one. Starting a
// halted scheduler (after re-authentication) clears the halt.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.state == watermark.StateRunning {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelled.Store(false)
	s.state = watermark.StateRunning
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.triggers = make(chan triggerKind, 1)
	if s.driftSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(s.driftSchedule, func() { s.trigger(triggerFull) }); err != nil {
			cancel()
			s.state = watermark.StateStopped
			s.mu.Unlock()
			return fmt.Errorf("schedule drift detection: %w", err)
		}
		c.Start()
		s.cron = c
	}
	go s.loop(ctx, s.loopDone, s.triggers)
	s.mu.Unlock()

	s.logf("sync scheduler started: interval=%s concurrency=%d", s.interval, s.maxConcurrency)
	s.trigger(triggerTick)
	return nil
}

// Stop cancels the periodic tick. A pass already running finishes its current
// remote call and skips the remaining entities.
func (s *Scheduler) Stop() {
	s.halt(watermark.StateStopped)
}

func (s *Scheduler) halt(next watermark.State) {
	s.cancelled.Store(true)
	s.mu.Lock()
	prev := s.state
	s.state = next
	cancel := s.loopCancel
	done := s.loopDone
	c := s.cron
	s.loopCancel = nil
	s.loopDone = nil
	s.cron = nil
	last := s.last
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if c != nil {
		c.Stop()
	}
	if prev != next {
		s.logf("sync scheduler %s", next)
		if !s.passing.Load() {
			last.State = next
			s.publish(last)
		}
	}
}

// Wait blocks until passes launched by the scheduler have returned.
func (s *Scheduler) Wait() {
	s.passWG.Wait()
}

func (s *Scheduler) TriggerForeground() bool {
	return s.trigger(triggerTick)
}

// TriggerSignIn restarts a stopped or halted scheduler and runs a full pass.
func (s *Scheduler) TriggerSignIn() bool {
	if err := s.Start(); err != nil {
		s.logf("sync scheduler start on sign-in failed: %v", err)
		return false
	}
	return s.trigger(triggerFull)
}

// SyncNow queues a full pass with drift detection.
func (s *Scheduler) SyncNow() bool {
	return s.trigger(triggerFull)
}

// trigger never blocks; a trigger arriving while one is queued is merged
// into it, upgrading to a full pass if either asked for one.
func (s *Scheduler) trigger(kind triggerKind) bool {
	s.mu.Lock()
	ch := s.triggers
	running := s.state == watermark.StateRunning
	s.mu.Unlock()
	if !running || ch == nil {
		return false
	}
	select {
	case ch <- kind:
		return true
	default:
	}
	if kind == triggerFull {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- triggerFull:
		default:
		}
	}
	return true
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}, triggers chan triggerKind) {
	defer close(done)
	timer := time.NewTimer(s.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.launch(triggerTick)
			timer.Reset(s.nextInterval())
		case kind := <-triggers:
			s.launch(kind)
		}
	}
}

func (s *Scheduler) launch(kind triggerKind) {
	s.passWG.Add(1)
	go func() {
		defer s.passWG.Done()
		var err error
		if kind == triggerFull {
			_, err = s.PerformSync(context.Background())
		} else {
			_, err = s.Tick(context.Background())
		}
		if err != nil && !errors.Is(err, ErrPassInProgress) {
			s.logf("sync pass failed: %v", err)
		}
	}()
}

func (s *Scheduler) nextInterval() time.Duration {
	s.mu.Lock()
	sample := s.rng.Float64()
	s.mu.Unlock()
	return jitter.IntervalWithSample(s.interval, s.intervalJitter, sample)
}

// Tick drains ready actions. It returns ErrPassInProgress without doing
// anything when another pass is running.
func (s *Scheduler) Tick(ctx context.Context) (PassResult, error) {
	return s.runPass(ctx, false)
}

// PerformSync drains the action log and then checks every synced event for a
// missing remote twin, recreating the ones that drifted.
func (s *Scheduler) PerformSync(ctx context.Context) (PassResult, error) {
	return s.runPass(ctx, true)
}

func (s *Scheduler) runPass(ctx context.Context, full bool) (PassResult, error) {
	if !s.passing.CompareAndSwap(false, true) {
		s.logf("sync tick skipped: previous pass still running")
		return PassResult{}, ErrPassInProgress
	}
	defer s.passing.Store(false)

	stats := &passStats{}
	s.drain(ctx, stats)
	if full && !s.cancelled.Load() {
		if s.detectDrift(ctx, stats) > 0 && !s.cancelled.Load() {
			s.drain(ctx, stats)
		}
	}
	result := PassResult{
		Created: int(stats.created.Load()),
		Updated: int(stats.updated.Load()),
		Failed:  int(stats.failed.Load()),
		Drifted: int(stats.drifted.Load()),
		Halted:  s.State() == watermark.StateNeedsReauth,
	}
	s.publish(watermark.Watermark{
		LastSyncAt: s.now(),
		EventCount: s.store.Count(),
		Stats: watermark.Stats{
			Created: result.Created,
			Updated: result.Updated,
			Failed:  result.Failed,
		},
		Pending: s.log.Len(),
		State:   s.State(),
	})
	if result.Created+result.Updated+result.Failed+result.Drifted > 0 {
		s.logf("sync pass: created=%d updated=%d failed=%d drifted=%d pending=%d",
			result.Created, result.Updated, result.Failed, result.Drifted, s.log.Len())
	}
	return result, nil
}

func (s *Scheduler) drain(ctx context.Context, stats *passStats) {
	groups := s.log.ReadyGroups(s.now())
	s.forEachEntity(len(groups), func(i int) {
		s.processEntity(ctx, groups[i], stats)
	})
}

// forEachEntity runs fn for up to maxConcurrency entities at a time and stops
// dispatching once the scheduler is cancelled.
func (s *Scheduler) forEachEntity(n int, fn func(i int)) {
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if s.cancelled.Load() {
			break
		}
		sem <- struct{}{}
		if s.cancelled.Load() {
			<-sem
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// processEntity applies an entity's actions strictly in order and stops at
// the first one that does not complete.
func (s *Scheduler) processEntity(ctx context.Context, group []Action, stats *passStats) {
	for _, queued := range group {
		if s.cancelled.Load() {
			return
		}
		action, err := s.log.MarkInFlight(queued.Header().ID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logf("sync: claim action %s failed: %v", queued.Header().ID, err)
			}
			return
		}
		if !s.execute(ctx, action, stats) {
			return
		}
	}
}

type effect int

const (
	effectNone effect = iota
	effectCreated
	effectUpdated
)

func (s *Scheduler) execute(ctx context.Context, action Action, stats *passStats) bool {
	header := action.Header()
	ctx = WithIdempotencyKey(ctx, header.ID)
	router := s.Router()
	var (
		remoteID   string
		calendarID string
		kind       effect
		callErr    error
	)
	switch a := action.(type) {
	case *CreateAction:
		payload := a.Payload()
		calendarID = router.ResolveTags(payload.Tags)
		remoteID, callErr = s.callCreate(ctx, payload, calendarID)
		kind = effectCreated
	case *UpdateAction:
		payload := a.Payload()
		calendarID = router.ResolveTags(payload.Tags)
		current := s.currentCalendar(a.EntityID)
		switch {
		case a.RemoteID == "":
			remoteID, callErr = s.callCreate(ctx, payload, calendarID)
			kind = effectCreated
		case current != "" && current != calendarID:
			remoteID, callErr = s.move(ctx, a.RemoteID, payload, calendarID)
			kind = effectUpdated
		default:
			remoteID = a.RemoteID
			calendarID = firstNonEmpty(current, calendarID)
			callErr = s.callUpdate(ctx, a.RemoteID, payload)
			kind = effectUpdated
		}
	case *DeleteAction:
		if a.RemoteID != "" {
			callErr = s.callDelete(ctx, a.RemoteID)
		}
	}

	decision := s.resolver.Classify(action, header.Attempts, callErr)
	if decision.Outcome == OutcomeRecreate {
		update := action.(*UpdateAction)
		payload := update.Payload()
		calendarID = router.ResolveTags(payload.Tags)
		s.logf("sync: remote %s for %s not found, recreating", update.RemoteID, update.EntityID)
		remoteID, callErr = s.callCreate(ctx, payload, calendarID)
		kind = effectCreated
		decision = s.resolver.Classify(&CreateAction{ActionRecord: header}, header.Attempts, callErr)
	}
	return s.settle(action, decision, callErr, remoteID, calendarID, kind, stats)
}

func (s *Scheduler) settle(action Action, decision Decision, callErr error, remoteID, calendarID string, kind effect, stats *passStats) bool {
	header := action.Header()
	switch decision.Outcome {
	case OutcomeApplied:
		if err := s.log.MarkApplied(header.ID, remoteID); err != nil {
			s.logf("sync: mark %s applied failed: %v", header.ID, err)
			return false
		}
		if _, isDelete := action.(*DeleteAction); !isDelete {
			stillPending := s.log.HasActions(header.EntityID)
			if err := s.store.ApplySyncResult(header.EntityID, remoteID, calendarID, stillPending); err != nil {
				s.logf("sync: record sync result for %s failed: %v", header.EntityID, err)
			}
		}
		switch kind {
		case effectCreated:
			stats.created.Add(1)
		case effectUpdated:
			stats.updated.Add(1)
		}
		return true
	case OutcomeRetry:
		stats.failed.Add(1)
		next := s.now().Add(decision.Delay)
		if err := s.log.MarkRetry(header.ID, callErr.Error(), next); err != nil {
			s.logf("sync: schedule retry for %s failed: %v", header.ID, err)
		}
		s.markEventError(header.EntityID, callErr)
		s.logf("sync: %s %s failed (attempt %d), retrying in %s: %v",
			header.Operation, header.EntityID, header.Attempts, decision.Delay, callErr)
	default:
		stats.failed.Add(1)
		s.markEventError(header.EntityID, callErr)
		if decision.Halt {
			if err := s.log.Release(header.ID, callErr.Error()); err != nil {
				s.logf("sync: release %s failed: %v", header.ID, err)
			}
			s.logf("sync: authentication rejected, stopping scheduler: %v", callErr)
			s.halt(watermark.StateNeedsReauth)
			return false
		}
		if err := s.log.MarkFailed(header.ID, callErr.Error()); err != nil {
			s.logf("sync: mark %s failed: %v", header.ID, err)
		}
		s.logf("sync: %s %s failed permanently (%s): %v", header.Operation, header.EntityID, decision.Class, callErr)
	}
	return false
}

func (s *Scheduler) markEventError(entityID string, err error) {
	if err == nil {
		return
	}
	if storeErr := s.store.MarkError(entityID, err.Error()); storeErr != nil {
		s.logf("sync: mark %s error failed: %v", entityID, storeErr)
	}
}

func (s *Scheduler) currentCalendar(entityID string) string {
	if ev, ok := s.store.Get(entityID); ok {
		return ev.RemoteCalendarID
	}
	return ""
}

// move re-homes an event whose first mapped tag changed. The provider has no
// cross-calendar move, so the old twin is deleted and a new one created.
func (s *Scheduler) move(ctx context.Context, remoteID string, payload EventPayload, calendarID string) (string, error) {
	if err := s.callDelete(ctx, remoteID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
		return "", err
	}
	if s.cancelled.Load() {
		return "", &TransientError{Err: errors.New("move interrupted by stop")}
	}
	return s.callCreate(ctx, payload, calendarID)
}

func (s *Scheduler) callCreate(ctx context.Context, payload EventPayload, calendarID string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	remoteID, err := s.adapter.Create(callCtx, payload, calendarID)
	if err == nil && strings.TrimSpace(remoteID) == "" {
		return "", NewValidationError("provider returned an empty id")
	}
	return remoteID, err
}

func (s *Scheduler) callUpdate(ctx context.Context, remoteID string, payload EventPayload) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.adapter.Update(callCtx, remoteID, payload)
}

func (s *Scheduler) callDelete(ctx context.Context, remoteID string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	err := s.adapter.Delete(callCtx, remoteID)
	if errors.Is(err, ErrRemoteNotFound) {
		return nil
	}
	return err
}

func (s *Scheduler) callGet(ctx context.Context, remoteID string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	_, err := s.adapter.Get(callCtx, remoteID)
	return err
}

// detectDrift looks for synced events whose remote twin vanished and queues a
// create for each through the action log.
func (s *Scheduler) detectDrift(ctx context.Context, stats *passStats) int {
	candidates := []Event{}
	for _, ev := range s.store.List() {
		if ev.ExternalID == "" || ev.SyncStatus != SyncSynced || s.log.HasActions(ev.ID) {
			continue
		}
		candidates = append(candidates, ev)
	}
	s.forEachEntity(len(candidates), func(i int) {
		ev := candidates[i]
		err := s.callGet(ctx, ev.ExternalID)
		switch ClassifyError(err) {
		case ClassNone:
			return
		case ClassNotFound:
		case ClassAuth:
			s.logf("sync: authentication rejected during drift check, stopping scheduler: %v", err)
			s.halt(watermark.StateNeedsReauth)
			return
		default:
			s.logf("sync: drift check for %s failed: %v", ev.ID, err)
			return
		}
		if s.log.HasActions(ev.ID) {
			return
		}
		current, ok, err := s.store.DetachRemote(ev.ID, ev.ExternalID)
		if err != nil {
			s.logf("sync: mark %s pending failed: %v", ev.ID, err)
			return
		}
		// Deleted or re-linked since the listing, or an edit got queued
		// against the vanished twin and will recreate it itself.
		if !ok || s.log.HasActions(ev.ID) {
			return
		}
		snapshot := current.Snapshot()
		if _, err := s.log.Record(LocalMutation{
			Operation:  OpCreate,
			EntityType: EntityTypeEvent,
			EntityID:   ev.ID,
			Payload:    &snapshot,
		}); err != nil {
			s.logf("sync: queue recreate for %s failed: %v", ev.ID, err)
			if restoreErr := s.store.ApplySyncResult(ev.ID, ev.ExternalID, current.RemoteCalendarID, false); restoreErr != nil {
				s.logf("sync: restore remote link of %s failed: %v", ev.ID, restoreErr)
			}
			return
		}
		stats.drifted.Add(1)
		s.logf("sync: remote twin of %s missing, queued recreate", ev.ID)
	})
	return int(stats.drifted.Load())
}

// Resync re-queues an entity whose actions failed permanently.
func (s *Scheduler) Resync(entityID string) (int, error) {
	n, err := s.log.Resync(entityID)
	if err != nil || n == 0 {
		return n, err
	}
	if ev, ok := s.store.Get(entityID); ok {
		ev.SyncStatus = SyncPending
		ev.LastSyncError = ""
		if err := s.store.Put(ev); err != nil {
			return n, err
		}
	}
	s.trigger(triggerTick)
	return n, nil
}

func (s *Scheduler) publish(w watermark.Watermark) {
	if s.publisher != nil {
		published, err := s.publisher.Publish(w)
		if err != nil {
			s.logf("sync: publish watermark failed: %v", err)
			return
		}
		w = published
	}
	s.mu.Lock()
	s.last = w
	s.mu.Unlock()
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
