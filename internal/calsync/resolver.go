package calsync

import "time"

const (
	DefaultBackoffBase        = 2 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultBackoffCap         = 5 * time.Minute
	DefaultBackoffMaxAttempts = 6
)

type BackoffPolicy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBackoffBase,
		Multiplier:  DefaultBackoffMultiplier,
		Cap:         DefaultBackoffCap,
		MaxAttempts: DefaultBackoffMaxAttempts,
	}
}

func (p BackoffPolicy) normalized() BackoffPolicy {
	def := DefaultBackoffPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.Cap {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeRetry
	OutcomeRecreate
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeRetry:
		return "retry"
	case OutcomeRecreate:
		return "recreate"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Decision tells the scheduler how to settle an action after a remote call.
type Decision struct {
	Outcome Outcome
	Class   ErrorClass
	// Delay is set for OutcomeRetry.
	Delay time.Duration
	// FailAction marks the action failed; a fatal decision without it leaves
	// the action pending for replay.
	FailAction bool
	// Halt stops the scheduler until it is started again.
	Halt bool
}

type Resolver struct {
	policy BackoffPolicy
}

func NewResolver(policy BackoffPolicy) *Resolver {
	return &Resolver{policy: policy.normalized()}
}

func (r *Resolver) Policy() BackoffPolicy {
	return r.policy
}

// Classify decides the outcome of a remote call for an action that has now
// been attempted attempts times.
func (r *Resolver) Classify(action Action, attempts int, err error) Decision {
	class := ClassifyError(err)
	switch class {
	case ClassNone:
		return Decision{Outcome: OutcomeApplied}
	case ClassNotFound:
		switch action.(type) {
		case *UpdateAction:
			return Decision{Outcome: OutcomeRecreate, Class: class}
		case *DeleteAction:
			return Decision{Outcome: OutcomeApplied, Class: class}
		default:
			// Creating into a calendar that no longer exists.
			return Decision{Outcome: OutcomeFatal, Class: class, FailAction: true}
		}
	case ClassAuth:
		return Decision{Outcome: OutcomeFatal, Class: class, Halt: true}
	case ClassValidation:
		return Decision{Outcome: OutcomeFatal, Class: class, FailAction: true}
	}
	if attempts >= r.policy.MaxAttempts {
		return Decision{Outcome: OutcomeFatal, Class: class, FailAction: true}
	}
	delay := r.policy.Delay(attempts)
	if hint := retryAfterHint(err); hint > delay {
		delay = hint
		if delay > r.policy.Cap {
			delay = r.policy.Cap
		}
	}
	return Decision{Outcome: OutcomeRetry, Class: class, Delay: delay}
}
