package calsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoffPolicyDelays(t *testing.T) {
	policy := DefaultBackoffPolicy()
	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		64 * time.Second,
		128 * time.Second,
		256 * time.Second,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, expected := range want {
		if got := policy.Delay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestResolverClassify(t *testing.T) {
	resolver := NewResolver(DefaultBackoffPolicy())
	create := &CreateAction{}
	update := &UpdateAction{}
	del := &DeleteAction{}

	cases := []struct {
		name     string
		action   Action
		attempts int
		err      error
		outcome  Outcome
		fail     bool
		halt     bool
	}{
		{name: "success", action: create, attempts: 1, err: nil, outcome: OutcomeApplied},
		{name: "update not found recreates", action: update, attempts: 1, err: NewNotFoundError("gone"), outcome: OutcomeRecreate},
		{name: "delete not found is success", action: del, attempts: 1, err: NewNotFoundError("gone"), outcome: OutcomeApplied},
		{name: "create not found fails", action: create, attempts: 1, err: NewNotFoundError("calendar gone"), outcome: OutcomeFatal, fail: true},
		{name: "auth halts without failing", action: update, attempts: 1, err: NewAuthError("expired"), outcome: OutcomeFatal, halt: true},
		{name: "validation fails", action: create, attempts: 1, err: NewValidationError("bad start"), outcome: OutcomeFatal, fail: true},
		{name: "transient retries", action: create, attempts: 1, err: &TransientError{Err: errors.New("503")}, outcome: OutcomeRetry},
		{name: "timeout retries", action: update, attempts: 2, err: fmt.Errorf("call: %w", context.DeadlineExceeded), outcome: OutcomeRetry},
		{name: "unknown error retries", action: del, attempts: 1, err: errors.New("connection reset"), outcome: OutcomeRetry},
		{name: "exhausted fails", action: create, attempts: DefaultBackoffMaxAttempts, err: &TransientError{Err: errors.New("503")}, outcome: OutcomeFatal, fail: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := resolver.Classify(tc.action, tc.attempts, tc.err)
			if decision.Outcome != tc.outcome {
				t.Fatalf("expected outcome %s, got %s", tc.outcome, decision.Outcome)
			}
			if decision.FailAction != tc.fail {
				t.Fatalf("expected FailAction=%v, got %v", tc.fail, decision.FailAction)
			}
			if decision.Halt != tc.halt {
				t.Fatalf("expected Halt=%v, got %v", tc.halt, decision.Halt)
			}
		})
	}
}

func TestResolverHonoursRetryAfterUpToCap(t *testing.T) {
	resolver := NewResolver(DefaultBackoffPolicy())
	decision := resolver.Classify(&CreateAction{}, 1, &TransientError{RetryAfter: 30 * time.Second})
	if decision.Delay != 30*time.Second {
		t.Fatalf("expected retry-after of 30s, got %s", decision.Delay)
	}
	decision = resolver.Classify(&CreateAction{}, 1, &TransientError{RetryAfter: time.Hour})
	if decision.Delay != DefaultBackoffCap {
		t.Fatalf("expected retry-after capped at %s, got %s", DefaultBackoffCap, decision.Delay)
	}
	decision = resolver.Classify(&CreateAction{}, 3, &TransientError{RetryAfter: time.Second})
	if decision.Delay != 8*time.Second {
		t.Fatalf("expected computed delay to win over smaller hint, got %s", decision.Delay)
	}
}

func TestClassifyErrorTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("update evt_1: %w", NewAuthError("token expired"))
	if got := ClassifyError(wrapped); got != ClassAuth {
		t.Fatalf("expected auth class through wrapping, got %s", got)
	}
	if !errors.Is(&TransientError{}, ErrNetworkTransient) {
		t.Fatalf("expected transient error to match ErrNetworkTransient")
	}
	if !errors.Is(&LocalPersistenceError{Op: "save", Err: errors.New("x")}, ErrLocalPersistence) {
		t.Fatalf("expected persistence error to match ErrLocalPersistence")
	}
}
