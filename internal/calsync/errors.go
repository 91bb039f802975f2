package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrNotImplemented   = errors.New("not implemented")
	ErrNetworkTransient = errors.New("network transient")
	ErrRemoteNotFound   = errors.New("remote object not found")
	ErrRemoteAuth       = errors.New("remote authentication failed")
	ErrRemoteValidation = errors.New("remote rejected payload")
	ErrLocalPersistence = errors.New("local persistence failed")
	ErrOwnerConflict    = errors.New("sync owner already running")
)

// TransientError is a retryable failure. RetryAfter carries a server hint when
// one was supplied.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return ErrNetworkTransient.Error()
	}
	return fmt.Sprintf("%s: %v", ErrNetworkTransient, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func (e *TransientError) Is(target error) bool {
	return target == ErrNetworkTransient
}

type RemoteErrorKind string

const (
	RemoteKindNotFound   RemoteErrorKind = "not_found"
	RemoteKindAuth       RemoteErrorKind = "auth"
	RemoteKindValidation RemoteErrorKind = "validation"
)

// RemoteError is a non-retryable provider response.
type RemoteError struct {
	Kind       RemoteErrorKind
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote %s (http %d %s): %s", e.Kind, e.StatusCode, e.Code, e.Message)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case RemoteKindNotFound:
		return target == ErrRemoteNotFound
	case RemoteKindAuth:
		return target == ErrRemoteAuth
	case RemoteKindValidation:
		return target == ErrRemoteValidation
	}
	return false
}

type LocalPersistenceError struct {
	Op  string
	Err error
}

func (e *LocalPersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrLocalPersistence, e.Op, e.Err)
}

func (e *LocalPersistenceError) Unwrap() error {
	return e.Err
}

func (e *LocalPersistenceError) Is(target error) bool {
	return target == ErrLocalPersistence
}

type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassNotFound
	ClassAuth
	ClassValidation
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not_found"
	case ClassAuth:
		return "auth"
	case ClassValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// ClassifyError maps an adapter error onto the sync error taxonomy. Errors the
// adapter did not classify are treated as transient.
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrRemoteNotFound):
		return ClassNotFound
	case errors.Is(err, ErrRemoteAuth):
		return ClassAuth
	case errors.Is(err, ErrRemoteValidation):
		return ClassValidation
	case errors.Is(err, ErrNetworkTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}

func retryAfterHint(err error) time.Duration {
	var transient *TransientError
	if errors.As(err, &transient) {
		return transient.RetryAfter
	}
	return 0
}

func NewNotFoundError(message string) error {
	return &RemoteError{Kind: RemoteKindNotFound, StatusCode: 404, Message: message}
}

func NewAuthError(message string) error {
	return &RemoteError{Kind: RemoteKindAuth, StatusCode: 401, Message: message}
}

func NewValidationError(message string) error {
	return &RemoteError{Kind: RemoteKindValidation, StatusCode: 400, Message: message}
}
