package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across layers.
var (
	// ErrNotFound is returned when no ArticleRecord exists for a key.
	ErrNotFound = errors.New("article not found")

	// ErrKeyPoolExhausted is returned when no AI credential is currently
	// eligible. It is a global condition: callers defer the rest of the cycle.
	ErrKeyPoolExhausted = errors.New("key pool exhausted")

	// ErrDuplicateArticle is returned by an insert that lost the race on the
	// (source_id, article_key) unique index.
	ErrDuplicateArticle = errors.New("duplicate article")

	// ErrInvalidTransition is returned when a status change would move an
	// article backwards through the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ErrorKind classifies a failed external call.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindRateLimited ErrorKind = "rate_limited"
	KindPermanent   ErrorKind = "permanent"
	KindExhausted   ErrorKind = "exhausted"
	KindCanceled    ErrorKind = "canceled"
)

// Retryable reports whether another attempt could succeed.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// CallError is a classified failure of an external collaborator
// (feed, page fetch, AI provider, WordPress).
type CallError struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *CallError) Error() string {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *CallError) Unwrap() error { return e.Err }

// Transient wraps err as a retry-with-backoff failure.
func Transient(op string, status int, err error) error {
	return &CallError{Kind: KindTransient, Op: op, StatusCode: status, Err: err}
}

// RateLimited wraps err as a retry-with-another-key failure. A zero
// retryAfter means the provider gave no hint.
func RateLimited(op string, retryAfter time.Duration, err error) error {
	return &CallError{Kind: KindRateLimited, Op: op, StatusCode: 429, RetryAfter: retryAfter, Err: err}
}

// Permanent wraps err as a failure that must not be retried.
func Permanent(op string, status int, err error) error {
	return &CallError{Kind: KindPermanent, Op: op, StatusCode: status, Err: err}
}

// KindOf classifies any error. Unclassified errors are treated as transient,
// timeouts are transient and caller cancellation is its own kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrKeyPoolExhausted) {
		return KindExhausted
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	// Timeouts, network errors and anything unclassified.
	return KindTransient
}

// RetryAfterOf returns the provider's retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}

// FromStatus classifies a non-2xx HTTP answer: 429 is rate limited, 408 and
// 5xx are transient, anything else is permanent.
func FromStatus(op string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == 429:
		return RateLimited(op, retryAfter, err)
	case status == 408 || status >= 500:
		return Transient(op, status, err)
	default:
		return Permanent(op, status, err)
	}
}

// FromTransport classifies an error that happened before any HTTP answer.
// Caller cancellation is returned unchanged; timeouts and network errors are
// transient.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return Transient(op, 0, err)
}
