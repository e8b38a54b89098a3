// Package services holds the pipeline's business logic: the content rewriter,
// the publisher, the orchestrator that drives articles through their states,
// and the cleanup and stats services.
//
// Errors returned here keep the domain classification (domain.KindOf) intact
// so callers can distinguish deferrals from failures.
package services

import "errors"

var (
	// ErrRetryCeiling is returned when a failed article has already been
	// retried as often as the configured ceiling allows.
	ErrRetryCeiling = errors.New("retry ceiling reached")

	// ErrNotFailed is returned when a retry is requested for an article that
	// is not in the failed state.
	ErrNotFailed = errors.New("article is not failed")

	// ErrEmptyRewrite is returned when finishing leaves no body text.
	ErrEmptyRewrite = errors.New("rewrite has no body text")

	// ErrInvalidStatus is returned for an unknown status filter.
	ErrInvalidStatus = errors.New("unknown article status")

	// ErrCycleRunning is returned when a cycle is requested while another one
	// is still in progress in this process.
	ErrCycleRunning = errors.New("a cycle is already running")
)
