package cron

import "errors"

var (
	// ErrQuotaExceeded is returned by Create when the tenant is at its job limit.
	ErrQuotaExceeded = errors.New("tenant job quota exceeded")

	// ErrEmptyPrompt is returned by Create when the prompt is blank.
	ErrEmptyPrompt = errors.New("task content empty")

	// ErrNotStarted is returned for operations that need a running scheduler.
	ErrNotStarted = errors.New("cron scheduler not started")
)
