package task

import "errors"

var (
	// ErrDuplicateTask is returned when a record for the provider task ID already exists
	ErrDuplicateTask = errors.New("task already exists")

	// ErrNotFound is returned when no task matches the given task ID
	ErrNotFound = errors.New("task not found")

	// ErrInvalidCombination is returned for duration/quality pairs outside the cost table
	ErrInvalidCombination = errors.New("invalid duration/quality combination")

	// ErrMalformedPayload is returned when a notification payload carries no task ID
	ErrMalformedPayload = errors.New("malformed provider payload")

	// ErrProviderDispatch is returned when the provider rejects or times out a dispatch.
	// The debited credits have already been refunded when this surfaces.
	ErrProviderDispatch = errors.New("provider dispatch failed")

	ErrInternal = errors.New("internal error")
)
