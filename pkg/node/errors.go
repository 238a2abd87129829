package node

import "errors"

// Package-level errors.
var (
	// ErrAlreadyStarted is returned when Start() is called on a running node.
	ErrAlreadyStarted = errors.New("node: already started")

	// ErrNotStarted is returned when an operation requires a running node.
	ErrNotStarted = errors.New("node: not started")

	// ErrBearerRequired is returned when Bearer is nil.
	ErrBearerRequired = errors.New("node: bearer is required")

	// ErrManagerRequired is returned when Manager is nil.
	ErrManagerRequired = errors.New("node: configuration manager is required")

	// ErrInvalidTTL is returned when DefaultTTL is 1 or above 127.
	ErrInvalidTTL = errors.New("node: default TTL must be 2-127")

	// ErrInvalidSubscription is returned for a unicast or unassigned subscription.
	ErrInvalidSubscription = errors.New("node: subscriptions must be group or virtual addresses")

	// ErrNoPublication is returned when a model publishes without a
	// destination and no publication is configured for it.
	ErrNoPublication = errors.New("node: no publication configured")

	// ErrNoLink is returned when input OOB arrives without a provisioning link.
	ErrNoLink = errors.New("node: no provisioning link open")
)
