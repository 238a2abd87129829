package bearer

import "errors"

// Bearer errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed bearer.
	ErrClosed = errors.New("bearer: closed")

	// ErrNoHandler is returned when no handler is configured.
	ErrNoHandler = errors.New("bearer: no handler configured")

	// ErrAlreadyStarted is returned when Start is called on a running bearer.
	ErrAlreadyStarted = errors.New("bearer: already started")

	// ErrAdvertisingTooLarge is returned when AD structures exceed an
	// advertising payload.
	ErrAdvertisingTooLarge = errors.New("bearer: advertising data too large")

	// ErrMalformedAdvertising is returned for truncated AD structures.
	ErrMalformedAdvertising = errors.New("bearer: malformed advertising data")
)
