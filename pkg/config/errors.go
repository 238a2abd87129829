package config

import "errors"

var (
	// ErrUnknownNetKeyIndex is returned when no network key has the index.
	ErrUnknownNetKeyIndex = errors.New("config: unknown network key index")

	// ErrAppKeyIndexInUse is returned when an app key index is stored with a different key.
	ErrAppKeyIndexInUse = errors.New("config: app key index already stored")

	// ErrSequenceExhausted is returned when the 24-bit sequence space is used up.
	ErrSequenceExhausted = errors.New("config: sequence number exhausted")

	// ErrNoDeviceKey is returned before provisioning has installed a device key.
	ErrNoDeviceKey = errors.New("config: no device key")
)
