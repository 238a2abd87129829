package network

import "errors"

var (
	// ErrNoNetworkKey is wrapped in the crypto error returned when no stored
	// key authenticates a PDU.
	ErrNoNetworkKey = errors.New("network: no network key authenticates pdu")

	// ErrReplay is returned for a PDU whose sequence number was already seen.
	ErrReplay = errors.New("network: replayed pdu")

	// ErrTTL is returned for TTL values outside 0..127.
	ErrTTL = errors.New("network: invalid ttl")
)
