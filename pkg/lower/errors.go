package lower

import "errors"

var (
	// ErrNoAppKey is wrapped in the crypto error returned when no stored
	// application key with the message's AID authenticates it.
	ErrNoAppKey = errors.New("lower: no application key authenticates message")

	// ErrUnknownAppKeyIndex is returned when sending with an app key index
	// that is not stored.
	ErrUnknownAppKeyIndex = errors.New("lower: unknown app key index")

	// ErrNotLocal is returned for a device key message addressed to another node.
	ErrNotLocal = errors.New("lower: device key message not addressed to this node")

	// ErrMessageTooLarge is returned when a message needs more than 32 segments.
	ErrMessageTooLarge = errors.New("lower: message too large")

	// ErrSegmentMismatch is returned when a segment disagrees with the
	// reassembly it belongs to.
	ErrSegmentMismatch = errors.New("lower: segment does not match reassembly")

	// ErrVirtualDestination is returned for virtual address destinations,
	// whose label UUIDs are not stored.
	ErrVirtualDestination = errors.New("lower: virtual destinations not supported")
)
