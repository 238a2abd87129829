package pbadv

import "errors"

var (
	// ErrFCSMismatch is returned when a reassembled transaction fails its frame check.
	ErrFCSMismatch = errors.New("pbadv: fcs mismatch")

	// ErrSegmentOutOfRange is returned for a continuation beyond the announced SegN.
	ErrSegmentOutOfRange = errors.New("pbadv: segment index out of range")

	// ErrSegmentTooLarge is returned when a segment exceeds its bearer MTU.
	ErrSegmentTooLarge = errors.New("pbadv: segment exceeds mtu")

	// ErrPDUTooLarge is returned when a provisioning PDU needs more than 64 segments.
	ErrPDUTooLarge = errors.New("pbadv: pdu too large")
)
