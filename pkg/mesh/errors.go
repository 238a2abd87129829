package mesh

import (
	"errors"
	"fmt"
)

// Device errors shared across the mesh layers.
//
// Network and transport callers usually drop the offending packet and move on;
// provisioning callers tear the link down on ErrInvalidLink.
var (
	// ErrCrypto is matched by every *CryptoError.
	ErrCrypto = errors.New("mesh: crypto error")

	// ErrInvalidLink is returned when a PB-ADV PDU refers to a link other than
	// the open one, or when no link is open.
	ErrInvalidLink = errors.New("mesh: invalid link")

	// ErrInvalidTransactionNumber is returned when a transaction cannot be acknowledged.
	ErrInvalidTransactionNumber = errors.New("mesh: invalid transaction number")

	// ErrInvalidSrcAddress is returned when a network PDU carries a non-unicast source.
	ErrInvalidSrcAddress = errors.New("mesh: invalid source address")

	// ErrInsufficientBuffer is returned when a PDU does not fit its fixed-size container.
	ErrInsufficientBuffer = errors.New("mesh: insufficient buffer")

	// ErrSerialization is returned when the persisted configuration cannot be encoded or decoded.
	ErrSerialization = errors.New("mesh: serialization error")

	// ErrStorageInitialization is returned when the configuration cannot be loaded at boot.
	ErrStorageInitialization = errors.New("mesh: storage initialization failed")

	// ErrStorage is returned when persisting the configuration fails.
	ErrStorage = errors.New("mesh: storage error")

	// ErrNotProvisioned is returned when an operation needs network keys or an IV index.
	ErrNotProvisioned = errors.New("mesh: not provisioned")

	// ErrKeyInitialization is returned when the device key pair is missing or invalid.
	ErrKeyInitialization = errors.New("mesh: key initialization failed")
)

// Parse errors.
var (
	ErrInvalidPDUFormat = errors.New("mesh: invalid PDU format")
	ErrInvalidLength    = errors.New("mesh: invalid length")
	ErrInvalidValue     = errors.New("mesh: invalid value")
)

// CryptoError reports a failed cryptographic operation together with the
// processing step it happened in, e.g. "inbound network pdu".
type CryptoError struct {
	Context string
	Err     error
}

// NewCryptoError returns a *CryptoError for the given context.
func NewCryptoError(context string, err error) error {
	return &CryptoError{Context: context, Err: err}
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mesh: crypto error (%s): %v", e.Context, e.Err)
	}
	return fmt.Sprintf("mesh: crypto error (%s)", e.Context)
}

// Is reports ErrCrypto as a match.
func (e *CryptoError) Is(target error) bool {
	return target == ErrCrypto
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}
