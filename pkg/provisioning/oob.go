package provisioning

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// AlgorithmP256 is the only supported provisioning algorithm
// (FIPS P-256 elliptic curve).
const AlgorithmP256 = 0x00

// Algorithms bit for FIPS P-256.
const AlgorithmsP256Bit uint16 = 0x0001

// Public key selection in a Start PDU.
const (
	PublicKeyNoOOB = 0x00
	PublicKeyOOB   = 0x01
)

// AuthMethod is the authentication method selected by the provisioner.
type AuthMethod uint8

const (
	AuthNoOOB     AuthMethod = 0x00
	AuthStaticOOB AuthMethod = 0x01
	AuthOutputOOB AuthMethod = 0x02
	AuthInputOOB  AuthMethod = 0x03
)

func (m AuthMethod) String() string {
	switch m {
	case AuthNoOOB:
		return "none"
	case AuthStaticOOB:
		return "static"
	case AuthOutputOOB:
		return "output"
	case AuthInputOOB:
		return "input"
	default:
		return fmt.Sprintf("method(%d)", uint8(m))
	}
}

// OutputOOBAction is an output action index as carried in Start.
// Capabilities advertises the same actions as a bit mask (1 << action).
type OutputOOBAction uint8

const (
	OutputBlink        OutputOOBAction = 0x00
	OutputBeep         OutputOOBAction = 0x01
	OutputVibrate      OutputOOBAction = 0x02
	OutputNumeric      OutputOOBAction = 0x03
	OutputAlphanumeric OutputOOBAction = 0x04
)

// Bit returns the Capabilities mask bit for the action.
func (a OutputOOBAction) Bit() OutputOOBActions { return OutputOOBActions(1) << a }

// InputOOBAction is an input action index as carried in Start.
type InputOOBAction uint8

const (
	InputPush         InputOOBAction = 0x00
	InputTwist        InputOOBAction = 0x01
	InputNumeric      InputOOBAction = 0x02
	InputAlphanumeric InputOOBAction = 0x03
)

// Bit returns the Capabilities mask bit for the action.
func (a InputOOBAction) Bit() InputOOBActions { return InputOOBActions(1) << a }

// OutputOOBActions is the Capabilities bit mask of supported output actions.
type OutputOOBActions uint16

// Has reports whether the mask contains a.
func (m OutputOOBActions) Has(a OutputOOBAction) bool { return m&a.Bit() != 0 }

// InputOOBActions is the Capabilities bit mask of supported input actions.
type InputOOBActions uint16

// Has reports whether the mask contains a.
func (m InputOOBActions) Has(a InputOOBAction) bool { return m&a.Bit() != 0 }

const (
	outputActionsMask OutputOOBActions = 0x001F
	inputActionsMask  InputOOBActions  = 0x000F

	// MaxOOBSize is the largest OOB size; 0 means not supported.
	MaxOOBSize = 8
)

// ErrorCode is carried by a Failed PDU.
type ErrorCode uint8

const (
	ErrorProhibited            ErrorCode = 0x00
	ErrorInvalidPDU            ErrorCode = 0x01
	ErrorInvalidFormat         ErrorCode = 0x02
	ErrorUnexpectedPDU         ErrorCode = 0x03
	ErrorConfirmationFailed    ErrorCode = 0x04
	ErrorOutOfResources        ErrorCode = 0x05
	ErrorDecryptionFailed      ErrorCode = 0x06
	ErrorUnexpectedError       ErrorCode = 0x07
	ErrorCannotAssignAddresses ErrorCode = 0x08
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorProhibited:
		return "prohibited"
	case ErrorInvalidPDU:
		return "invalid pdu"
	case ErrorInvalidFormat:
		return "invalid format"
	case ErrorUnexpectedPDU:
		return "unexpected pdu"
	case ErrorConfirmationFailed:
		return "confirmation failed"
	case ErrorOutOfResources:
		return "out of resources"
	case ErrorDecryptionFailed:
		return "decryption failed"
	case ErrorUnexpectedError:
		return "unexpected error"
	case ErrorCannotAssignAddresses:
		return "cannot assign addresses"
	default:
		return fmt.Sprintf("error(%d)", uint8(c))
	}
}

func validateErrorCode(c uint8) error {
	if c > uint8(ErrorCannotAssignAddresses) {
		return fmt.Errorf("%w: error code %d", mesh.ErrInvalidValue, c)
	}
	return nil
}

func validateOOBSize(size uint8) error {
	if size > MaxOOBSize {
		return fmt.Errorf("%w: oob size %d", mesh.ErrInvalidValue, size)
	}
	return nil
}
