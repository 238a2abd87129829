package provisioning

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
)

// AuthValueSize is the size of the AuthValue fed into confirmations.
const AuthValueSize = 16

// AuthKind tells how an AuthValue is laid out.
type AuthKind uint8

const (
	AuthKindNone AuthKind = iota
	AuthKindNumeric
	AuthKindAlphanumeric
	AuthKindStatic
)

// AuthValue is the out-of-band value agreed for one provisioning session.
type AuthValue struct {
	Kind AuthKind
	// Numeric holds the count or number for blink/beep/push/numeric actions.
	Numeric uint32
	// Alphanumeric holds up to 8 ASCII characters.
	Alphanumeric string
	// Static holds the 16-byte static OOB value.
	Static [AuthValueSize]byte
}

// NumericAuth returns a numeric AuthValue.
func NumericAuth(n uint32) AuthValue { return AuthValue{Kind: AuthKindNumeric, Numeric: n} }

// AlphanumericAuth returns an alphanumeric AuthValue.
func AlphanumericAuth(s string) AuthValue {
	return AuthValue{Kind: AuthKindAlphanumeric, Alphanumeric: s}
}

// StaticAuth returns a static OOB AuthValue.
func StaticAuth(v [AuthValueSize]byte) AuthValue { return AuthValue{Kind: AuthKindStatic, Static: v} }

// Bytes returns the 16-byte form: numbers big-endian in the last four
// octets, text left aligned and zero padded, none as all zeros.
func (a AuthValue) Bytes() [AuthValueSize]byte {
	var out [AuthValueSize]byte
	switch a.Kind {
	case AuthKindNumeric:
		binary.BigEndian.PutUint32(out[12:], a.Numeric)
	case AuthKindAlphanumeric:
		copy(out[:], a.Alphanumeric)
	case AuthKindStatic:
		out = a.Static
	}
	return out
}

func (a AuthValue) String() string {
	switch a.Kind {
	case AuthKindNumeric:
		return fmt.Sprintf("%d", a.Numeric)
	case AuthKindAlphanumeric:
		return a.Alphanumeric
	case AuthKindStatic:
		return "static"
	default:
		return "none"
	}
}

// OOBHost is the device's user interface for out-of-band authentication.
// Every method is optional in spirit: a host without a display can ignore
// Output, and one without input hardware never calls Provisionable.InputEntered.
type OOBHost interface {
	// StaticOOB returns the static OOB value if the device has one.
	StaticOOB() ([AuthValueSize]byte, bool)
	// Output asks the device to present value using action.
	Output(action OutputOOBAction, value AuthValue)
	// Input asks the user to enter a value of up to size digits or characters.
	// The host reports the result through Provisionable.InputEntered.
	Input(action InputOOBAction, size uint8)
}

// alphanumericCharset is the set of characters the device may output.
const alphanumericCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// determineAuthValue selects the session AuthValue from Start.
// Output actions generate a fresh random value the device presents; input
// actions hold an empty value until the user enters one.
func determineAuthValue(provider crypto.Provider, start *Start, host OOBHost) (AuthValue, error) {
	switch start.AuthMethod {
	case AuthStaticOOB:
		if host != nil {
			if v, ok := host.StaticOOB(); ok {
				return StaticAuth(v), nil
			}
		}
		return AuthValue{Kind: AuthKindStatic}, nil

	case AuthOutputOOB:
		action := OutputOOBAction(start.AuthAction)
		var (
			v   AuthValue
			err error
		)
		switch action {
		case OutputBlink, OutputBeep, OutputVibrate:
			v, err = randomCount(provider, start.AuthSize)
		case OutputNumeric:
			v, err = randomNumeric(provider, start.AuthSize)
		case OutputAlphanumeric:
			v, err = randomAlphanumeric(provider, start.AuthSize)
		}
		if err != nil {
			return AuthValue{}, err
		}
		if host != nil {
			host.Output(action, v)
		}
		return v, nil

	case AuthInputOOB:
		action := InputOOBAction(start.AuthAction)
		if host != nil {
			host.Input(action, start.AuthSize)
		}
		if action == InputAlphanumeric {
			return AuthValue{Kind: AuthKindAlphanumeric}, nil
		}
		return AuthValue{Kind: AuthKindNumeric}, nil
	}
	return AuthValue{Kind: AuthKindNone}, nil
}

func pow10(n uint8) uint32 {
	v := uint32(1)
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}

func randomUint32(provider crypto.Provider) (uint32, error) {
	b, err := provider.Random(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// randomCount picks 1..10^size-1 blinks, beeps or vibrations.
func randomCount(provider crypto.Provider, size uint8) (AuthValue, error) {
	limit := pow10(size)
	n, err := randomUint32(provider)
	if err != nil {
		return AuthValue{}, err
	}
	return NumericAuth(n%(limit-1) + 1), nil
}

func randomNumeric(provider crypto.Provider, size uint8) (AuthValue, error) {
	n, err := randomUint32(provider)
	if err != nil {
		return AuthValue{}, err
	}
	return NumericAuth(n % pow10(size)), nil
}

func randomAlphanumeric(provider crypto.Provider, size uint8) (AuthValue, error) {
	b, err := provider.Random(int(size))
	if err != nil {
		return AuthValue{}, err
	}
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = alphanumericCharset[int(c)%len(alphanumericCharset)]
	}
	return AlphanumericAuth(string(out)), nil
}
