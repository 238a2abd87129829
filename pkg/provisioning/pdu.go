package provisioning

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Provisioning PDU opcodes (Mesh Profile Section 5.4.1).
const (
	OpcodeInvite        = 0x00
	OpcodeCapabilities  = 0x01
	OpcodeStart         = 0x02
	OpcodePublicKey     = 0x03
	OpcodeInputComplete = 0x04
	OpcodeConfirmation  = 0x05
	OpcodeRandom        = 0x06
	OpcodeData          = 0x07
	OpcodeComplete      = 0x08
	OpcodeFailed        = 0x09
)

// Parameter sizes.
const (
	CapabilitiesSize     = 11
	StartSize            = 5
	PublicKeySize        = 64
	ConfirmationSize     = 16
	RandomSize           = 16
	EncryptedDataSize    = 25
	DataMICSize          = 8
	ProvisioningDataSize = EncryptedDataSize
)

// PDU is a provisioning PDU.
type PDU interface {
	// Opcode returns the PDU type.
	Opcode() uint8
	// Encode returns opcode || parameters.
	Encode() ([]byte, error)
}

// Invite starts provisioning.
type Invite struct {
	AttentionDuration uint8
}

// Capabilities describes what the device supports.
type Capabilities struct {
	NumberOfElements uint8
	Algorithms       uint16
	PublicKeyType    uint8
	StaticOOBType    uint8
	OutputOOBSize    uint8
	OutputOOBActions OutputOOBActions
	InputOOBSize     uint8
	InputOOBActions  InputOOBActions
}

// Start carries the provisioner's choices.
type Start struct {
	Algorithm  uint8
	PublicKey  uint8
	AuthMethod AuthMethod
	// AuthAction is an OutputOOBAction or InputOOBAction index depending on AuthMethod.
	AuthAction uint8
	AuthSize   uint8
}

// PublicKey is an uncompressed P-256 point.
type PublicKey struct {
	X [32]byte
	Y [32]byte
}

// InputComplete tells the provisioner the user finished input OOB.
type InputComplete struct{}

// Confirmation carries a 16-byte confirmation value.
type Confirmation struct {
	Confirmation [ConfirmationSize]byte
}

// Random carries a 16-byte random value.
type Random struct {
	Random [RandomSize]byte
}

// Data carries the encrypted provisioning data and its MIC.
type Data struct {
	Encrypted [EncryptedDataSize]byte
	MIC       [DataMICSize]byte
}

// Complete ends a successful provisioning.
type Complete struct{}

// Failed reports a provisioning error.
type Failed struct {
	ErrorCode ErrorCode
}

func (*Invite) Opcode() uint8        { return OpcodeInvite }
func (*Capabilities) Opcode() uint8  { return OpcodeCapabilities }
func (*Start) Opcode() uint8         { return OpcodeStart }
func (*PublicKey) Opcode() uint8     { return OpcodePublicKey }
func (*InputComplete) Opcode() uint8 { return OpcodeInputComplete }
func (*Confirmation) Opcode() uint8  { return OpcodeConfirmation }
func (*Random) Opcode() uint8        { return OpcodeRandom }
func (*Data) Opcode() uint8          { return OpcodeData }
func (*Complete) Opcode() uint8      { return OpcodeComplete }
func (*Failed) Opcode() uint8        { return OpcodeFailed }

func (p *Invite) Encode() ([]byte, error) {
	return encode(OpcodeInvite, func(b *cryptobyte.Builder) {
		b.AddUint8(p.AttentionDuration)
	})
}

func (p *Capabilities) Encode() ([]byte, error) {
	return encode(OpcodeCapabilities, func(b *cryptobyte.Builder) {
		b.AddUint8(p.NumberOfElements)
		b.AddUint16(p.Algorithms)
		b.AddUint8(p.PublicKeyType)
		b.AddUint8(p.StaticOOBType)
		b.AddUint8(p.OutputOOBSize)
		b.AddUint16(uint16(p.OutputOOBActions))
		b.AddUint8(p.InputOOBSize)
		b.AddUint16(uint16(p.InputOOBActions))
	})
}

func (p *Start) Encode() ([]byte, error) {
	return encode(OpcodeStart, func(b *cryptobyte.Builder) {
		b.AddUint8(p.Algorithm)
		b.AddUint8(p.PublicKey)
		b.AddUint8(uint8(p.AuthMethod))
		b.AddUint8(p.AuthAction)
		b.AddUint8(p.AuthSize)
	})
}

func (p *PublicKey) Encode() ([]byte, error) {
	return encode(OpcodePublicKey, func(b *cryptobyte.Builder) {
		b.AddBytes(p.X[:])
		b.AddBytes(p.Y[:])
	})
}

// Bytes returns X || Y.
func (p *PublicKey) Bytes() []byte {
	out := make([]byte, 0, PublicKeySize)
	out = append(out, p.X[:]...)
	return append(out, p.Y[:]...)
}

// PublicKeyFromBytes splits X || Y.
func PublicKeyFromBytes(xy []byte) (*PublicKey, error) {
	if len(xy) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key %d bytes", mesh.ErrInvalidLength, len(xy))
	}
	pk := &PublicKey{}
	copy(pk.X[:], xy[:32])
	copy(pk.Y[:], xy[32:])
	return pk, nil
}

func (p *InputComplete) Encode() ([]byte, error) { return []byte{OpcodeInputComplete}, nil }

func (p *Confirmation) Encode() ([]byte, error) {
	return encode(OpcodeConfirmation, func(b *cryptobyte.Builder) {
		b.AddBytes(p.Confirmation[:])
	})
}

func (p *Random) Encode() ([]byte, error) {
	return encode(OpcodeRandom, func(b *cryptobyte.Builder) {
		b.AddBytes(p.Random[:])
	})
}

func (p *Data) Encode() ([]byte, error) {
	return encode(OpcodeData, func(b *cryptobyte.Builder) {
		b.AddBytes(p.Encrypted[:])
		b.AddBytes(p.MIC[:])
	})
}

func (p *Complete) Encode() ([]byte, error) { return []byte{OpcodeComplete}, nil }

func (p *Failed) Encode() ([]byte, error) {
	return encode(OpcodeFailed, func(b *cryptobyte.Builder) {
		b.AddUint8(uint8(p.ErrorCode))
	})
}

func encode(opcode uint8, params func(b *cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(opcode)
	params(&b)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrInsufficientBuffer, err)
	}
	return out, nil
}

// Parameters returns the PDU without its opcode, the form hashed into the transcript.
func Parameters(p PDU) ([]byte, error) {
	raw, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return raw[1:], nil
}

// Decode parses opcode || parameters.
func Decode(data []byte) (PDU, error) {
	s := cryptobyte.String(data)
	var opcode uint8
	if !s.ReadUint8(&opcode) {
		return nil, fmt.Errorf("%w: empty provisioning PDU", mesh.ErrInvalidLength)
	}

	var (
		pdu PDU
		err error
	)
	switch opcode {
	case OpcodeInvite:
		pdu, err = decodeInvite(&s)
	case OpcodeCapabilities:
		pdu, err = decodeCapabilities(&s)
	case OpcodeStart:
		pdu, err = decodeStart(&s)
	case OpcodePublicKey:
		p := &PublicKey{}
		if !s.CopyBytes(p.X[:]) || !s.CopyBytes(p.Y[:]) {
			err = mesh.ErrInvalidLength
		}
		pdu = p
	case OpcodeInputComplete:
		pdu = &InputComplete{}
	case OpcodeConfirmation:
		p := &Confirmation{}
		if !s.CopyBytes(p.Confirmation[:]) {
			err = mesh.ErrInvalidLength
		}
		pdu = p
	case OpcodeRandom:
		p := &Random{}
		if !s.CopyBytes(p.Random[:]) {
			err = mesh.ErrInvalidLength
		}
		pdu = p
	case OpcodeData:
		p := &Data{}
		if !s.CopyBytes(p.Encrypted[:]) || !s.CopyBytes(p.MIC[:]) {
			err = mesh.ErrInvalidLength
		}
		pdu = p
	case OpcodeComplete:
		pdu = &Complete{}
	case OpcodeFailed:
		var code uint8
		if !s.ReadUint8(&code) {
			err = mesh.ErrInvalidLength
		} else {
			err = validateErrorCode(code)
		}
		pdu = &Failed{ErrorCode: ErrorCode(code)}
	default:
		return nil, fmt.Errorf("%w: unknown opcode 0x%02x", mesh.ErrInvalidPDUFormat, opcode)
	}
	if err != nil {
		return nil, fmt.Errorf("provisioning opcode 0x%02x: %w", opcode, err)
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes after opcode 0x%02x", mesh.ErrInvalidLength, len(s), opcode)
	}
	return pdu, nil
}

func decodeInvite(s *cryptobyte.String) (*Invite, error) {
	p := &Invite{}
	if !s.ReadUint8(&p.AttentionDuration) {
		return nil, mesh.ErrInvalidLength
	}
	return p, nil
}

func decodeCapabilities(s *cryptobyte.String) (*Capabilities, error) {
	p := &Capabilities{}
	var output, input uint16
	if !s.ReadUint8(&p.NumberOfElements) ||
		!s.ReadUint16(&p.Algorithms) ||
		!s.ReadUint8(&p.PublicKeyType) ||
		!s.ReadUint8(&p.StaticOOBType) ||
		!s.ReadUint8(&p.OutputOOBSize) ||
		!s.ReadUint16(&output) ||
		!s.ReadUint8(&p.InputOOBSize) ||
		!s.ReadUint16(&input) {
		return nil, mesh.ErrInvalidLength
	}
	p.OutputOOBActions = OutputOOBActions(output)
	p.InputOOBActions = InputOOBActions(input)

	switch {
	case p.NumberOfElements == 0:
		return nil, fmt.Errorf("%w: zero elements", mesh.ErrInvalidValue)
	case p.Algorithms&^AlgorithmsP256Bit != 0:
		return nil, fmt.Errorf("%w: algorithms 0x%04x", mesh.ErrInvalidValue, p.Algorithms)
	case p.PublicKeyType > 1:
		return nil, fmt.Errorf("%w: public key type %d", mesh.ErrInvalidValue, p.PublicKeyType)
	case p.StaticOOBType > 1:
		return nil, fmt.Errorf("%w: static oob type %d", mesh.ErrInvalidValue, p.StaticOOBType)
	case p.OutputOOBActions&^outputActionsMask != 0:
		return nil, fmt.Errorf("%w: output actions 0x%04x", mesh.ErrInvalidValue, output)
	case p.InputOOBActions&^inputActionsMask != 0:
		return nil, fmt.Errorf("%w: input actions 0x%04x", mesh.ErrInvalidValue, input)
	}
	if err := validateOOBSize(p.OutputOOBSize); err != nil {
		return nil, err
	}
	if err := validateOOBSize(p.InputOOBSize); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStart(s *cryptobyte.String) (*Start, error) {
	p := &Start{}
	var method uint8
	if !s.ReadUint8(&p.Algorithm) ||
		!s.ReadUint8(&p.PublicKey) ||
		!s.ReadUint8(&method) ||
		!s.ReadUint8(&p.AuthAction) ||
		!s.ReadUint8(&p.AuthSize) {
		return nil, mesh.ErrInvalidLength
	}
	p.AuthMethod = AuthMethod(method)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that the action and size fit the chosen method.
func (p *Start) Validate() error {
	if p.Algorithm != AlgorithmP256 {
		return fmt.Errorf("%w: algorithm %d", mesh.ErrInvalidValue, p.Algorithm)
	}
	if p.PublicKey > PublicKeyOOB {
		return fmt.Errorf("%w: public key %d", mesh.ErrInvalidValue, p.PublicKey)
	}
	switch p.AuthMethod {
	case AuthNoOOB, AuthStaticOOB:
		if p.AuthAction != 0 || p.AuthSize != 0 {
			return fmt.Errorf("%w: %s auth with action/size", mesh.ErrInvalidValue, p.AuthMethod)
		}
	case AuthOutputOOB:
		if p.AuthAction > uint8(OutputAlphanumeric) {
			return fmt.Errorf("%w: output action %d", mesh.ErrInvalidValue, p.AuthAction)
		}
		if p.AuthSize == 0 || p.AuthSize > MaxOOBSize {
			return fmt.Errorf("%w: output size %d", mesh.ErrInvalidValue, p.AuthSize)
		}
	case AuthInputOOB:
		if p.AuthAction > uint8(InputAlphanumeric) {
			return fmt.Errorf("%w: input action %d", mesh.ErrInvalidValue, p.AuthAction)
		}
		if p.AuthSize == 0 || p.AuthSize > MaxOOBSize {
			return fmt.Errorf("%w: input size %d", mesh.ErrInvalidValue, p.AuthSize)
		}
	default:
		return fmt.Errorf("%w: auth method %d", mesh.ErrInvalidValue, uint8(p.AuthMethod))
	}
	return nil
}

// Supports checks that start selects only what c advertises. start must be
// valid.
func (c *Capabilities) Supports(start *Start) error {
	if start.PublicKey == PublicKeyOOB && c.PublicKeyType == 0 {
		return fmt.Errorf("%w: oob public key", ErrUnsupportedStart)
	}
	switch start.AuthMethod {
	case AuthStaticOOB:
		if c.StaticOOBType == 0 {
			return fmt.Errorf("%w: static oob", ErrUnsupportedStart)
		}
	case AuthOutputOOB:
		action := OutputOOBAction(start.AuthAction)
		if !c.OutputOOBActions.Has(action) || start.AuthSize > c.OutputOOBSize {
			return fmt.Errorf("%w: output action %d size %d", ErrUnsupportedStart, action, start.AuthSize)
		}
	case AuthInputOOB:
		action := InputOOBAction(start.AuthAction)
		if !c.InputOOBActions.Has(action) || start.AuthSize > c.InputOOBSize {
			return fmt.Errorf("%w: input action %d size %d", ErrUnsupportedStart, action, start.AuthSize)
		}
	}
	return nil
}
