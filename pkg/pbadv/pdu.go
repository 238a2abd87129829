package pbadv

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Generic Provisioning Control Field, the low two bits of octet 0.
const (
	gpcfTransactionStart        = 0b00
	gpcfTransactionAck          = 0b01
	gpcfTransactionContinuation = 0b10
	gpcfBearerControl           = 0b11
)

// Bearer control opcodes, the upper six bits of octet 0 when GPCF is 0b11.
const (
	opcodeLinkOpen  = 0x00
	opcodeLinkAck   = 0x01
	opcodeLinkClose = 0x02
)

// Segment MTUs.
const (
	TransactionStartMTU        = 20
	TransactionContinuationMTU = 23
	maxSegN                    = 0x3F
)

// Reason is the LinkClose reason.
type Reason uint8

const (
	ReasonSuccess Reason = 0x00
	ReasonTimeout Reason = 0x01
	ReasonFail    Reason = 0x02
)

func (r Reason) String() string {
	switch r {
	case ReasonSuccess:
		return "success"
	case ReasonTimeout:
		return "timeout"
	case ReasonFail:
		return "fail"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// GenericPDU is a generic provisioning PDU.
type GenericPDU interface {
	// Encode returns the wire form, GPCF octet first.
	Encode() ([]byte, error)
	isGenericPDU()
}

// TransactionStart opens a transaction and carries its first segment.
type TransactionStart struct {
	SegN        uint8
	TotalLength uint16
	FCS         uint8
	Data        []byte
}

// TransactionContinuation carries segment SegmentIndex (1..SegN).
type TransactionContinuation struct {
	SegmentIndex uint8
	Data         []byte
}

// TransactionAck acknowledges a complete transaction.
type TransactionAck struct{}

// LinkOpen asks the device identified by UUID to open a link.
type LinkOpen struct {
	UUID mesh.UUID
}

// LinkAck accepts a LinkOpen.
type LinkAck struct{}

// LinkClose closes the link.
type LinkClose struct {
	Reason Reason
}

func (*TransactionStart) isGenericPDU()        {}
func (*TransactionContinuation) isGenericPDU() {}
func (*TransactionAck) isGenericPDU()          {}
func (*LinkOpen) isGenericPDU()                {}
func (*LinkAck) isGenericPDU()                 {}
func (*LinkClose) isGenericPDU()               {}

// Encode implements GenericPDU.
func (p *TransactionStart) Encode() ([]byte, error) {
	if p.SegN > maxSegN {
		return nil, fmt.Errorf("%w: seg_n %d", mesh.ErrInvalidValue, p.SegN)
	}
	if len(p.Data) > TransactionStartMTU {
		return nil, ErrSegmentTooLarge
	}
	var b cryptobyte.Builder
	b.AddUint8(p.SegN<<2 | gpcfTransactionStart)
	b.AddUint16(p.TotalLength)
	b.AddUint8(p.FCS)
	b.AddBytes(p.Data)
	return b.Bytes()
}

// Encode implements GenericPDU.
func (p *TransactionContinuation) Encode() ([]byte, error) {
	if p.SegmentIndex > maxSegN {
		return nil, fmt.Errorf("%w: segment index %d", mesh.ErrInvalidValue, p.SegmentIndex)
	}
	if len(p.Data) > TransactionContinuationMTU {
		return nil, ErrSegmentTooLarge
	}
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, p.SegmentIndex<<2|gpcfTransactionContinuation)
	return append(out, p.Data...), nil
}

// Encode implements GenericPDU.
func (*TransactionAck) Encode() ([]byte, error) {
	return []byte{gpcfTransactionAck}, nil
}

// Encode implements GenericPDU.
func (p *LinkOpen) Encode() ([]byte, error) {
	out := make([]byte, 0, 17)
	out = append(out, opcodeLinkOpen<<2|gpcfBearerControl)
	return append(out, p.UUID[:]...), nil
}

// Encode implements GenericPDU.
func (*LinkAck) Encode() ([]byte, error) {
	return []byte{opcodeLinkAck<<2 | gpcfBearerControl}, nil
}

// Encode implements GenericPDU.
func (p *LinkClose) Encode() ([]byte, error) {
	return []byte{opcodeLinkClose<<2 | gpcfBearerControl, byte(p.Reason)}, nil
}

// DecodeGeneric parses a generic provisioning PDU.
func DecodeGeneric(data []byte) (GenericPDU, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty generic provisioning pdu", mesh.ErrInvalidLength)
	}
	upper := data[0] >> 2
	switch data[0] & 0b11 {
	case gpcfTransactionStart:
		s := cryptobyte.String(data[1:])
		p := &TransactionStart{SegN: upper}
		if !s.ReadUint16(&p.TotalLength) || !s.ReadUint8(&p.FCS) {
			return nil, fmt.Errorf("%w: transaction start header", mesh.ErrInvalidLength)
		}
		if len(s) == 0 || len(s) > TransactionStartMTU {
			return nil, fmt.Errorf("%w: transaction start data %d", mesh.ErrInvalidLength, len(s))
		}
		p.Data = append([]byte(nil), s...)
		return p, nil

	case gpcfTransactionAck:
		if upper != 0 {
			return nil, fmt.Errorf("%w: transaction ack padding", mesh.ErrInvalidPDUFormat)
		}
		if len(data) != 1 {
			return nil, fmt.Errorf("%w: transaction ack", mesh.ErrInvalidLength)
		}
		return &TransactionAck{}, nil

	case gpcfTransactionContinuation:
		if upper == 0 {
			return nil, fmt.Errorf("%w: continuation index 0", mesh.ErrInvalidValue)
		}
		if len(data) < 2 || len(data)-1 > TransactionContinuationMTU {
			return nil, fmt.Errorf("%w: continuation data %d", mesh.ErrInvalidLength, len(data)-1)
		}
		return &TransactionContinuation{
			SegmentIndex: upper,
			Data:         append([]byte(nil), data[1:]...),
		}, nil

	default:
		return decodeBearerControl(upper, data[1:])
	}
}

func decodeBearerControl(opcode uint8, params []byte) (GenericPDU, error) {
	switch opcode {
	case opcodeLinkOpen:
		id, err := mesh.UUIDFromBytes(params)
		if err != nil {
			return nil, err
		}
		return &LinkOpen{UUID: id}, nil
	case opcodeLinkAck:
		if len(params) != 0 {
			return nil, fmt.Errorf("%w: link ack", mesh.ErrInvalidLength)
		}
		return &LinkAck{}, nil
	case opcodeLinkClose:
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: link close", mesh.ErrInvalidLength)
		}
		if params[0] > uint8(ReasonFail) {
			return nil, fmt.Errorf("%w: link close reason %d", mesh.ErrInvalidValue, params[0])
		}
		return &LinkClose{Reason: Reason(params[0])}, nil
	default:
		return nil, fmt.Errorf("%w: bearer control opcode %d", mesh.ErrInvalidPDUFormat, opcode)
	}
}

// AdvertisingPDU is one PB-ADV packet: link, transaction and generic PDU.
type AdvertisingPDU struct {
	LinkID            uint32
	TransactionNumber uint8
	PDU               GenericPDU
}

const advertisingHeaderSize = 5

// Encode returns link id (4, big-endian) || transaction number || generic PDU.
// The AD length and type octets are added by the bearer.
func (a *AdvertisingPDU) Encode() ([]byte, error) {
	if a.PDU == nil {
		return nil, fmt.Errorf("%w: missing generic pdu", mesh.ErrInvalidPDUFormat)
	}
	inner, err := a.PDU.Encode()
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddUint32(a.LinkID)
	b.AddUint8(a.TransactionNumber)
	b.AddBytes(inner)
	return b.Bytes()
}

// DecodeAdvertising parses a PB-ADV payload with the AD header stripped.
func DecodeAdvertising(data []byte) (*AdvertisingPDU, error) {
	s := cryptobyte.String(data)
	a := &AdvertisingPDU{}
	if !s.ReadUint32(&a.LinkID) || !s.ReadUint8(&a.TransactionNumber) {
		return nil, fmt.Errorf("%w: pb-adv header", mesh.ErrInvalidLength)
	}
	pdu, err := DecodeGeneric(s)
	if err != nil {
		return nil, err
	}
	a.PDU = pdu
	return a, nil
}
