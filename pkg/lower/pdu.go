package lower

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Transport control opcodes (Mesh Profile Section 3.6.5.11).
const (
	OpcodeSegmentAck                    = 0x00
	OpcodeFriendPoll                    = 0x01
	OpcodeFriendUpdate                  = 0x02
	OpcodeFriendRequest                 = 0x03
	OpcodeFriendOffer                   = 0x04
	OpcodeFriendClear                   = 0x05
	OpcodeFriendClearConfirm            = 0x06
	OpcodeFriendSubscriptionListAdd     = 0x07
	OpcodeFriendSubscriptionListRemove  = 0x08
	OpcodeFriendSubscriptionListConfirm = 0x09
	OpcodeHeartbeat                     = 0x0A
)

// Size limits.
const (
	// MaxUnsegmentedAccess is the largest upper transport PDU (payload and
	// TransMIC) carried unsegmented.
	MaxUnsegmentedAccess = 15
	// MaxUnsegmentedControl is the largest unsegmented control parameter block.
	MaxUnsegmentedControl = 11
	// AccessSegmentSize is the payload of one segmented access PDU.
	AccessSegmentSize = 12
	// ControlSegmentSize is the payload of one segmented control PDU.
	ControlSegmentSize = 8
	// MaxSegN is the largest SegN.
	MaxSegN = 0x1F

	seqZeroMask = 0x1FFF
)

// PDU is a lower transport PDU.
type PDU interface {
	// CTL reports whether the PDU is a control PDU.
	CTL() bool
	// Encode returns the wire form.
	Encode() ([]byte, error)
}

// Message is the body of a lower transport PDU, Unsegmented or Segmented.
type Message interface {
	isMessage()
}

// Unsegmented carries a whole upper transport PDU.
type Unsegmented struct {
	Data []byte
}

// Segmented carries segment SegO of SegN+1.
type Segmented struct {
	// SzMIC selects a 64-bit TransMIC. Always false for control messages.
	SzMIC   bool
	SeqZero uint16
	SegO    uint8
	SegN    uint8
	Segment []byte
}

func (*Unsegmented) isMessage() {}
func (*Segmented) isMessage()   {}

// Access is a lower transport access PDU.
type Access struct {
	// AKF selects an application key; otherwise the device key is used.
	AKF     bool
	AID     uint8
	Message Message
}

// Control is a lower transport control PDU.
type Control struct {
	Opcode  uint8
	Message Message
}

// CTL implements PDU.
func (*Access) CTL() bool { return false }

// CTL implements PDU.
func (*Control) CTL() bool { return true }

// Encode implements PDU.
func (a *Access) Encode() ([]byte, error) {
	if a.AID > 0x3F {
		return nil, fmt.Errorf("%w: aid %#x", mesh.ErrInvalidValue, a.AID)
	}
	first := a.AID
	if a.AKF {
		first |= 0x40
	}
	switch m := a.Message.(type) {
	case *Unsegmented:
		if len(m.Data) == 0 || len(m.Data) > MaxUnsegmentedAccess {
			return nil, fmt.Errorf("%w: unsegmented access of %d", mesh.ErrInvalidLength, len(m.Data))
		}
		return append([]byte{first}, m.Data...), nil
	case *Segmented:
		return encodeSegmented(first|0x80, m, AccessSegmentSize)
	default:
		return nil, fmt.Errorf("%w: access message %T", mesh.ErrInvalidPDUFormat, a.Message)
	}
}

// Encode implements PDU.
func (c *Control) Encode() ([]byte, error) {
	if c.Opcode > 0x7F {
		return nil, fmt.Errorf("%w: control opcode %#x", mesh.ErrInvalidValue, c.Opcode)
	}
	switch m := c.Message.(type) {
	case *Unsegmented:
		if len(m.Data) > MaxUnsegmentedControl {
			return nil, fmt.Errorf("%w: unsegmented control of %d", mesh.ErrInvalidLength, len(m.Data))
		}
		return append([]byte{c.Opcode}, m.Data...), nil
	case *Segmented:
		if m.SzMIC {
			return nil, fmt.Errorf("%w: szmic on control", mesh.ErrInvalidValue)
		}
		return encodeSegmented(c.Opcode|0x80, m, ControlSegmentSize)
	default:
		return nil, fmt.Errorf("%w: control message %T", mesh.ErrInvalidPDUFormat, c.Message)
	}
}

// encodeSegmented writes the header SZMIC (1) | SeqZero (13) | SegO (5) | SegN (5)
func encodeSegmented(first byte, m *Segmented, mtu int) ([]byte, error) {
	if m.SegO > m.SegN || m.SegN > MaxSegN || m.SeqZero > seqZeroMask {
		return nil, fmt.Errorf("%w: seq_zero %d seg %d/%d", mesh.ErrInvalidValue, m.SeqZero, m.SegO, m.SegN)
	}
	if len(m.Segment) == 0 || len(m.Segment) > mtu {
		return nil, fmt.Errorf("%w: segment of %d", mesh.ErrInvalidLength, len(m.Segment))
	}
	header := uint32(m.SeqZero)<<10 | uint32(m.SegO)<<5 | uint32(m.SegN)
	if m.SzMIC {
		header |= 1 << 23
	}
	out := make([]byte, 4, 4+len(m.Segment))
	out[0] = first
	out[1] = byte(header >> 16)
	out[2] = byte(header >> 8)
	out[3] = byte(header)
	return append(out, m.Segment...), nil
}

// Decode parses a lower transport PDU; ctl comes from the network header.
func Decode(ctl bool, data []byte) (PDU, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty lower transport pdu", mesh.ErrInvalidLength)
	}
	seg := data[0]&0x80 != 0
	if ctl {
		opcode := data[0] & 0x7F
		if opcode > OpcodeHeartbeat {
			return nil, fmt.Errorf("%w: control opcode %#x", mesh.ErrInvalidValue, opcode)
		}
		if !seg {
			if len(data)-1 > MaxUnsegmentedControl {
				return nil, fmt.Errorf("%w: unsegmented control of %d", mesh.ErrInvalidLength, len(data)-1)
			}
			return &Control{Opcode: opcode, Message: &Unsegmented{Data: clone(data[1:])}}, nil
		}
		m, err := decodeSegmented(data, ControlSegmentSize)
		if err != nil {
			return nil, err
		}
		if m.SzMIC {
			return nil, fmt.Errorf("%w: rfu bit set on segmented control", mesh.ErrInvalidValue)
		}
		return &Control{Opcode: opcode, Message: m}, nil
	}

	akf := data[0]&0x40 != 0
	aid := data[0] & 0x3F
	if !seg {
		if len(data) < 2 || len(data)-1 > MaxUnsegmentedAccess {
			return nil, fmt.Errorf("%w: unsegmented access of %d", mesh.ErrInvalidLength, len(data)-1)
		}
		return &Access{AKF: akf, AID: aid, Message: &Unsegmented{Data: clone(data[1:])}}, nil
	}
	m, err := decodeSegmented(data, AccessSegmentSize)
	if err != nil {
		return nil, err
	}
	return &Access{AKF: akf, AID: aid, Message: m}, nil
}

func decodeSegmented(data []byte, mtu int) (*Segmented, error) {
	if len(data) < 5 || len(data)-4 > mtu {
		return nil, fmt.Errorf("%w: segmented pdu of %d", mesh.ErrInvalidLength, len(data))
	}
	header := uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	m := &Segmented{
		SzMIC:   header&(1<<23) != 0,
		SeqZero: uint16(header>>10) & seqZeroMask,
		SegO:    uint8(header>>5) & MaxSegN,
		SegN:    uint8(header) & MaxSegN,
		Segment: clone(data[4:]),
	}
	if m.SegO > m.SegN {
		return nil, fmt.Errorf("%w: seg_o %d > seg_n %d", mesh.ErrInvalidValue, m.SegO, m.SegN)
	}
	return m, nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

// SegmentAck acknowledges the segments of one segmented message.
type SegmentAck struct {
	// OBO is set when a friend acknowledges on behalf of a low power node.
	OBO      bool
	SeqZero  uint16
	BlockAck uint32
}

// Control wraps the acknowledgement in an unsegmented control PDU.
func (s *SegmentAck) Control() *Control {
	params := make([]byte, 6)
	v := (s.SeqZero & seqZeroMask) << 2
	if s.OBO {
		v |= 0x8000
	}
	binary.BigEndian.PutUint16(params[0:2], v)
	binary.BigEndian.PutUint32(params[2:6], s.BlockAck)
	return &Control{Opcode: OpcodeSegmentAck, Message: &Unsegmented{Data: params}}
}

// ParseSegmentAck extracts a SegmentAck from a control PDU.
func ParseSegmentAck(c *Control) (*SegmentAck, error) {
	u, ok := c.Message.(*Unsegmented)
	if c.Opcode != OpcodeSegmentAck || !ok {
		return nil, fmt.Errorf("%w: not a segment acknowledgement", mesh.ErrInvalidPDUFormat)
	}
	if len(u.Data) != 6 {
		return nil, fmt.Errorf("%w: segment acknowledgement of %d", mesh.ErrInvalidLength, len(u.Data))
	}
	v := binary.BigEndian.Uint16(u.Data[0:2])
	return &SegmentAck{
		OBO:      v&0x8000 != 0,
		SeqZero:  (v >> 2) & seqZeroMask,
		BlockAck: binary.BigEndian.Uint32(u.Data[2:6]),
	}, nil
}
