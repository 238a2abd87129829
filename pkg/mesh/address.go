package mesh

import (
	"encoding/binary"
	"fmt"
)

// Address is a 16-bit mesh address (Mesh Profile Section 3.4.2).
//
//	0x0000          unassigned
//	0x0001-0x7FFF   unicast
//	0x8000-0xBFFF   virtual
//	0xC000-0xFFFF   group (0xFFFF is all-nodes)
type Address uint16

// Well-known addresses.
const (
	UnassignedAddress Address = 0x0000
	AllProxies        Address = 0xFFFC
	AllFriends        Address = 0xFFFD
	AllRelays         Address = 0xFFFE
	AllNodes          Address = 0xFFFF
)

// AddressFromBytes decodes a big-endian address.
func AddressFromBytes(b [2]byte) Address {
	return Address(binary.BigEndian.Uint16(b[:]))
}

// Bytes returns the big-endian encoding.
func (a Address) Bytes() [2]byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(a))
	return b
}

// IsUnassigned reports whether a is the unassigned address.
func (a Address) IsUnassigned() bool { return a == UnassignedAddress }

// IsUnicast reports whether a is a unicast address.
func (a Address) IsUnicast() bool { return a != 0 && a&0x8000 == 0 }

// IsVirtual reports whether a is a virtual address.
func (a Address) IsVirtual() bool { return a&0xC000 == 0x8000 }

// IsGroup reports whether a is a group address, including the fixed groups.
func (a Address) IsGroup() bool { return a&0xC000 == 0xC000 }

// String returns the address as four hex digits.
func (a Address) String() string {
	return fmt.Sprintf("%04x", uint16(a))
}

// UnicastAddress is an Address known to be in the unicast range.
type UnicastAddress uint16

// NewUnicastAddress validates raw and returns it as a UnicastAddress.
func NewUnicastAddress(raw uint16) (UnicastAddress, error) {
	if !Address(raw).IsUnicast() {
		return 0, fmt.Errorf("%w: %04x", ErrInvalidSrcAddress, raw)
	}
	return UnicastAddress(raw), nil
}

// UnicastFromBytes decodes and validates a big-endian unicast address.
func UnicastFromBytes(b [2]byte) (UnicastAddress, error) {
	return NewUnicastAddress(binary.BigEndian.Uint16(b[:]))
}

// Address widens u to an Address.
func (u UnicastAddress) Address() Address { return Address(u) }

// Bytes returns the big-endian encoding.
func (u UnicastAddress) Bytes() [2]byte { return Address(u).Bytes() }

// Add returns the address offset elements after u, as used for secondary elements.
func (u UnicastAddress) Add(offset int) UnicastAddress {
	return UnicastAddress(uint16(u) + uint16(offset))
}

func (u UnicastAddress) String() string { return Address(u).String() }

// LabelUUID is the 128-bit label behind a virtual address.
type LabelUUID [16]byte

// IVI returns the least significant bit of an IV index, carried in every network PDU.
func IVI(ivIndex uint32) uint8 {
	return uint8(ivIndex & 0x01)
}

// IVIndexForIVI returns the IV index a received PDU was sent under. During an
// IV update a node accepts PDUs from the previous index, which is signalled by
// an IVI bit that differs from the current index.
func IVIndexForIVI(current uint32, ivi uint8) uint32 {
	if IVI(current) == ivi&0x01 || current == 0 {
		return current
	}
	return current - 1
}
