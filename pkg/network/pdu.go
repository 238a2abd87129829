package network

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
)

// Size limits of a network PDU.
const (
	obfuscatedSize = 6
	// minEncryptedSize covers DST, one transport octet and a 32-bit NetMIC.
	minEncryptedSize = 2 + 1 + 4
	// MaxPDUSize is the largest network PDU on an advertising bearer.
	MaxPDUSize = 29
)

// NetMIC sizes, selected by CTL.
const (
	AccessNetMICSize  = 4
	ControlNetMICSize = 8
)

// ObfuscatedAndEncryptedNetworkPDU is the only form of a network PDU that is
// ever transmitted.
type ObfuscatedAndEncryptedNetworkPDU struct {
	IVI             uint8
	NID             uint8
	Obfuscated      [obfuscatedSize]byte
	EncryptedAndMIC []byte
}

// Encode returns IVI|NID || obfuscated header || encrypted DST, transport PDU and NetMIC.
func (p *ObfuscatedAndEncryptedNetworkPDU) Encode() ([]byte, error) {
	if len(p.EncryptedAndMIC) < minEncryptedSize || 1+obfuscatedSize+len(p.EncryptedAndMIC) > MaxPDUSize {
		return nil, fmt.Errorf("%w: encrypted part of %d", mesh.ErrInvalidLength, len(p.EncryptedAndMIC))
	}
	out := make([]byte, 0, 1+obfuscatedSize+len(p.EncryptedAndMIC))
	out = append(out, (p.IVI&0x01)<<7|p.NID&0x7F)
	out = append(out, p.Obfuscated[:]...)
	return append(out, p.EncryptedAndMIC...), nil
}

// Decode parses a network PDU as received from the bearer.
func Decode(data []byte) (*ObfuscatedAndEncryptedNetworkPDU, error) {
	if len(data) < 1+obfuscatedSize+minEncryptedSize || len(data) > MaxPDUSize {
		return nil, fmt.Errorf("%w: network pdu of %d", mesh.ErrInvalidLength, len(data))
	}
	p := &ObfuscatedAndEncryptedNetworkPDU{
		IVI:             data[0] >> 7,
		NID:             data[0] & 0x7F,
		EncryptedAndMIC: append([]byte(nil), data[1+obfuscatedSize:]...),
	}
	copy(p.Obfuscated[:], data[1:1+obfuscatedSize])
	return p, nil
}

// CleartextNetworkPDU is an authenticated network PDU.
type CleartextNetworkPDU struct {
	// Network is the key that authenticates the PDU.
	Network config.NetworkDetails
	// IVIndex is the full IV index the PDU is protected under.
	IVIndex   uint32
	TTL       uint8
	Seq       uint32
	Src       mesh.UnicastAddress
	Dst       mesh.Address
	Transport lower.PDU
}

// IVI returns the IV index bit carried in the clear.
func (p *CleartextNetworkPDU) IVI() uint8 { return mesh.IVI(p.IVIndex) }

// NID returns the network identifier carried in the clear.
func (p *CleartextNetworkPDU) NID() uint8 { return p.Network.NID }

// CTL reports whether the transport PDU is a control message.
func (p *CleartextNetworkPDU) CTL() bool { return p.Transport != nil && p.Transport.CTL() }
