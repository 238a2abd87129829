package provisioning

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Provisioning data flags.
const (
	FlagKeyRefresh uint8 = 0x01
	FlagIVUpdate   uint8 = 0x02
)

// ProvisioningData is the plaintext of a Data PDU.
type ProvisioningData struct {
	NetworkKey     [16]byte
	KeyIndex       uint16
	Flags          uint8
	IVIndex        uint32
	UnicastAddress mesh.UnicastAddress
}

// KeyRefresh reports whether the key refresh flag is set (phase 2).
func (d *ProvisioningData) KeyRefresh() bool { return d.Flags&FlagKeyRefresh != 0 }

// IVUpdate reports whether an IV update is in progress.
func (d *ProvisioningData) IVUpdate() bool { return d.Flags&FlagIVUpdate != 0 }

// Encode returns the 25-byte plaintext.
func (d *ProvisioningData) Encode() []byte {
	var b cryptobyte.Builder
	b.AddBytes(d.NetworkKey[:])
	b.AddUint16(d.KeyIndex)
	b.AddUint8(d.Flags)
	b.AddUint32(d.IVIndex)
	b.AddUint16(uint16(d.UnicastAddress))
	return b.BytesOrPanic()
}

// ParseProvisioningData decodes a decrypted Data payload.
func ParseProvisioningData(data []byte) (*ProvisioningData, error) {
	if len(data) != ProvisioningDataSize {
		return nil, fmt.Errorf("%w: provisioning data %d bytes", mesh.ErrInvalidLength, len(data))
	}
	s := cryptobyte.String(data)
	d := &ProvisioningData{}
	var unicast uint16
	if !s.CopyBytes(d.NetworkKey[:]) ||
		!s.ReadUint16(&d.KeyIndex) ||
		!s.ReadUint8(&d.Flags) ||
		!s.ReadUint32(&d.IVIndex) ||
		!s.ReadUint16(&unicast) {
		return nil, mesh.ErrInvalidLength
	}
	if d.KeyIndex > 0x0FFF {
		return nil, fmt.Errorf("%w: key index %#x", mesh.ErrInvalidValue, d.KeyIndex)
	}
	addr, err := mesh.NewUnicastAddress(unicast)
	if err != nil {
		return nil, err
	}
	d.UnicastAddress = addr
	return d, nil
}
