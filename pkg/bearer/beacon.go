package bearer

import (
	"encoding/binary"
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Beacon types.
const (
	BeaconUnprovisioned = 0x00
	BeaconSecureNetwork = 0x01
)

// OOB information bits advertised in the unprovisioned device beacon.
const (
	OOBOther               = 1 << 0
	OOBElectronicURI       = 1 << 1
	OOB2DCode              = 1 << 2
	OOBBarCode             = 1 << 3
	OOBNFC                 = 1 << 4
	OOBNumber              = 1 << 5
	OOBString              = 1 << 6
	OOBOnBox               = 1 << 11
	OOBInsideBox           = 1 << 12
	OOBOnPieceOfPaper      = 1 << 13
	OOBInsideManual        = 1 << 14
	OOBOnDevice            = 1 << 15
	unprovisionedBeaconLen = 1 + 16 + 2
)

// UnprovisionedBeacon announces a device waiting to be provisioned.
type UnprovisionedBeacon struct {
	UUID    mesh.UUID
	OOBInfo uint16
	// URIHash is present when the device advertises a URI.
	URIHash *[4]byte
}

// Encode returns the beacon as carried in a TypeMeshBeacon structure.
func (b *UnprovisionedBeacon) Encode() []byte {
	out := make([]byte, unprovisionedBeaconLen, unprovisionedBeaconLen+4)
	out[0] = BeaconUnprovisioned
	copy(out[1:17], b.UUID[:])
	binary.BigEndian.PutUint16(out[17:19], b.OOBInfo)
	if b.URIHash != nil {
		out = append(out, b.URIHash[:]...)
	}
	return out
}

// AdvertisingData wraps the beacon in its AD structure.
func (b *UnprovisionedBeacon) AdvertisingData() AdvertisingData {
	return AdvertisingData{Type: TypeMeshBeacon, Data: b.Encode()}
}

// ParseUnprovisionedBeacon parses the data of a TypeMeshBeacon structure.
func ParseUnprovisionedBeacon(data []byte) (*UnprovisionedBeacon, error) {
	if len(data) < 1 || data[0] != BeaconUnprovisioned {
		return nil, fmt.Errorf("%w: not an unprovisioned beacon", mesh.ErrInvalidPDUFormat)
	}
	if len(data) != unprovisionedBeaconLen && len(data) != unprovisionedBeaconLen+4 {
		return nil, fmt.Errorf("%w: unprovisioned beacon of %d", mesh.ErrInvalidLength, len(data))
	}
	b := &UnprovisionedBeacon{OOBInfo: binary.BigEndian.Uint16(data[17:19])}
	copy(b.UUID[:], data[1:17])
	if len(data) > unprovisionedBeaconLen {
		var h [4]byte
		copy(h[:], data[unprovisionedBeaconLen:])
		b.URIHash = &h
	}
	return b, nil
}
