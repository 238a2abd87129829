package foundation

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Opcode is an access layer opcode of one, two or three octets, stored right
// aligned: 0x00-0x7E, 0x8000-0xBFFF or 0xC00000-0xFFFFFF.
type Opcode uint32

// Configuration model opcodes.
const (
	OpAppKeyAdd                         Opcode = 0x00
	OpAppKeyUpdate                      Opcode = 0x01
	OpCompositionDataStatus             Opcode = 0x02
	OpModelPublicationSet               Opcode = 0x03
	OpAppKeyDelete                      Opcode = 0x8000
	OpAppKeyGet                         Opcode = 0x8001
	OpAppKeyList                        Opcode = 0x8002
	OpAppKeyStatus                      Opcode = 0x8003
	OpCompositionDataGet                Opcode = 0x8008
	OpBeaconGet                         Opcode = 0x8009
	OpBeaconSet                         Opcode = 0x800A
	OpBeaconStatus                      Opcode = 0x800B
	OpDefaultTTLGet                     Opcode = 0x800C
	OpDefaultTTLSet                     Opcode = 0x800D
	OpDefaultTTLStatus                  Opcode = 0x800E
	OpModelPublicationGet               Opcode = 0x8018
	OpModelPublicationStatus            Opcode = 0x8019
	OpModelPublicationVirtualSet        Opcode = 0x801A
	OpModelSubscriptionAdd              Opcode = 0x801B
	OpModelSubscriptionDelete           Opcode = 0x801C
	OpModelSubscriptionDeleteAll        Opcode = 0x801D
	OpModelSubscriptionOverwrite        Opcode = 0x801E
	OpModelSubscriptionStatus           Opcode = 0x801F
	OpModelSubscriptionVirtualAdd       Opcode = 0x8020
	OpModelSubscriptionVirtualDelete    Opcode = 0x8021
	OpModelSubscriptionVirtualOverwrite Opcode = 0x8022
	OpNetworkTransmitGet                Opcode = 0x8023
	OpNetworkTransmitSet                Opcode = 0x8024
	OpNetworkTransmitStatus             Opcode = 0x8025
	OpRelayGet                          Opcode = 0x8026
	OpRelaySet                          Opcode = 0x8027
	OpRelayStatus                       Opcode = 0x8028
	OpSIGModelSubscriptionGet           Opcode = 0x8029
	OpSIGModelSubscriptionList          Opcode = 0x802A
	OpVendorModelSubscriptionGet        Opcode = 0x802B
	OpVendorModelSubscriptionList       Opcode = 0x802C
	OpModelAppBind                      Opcode = 0x803D
	OpModelAppStatus                    Opcode = 0x803E
	OpModelAppUnbind                    Opcode = 0x803F
	OpNodeReset                         Opcode = 0x8049
	OpNodeResetStatus                   Opcode = 0x804A
	OpSIGModelAppGet                    Opcode = 0x804B
	OpSIGModelAppList                   Opcode = 0x804C
	OpVendorModelAppGet                 Opcode = 0x804D
	OpVendorModelAppList                Opcode = 0x804E
)

// Size returns the encoded size of the opcode.
func (o Opcode) Size() int {
	switch {
	case o <= 0x7F:
		return 1
	case o <= 0xFFFF:
		return 2
	default:
		return 3
	}
}

func (o Opcode) valid() bool {
	switch o.Size() {
	case 1:
		return o != 0x7F
	case 2:
		return o&0xC000 == 0x8000
	default:
		return o&0xC00000 == 0xC00000 && o <= 0xFFFFFF
	}
}

func (o Opcode) String() string {
	return fmt.Sprintf("%0*x", o.Size()*2, uint32(o))
}

// ParseAccess splits an access payload into its opcode and parameters.
func ParseAccess(payload []byte) (Opcode, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, fmt.Errorf("%w: empty access payload", mesh.ErrInvalidLength)
	}
	b0 := payload[0]
	size := 1
	switch {
	case b0 == 0x7F:
		return 0, nil, fmt.Errorf("%w: reserved opcode", mesh.ErrInvalidPDUFormat)
	case b0&0xC0 == 0x80:
		size = 2
	case b0&0xC0 == 0xC0:
		size = 3
	}
	if len(payload) < size {
		return 0, nil, fmt.Errorf("%w: truncated opcode", mesh.ErrInvalidLength)
	}
	var op Opcode
	for _, b := range payload[:size] {
		op = op<<8 | Opcode(b)
	}
	return op, payload[size:], nil
}

// AccessPayload returns op followed by params.
func AccessPayload(op Opcode, params []byte) ([]byte, error) {
	if !op.valid() {
		return nil, fmt.Errorf("%w: opcode %x", mesh.ErrInvalidValue, uint32(op))
	}
	size := op.Size()
	out := make([]byte, size, size+len(params))
	for i := range size {
		out[i] = byte(op >> (8 * (size - 1 - i)))
	}
	return append(out, params...), nil
}
