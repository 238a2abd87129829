// Package bearer carries mesh traffic as advertising data. The radio itself
// is outside the module: the UDP bearer moves advertising payloads as
// datagrams, which serves simulation, gateways and tests alike.
package bearer

import (
	"context"
	"fmt"
)

// AD types the Bluetooth SIG assigns to mesh.
const (
	TypePBADV       = 0x29
	TypeMeshMessage = 0x2A
	TypeMeshBeacon  = 0x2B
)

// MaxAdvertisingPayload is the size of a legacy advertising payload.
const MaxAdvertisingPayload = 31

// AdvertisingData is one AD structure.
type AdvertisingData struct {
	Type uint8
	Data []byte
}

// IsMesh reports whether the structure carries mesh traffic.
func (a AdvertisingData) IsMesh() bool {
	return a.Type == TypePBADV || a.Type == TypeMeshMessage || a.Type == TypeMeshBeacon
}

// Encode returns length || type || data.
func (a AdvertisingData) Encode() ([]byte, error) {
	if 2+len(a.Data) > MaxAdvertisingPayload {
		return nil, fmt.Errorf("%w: %d octets of type %#x", ErrAdvertisingTooLarge, len(a.Data), a.Type)
	}
	out := make([]byte, 0, 2+len(a.Data))
	out = append(out, byte(1+len(a.Data)), a.Type)
	return append(out, a.Data...), nil
}

// ParseAdvertisingData splits an advertising payload into its AD
// structures. A zero length octet ends the payload early.
func ParseAdvertisingData(payload []byte) ([]AdvertisingData, error) {
	if len(payload) > MaxAdvertisingPayload {
		return nil, fmt.Errorf("%w: payload of %d", ErrAdvertisingTooLarge, len(payload))
	}
	var out []AdvertisingData
	for len(payload) > 0 {
		n := int(payload[0])
		if n == 0 {
			break
		}
		if 1+n > len(payload) {
			return nil, fmt.Errorf("%w: structure of %d with %d left", ErrMalformedAdvertising, n, len(payload)-1)
		}
		out = append(out, AdvertisingData{
			Type: payload[1],
			Data: append([]byte(nil), payload[2:1+n]...),
		})
		payload = payload[1+n:]
	}
	return out, nil
}

// Handler receives every mesh AD structure a bearer hears.
type Handler func(ad AdvertisingData)

// Bearer transmits and receives mesh AD structures.
type Bearer interface {
	// Start begins delivering received structures to handler.
	Start(handler Handler) error
	// Transmit sends one structure.
	Transmit(ctx context.Context, ad AdvertisingData) error
	// Stop releases the bearer.
	Stop() error
}
