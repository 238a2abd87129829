package config

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/cryptobyte"

	"github.com/backkem/btmesh/pkg/mesh"
)

// PayloadSize is the size of the persisted configuration region.
const PayloadSize = 512

// Payload is the persisted form of a Configuration: a big-endian uint16
// length followed by the CBOR encoding, zero padded.
type Payload [PayloadSize]byte

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("config: cbor encoder: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("config: cbor decoder: %v", err))
	}
}

// EncodePayload serializes c into a Payload.
func EncodePayload(c *Configuration) (*Payload, error) {
	body, err := encMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrSerialization, err)
	}
	if len(body) > PayloadSize-2 {
		return nil, fmt.Errorf("%w: configuration is %d bytes", mesh.ErrInsufficientBuffer, len(body))
	}
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(body)
	})
	raw, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrSerialization, err)
	}
	p := &Payload{}
	copy(p[:], raw)
	return p, nil
}

// DecodePayload parses a Payload written by EncodePayload.
func DecodePayload(p *Payload) (*Configuration, error) {
	s := cryptobyte.String(p[:])
	var body cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&body) || len(body) == 0 {
		return nil, fmt.Errorf("%w: bad length prefix", mesh.ErrSerialization)
	}
	c := &Configuration{}
	if err := decMode.Unmarshal(body, c); err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrSerialization, err)
	}
	return c, nil
}
