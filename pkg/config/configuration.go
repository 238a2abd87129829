// Package config holds the persisted node configuration and the Manager that
// owns it: device identity, device and network keys, and the sequence
// counter.
package config

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// SequenceThreshold is how many sequence numbers may be handed out between
// two persists of the counter.
const SequenceThreshold = 100

// MaxSequence is the largest 24-bit sequence number.
const MaxSequence = 0xFFFFFF

// Keys holds the device key material.
type Keys struct {
	// PrivateKey is the P-256 scalar used for provisioning.
	PrivateKey []byte `cbor:"1,keyasint,omitempty"`
	// SharedSecret is the ECDH secret of the current provisioning session.
	SharedSecret []byte `cbor:"2,keyasint,omitempty"`
	// DeviceKey is derived when provisioning completes.
	DeviceKey []byte `cbor:"3,keyasint,omitempty"`
}

// Configuration is the persisted state of a node.
type Configuration struct {
	Seq     uint32    `cbor:"1,keyasint"`
	UUID    mesh.UUID `cbor:"2,keyasint"`
	Keys    Keys      `cbor:"3,keyasint"`
	Network *Network  `cbor:"4,keyasint,omitempty"`
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := *c
	out.Keys = Keys{
		PrivateKey:   cloneBytes(c.Keys.PrivateKey),
		SharedSecret: cloneBytes(c.Keys.SharedSecret),
		DeviceKey:    cloneBytes(c.Keys.DeviceKey),
	}
	out.Network = c.Network.clone()
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Validate fills in a missing UUID or private key, drawing from rng, and
// reports whether anything changed. A nil rng uses crypto/rand.
func (c *Configuration) Validate(rng io.Reader) (bool, error) {
	if rng == nil {
		rng = rand.Reader
	}
	changed := false
	if c.UUID == mesh.NilUUID {
		id, err := uuid.NewRandomFromReader(rng)
		if err != nil {
			return false, fmt.Errorf("%w: uuid: %v", mesh.ErrKeyInitialization, err)
		}
		c.UUID = id
		changed = true
	}
	if _, err := crypto.P256KeyPairFromPrivateKey(c.Keys.PrivateKey); err != nil {
		kp, err := crypto.P256GenerateKeyPair(rng)
		if err != nil {
			return false, fmt.Errorf("%w: %v", mesh.ErrKeyInitialization, err)
		}
		c.Keys.PrivateKey = kp.PrivateKey()
		changed = true
	}
	return changed, nil
}

// reserveSequence moves a loaded counter past every number that may have
// been handed out since it was last persisted.
func (c *Configuration) reserveSequence() {
	c.Seq = (c.Seq/SequenceThreshold + 1) * SequenceThreshold
}

// IsProvisioned reports whether provisioning data is installed.
func (c *Configuration) IsProvisioned() bool {
	return c.Network != nil && c.Network.Primary() != nil
}

// UnicastAddress returns the primary element address.
func (c *Configuration) UnicastAddress() (mesh.UnicastAddress, bool) {
	if !c.IsProvisioned() {
		return 0, false
	}
	return c.Network.Primary().UnicastAddress, true
}

// IsLocalUnicast reports whether addr belongs to one of the node's elements.
func (c *Configuration) IsLocalUnicast(addr mesh.Address, elements int) bool {
	primary, ok := c.UnicastAddress()
	if !ok || !addr.IsUnicast() {
		return false
	}
	return uint16(addr) >= uint16(primary) && int(addr) < int(primary)+elements
}

// IVIndex returns the current IV index.
func (c *Configuration) IVIndex() (uint32, error) {
	if !c.IsProvisioned() {
		return 0, mesh.ErrNotProvisioned
	}
	return c.Network.Primary().IVIndex, nil
}

// FindNetworksByNID returns the candidate networks for a received NID.
func (c *Configuration) FindNetworksByNID(nid uint8) []NetworkDetails {
	if c.Network == nil {
		return nil
	}
	return c.Network.ByNID(nid)
}

// FindAppKeysByAID returns the candidate app keys for a received AID.
func (c *Configuration) FindAppKeysByAID(aid uint8) []AppKeyDetails {
	if c.Network == nil {
		return nil
	}
	return c.Network.AppKeysByAID(aid)
}

// DeviceKey returns the device key.
func (c *Configuration) DeviceKey() ([]byte, error) {
	if len(c.Keys.DeviceKey) != KeySize {
		return nil, ErrNoDeviceKey
	}
	return c.Keys.DeviceKey, nil
}
