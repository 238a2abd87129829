package config

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// KeySize is the size of network, application and device keys.
const KeySize = 16

// Flags as delivered in the provisioning data.
const (
	FlagKeyRefresh = 0x01
	FlagIVUpdate   = 0x02
)

// NetworkDetails is a network key resolved into the material every packet
// needs. It is derived once and re-derived on key refresh.
type NetworkDetails struct {
	NetworkKey     [KeySize]byte       `cbor:"1,keyasint"`
	KeyIndex       uint16              `cbor:"2,keyasint"`
	NID            uint8               `cbor:"3,keyasint"`
	EncryptionKey  [KeySize]byte       `cbor:"4,keyasint"`
	PrivacyKey     [KeySize]byte       `cbor:"5,keyasint"`
	NetworkID      [8]byte             `cbor:"6,keyasint"`
	IVIndex        uint32              `cbor:"7,keyasint"`
	UnicastAddress mesh.UnicastAddress `cbor:"8,keyasint"`
	Flags          uint8               `cbor:"9,keyasint"`
}

// NewNetworkDetails derives NID, encryption key, privacy key and network ID
// from a raw network key.
func NewNetworkDetails(key [KeySize]byte, keyIndex uint16, ivIndex uint32, unicast mesh.UnicastAddress, flags uint8) (NetworkDetails, error) {
	d := NetworkDetails{
		KeyIndex:       keyIndex,
		IVIndex:        ivIndex,
		UnicastAddress: unicast,
		Flags:          flags,
	}
	if err := d.Refresh(key); err != nil {
		return NetworkDetails{}, err
	}
	return d, nil
}

// Refresh replaces the network key and re-derives its material.
func (d *NetworkDetails) Refresh(key [KeySize]byte) error {
	m, err := crypto.K2(key[:], []byte{0x00})
	if err != nil {
		return mesh.NewCryptoError("k2", err)
	}
	id, err := crypto.K3(key[:])
	if err != nil {
		return mesh.NewCryptoError("k3", err)
	}
	d.NetworkKey = key
	d.NID = m.NID
	d.EncryptionKey = m.EncryptionKey
	d.PrivacyKey = m.PrivacyKey
	d.NetworkID = id
	return nil
}

// IVUpdate reports whether the IV update flag was set.
func (d *NetworkDetails) IVUpdate() bool { return d.Flags&FlagIVUpdate != 0 }

// AppKeyDetails is an application key bound to a network key.
type AppKeyDetails struct {
	Key         [KeySize]byte `cbor:"1,keyasint"`
	AppKeyIndex uint16        `cbor:"2,keyasint"`
	NetKeyIndex uint16        `cbor:"3,keyasint"`
	AID         uint8         `cbor:"4,keyasint"`
}

// NewAppKeyDetails derives the AID of key.
func NewAppKeyDetails(key [KeySize]byte, appKeyIndex, netKeyIndex uint16) (AppKeyDetails, error) {
	aid, err := crypto.K4(key[:])
	if err != nil {
		return AppKeyDetails{}, mesh.NewCryptoError("k4", err)
	}
	return AppKeyDetails{Key: key, AppKeyIndex: appKeyIndex, NetKeyIndex: netKeyIndex, AID: aid}, nil
}

// Network is the provisioned state of a node. The first entry of Networks is
// the primary network delivered by provisioning; its IV index and unicast
// address are the node's.
type Network struct {
	Networks []NetworkDetails `cbor:"1,keyasint"`
	AppKeys  []AppKeyDetails  `cbor:"2,keyasint,omitempty"`

	// Configuration server state.
	Foundation    *Foundation    `cbor:"3,keyasint,omitempty"`
	Bindings      []Binding      `cbor:"4,keyasint,omitempty"`
	Subscriptions []Subscription `cbor:"5,keyasint,omitempty"`
	Publications  []Publication  `cbor:"6,keyasint,omitempty"`
}

// Primary returns the network installed by provisioning.
func (n *Network) Primary() *NetworkDetails {
	if len(n.Networks) == 0 {
		return nil
	}
	return &n.Networks[0]
}

// ByKeyIndex returns the network with the given key index.
func (n *Network) ByKeyIndex(index uint16) (*NetworkDetails, error) {
	for i := range n.Networks {
		if n.Networks[i].KeyIndex == index {
			return &n.Networks[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownNetKeyIndex, index)
}

// ByNID returns every network whose NID matches. Several keys share an NID
// during key refresh or by collision.
func (n *Network) ByNID(nid uint8) []NetworkDetails {
	var out []NetworkDetails
	for _, d := range n.Networks {
		if d.NID == nid {
			out = append(out, d)
		}
	}
	return out
}

// AppKeysByAID returns every app key whose AID matches.
func (n *Network) AppKeysByAID(aid uint8) []AppKeyDetails {
	var out []AppKeyDetails
	for _, k := range n.AppKeys {
		if k.AID == aid {
			out = append(out, k)
		}
	}
	return out
}

// AppKey returns the app key with the given index.
func (n *Network) AppKey(index uint16) (AppKeyDetails, bool) {
	for _, k := range n.AppKeys {
		if k.AppKeyIndex == index {
			return k, true
		}
	}
	return AppKeyDetails{}, false
}

// AddAppKey stores an app key bound to a known network key. Adding the same
// key under the same index again is a no-op.
func (n *Network) AddAppKey(d AppKeyDetails) error {
	if _, err := n.ByKeyIndex(d.NetKeyIndex); err != nil {
		return err
	}
	if existing, ok := n.AppKey(d.AppKeyIndex); ok {
		if existing.Key == d.Key && existing.NetKeyIndex == d.NetKeyIndex {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrAppKeyIndexInUse, d.AppKeyIndex)
	}
	n.AppKeys = append(n.AppKeys, d)
	return nil
}

func (n *Network) clone() *Network {
	if n == nil {
		return nil
	}
	out := &Network{
		Networks:      append([]NetworkDetails(nil), n.Networks...),
		AppKeys:       append([]AppKeyDetails(nil), n.AppKeys...),
		Bindings:      append([]Binding(nil), n.Bindings...),
		Subscriptions: append([]Subscription(nil), n.Subscriptions...),
		Publications:  append([]Publication(nil), n.Publications...),
	}
	if n.Foundation != nil {
		f := *n.Foundation
		out.Foundation = &f
	}
	return out
}
