package config

import (
	"slices"
	"time"

	"github.com/backkem/btmesh/pkg/mesh"
)

// Foundation holds the node-wide states of the configuration server.
type Foundation struct {
	SecureBeacon bool  `cbor:"1,keyasint,omitempty"`
	DefaultTTL   uint8 `cbor:"2,keyasint"`
	// NetworkTransmit packs the retransmission count in bits 0-2 and the
	// interval steps in bits 3-7.
	NetworkTransmit uint8 `cbor:"3,keyasint"`
}

// NetworkTransmitState packs a retransmission count and interval. The count
// is capped at 7 and the interval rounded down to 10 ms steps of 10-320 ms.
func NetworkTransmitState(count uint8, interval time.Duration) uint8 {
	if count > 7 {
		count = 7
	}
	steps := int(interval/(10*time.Millisecond)) - 1
	steps = max(0, min(steps, 31))
	return count | uint8(steps)<<3
}

// Transmit unpacks NetworkTransmit.
func (f Foundation) Transmit() (count uint8, interval time.Duration) {
	return f.NetworkTransmit & 0x07, time.Duration(f.NetworkTransmit>>3+1) * 10 * time.Millisecond
}

// Binding binds an app key to a model instance.
type Binding struct {
	Element     mesh.UnicastAddress `cbor:"1,keyasint"`
	Model       mesh.ModelID        `cbor:"2,keyasint"`
	AppKeyIndex uint16              `cbor:"3,keyasint"`
}

// Subscription adds a group address to a model instance's subscription list.
type Subscription struct {
	Element mesh.UnicastAddress `cbor:"1,keyasint"`
	Model   mesh.ModelID        `cbor:"2,keyasint"`
	Address mesh.Address        `cbor:"3,keyasint"`
}

// Publication is the publish state of a model instance.
type Publication struct {
	Element     mesh.UnicastAddress `cbor:"1,keyasint"`
	Model       mesh.ModelID        `cbor:"2,keyasint"`
	Address     mesh.Address        `cbor:"3,keyasint"`
	AppKeyIndex uint16              `cbor:"4,keyasint"`
	TTL         uint8               `cbor:"5,keyasint"`
	Period      uint8               `cbor:"6,keyasint,omitempty"`
	// Retransmit packs the count in bits 0-2 and 50 ms interval steps in bits 3-7.
	Retransmit uint8 `cbor:"7,keyasint,omitempty"`
}

// PeriodDuration decodes Period: six bits of steps and a two-bit resolution
// of 100 ms, 1 s, 10 s or 10 min. Zero disables periodic publishing.
func (p Publication) PeriodDuration() time.Duration {
	steps := time.Duration(p.Period & 0x3F)
	resolution := [...]time.Duration{100 * time.Millisecond, time.Second, 10 * time.Second, 10 * time.Minute}
	return steps * resolution[p.Period>>6]
}

func modelMatch(element mesh.UnicastAddress, model mesh.ModelID) func(e mesh.UnicastAddress, m mesh.ModelID) bool {
	return func(e mesh.UnicastAddress, m mesh.ModelID) bool { return e == element && m == model }
}

// Bind adds a binding. Binding twice is a no-op.
func (n *Network) Bind(b Binding) {
	if !slices.Contains(n.Bindings, b) {
		n.Bindings = append(n.Bindings, b)
	}
}

// Unbind removes a binding and disables a publication using the key.
func (n *Network) Unbind(b Binding) {
	n.Bindings = slices.DeleteFunc(n.Bindings, func(x Binding) bool { return x == b })
	match := modelMatch(b.Element, b.Model)
	n.Publications = slices.DeleteFunc(n.Publications, func(p Publication) bool {
		return match(p.Element, p.Model) && p.AppKeyIndex == b.AppKeyIndex
	})
}

// BoundAppKeys returns the app key indexes bound to a model instance.
func (n *Network) BoundAppKeys(element mesh.UnicastAddress, model mesh.ModelID) []uint16 {
	match := modelMatch(element, model)
	var out []uint16
	for _, b := range n.Bindings {
		if match(b.Element, b.Model) {
			out = append(out, b.AppKeyIndex)
		}
	}
	return out
}

// IsBound reports whether an app key is bound to a model instance.
func (n *Network) IsBound(element mesh.UnicastAddress, model mesh.ModelID, appKeyIndex uint16) bool {
	return slices.Contains(n.Bindings, Binding{Element: element, Model: model, AppKeyIndex: appKeyIndex})
}

// DeleteAppKey removes an app key together with its bindings and any
// publication using it.
func (n *Network) DeleteAppKey(appKeyIndex uint16) {
	n.AppKeys = slices.DeleteFunc(n.AppKeys, func(k AppKeyDetails) bool { return k.AppKeyIndex == appKeyIndex })
	n.Bindings = slices.DeleteFunc(n.Bindings, func(b Binding) bool { return b.AppKeyIndex == appKeyIndex })
	n.Publications = slices.DeleteFunc(n.Publications, func(p Publication) bool { return p.AppKeyIndex == appKeyIndex })
}

// Subscribe adds addr to a model's subscription list.
func (n *Network) Subscribe(s Subscription) {
	if !slices.Contains(n.Subscriptions, s) {
		n.Subscriptions = append(n.Subscriptions, s)
	}
}

// Unsubscribe removes addr from a model's subscription list.
func (n *Network) Unsubscribe(s Subscription) {
	n.Subscriptions = slices.DeleteFunc(n.Subscriptions, func(x Subscription) bool { return x == s })
}

// UnsubscribeAll clears a model's subscription list.
func (n *Network) UnsubscribeAll(element mesh.UnicastAddress, model mesh.ModelID) {
	match := modelMatch(element, model)
	n.Subscriptions = slices.DeleteFunc(n.Subscriptions, func(s Subscription) bool { return match(s.Element, s.Model) })
}

// SubscriptionList returns the addresses a model instance subscribes to.
func (n *Network) SubscriptionList(element mesh.UnicastAddress, model mesh.ModelID) []mesh.Address {
	match := modelMatch(element, model)
	var out []mesh.Address
	for _, s := range n.Subscriptions {
		if match(s.Element, s.Model) {
			out = append(out, s.Address)
		}
	}
	return out
}

// IsSubscribed reports whether any model subscribes to addr.
func (n *Network) IsSubscribed(addr mesh.Address) bool {
	return slices.ContainsFunc(n.Subscriptions, func(s Subscription) bool { return s.Address == addr })
}

// Publication returns the publish state of a model instance.
func (n *Network) Publication(element mesh.UnicastAddress, model mesh.ModelID) (Publication, bool) {
	match := modelMatch(element, model)
	for _, p := range n.Publications {
		if match(p.Element, p.Model) {
			return p, true
		}
	}
	return Publication{}, false
}

// SetPublication replaces the publish state of a model instance. An
// unassigned address disables publishing.
func (n *Network) SetPublication(p Publication) {
	match := modelMatch(p.Element, p.Model)
	n.Publications = slices.DeleteFunc(n.Publications, func(x Publication) bool { return match(x.Element, x.Model) })
	if !p.Address.IsUnassigned() {
		n.Publications = append(n.Publications, p)
	}
}

// Foundation returns the configuration server states once one was set.
func (m *Manager) Foundation() (Foundation, bool) {
	cfg := m.Configuration()
	if cfg.Network == nil || cfg.Network.Foundation == nil {
		return Foundation{}, false
	}
	return *cfg.Network.Foundation, true
}

// IsSubscribed reports whether a model of the node subscribes to addr.
func (m *Manager) IsSubscribed(addr mesh.Address) bool {
	cfg := m.Configuration()
	return cfg.Network != nil && cfg.Network.IsSubscribed(addr)
}

// Publication returns the publish state of a model instance.
func (m *Manager) Publication(element mesh.UnicastAddress, model mesh.ModelID) (Publication, bool) {
	cfg := m.Configuration()
	if cfg.Network == nil {
		return Publication{}, false
	}
	return cfg.Network.Publication(element, model)
}
