package foundation

import (
	"fmt"
	"slices"

	"golang.org/x/crypto/cryptobyte"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/network"
)

// Feature bits of the composition data.
const (
	FeatureRelay    = 1 << 0
	FeatureProxy    = 1 << 1
	FeatureFriend   = 1 << 2
	FeatureLowPower = 1 << 3
)

// Element is one element of the node and the models it hosts.
type Element struct {
	Location uint16
	Models   []mesh.ModelID
}

// Composition is composition data page 0.
type Composition struct {
	CompanyID uint16
	ProductID uint16
	VersionID uint16
	// CRPL is the minimum number of replay protection list entries.
	CRPL     uint16
	Features uint16
	Elements []Element
}

// DefaultComposition describes a node with the given number of elements and
// only the configuration server on the primary element.
func DefaultComposition(elements int) Composition {
	c := Composition{CRPL: network.DefaultReplayCapacity}
	for i := range max(elements, 1) {
		e := Element{}
		if i == 0 {
			e.Models = []mesh.ModelID{mesh.ConfigurationServer}
		}
		c.Elements = append(c.Elements, e)
	}
	return c
}

// Validate checks that the composition describes a node of the given number
// of elements with the configuration server on its primary element.
func (c *Composition) Validate(elements int) error {
	if len(c.Elements) == 0 || len(c.Elements) != elements {
		return fmt.Errorf("%w: %d elements, node has %d", ErrComposition, len(c.Elements), elements)
	}
	if !slices.Contains(c.Elements[0].Models, mesh.ConfigurationServer) {
		return fmt.Errorf("%w: no configuration server on the primary element", ErrComposition)
	}
	return nil
}

// HasModel reports whether element index i hosts model.
func (c *Composition) HasModel(i int, model mesh.ModelID) bool {
	return i >= 0 && i < len(c.Elements) && slices.Contains(c.Elements[i].Models, model)
}

func (c *Composition) marshal(b *cryptobyte.Builder) {
	addUint16(b, c.CompanyID)
	addUint16(b, c.ProductID)
	addUint16(b, c.VersionID)
	addUint16(b, c.CRPL)
	addUint16(b, c.Features)
	for _, e := range c.Elements {
		var sig, vendor []mesh.ModelID
		for _, m := range e.Models {
			if m.Vendor {
				vendor = append(vendor, m)
			} else {
				sig = append(sig, m)
			}
		}
		addUint16(b, e.Location)
		b.AddUint8(uint8(len(sig)))
		b.AddUint8(uint8(len(vendor)))
		for _, m := range append(sig, vendor...) {
			addModelID(b, m)
		}
	}
}

func (c *Composition) unmarshal(s *cryptobyte.String) bool {
	if !readUint16(s, &c.CompanyID) || !readUint16(s, &c.ProductID) || !readUint16(s, &c.VersionID) ||
		!readUint16(s, &c.CRPL) || !readUint16(s, &c.Features) {
		return false
	}
	c.Elements = nil
	for !s.Empty() {
		var (
			e            Element
			sigN, vendor uint8
		)
		if !readUint16(s, &e.Location) || !s.ReadUint8(&sigN) || !s.ReadUint8(&vendor) {
			return false
		}
		for i := 0; i < int(sigN)+int(vendor); i++ {
			var m mesh.ModelID
			if !readModelID(s, &m, i >= int(sigN)) {
				return false
			}
			e.Models = append(e.Models, m)
		}
		c.Elements = append(c.Elements, e)
	}
	return true
}

// CompositionStatus carries Config Composition Data Status.
type CompositionStatus struct {
	Page uint8
	Composition
}

func (m *CompositionStatus) marshal(b *cryptobyte.Builder) {
	b.AddUint8(m.Page)
	m.Composition.marshal(b)
}

func (m *CompositionStatus) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8(&m.Page) && m.Composition.unmarshal(s)
}
