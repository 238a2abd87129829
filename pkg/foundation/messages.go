package foundation

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/mesh"
)

// KeyIndexMask keeps the 12 bits of a global key index.
const KeyIndexMask = 0x0FFF

// Params is the parameter block of a configuration message. Multi-octet
// fields are little-endian.
type Params interface {
	marshal(b *cryptobyte.Builder)
	unmarshal(s *cryptobyte.String) bool
}

// Encode returns the access payload of a configuration message.
func Encode(op Opcode, p Params) ([]byte, error) {
	var b cryptobyte.Builder
	if p != nil {
		p.marshal(&b)
	}
	params, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrInvalidValue, err)
	}
	return AccessPayload(op, params)
}

// Decode parses params into p. Every octet must be consumed.
func Decode(params []byte, p Params) error {
	s := cryptobyte.String(params)
	if !p.unmarshal(&s) || !s.Empty() {
		return fmt.Errorf("%w: %T", ErrInvalidMessage, p)
	}
	return nil
}

func addUint16(b *cryptobyte.Builder, v uint16) {
	b.AddUint8(uint8(v))
	b.AddUint8(uint8(v >> 8))
}

func readUint16(s *cryptobyte.String, v *uint16) bool {
	var raw []byte
	if !s.ReadBytes(&raw, 2) {
		return false
	}
	*v = binary.LittleEndian.Uint16(raw)
	return true
}

func readKeyIndex(s *cryptobyte.String, v *uint16) bool {
	if !readUint16(s, v) {
		return false
	}
	*v &= KeyIndexMask
	return true
}

// Two key indexes share three octets: the first in bits 0-11, the second
// in bits 12-23.
func addKeyIndexPair(b *cryptobyte.Builder, first, second uint16) {
	v := uint32(first&KeyIndexMask) | uint32(second&KeyIndexMask)<<12
	b.AddUint8(uint8(v))
	b.AddUint8(uint8(v >> 8))
	b.AddUint8(uint8(v >> 16))
}

func readKeyIndexPair(s *cryptobyte.String, first, second *uint16) bool {
	var raw []byte
	if !s.ReadBytes(&raw, 3) {
		return false
	}
	v := uint32(raw[0]) | uint32(raw[1])<<8 | uint32(raw[2])<<16
	*first = uint16(v & KeyIndexMask)
	*second = uint16(v >> 12)
	return true
}

// addKeyIndexList packs indexes two by two, the odd one out in two octets.
func addKeyIndexList(b *cryptobyte.Builder, indexes []uint16) {
	for i := 0; i+1 < len(indexes); i += 2 {
		addKeyIndexPair(b, indexes[i], indexes[i+1])
	}
	if len(indexes)%2 == 1 {
		addUint16(b, indexes[len(indexes)-1]&KeyIndexMask)
	}
}

func readKeyIndexList(s *cryptobyte.String, out *[]uint16) bool {
	for len(*s) >= 3 {
		var a, b uint16
		readKeyIndexPair(s, &a, &b)
		*out = append(*out, a, b)
	}
	if len(*s) == 2 {
		var a uint16
		readKeyIndex(s, &a)
		*out = append(*out, a)
	}
	return s.Empty()
}

func addModelID(b *cryptobyte.Builder, m mesh.ModelID) {
	if m.Vendor {
		addUint16(b, m.Company)
	}
	addUint16(b, m.ID)
}

func readModelID(s *cryptobyte.String, m *mesh.ModelID, vendor bool) bool {
	*m = mesh.ModelID{Vendor: vendor}
	if vendor && !readUint16(s, &m.Company) {
		return false
	}
	return readUint16(s, &m.ID)
}

// readTrailingModelID reads a model identifier that ends the message: two
// octets for a SIG model, four for a vendor model.
func readTrailingModelID(s *cryptobyte.String, m *mesh.ModelID) bool {
	switch len(*s) {
	case 2:
		return readModelID(s, m, false)
	case 4:
		return readModelID(s, m, true)
	}
	return false
}

func readUnicast(s *cryptobyte.String, a *mesh.UnicastAddress) bool {
	var v uint16
	if !readUint16(s, &v) || !mesh.Address(v).IsUnicast() {
		return false
	}
	*a = mesh.UnicastAddress(v)
	return true
}

func readAddress(s *cryptobyte.String, a *mesh.Address) bool {
	var v uint16
	if !readUint16(s, &v) {
		return false
	}
	*a = mesh.Address(v)
	return true
}

// AppKeyAdd carries Config AppKey Add and Update.
type AppKeyAdd struct {
	NetKeyIndex uint16
	AppKeyIndex uint16
	Key         [config.KeySize]byte
}

func (m *AppKeyAdd) marshal(b *cryptobyte.Builder) {
	addKeyIndexPair(b, m.NetKeyIndex, m.AppKeyIndex)
	b.AddBytes(m.Key[:])
}

func (m *AppKeyAdd) unmarshal(s *cryptobyte.String) bool {
	return readKeyIndexPair(s, &m.NetKeyIndex, &m.AppKeyIndex) && s.CopyBytes(m.Key[:])
}

// AppKeyIndexes carries Config AppKey Delete.
type AppKeyIndexes struct {
	NetKeyIndex uint16
	AppKeyIndex uint16
}

func (m *AppKeyIndexes) marshal(b *cryptobyte.Builder) {
	addKeyIndexPair(b, m.NetKeyIndex, m.AppKeyIndex)
}

func (m *AppKeyIndexes) unmarshal(s *cryptobyte.String) bool {
	return readKeyIndexPair(s, &m.NetKeyIndex, &m.AppKeyIndex)
}

// AppKeyStatus carries Config AppKey Status.
type AppKeyStatus struct {
	Status Status
	AppKeyIndexes
}

func (m *AppKeyStatus) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	m.AppKeyIndexes.marshal(b)
}

func (m *AppKeyStatus) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8((*uint8)(&m.Status)) && m.AppKeyIndexes.unmarshal(s)
}

// NetKeyIndex carries Config AppKey Get.
type NetKeyIndex struct {
	Index uint16
}

func (m *NetKeyIndex) marshal(b *cryptobyte.Builder) { addUint16(b, m.Index&KeyIndexMask) }

func (m *NetKeyIndex) unmarshal(s *cryptobyte.String) bool { return readKeyIndex(s, &m.Index) }

// AppKeyList carries Config AppKey List.
type AppKeyList struct {
	Status        Status
	NetKeyIndex   uint16
	AppKeyIndexes []uint16
}

func (m *AppKeyList) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	addUint16(b, m.NetKeyIndex&KeyIndexMask)
	addKeyIndexList(b, m.AppKeyIndexes)
}

func (m *AppKeyList) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8((*uint8)(&m.Status)) && readKeyIndex(s, &m.NetKeyIndex) &&
		readKeyIndexList(s, &m.AppKeyIndexes)
}

// State carries the one-octet Get and Set parameters: beacon, default TTL,
// network transmit and composition data page.
type State struct {
	Value uint8
}

func (m *State) marshal(b *cryptobyte.Builder) { b.AddUint8(m.Value) }

func (m *State) unmarshal(s *cryptobyte.String) bool { return s.ReadUint8(&m.Value) }

// Relay carries Config Relay Set and Status.
type Relay struct {
	Relay      uint8
	Retransmit uint8
}

// Relay states.
const (
	RelayDisabled     = 0x00
	RelayEnabled      = 0x01
	RelayNotSupported = 0x02
)

func (m *Relay) marshal(b *cryptobyte.Builder) {
	b.AddUint8(m.Relay)
	b.AddUint8(m.Retransmit)
}

func (m *Relay) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8(&m.Relay) && s.ReadUint8(&m.Retransmit)
}

// ModelRef names a model instance. It carries the publication and
// subscription Get messages and Config Model Subscription Delete All.
type ModelRef struct {
	Element mesh.UnicastAddress
	Model   mesh.ModelID
}

func (m *ModelRef) marshal(b *cryptobyte.Builder) {
	addUint16(b, uint16(m.Element))
	addModelID(b, m.Model)
}

func (m *ModelRef) unmarshal(s *cryptobyte.String) bool {
	return readUnicast(s, &m.Element) && readTrailingModelID(s, &m.Model)
}

// ModelApp carries Config Model App Bind and Unbind.
type ModelApp struct {
	Element     mesh.UnicastAddress
	AppKeyIndex uint16
	Model       mesh.ModelID
}

func (m *ModelApp) marshal(b *cryptobyte.Builder) {
	addUint16(b, uint16(m.Element))
	addUint16(b, m.AppKeyIndex&KeyIndexMask)
	addModelID(b, m.Model)
}

func (m *ModelApp) unmarshal(s *cryptobyte.String) bool {
	return readUnicast(s, &m.Element) && readKeyIndex(s, &m.AppKeyIndex) && readTrailingModelID(s, &m.Model)
}

// ModelAppStatus carries Config Model App Status.
type ModelAppStatus struct {
	Status Status
	ModelApp
}

func (m *ModelAppStatus) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	m.ModelApp.marshal(b)
}

func (m *ModelAppStatus) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8((*uint8)(&m.Status)) && m.ModelApp.unmarshal(s)
}

// ModelAppList carries the SIG and vendor Model App List messages. Set
// Model.Vendor before decoding a vendor list.
type ModelAppList struct {
	Status        Status
	Element       mesh.UnicastAddress
	Model         mesh.ModelID
	AppKeyIndexes []uint16
}

func (m *ModelAppList) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	addUint16(b, uint16(m.Element))
	addModelID(b, m.Model)
	addKeyIndexList(b, m.AppKeyIndexes)
}

func (m *ModelAppList) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8((*uint8)(&m.Status)) && readUnicast(s, &m.Element) &&
		readModelID(s, &m.Model, m.Model.Vendor) && readKeyIndexList(s, &m.AppKeyIndexes)
}

// ModelSubscription carries Config Model Subscription Add, Delete and
// Overwrite.
type ModelSubscription struct {
	Element mesh.UnicastAddress
	Address mesh.Address
	Model   mesh.ModelID
}

func (m *ModelSubscription) marshal(b *cryptobyte.Builder) {
	addUint16(b, uint16(m.Element))
	addUint16(b, uint16(m.Address))
	addModelID(b, m.Model)
}

func (m *ModelSubscription) unmarshal(s *cryptobyte.String) bool {
	return readUnicast(s, &m.Element) && readAddress(s, &m.Address) && readTrailingModelID(s, &m.Model)
}

// ModelSubscriptionVirtual carries the virtual address forms of Config
// Model Subscription Add, Delete and Overwrite.
type ModelSubscriptionVirtual struct {
	Element mesh.UnicastAddress
	Label   [16]byte
	Model   mesh.ModelID
}

func (m *ModelSubscriptionVirtual) marshal(b *cryptobyte.Builder) {
	addUint16(b, uint16(m.Element))
	b.AddBytes(m.Label[:])
	addModelID(b, m.Model)
}

func (m *ModelSubscriptionVirtual) unmarshal(s *cryptobyte.String) bool {
	return readUnicast(s, &m.Element) && s.CopyBytes(m.Label[:]) && readTrailingModelID(s, &m.Model)
}

// ModelSubscriptionStatus carries Config Model Subscription Status.
type ModelSubscriptionStatus struct {
	Status Status
	ModelSubscription
}

func (m *ModelSubscriptionStatus) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	m.ModelSubscription.marshal(b)
}

func (m *ModelSubscriptionStatus) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8((*uint8)(&m.Status)) && m.ModelSubscription.unmarshal(s)
}

// ModelSubscriptionList carries the SIG and vendor Model Subscription List
// messages. Set Model.Vendor before decoding a vendor list.
type ModelSubscriptionList struct {
	Status    Status
	Element   mesh.UnicastAddress
	Model     mesh.ModelID
	Addresses []mesh.Address
}

func (m *ModelSubscriptionList) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	addUint16(b, uint16(m.Element))
	addModelID(b, m.Model)
	for _, a := range m.Addresses {
		addUint16(b, uint16(a))
	}
}

func (m *ModelSubscriptionList) unmarshal(s *cryptobyte.String) bool {
	if !s.ReadUint8((*uint8)(&m.Status)) || !readUnicast(s, &m.Element) || !readModelID(s, &m.Model, m.Model.Vendor) {
		return false
	}
	for !s.Empty() {
		var a mesh.Address
		if !readAddress(s, &a) {
			return false
		}
		m.Addresses = append(m.Addresses, a)
	}
	return true
}

// ModelPublication carries Config Model Publication Set and the body of
// its Status.
type ModelPublication struct {
	Element     mesh.UnicastAddress
	Address     mesh.Address
	AppKeyIndex uint16
	// Credentials selects friendship credentials.
	Credentials bool
	TTL         uint8
	Period      uint8
	Retransmit  uint8
	Model       mesh.ModelID
}

func (m *ModelPublication) marshal(b *cryptobyte.Builder) {
	addUint16(b, uint16(m.Element))
	addUint16(b, uint16(m.Address))
	m.marshalSettings(b)
	addModelID(b, m.Model)
}

func (m *ModelPublication) marshalSettings(b *cryptobyte.Builder) {
	index := m.AppKeyIndex & KeyIndexMask
	if m.Credentials {
		index |= 1 << 12
	}
	addUint16(b, index)
	b.AddUint8(m.TTL)
	b.AddUint8(m.Period)
	b.AddUint8(m.Retransmit)
}

func (m *ModelPublication) unmarshalSettings(s *cryptobyte.String) bool {
	var index uint16
	if !readUint16(s, &index) {
		return false
	}
	m.AppKeyIndex = index & KeyIndexMask
	m.Credentials = index&(1<<12) != 0
	return s.ReadUint8(&m.TTL) && s.ReadUint8(&m.Period) && s.ReadUint8(&m.Retransmit)
}

func (m *ModelPublication) unmarshal(s *cryptobyte.String) bool {
	return readUnicast(s, &m.Element) && readAddress(s, &m.Address) &&
		m.unmarshalSettings(s) && readTrailingModelID(s, &m.Model)
}

// ModelPublicationVirtual carries Config Model Publication Virtual Address Set.
type ModelPublicationVirtual struct {
	ModelPublication
	Label [16]byte
}

func (m *ModelPublicationVirtual) marshal(b *cryptobyte.Builder) {
	addUint16(b, uint16(m.Element))
	b.AddBytes(m.Label[:])
	m.marshalSettings(b)
	addModelID(b, m.Model)
}

func (m *ModelPublicationVirtual) unmarshal(s *cryptobyte.String) bool {
	return readUnicast(s, &m.Element) && s.CopyBytes(m.Label[:]) &&
		m.unmarshalSettings(s) && readTrailingModelID(s, &m.Model)
}

// ModelPublicationStatus carries Config Model Publication Status.
type ModelPublicationStatus struct {
	Status Status
	ModelPublication
}

func (m *ModelPublicationStatus) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(m.Status))
	m.ModelPublication.marshal(b)
}

func (m *ModelPublicationStatus) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint8((*uint8)(&m.Status)) && m.ModelPublication.unmarshal(s)
}

// Empty carries messages without parameters: Config Node Reset and its
// Status, and the plain Get messages.
type Empty struct{}

func (*Empty) marshal(*cryptobyte.Builder) {}

func (*Empty) unmarshal(*cryptobyte.String) bool { return true }
