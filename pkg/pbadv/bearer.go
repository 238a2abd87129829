// Package pbadv implements the PB-ADV generic provisioning bearer: the
// generic provisioning PDUs, transaction segmentation and reassembly, and
// link management for both the device and the provisioner.
package pbadv

import (
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// Device transaction numbers stay in 0x80..0xFF, provisioner numbers in
// 0x00..0x7F.
const (
	firstDeviceTransaction      = 0x80
	firstProvisionerTransaction = 0x00
)

// Event is something the bearer surfaces to its owner.
type Event interface {
	isEvent()
}

// EventPDU carries a reassembled provisioning PDU.
type EventPDU struct {
	PDU provisioning.PDU
}

// EventClose reports that the provisioner closed the link.
type EventClose struct {
	Reason Reason
}

// EventLinkAck reports that the device acknowledged our LinkOpen.
type EventLinkAck struct{}

func (EventPDU) isEvent()     {}
func (EventClose) isEvent()   {}
func (EventLinkAck) isEvent() {}

// BearerConfig configures a Bearer.
type BearerConfig struct {
	// Provisioner selects the provisioner role: the bearer opens links with
	// Open and numbers its transactions from 0x00.
	Provisioner bool

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

type outboundTransaction struct {
	number   uint8
	segments []GenericPDU
}

// Bearer tracks one link with at most one inbound and one outbound
// transaction in flight. It performs no I/O: every call returns the PDUs
// the caller should transmit.
//
// Bearer is not safe for concurrent use.
type Bearer struct {
	log         logging.LeveledLogger
	provisioner bool

	linkOpen bool
	linkID   uint32
	// opening holds the LinkOpen a provisioner repeats until LinkAck.
	opening *LinkOpen

	inboundValid bool
	inbound      uint8
	ackedValid   bool
	acked        uint8
	reassembly   *reassembly

	outbound     *outboundTransaction
	nextOutbound uint8
}

// NewBearer creates a bearer with no link open.
func NewBearer(config BearerConfig) *Bearer {
	b := &Bearer{provisioner: config.Provisioner}
	b.nextOutbound = b.firstOutbound()
	if config.LoggerFactory != nil {
		b.log = config.LoggerFactory.NewLogger("pb-adv")
	}
	return b
}

// Reset drops the link and every transaction.
func (b *Bearer) Reset() {
	b.linkOpen = false
	b.linkID = 0
	b.inboundValid = false
	b.ackedValid = false
	b.reassembly = nil
	b.outbound = nil
	b.opening = nil
	b.nextOutbound = b.firstOutbound()
}

func (b *Bearer) firstOutbound() uint8 {
	if b.provisioner {
		return firstProvisionerTransaction
	}
	return firstDeviceTransaction
}

// Open starts a link to the device with the given UUID and returns the
// LinkOpen to transmit. Only a provisioner bearer opens links; the LinkOpen
// is returned by Retransmit until the device acknowledges it.
func (b *Bearer) Open(linkID uint32, uuid mesh.UUID) ([]*AdvertisingPDU, error) {
	if !b.provisioner {
		return nil, fmt.Errorf("%w: device bearer cannot open a link", mesh.ErrInvalidLink)
	}
	b.Reset()
	b.linkOpen = true
	b.linkID = linkID
	b.opening = &LinkOpen{UUID: uuid}
	if b.log != nil {
		b.log.Infof("opening link %08x to %s", linkID, uuid)
	}
	return b.Retransmit(), nil
}

// LinkID returns the open link, if any.
func (b *Bearer) LinkID() (uint32, bool) {
	return b.linkID, b.linkOpen
}

// HasPendingOutbound reports whether an outbound transaction, or a
// provisioner's LinkOpen, awaits its ack.
func (b *Bearer) HasPendingOutbound() bool {
	return b.outbound != nil || b.opening != nil
}

// ProcessInbound handles one PB-ADV packet addressed to the device with the
// given UUID. It returns the packets to transmit in response and an Event
// when a provisioning PDU completed or the link closed.
//
// Packets for other links return mesh.ErrInvalidLink and packets that
// cannot be acknowledged mesh.ErrInvalidTransactionNumber; both may be
// dropped by the caller.
func (b *Bearer) ProcessInbound(uuid mesh.UUID, adv *AdvertisingPDU) ([]*AdvertisingPDU, Event, error) {
	if open, ok := adv.PDU.(*LinkOpen); ok {
		if b.provisioner {
			return nil, nil, nil
		}
		out, err := b.handleLinkOpen(uuid, adv, open)
		return out, nil, err
	}
	if !b.linkOpen || adv.LinkID != b.linkID {
		return nil, nil, fmt.Errorf("%w: %08x", mesh.ErrInvalidLink, adv.LinkID)
	}

	switch pdu := adv.PDU.(type) {
	case *LinkAck:
		if b.opening == nil {
			return nil, nil, nil
		}
		b.opening = nil
		if b.log != nil {
			b.log.Infof("link %08x acknowledged", b.linkID)
		}
		return nil, EventLinkAck{}, nil

	case *LinkClose:
		if b.log != nil {
			b.log.Infof("link %08x closed: %s", b.linkID, pdu.Reason)
		}
		b.Reset()
		return nil, EventClose{Reason: pdu.Reason}, nil

	case *TransactionAck:
		if b.outbound != nil && b.outbound.number == adv.TransactionNumber {
			b.outbound = nil
			if b.log != nil {
				b.log.Tracef("transaction %02x acked", adv.TransactionNumber)
			}
		}
		return nil, nil, nil

	case *TransactionStart, *TransactionContinuation:
		return b.handleSegment(adv.TransactionNumber, pdu)

	default:
		return nil, nil, fmt.Errorf("%w: %T", mesh.ErrInvalidPDUFormat, pdu)
	}
}

func (b *Bearer) handleLinkOpen(uuid mesh.UUID, adv *AdvertisingPDU, open *LinkOpen) ([]*AdvertisingPDU, error) {
	if open.UUID != uuid {
		return nil, nil
	}
	switch {
	case !b.linkOpen:
		b.Reset()
		b.linkOpen = true
		b.linkID = adv.LinkID
		b.inboundValid = true
		b.inbound = adv.TransactionNumber
		if b.log != nil {
			b.log.Infof("link %08x opened", adv.LinkID)
		}
	case b.linkID == adv.LinkID:
		// The provisioner missed our LinkAck.
	default:
		return nil, fmt.Errorf("%w: %08x while %08x is open", mesh.ErrInvalidLink, adv.LinkID, b.linkID)
	}
	return []*AdvertisingPDU{{LinkID: adv.LinkID, TransactionNumber: 0, PDU: &LinkAck{}}}, nil
}

func (b *Bearer) handleSegment(number uint8, segment GenericPDU) ([]*AdvertisingPDU, Event, error) {
	if !b.accept(number) {
		if !b.ackedValid || serialNewer(number, b.acked) {
			return nil, nil, fmt.Errorf("%w: %02x while collecting %02x", mesh.ErrInvalidTransactionNumber, number, b.inbound)
		}
		// A repeated transaction means our ack, or our reply, was lost.
		// Answer once per repetition, on its TransactionStart.
		if _, ok := segment.(*TransactionStart); !ok {
			return nil, nil, nil
		}
		out := append([]*AdvertisingPDU{b.ack(number)}, b.Retransmit()...)
		return out, nil, nil
	}

	if b.reassembly == nil {
		b.reassembly = newReassembly()
	}
	pdu, err := b.reassembly.add(segment)
	if err != nil {
		// The provisioner resends the whole transaction until it is acked.
		b.reassembly = nil
		return nil, nil, err
	}
	if pdu == nil {
		return nil, nil, nil
	}

	b.inboundValid = false
	b.reassembly = nil
	b.ackedValid = true
	b.acked = number
	if b.log != nil {
		b.log.Debugf("transaction %02x complete: %T", number, pdu)
	}
	return []*AdvertisingPDU{b.ack(number)}, EventPDU{PDU: pdu}, nil
}

// accept reports whether a segment of transaction number belongs to the
// transaction being collected, starting a new one when it is newer than the
// last acknowledged.
func (b *Bearer) accept(number uint8) bool {
	if b.inboundValid {
		return b.inbound == number
	}
	if b.ackedValid && !serialNewer(number, b.acked) {
		return false
	}
	b.inboundValid = true
	b.inbound = number
	b.reassembly = nil
	return true
}

func (b *Bearer) ack(number uint8) *AdvertisingPDU {
	return &AdvertisingPDU{LinkID: b.linkID, TransactionNumber: number, PDU: &TransactionAck{}}
}

// ProcessOutbound segments pdu under the next outbound transaction number and
// returns the packets to transmit. The transaction is kept for Retransmit
// until the provisioner acknowledges it.
func (b *Bearer) ProcessOutbound(pdu provisioning.PDU) ([]*AdvertisingPDU, error) {
	if !b.linkOpen {
		return nil, mesh.ErrInvalidLink
	}
	raw, err := pdu.Encode()
	if err != nil {
		return nil, err
	}
	segments, err := Segment(raw)
	if err != nil {
		return nil, err
	}
	b.outbound = &outboundTransaction{number: b.nextOutbound, segments: segments}
	b.nextOutbound++
	if b.nextOutbound&0x7F == 0 {
		b.nextOutbound = b.firstOutbound()
	}
	if b.log != nil {
		b.log.Debugf("transaction %02x: %T in %d segments", b.outbound.number, pdu, len(segments))
	}
	return b.Retransmit(), nil
}

// Retransmit returns the segments of the unacknowledged outbound transaction,
// unchanged, or nil when there is none.
func (b *Bearer) Retransmit() []*AdvertisingPDU {
	if b.opening != nil {
		return []*AdvertisingPDU{{LinkID: b.linkID, TransactionNumber: 0, PDU: b.opening}}
	}
	if b.outbound == nil {
		return nil
	}
	out := make([]*AdvertisingPDU, len(b.outbound.segments))
	for i, seg := range b.outbound.segments {
		out[i] = &AdvertisingPDU{LinkID: b.linkID, TransactionNumber: b.outbound.number, PDU: seg}
	}
	return out
}

// Close closes the link and returns the LinkClose to send.
func (b *Bearer) Close(reason Reason) []*AdvertisingPDU {
	if !b.linkOpen {
		return nil
	}
	out := []*AdvertisingPDU{{LinkID: b.linkID, TransactionNumber: 0, PDU: &LinkClose{Reason: reason}}}
	if b.log != nil {
		b.log.Infof("closing link %08x: %s", b.linkID, reason)
	}
	b.Reset()
	return out
}

// serialNewer reports whether transaction number a follows b. Each side
// numbers within its own half of the space, so the comparison is modulo 128.
func serialNewer(a, b uint8) bool {
	d := (a - b) & 0x7F
	return d != 0 && d < 0x40
}
