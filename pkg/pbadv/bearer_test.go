package pbadv

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/provisioning"
)

const testLink = 0x2a2b2c2d

var deviceUUID = uuid.MustParse("70cf7c97-32a3-45b6-9149-4810d2e9cbf4")

func openBearer(t *testing.T) *Bearer {
	t.Helper()
	b := NewBearer(BearerConfig{})
	out, ev, err := b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, PDU: &LinkOpen{UUID: deviceUUID}})
	require.NoError(t, err)
	require.Nil(t, ev)
	require.Len(t, out, 1)
	return b
}

// transaction wraps the segments of pdu in PB-ADV packets for number.
func transaction(t *testing.T, number uint8, pdu provisioning.PDU) []*AdvertisingPDU {
	t.Helper()
	raw, err := pdu.Encode()
	require.NoError(t, err)
	segments, err := Segment(raw)
	require.NoError(t, err)
	out := make([]*AdvertisingPDU, len(segments))
	for i, s := range segments {
		out[i] = &AdvertisingPDU{LinkID: testLink, TransactionNumber: number, PDU: s}
	}
	return out
}

func countAcks(out []*AdvertisingPDU) int {
	n := 0
	for _, a := range out {
		if _, ok := a.PDU.(*TransactionAck); ok {
			n++
		}
	}
	return n
}

func TestLinkOpen(t *testing.T) {
	b := NewBearer(BearerConfig{})

	open := &AdvertisingPDU{LinkID: testLink, PDU: &LinkOpen{UUID: deviceUUID}}
	out, _, err := b.ProcessInbound(deviceUUID, open)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, &AdvertisingPDU{LinkID: testLink, TransactionNumber: 0, PDU: &LinkAck{}}, out[0])
	id, ok := b.LinkID()
	assert.True(t, ok)
	assert.Equal(t, uint32(testLink), id)

	// The provisioner repeats LinkOpen until it hears the ack.
	out, _, err = b.ProcessInbound(deviceUUID, open)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.IsType(t, &LinkAck{}, out[0].PDU)

	_, _, err = b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink + 1, PDU: &LinkOpen{UUID: deviceUUID}})
	assert.ErrorIs(t, err, mesh.ErrInvalidLink)

	// LinkOpen for another device is ignored.
	out, ev, err := b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: 7, PDU: &LinkOpen{UUID: uuid.New()}})
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, ev)
}

func TestLinkClose(t *testing.T) {
	b := openBearer(t)

	out, ev, err := b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, PDU: &LinkClose{Reason: ReasonSuccess}})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, EventClose{Reason: ReasonSuccess}, ev)
	_, ok := b.LinkID()
	assert.False(t, ok)

	// A new link can be opened after the close.
	out, _, err = b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink + 1, PDU: &LinkOpen{UUID: deviceUUID}})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestWrongLinkRejected(t *testing.T) {
	b := openBearer(t)
	segs := transaction(t, 0, &provisioning.Invite{})
	segs[0].LinkID = 99
	_, _, err := b.ProcessInbound(deviceUUID, segs[0])
	assert.ErrorIs(t, err, mesh.ErrInvalidLink)

	closed := NewBearer(BearerConfig{})
	_, _, err = closed.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, PDU: &TransactionAck{}})
	assert.ErrorIs(t, err, mesh.ErrInvalidLink)
}

func TestTransactionReassembly(t *testing.T) {
	b := openBearer(t)
	key := &provisioning.PublicKey{}
	for i := range key.X {
		key.X[i] = byte(i)
		key.Y[i] = byte(i * 3)
	}

	segs := transaction(t, 0, key)
	require.Len(t, segs, 3)

	// Deliver out of order: continuations before the start.
	var events []Event
	var acks int
	for _, i := range []int{2, 0, 1} {
		out, ev, err := b.ProcessInbound(deviceUUID, segs[i])
		require.NoError(t, err)
		acks += countAcks(out)
		if ev != nil {
			events = append(events, ev)
		}
	}
	require.Len(t, events, 1)
	assert.Equal(t, 1, acks)
	assert.Equal(t, EventPDU{PDU: key}, events[0])
}

func TestTransactionDedup(t *testing.T) {
	b := openBearer(t)
	key := &provisioning.PublicKey{}
	segs := transaction(t, 0, key)
	require.Greater(t, len(segs), 1)

	var pdus, acks int
	for range 2 {
		for _, s := range segs {
			out, ev, err := b.ProcessInbound(deviceUUID, s)
			require.NoError(t, err)
			acks += countAcks(out)
			if ev != nil {
				pdus++
			}
		}
	}
	assert.Equal(t, 1, pdus)
	assert.Equal(t, 2, acks)
}

func TestTransactionSequence(t *testing.T) {
	b := openBearer(t)

	for number, pdu := range []provisioning.PDU{
		&provisioning.Invite{AttentionDuration: 1},
		&provisioning.Start{},
		&provisioning.Confirmation{},
	} {
		segs := transaction(t, uint8(number), pdu)
		var got Event
		for _, s := range segs {
			out, ev, err := b.ProcessInbound(deviceUUID, s)
			require.NoError(t, err)
			if ev != nil {
				got = ev
				require.Len(t, out, 1)
				assert.Equal(t, uint8(number), out[0].TransactionNumber)
			}
		}
		assert.Equal(t, EventPDU{PDU: pdu}, got)
	}

	// Older than the last acked: re-acked, not reprocessed.
	out, ev, err := b.ProcessInbound(deviceUUID, transaction(t, 0, &provisioning.Invite{})[0])
	require.NoError(t, err)
	assert.Nil(t, ev)
	require.Len(t, out, 1)
	assert.Equal(t, uint8(0), out[0].TransactionNumber)
}

func TestTransactionNumberWraps(t *testing.T) {
	b := openBearer(t)
	b.ackedValid, b.acked = true, 0x7f
	b.inboundValid = false

	segs := transaction(t, 0x00, &provisioning.Complete{})
	_, ev, err := b.ProcessInbound(deviceUUID, segs[0])
	require.NoError(t, err)
	assert.NotNil(t, ev, "0x00 follows 0x7f")

	// While collecting one transaction another number is refused.
	b.inboundValid, b.inbound = true, 0x05
	_, _, err = b.ProcessInbound(deviceUUID, transaction(t, 0x06, &provisioning.Complete{})[0])
	assert.ErrorIs(t, err, mesh.ErrInvalidTransactionNumber)
}

func TestFCSMismatch(t *testing.T) {
	b := openBearer(t)
	segs := transaction(t, 0, &provisioning.Invite{AttentionDuration: 3})
	start := segs[0].PDU.(*TransactionStart)
	start.FCS ^= 0xff

	_, ev, err := b.ProcessInbound(deviceUUID, segs[0])
	assert.ErrorIs(t, err, ErrFCSMismatch)
	assert.Nil(t, ev)

	// The retransmitted transaction is still accepted.
	_, ev, err = b.ProcessInbound(deviceUUID, transaction(t, 0, &provisioning.Invite{AttentionDuration: 3})[0])
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

func TestOutboundTransaction(t *testing.T) {
	b := openBearer(t)
	assert.False(t, b.HasPendingOutbound())

	caps := &provisioning.Capabilities{NumberOfElements: 1, Algorithms: provisioning.AlgorithmsP256Bit}
	out, err := b.ProcessOutbound(caps)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, uint8(0x80), out[0].TransactionNumber)
	assert.True(t, b.HasPendingOutbound())

	again := b.Retransmit()
	assert.Equal(t, out, again)

	// A stale ack leaves the transaction pending.
	_, _, err = b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, TransactionNumber: 0x7f, PDU: &TransactionAck{}})
	require.NoError(t, err)
	assert.True(t, b.HasPendingOutbound())

	_, _, err = b.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, TransactionNumber: 0x80, PDU: &TransactionAck{}})
	require.NoError(t, err)
	assert.False(t, b.HasPendingOutbound())
	assert.Nil(t, b.Retransmit())

	out, err = b.ProcessOutbound(&provisioning.Complete{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x81), out[0].TransactionNumber)
}

func TestOutboundNumberWraps(t *testing.T) {
	b := openBearer(t)
	b.nextOutbound = 0xff
	out, err := b.ProcessOutbound(&provisioning.Complete{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0xff), out[0].TransactionNumber)
	out, err = b.ProcessOutbound(&provisioning.Complete{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), out[0].TransactionNumber)
}

func TestOutboundRequiresLink(t *testing.T) {
	b := NewBearer(BearerConfig{})
	_, err := b.ProcessOutbound(&provisioning.Complete{})
	assert.ErrorIs(t, err, mesh.ErrInvalidLink)
}

func TestDuplicateResendsReply(t *testing.T) {
	b := openBearer(t)
	invite := transaction(t, 0, &provisioning.Invite{})
	_, _, err := b.ProcessInbound(deviceUUID, invite[0])
	require.NoError(t, err)
	reply, err := b.ProcessOutbound(&provisioning.Capabilities{NumberOfElements: 1})
	require.NoError(t, err)

	// The provisioner never heard the ack and repeats the Invite.
	out, ev, err := b.ProcessInbound(deviceUUID, invite[0])
	require.NoError(t, err)
	assert.Nil(t, ev)
	require.Len(t, out, 1+len(reply))
	assert.IsType(t, &TransactionAck{}, out[0].PDU)
	assert.Equal(t, reply, out[1:])
}

func TestDeviceClose(t *testing.T) {
	b := openBearer(t)
	out := b.Close(ReasonTimeout)
	require.Len(t, out, 1)
	assert.Equal(t, &LinkClose{Reason: ReasonTimeout}, out[0].PDU)
	assert.Nil(t, b.Close(ReasonTimeout))
}

func TestSegmentation(t *testing.T) {
	for _, size := range []int{1, 20, 21, 43, 44, 65, 200} {
		pdu := bytes.Repeat([]byte{0x5a}, size)
		segs, err := Segment(pdu)
		require.NoError(t, err)
		assert.Equal(t, segmentCount(size), len(segs))

		start := segs[0].(*TransactionStart)
		assert.Equal(t, uint8(len(segs)-1), start.SegN)
		assert.Equal(t, uint16(size), start.TotalLength)

		var joined []byte
		for i, s := range segs {
			raw, err := s.Encode()
			require.NoError(t, err)
			if i == 0 {
				assert.LessOrEqual(t, len(raw)-4, TransactionStartMTU)
				joined = append(joined, s.(*TransactionStart).Data...)
			} else {
				assert.LessOrEqual(t, len(raw)-1, TransactionContinuationMTU)
				joined = append(joined, s.(*TransactionContinuation).Data...)
			}
		}
		assert.Equal(t, pdu, joined)
	}

	_, err := Segment(make([]byte, TransactionStartMTU+64*TransactionContinuationMTU))
	assert.ErrorIs(t, err, ErrPDUTooLarge)
}

func TestSerialNewer(t *testing.T) {
	assert.True(t, serialNewer(1, 0))
	assert.True(t, serialNewer(0x00, 0x7f))
	assert.True(t, serialNewer(0x80, 0xff))
	assert.False(t, serialNewer(0, 0))
	assert.False(t, serialNewer(0, 2))
	assert.False(t, serialNewer(0x7f, 0x00))
}

func TestProvisionerOpen(t *testing.T) {
	_, err := NewBearer(BearerConfig{}).Open(testLink, deviceUUID)
	assert.ErrorIs(t, err, mesh.ErrInvalidLink)

	p := NewBearer(BearerConfig{Provisioner: true})
	out, err := p.Open(testLink, deviceUUID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, &LinkOpen{UUID: deviceUUID}, out[0].PDU)
	assert.True(t, p.HasPendingOutbound())
	assert.Equal(t, out, p.Retransmit())

	// A provisioner ignores LinkOpen from others.
	reply, ev, err := p.ProcessInbound(deviceUUID, out[0])
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Nil(t, ev)

	_, ev, err = p.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, PDU: &LinkAck{}})
	require.NoError(t, err)
	assert.Equal(t, EventLinkAck{}, ev)
	assert.False(t, p.HasPendingOutbound())

	// Repeated acks are not reported twice.
	_, ev, err = p.ProcessInbound(deviceUUID, &AdvertisingPDU{LinkID: testLink, PDU: &LinkAck{}})
	require.NoError(t, err)
	assert.Nil(t, ev)

	out, err = p.ProcessOutbound(&provisioning.Invite{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x00), out[0].TransactionNumber)

	p.nextOutbound = 0x7f
	out, err = p.ProcessOutbound(&provisioning.Invite{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x7f), out[0].TransactionNumber)
	out, err = p.ProcessOutbound(&provisioning.Invite{})
	require.NoError(t, err)
	assert.Equal(t, uint8(0x00), out[0].TransactionNumber)
}

// exchange delivers every packet to the other bearer and collects what the
// receiver produced.
func exchange(t *testing.T, to *Bearer, packets []*AdvertisingPDU) ([]*AdvertisingPDU, []Event) {
	t.Helper()
	var (
		out    []*AdvertisingPDU
		events []Event
	)
	for _, pkt := range packets {
		reply, ev, err := to.ProcessInbound(deviceUUID, pkt)
		require.NoError(t, err)
		out = append(out, reply...)
		if ev != nil {
			events = append(events, ev)
		}
	}
	return out, events
}

func TestProvisionerDeviceLink(t *testing.T) {
	prov := NewBearer(BearerConfig{Provisioner: true})
	dev := NewBearer(BearerConfig{})

	open, err := prov.Open(testLink, deviceUUID)
	require.NoError(t, err)
	acks, _ := exchange(t, dev, open)
	_, events := exchange(t, prov, acks)
	require.Equal(t, []Event{EventLinkAck{}}, events)

	pk := &provisioning.PublicKey{}
	pk.X[0] = 1
	segs, err := prov.ProcessOutbound(pk)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)

	acks, events = exchange(t, dev, segs)
	require.Equal(t, []Event{EventPDU{PDU: pk}}, events)
	_, events = exchange(t, prov, acks)
	assert.Empty(t, events)
	assert.False(t, prov.HasPendingOutbound())

	reply, err := dev.ProcessOutbound(&provisioning.Complete{})
	require.NoError(t, err)
	acks, events = exchange(t, prov, reply)
	require.Equal(t, []Event{EventPDU{PDU: &provisioning.Complete{}}}, events)
	exchange(t, dev, acks)
	assert.False(t, dev.HasPendingOutbound())

	closing := prov.Close(ReasonSuccess)
	_, events = exchange(t, dev, closing)
	assert.Equal(t, []Event{EventClose{Reason: ReasonSuccess}}, events)
	_, ok := dev.LinkID()
	assert.False(t, ok)
}
