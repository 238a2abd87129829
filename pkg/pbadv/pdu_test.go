package pbadv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/btmesh/pkg/mesh"
)

func TestGenericPDURoundTrip(t *testing.T) {
	id, err := mesh.ParseUUID("70cf7c97-32a3-45b6-9149-4810d2e9cbf4")
	require.NoError(t, err)

	pdus := []GenericPDU{
		&TransactionStart{SegN: 2, TotalLength: 65, FCS: 0x3c, Data: []byte{0x03, 1, 2, 3}},
		&TransactionStart{SegN: 0, TotalLength: 2, FCS: 0x14, Data: []byte{0x00, 0x05}},
		&TransactionContinuation{SegmentIndex: 1, Data: make([]byte, TransactionContinuationMTU)},
		&TransactionContinuation{SegmentIndex: 63, Data: []byte{0xaa}},
		&TransactionAck{},
		&LinkOpen{UUID: id},
		&LinkAck{},
		&LinkClose{Reason: ReasonTimeout},
	}
	for _, pdu := range pdus {
		raw, err := pdu.Encode()
		require.NoError(t, err, "%T", pdu)
		decoded, err := DecodeGeneric(raw)
		require.NoError(t, err, "%T", pdu)
		assert.Equal(t, pdu, decoded)
	}
}

func TestGenericPDUWire(t *testing.T) {
	raw, err := (&TransactionStart{SegN: 2, TotalLength: 0x0041, FCS: 0x3c, Data: []byte{0x03}}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x00, 0x41, 0x3c, 0x03}, raw)

	raw, err = (&TransactionContinuation{SegmentIndex: 2, Data: []byte{0xff}}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0xff}, raw)

	raw, err = (&LinkClose{Reason: ReasonFail}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0b, 0x02}, raw)

	raw, err = (&LinkAck{}).Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07}, raw)
}

func TestDecodeGenericErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, mesh.ErrInvalidLength},
		{"start without fcs", []byte{0x00, 0x00, 0x01}, mesh.ErrInvalidLength},
		{"start without data", []byte{0x00, 0x00, 0x01, 0x00}, mesh.ErrInvalidLength},
		{"ack with padding", []byte{0x05}, mesh.ErrInvalidPDUFormat},
		{"ack with data", []byte{0x01, 0x00}, mesh.ErrInvalidLength},
		{"continuation zero index", []byte{0x02, 0x00}, mesh.ErrInvalidValue},
		{"continuation empty", []byte{0x06}, mesh.ErrInvalidLength},
		{"link open short uuid", []byte{0x03, 1, 2, 3}, mesh.ErrInvalidLength},
		{"link ack with data", []byte{0x07, 0x00}, mesh.ErrInvalidLength},
		{"link close reason", []byte{0x0b, 0x03}, mesh.ErrInvalidValue},
		{"unknown control", []byte{0x0f}, mesh.ErrInvalidPDUFormat},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeGeneric(tc.data)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestAdvertisingPDU(t *testing.T) {
	adv := &AdvertisingPDU{LinkID: 0x01020304, TransactionNumber: 0x81, PDU: &TransactionAck{}}
	raw, err := adv.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x81, 0x01}, raw)

	decoded, err := DecodeAdvertising(raw)
	require.NoError(t, err)
	assert.Equal(t, adv, decoded)

	_, err = DecodeAdvertising(raw[:4])
	assert.ErrorIs(t, err, mesh.ErrInvalidLength)
}

func TestFCS(t *testing.T) {
	for _, data := range [][]byte{
		{0x00},
		{0x03, 0x3f, 0x01},
		[]byte("provisioning data over pb-adv"),
	} {
		fcs := FCS(data)
		assert.True(t, CheckFCS(data, fcs))
		assert.False(t, CheckFCS(data, fcs^0x01))
	}
	// TS 27.010 reference: the table entry for 0x01.
	assert.Equal(t, uint8(0x91), fcsTable[0x01])
	assert.Equal(t, uint8(fcsGood), fcsTable[0xFF])
}
