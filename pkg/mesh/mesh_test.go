package mesh

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressRanges(t *testing.T) {
	tests := []struct {
		addr    Address
		unicast bool
		virtual bool
		group   bool
	}{
		{0x0000, false, false, false},
		{0x0001, true, false, false},
		{0x7fff, true, false, false},
		{0x8000, false, true, false},
		{0xbfff, false, true, false},
		{0xc000, false, false, true},
		{AllNodes, false, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.addr.String(), func(t *testing.T) {
			assert.Equal(t, tc.unicast, tc.addr.IsUnicast())
			assert.Equal(t, tc.virtual, tc.addr.IsVirtual())
			assert.Equal(t, tc.group, tc.addr.IsGroup())
		})
	}
	assert.True(t, UnassignedAddress.IsUnassigned())
}

func TestUnicastAddress(t *testing.T) {
	u, err := NewUnicastAddress(0x1201)
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0x12, 0x01}, u.Bytes())
	assert.Equal(t, UnicastAddress(0x1203), u.Add(2))
	assert.Equal(t, "1201", u.String())

	_, err = NewUnicastAddress(0xc000)
	assert.ErrorIs(t, err, ErrInvalidSrcAddress)

	_, err = UnicastFromBytes([2]byte{0, 0})
	assert.ErrorIs(t, err, ErrInvalidSrcAddress)

	assert.Equal(t, Address(0xabcd), AddressFromBytes([2]byte{0xab, 0xcd}))
}

func TestIVIndexForIVI(t *testing.T) {
	assert.Equal(t, uint32(0x12345678), IVIndexForIVI(0x12345678, 0))
	assert.Equal(t, uint32(0x12345677), IVIndexForIVI(0x12345678, 1))
	assert.Equal(t, uint32(0), IVIndexForIVI(0, 1))
	assert.Equal(t, uint8(1), IVI(0x12345679))
}

func TestCryptoError(t *testing.T) {
	inner := errors.New("mic mismatch")
	err := NewCryptoError("inbound network pdu", inner)

	assert.ErrorIs(t, err, ErrCrypto)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "inbound network pdu")

	var ce *CryptoError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "inbound network pdu", ce.Context)
}

func TestUUID(t *testing.T) {
	u, err := NewDeviceUUID()
	require.NoError(t, err)
	assert.NotEqual(t, NilUUID, u)

	parsed, err := ParseUUID(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, parsed)

	fromBytes, err := UUIDFromBytes(u[:])
	require.NoError(t, err)
	assert.Equal(t, u, fromBytes)

	_, err = UUIDFromBytes([]byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidLength)
	_, err = ParseUUID("nope")
	assert.ErrorIs(t, err, ErrInvalidValue)
}
