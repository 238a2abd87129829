package foundation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/btmesh/pkg/mesh"
)

func TestParseAccess(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		op      Opcode
		params  []byte
		err     error
	}{
		{"one octet", []byte{0x00, 0x12, 0x34}, OpAppKeyAdd, []byte{0x12, 0x34}, nil},
		{"two octets", []byte{0x80, 0x08, 0xff}, OpCompositionDataGet, []byte{0xff}, nil},
		{"three octets", []byte{0xC1, 0x05, 0xf1}, 0xC105f1, []byte{}, nil},
		{"empty", nil, 0, nil, mesh.ErrInvalidLength},
		{"reserved", []byte{0x7F}, 0, nil, mesh.ErrInvalidPDUFormat},
		{"truncated", []byte{0xC1, 0x05}, 0, nil, mesh.ErrInvalidLength},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			op, params, err := ParseAccess(tc.payload)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.op, op)
			assert.Equal(t, tc.params, params)
		})
	}
}

func TestAccessPayload(t *testing.T) {
	payload, err := AccessPayload(OpNodeReset, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x49}, payload)

	payload, err = AccessPayload(0xC105f1, []byte{1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC1, 0x05, 0xf1, 1}, payload)

	for _, op := range []Opcode{0x7F, 0x4000, 0x1234, 0x800000} {
		_, err := AccessPayload(op, nil)
		assert.ErrorIs(t, err, mesh.ErrInvalidValue, "opcode %x", uint32(op))
	}
	assert.Equal(t, "8049", OpNodeReset.String())
	assert.Equal(t, "00", OpAppKeyAdd.String())
}

func TestKeyIndexPacking(t *testing.T) {
	payload, err := Encode(OpAppKeyDelete, &AppKeyIndexes{NetKeyIndex: 0x123, AppKeyIndex: 0x456})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x00, 0x23, 0x61, 0x45}, payload)

	list := &AppKeyList{NetKeyIndex: 0x001, AppKeyIndexes: []uint16{0x123, 0x456, 0x789}}
	payload, err = Encode(OpAppKeyList, list)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x02, 0x00, 0x01, 0x00, 0x23, 0x61, 0x45, 0x89, 0x07}, payload)

	var decoded AppKeyList
	require.NoError(t, Decode(payload[2:], &decoded))
	assert.Equal(t, *list, decoded)
}

func TestModelIDEncoding(t *testing.T) {
	sig := &ModelApp{Element: 0x0005, AppKeyIndex: 1, Model: mesh.SIGModel(0x1000)}
	payload, err := Encode(OpModelAppBind, sig)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x3D, 0x05, 0x00, 0x01, 0x00, 0x00, 0x10}, payload)

	vendor := &ModelApp{Element: 0x0005, AppKeyIndex: 1, Model: mesh.VendorModel(0x05f1, 0x0002)}
	payload, err = Encode(OpModelAppBind, vendor)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x3D, 0x05, 0x00, 0x01, 0x00, 0xf1, 0x05, 0x02, 0x00}, payload)

	var decoded ModelApp
	require.NoError(t, Decode(payload[2:], &decoded))
	assert.Equal(t, *vendor, decoded)
	assert.Equal(t, "05f1:0002", decoded.Model.String())

	// A model identifier is two or four octets, nothing else.
	assert.ErrorIs(t, Decode([]byte{0x05, 0x00, 0x01, 0x00, 0x00}, &decoded), ErrInvalidMessage)
	// The element must be a unicast address.
	assert.ErrorIs(t, Decode([]byte{0x01, 0xC0, 0x01, 0x00, 0x00, 0x10}, &decoded), ErrInvalidMessage)
}

func TestPublicationEncoding(t *testing.T) {
	pub := &ModelPublication{
		Element:     0x0005,
		Address:     0xC002,
		AppKeyIndex: 0x001,
		Credentials: true,
		TTL:         0xFF,
		Period:      0x45,
		Retransmit:  0x0A,
		Model:       mesh.SIGModel(0x1000),
	}
	payload, err := Encode(OpModelPublicationSet, pub)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x05, 0x00, 0x02, 0xC0, 0x01, 0x10, 0xFF, 0x45, 0x0A, 0x00, 0x10}, payload)

	var decoded ModelPublication
	require.NoError(t, Decode(payload[1:], &decoded))
	assert.Equal(t, *pub, decoded)

	assert.ErrorIs(t, Decode(payload[1:5], &decoded), ErrInvalidMessage)
	assert.ErrorIs(t, Decode(append(payload[1:], 0, 0, 0), &decoded), ErrInvalidMessage)
}

func TestCompositionEncoding(t *testing.T) {
	c := Composition{
		CompanyID: 0x05f1,
		ProductID: 0x0001,
		CRPL:      0x0040,
		Features:  FeatureRelay,
		Elements: []Element{
			{Location: 0x0100, Models: []mesh.ModelID{mesh.ConfigurationServer, mesh.VendorModel(0x05f1, 0x0001), mesh.SIGModel(0x1000)}},
			{Models: []mesh.ModelID{mesh.SIGModel(0x1001)}},
		},
	}
	payload, err := Encode(OpCompositionDataStatus, &CompositionStatus{Composition: c})
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x02, 0x00,
		0xf1, 0x05, 0x01, 0x00, 0x00, 0x00, 0x40, 0x00, 0x01, 0x00,
		0x00, 0x01, 0x02, 0x01, 0x00, 0x00, 0x00, 0x10, 0xf1, 0x05, 0x01, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x10,
	}, payload)

	var decoded CompositionStatus
	require.NoError(t, Decode(payload[1:], &decoded))
	assert.Equal(t, c.Elements[1], decoded.Elements[1])
	// SIG models come before vendor models on the wire.
	assert.Equal(t, []mesh.ModelID{mesh.ConfigurationServer, mesh.SIGModel(0x1000), mesh.VendorModel(0x05f1, 0x0001)}, decoded.Elements[0].Models)

	assert.NoError(t, c.Validate(2))
	assert.ErrorIs(t, c.Validate(1), ErrComposition)
	assert.ErrorIs(t, (&Composition{}).Validate(0), ErrComposition)
	assert.ErrorIs(t, (&Composition{Elements: []Element{{}}}).Validate(1), ErrComposition)
	assert.True(t, c.HasModel(1, mesh.SIGModel(0x1001)))
	assert.False(t, c.HasModel(2, mesh.SIGModel(0x1001)))

	d := DefaultComposition(3)
	require.Len(t, d.Elements, 3)
	assert.NoError(t, d.Validate(3))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "InvalidAddress", StatusInvalidAddress.String())
	assert.Equal(t, "Status(0x42)", Status(0x42).String())
}
