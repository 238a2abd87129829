package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
)

type testKeys struct {
	ivIndex  uint32
	err      error
	networks []config.NetworkDetails
}

func (k *testKeys) IVIndex() (uint32, error) { return k.ivIndex, k.err }

func (k *testKeys) FindNetworksByNID(nid uint8) []config.NetworkDetails {
	var out []config.NetworkDetails
	for _, n := range k.networks {
		if n.NID == nid {
			out = append(out, n)
		}
	}
	return out
}

var testNetKey = [16]byte{0x7d, 0xd7, 0x36, 0x4c, 0xd8, 0x42, 0xad, 0x18, 0xc1, 0x7c, 0x2b, 0x82, 0x0c, 0x84, 0xc3, 0xd6}

func testNetwork(t *testing.T) config.NetworkDetails {
	t.Helper()
	n, err := config.NewNetworkDetails(testNetKey, 0, 0x12345678, 0x0001, 0)
	require.NoError(t, err)
	return n
}

func newAuth(t *testing.T, keys Keys) *Authentication {
	t.Helper()
	a, err := NewAuthentication(AuthenticationConfig{Keys: keys})
	require.NoError(t, err)
	return a
}

func cleartext(network config.NetworkDetails, transport lower.PDU) *CleartextNetworkPDU {
	return &CleartextNetworkPDU{
		Network:   network,
		IVIndex:   0x12345678,
		TTL:       3,
		Seq:       0x000007,
		Src:       0x1201,
		Dst:       0xC105,
		Transport: transport,
	}
}

func TestAuthenticationRoundTrip(t *testing.T) {
	network := testNetwork(t)
	keys := &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{network}}
	auth := newAuth(t, keys)

	tests := []struct {
		name      string
		transport lower.PDU
		micSize   int
	}{
		{"access", &lower.Access{AKF: true, AID: 0x26, Message: &lower.Unsegmented{Data: []byte{1, 2, 3, 4, 5}}}, AccessNetMICSize},
		{"full access", &lower.Access{Message: &lower.Unsegmented{Data: make([]byte, lower.MaxUnsegmentedAccess)}}, AccessNetMICSize},
		{"control", (&lower.SegmentAck{SeqZero: 0x1234 & 0x1FFF, BlockAck: 3}).Control(), ControlNetMICSize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := cleartext(network, tc.transport)
			out, err := auth.ProcessOutbound(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, network.NID, out.NID)
			assert.Equal(t, uint8(0), out.IVI)

			transport, err := tc.transport.Encode()
			require.NoError(t, err)
			assert.Len(t, out.EncryptedAndMIC, 2+len(transport)+tc.micSize)

			raw, err := out.Encode()
			require.NoError(t, err)
			assert.LessOrEqual(t, len(raw), MaxPDUSize)

			parsed, err := Decode(raw)
			require.NoError(t, err)
			got, err := auth.ProcessInbound(context.Background(), parsed)
			require.NoError(t, err)
			assert.Equal(t, in, got)
		})
	}
}

func TestAuthenticationObfuscatesHeader(t *testing.T) {
	network := testNetwork(t)
	auth := newAuth(t, &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{network}})

	out, err := auth.ProcessOutbound(context.Background(), cleartext(network, &lower.Access{Message: &lower.Unsegmented{Data: []byte{9, 9}}}))
	require.NoError(t, err)
	assert.NotEqual(t, [6]byte{0x03, 0x00, 0x00, 0x07, 0x12, 0x01}, out.Obfuscated)
}

func TestAuthenticationTriesEveryKeyWithNID(t *testing.T) {
	good := testNetwork(t)
	bad := good
	bad.KeyIndex = 1
	bad.EncryptionKey[0] ^= 0xFF

	sender := newAuth(t, &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{good}})
	out, err := sender.ProcessOutbound(context.Background(), cleartext(good, &lower.Access{Message: &lower.Unsegmented{Data: []byte{1}}}))
	require.NoError(t, err)

	receiver := newAuth(t, &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{bad, good}})
	got, err := receiver.ProcessInbound(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), got.Network.KeyIndex)
}

func TestAuthenticationNoKey(t *testing.T) {
	network := testNetwork(t)
	sender := newAuth(t, &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{network}})
	out, err := sender.ProcessOutbound(context.Background(), cleartext(network, &lower.Access{Message: &lower.Unsegmented{Data: []byte{1}}}))
	require.NoError(t, err)

	receiver := newAuth(t, &testKeys{ivIndex: 0x12345678})
	_, err = receiver.ProcessInbound(context.Background(), out)
	assert.ErrorIs(t, err, mesh.ErrCrypto)
	assert.ErrorIs(t, err, ErrNoNetworkKey)

	out.EncryptedAndMIC[len(out.EncryptedAndMIC)-1] ^= 0x01
	_, err = sender.ProcessInbound(context.Background(), out)
	assert.ErrorIs(t, err, mesh.ErrCrypto)
}

func TestAuthenticationPreviousIVIndex(t *testing.T) {
	network := testNetwork(t)
	keys := &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{network}}
	auth := newAuth(t, keys)

	out, err := auth.ProcessOutbound(context.Background(), cleartext(network, &lower.Access{Message: &lower.Unsegmented{Data: []byte{1}}}))
	require.NoError(t, err)

	keys.ivIndex = 0x12345679
	got, err := auth.ProcessInbound(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), got.IVIndex)
}

func TestAuthenticationOutboundErrors(t *testing.T) {
	network := testNetwork(t)
	access := &lower.Access{Message: &lower.Unsegmented{Data: []byte{1}}}

	unprovisioned := newAuth(t, &testKeys{err: mesh.ErrNotProvisioned})
	_, err := unprovisioned.ProcessOutbound(context.Background(), cleartext(network, access))
	assert.ErrorIs(t, err, mesh.ErrNotProvisioned)

	auth := newAuth(t, &testKeys{ivIndex: 0x12345678, networks: []config.NetworkDetails{network}})

	pdu := cleartext(network, access)
	pdu.Src = mesh.UnicastAddress(0x8001)
	_, err = auth.ProcessOutbound(context.Background(), pdu)
	assert.ErrorIs(t, err, mesh.ErrInvalidSrcAddress)

	pdu = cleartext(network, access)
	pdu.TTL = 0x80
	_, err = auth.ProcessOutbound(context.Background(), pdu)
	assert.ErrorIs(t, err, ErrTTL)

	pdu = cleartext(network, access)
	pdu.Seq = 0x01000000
	_, err = auth.ProcessOutbound(context.Background(), pdu)
	assert.ErrorIs(t, err, mesh.ErrInvalidValue)

	_, err = NewAuthentication(AuthenticationConfig{})
	assert.ErrorIs(t, err, mesh.ErrKeyInitialization)
}

func TestDecodeNetworkPDU(t *testing.T) {
	_, err := Decode(make([]byte, 13))
	assert.ErrorIs(t, err, mesh.ErrInvalidLength)
	_, err = Decode(make([]byte, 30))
	assert.ErrorIs(t, err, mesh.ErrInvalidLength)

	raw := make([]byte, 14)
	raw[0] = 0x80 | 0x68
	p, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), p.IVI)
	assert.Equal(t, uint8(0x68), p.NID)
	assert.Len(t, p.EncryptedAndMIC, 7)

	out, err := p.Encode()
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestReplayCache(t *testing.T) {
	r := NewReplayCache(2)

	assert.True(t, r.Accept(0x0001, 5, 10))
	assert.False(t, r.Accept(0x0001, 5, 10))
	assert.False(t, r.Accept(0x0001, 5, 9))
	assert.True(t, r.Check(0x0001, 5, 11))
	assert.True(t, r.Accept(0x0001, 6, 0))
	assert.False(t, r.Accept(0x0001, 5, 100))

	assert.True(t, r.Accept(0x0002, 6, 1))
	assert.True(t, r.Accept(0x0003, 6, 1))
	assert.Equal(t, 2, r.Len())
	// 0x0001 was the least recently updated and is forgotten.
	assert.True(t, r.Check(0x0001, 6, 0))
	assert.False(t, r.Check(0x0002, 6, 1))
}

type zeroRandom struct{}

func (zeroRandom) Float64() float64 { return 0 }

type recorder struct {
	sent []*ObfuscatedAndEncryptedNetworkPDU
	err  error
}

func (r *recorder) TransmitNetworkPDU(_ context.Context, pdu *ObfuscatedAndEncryptedNetworkPDU) error {
	r.sent = append(r.sent, pdu)
	return r.err
}

func testPDU(n byte) *ObfuscatedAndEncryptedNetworkPDU {
	return &ObfuscatedAndEncryptedNetworkPDU{NID: n, EncryptedAndMIC: make([]byte, 8)}
}

func TestTransmitRepeats(t *testing.T) {
	q := NewTransmit(TransmitConfig{Random: zeroRandom{}})
	tx := &recorder{}
	now := time.Unix(1000, 0)
	ctx := context.Background()

	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(1), 2, 20*time.Millisecond, nil, now))
	assert.Len(t, tx.sent, 1)
	assert.Equal(t, 1, q.Len())

	deadline, ok := q.NextDeadline(now)
	require.True(t, ok)
	assert.Equal(t, now.Add(20*time.Millisecond), deadline)

	require.NoError(t, q.TransmitReady(ctx, tx, now.Add(10*time.Millisecond)))
	assert.Len(t, tx.sent, 1)

	require.NoError(t, q.TransmitReady(ctx, tx, deadline))
	assert.Len(t, tx.sent, 2)
	assert.Equal(t, uint8(1), q.Items()[0].Count)

	require.NoError(t, q.TransmitReady(ctx, tx, deadline.Add(20*time.Millisecond)))
	assert.Len(t, tx.sent, 3)
	assert.Equal(t, 0, q.Len())

	_, ok = q.NextDeadline(now)
	assert.False(t, ok)
}

func TestTransmitZeroCountIsNotQueued(t *testing.T) {
	q := NewTransmit(TransmitConfig{})
	tx := &recorder{}
	require.NoError(t, q.ProcessOutbound(context.Background(), tx, testPDU(1), 0, time.Second, nil, time.Now()))
	assert.Len(t, tx.sent, 1)
	assert.Equal(t, 0, q.Len())
}

func TestTransmitErrorNotQueued(t *testing.T) {
	q := NewTransmit(TransmitConfig{})
	fail := errors.New("radio off")
	err := q.ProcessOutbound(context.Background(), &recorder{err: fail}, testPDU(1), 3, time.Second, nil, time.Now())
	assert.ErrorIs(t, err, fail)
	assert.Equal(t, 0, q.Len())
}

func TestTransmitCorrelationPurges(t *testing.T) {
	q := NewTransmit(TransmitConfig{Random: zeroRandom{}})
	tx := &recorder{}
	now := time.Unix(1000, 0)
	model := ModelKey{Element: 0x0001, ModelID: mesh.SIGModel(0x1000)}
	other := ModelKey{Element: 0x0002, ModelID: mesh.SIGModel(0x1000)}

	ctx := context.Background()
	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(1), 3, time.Second, &Correlation{ModelKey: model, SeqZero: 10}, now))
	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(2), 3, time.Second, &Correlation{ModelKey: model, SeqZero: 10}, now))
	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(3), 3, time.Second, &Correlation{ModelKey: other, SeqZero: 10}, now))
	assert.Equal(t, 3, q.Len())

	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(4), 3, time.Second, &Correlation{ModelKey: model, SeqZero: 11}, now))
	items := q.Items()
	require.Len(t, items, 2)
	for _, item := range items {
		if item.Correlation.ModelKey == model {
			assert.Equal(t, uint16(11), item.Correlation.SeqZero)
		}
	}
}

func TestTransmitEviction(t *testing.T) {
	q := NewTransmit(TransmitConfig{Capacity: 3, Random: zeroRandom{}})
	tx := &recorder{}
	now := time.Unix(1000, 0)
	ctx := context.Background()

	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(1), 2, time.Second, nil, now))
	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(2), 1, time.Second, nil, now))
	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(3), 1, time.Second, nil, now))
	require.NoError(t, q.ProcessOutbound(ctx, tx, testPDU(4), 5, time.Second, nil, now))

	var nids []uint8
	for _, item := range q.Items() {
		nids = append(nids, item.PDU.NID)
	}
	// Item 2 had the fewest transmissions left and was queued before item 3.
	assert.ElementsMatch(t, []uint8{1, 3, 4}, nids)
}

func TestTransmitJitter(t *testing.T) {
	q := NewTransmit(TransmitConfig{})
	now := time.Unix(1000, 0)
	require.NoError(t, q.ProcessOutbound(context.Background(), &recorder{}, testPDU(1), 1, 50*time.Millisecond, nil, now))

	deadline, ok := q.NextDeadline(now)
	require.True(t, ok)
	assert.False(t, deadline.Before(now.Add(50*time.Millisecond)))
	assert.True(t, deadline.Before(now.Add(50*time.Millisecond+MaxTransmitJitter)))
}
