package foundation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
)

const (
	clientAddr = mesh.UnicastAddress(0x0001)
	nodeAddr   = mesh.UnicastAddress(0x0005)
)

var (
	testModel  = mesh.SIGModel(0x1000)
	testVendor = mesh.VendorModel(0x05f1, 0x0001)
	testAppKey = [config.KeySize]byte{0x63, 0x96, 0x47, 0x71, 0x73, 0x4f, 0xbd, 0x76, 0xe3, 0xb4, 0x05, 0x19, 0xd1, 0xd9, 0x4a, 0x48}
)

// flakyStorage fails every Store once broken is set.
type flakyStorage struct {
	*config.MemoryStorage
	broken atomic.Bool
}

func (f *flakyStorage) Store(ctx context.Context, p *config.Payload) error {
	if f.broken.Load() {
		return errors.New("flash worn out")
	}
	return f.MemoryStorage.Store(ctx, p)
}

func newServer(t *testing.T, storage config.Storage) (*Server, *config.Manager) {
	t.Helper()
	ctx := context.Background()
	if storage == nil {
		storage = config.NewMemoryStorage()
	}
	manager, err := config.NewManager(config.ManagerConfig{Storage: storage, ForceReset: true})
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(ctx))

	details, err := config.NewNetworkDetails([config.KeySize]byte{0x7d, 0xd7}, 0, 7, nodeAddr, 0)
	require.NoError(t, err)
	require.NoError(t, manager.UpdateConfiguration(ctx, func(c *config.Configuration) error {
		c.Network = &config.Network{Networks: []config.NetworkDetails{details}}
		c.Keys.DeviceKey = make([]byte, config.KeySize)
		return nil
	}))

	s, err := NewServer(ServerConfig{
		Manager: manager,
		Composition: &Composition{
			CompanyID: 0x05f1,
			Elements:  []Element{{Models: []mesh.ModelID{mesh.ConfigurationServer, testModel, testVendor}}},
		},
		Defaults: config.Foundation{DefaultTTL: 7, NetworkTransmit: 0x0A},
	})
	require.NoError(t, err)
	return s, manager
}

// exchange sends req to the server and decodes its status into resp.
func exchange(t *testing.T, s *Server, op Opcode, req Params, want Opcode, resp Params) *Response {
	t.Helper()
	payload, err := Encode(op, req)
	require.NoError(t, err)
	r, err := s.Handle(context.Background(), &lower.AccessMessage{
		Src:       clientAddr,
		Dst:       nodeAddr.Address(),
		DeviceKey: true,
		Payload:   payload,
	})
	require.NoError(t, err)
	got, params, err := ParseAccess(r.Payload)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, Decode(params, resp))
	return r
}

func addAppKey(t *testing.T, s *Server, appKeyIndex uint16) {
	t.Helper()
	var status AppKeyStatus
	exchange(t, s, OpAppKeyAdd, &AppKeyAdd{AppKeyIndex: appKeyIndex, Key: testAppKey}, OpAppKeyStatus, &status)
	require.Equal(t, StatusSuccess, status.Status)
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.ErrorIs(t, err, ErrManagerRequired)

	manager, err := config.NewManager(config.ManagerConfig{Storage: config.NewMemoryStorage(), Elements: 2})
	require.NoError(t, err)
	_, err = NewServer(ServerConfig{Manager: manager, Composition: &Composition{Elements: []Element{{Models: []mesh.ModelID{mesh.ConfigurationServer}}}}})
	assert.ErrorIs(t, err, ErrComposition)

	s, err := NewServer(ServerConfig{Manager: manager})
	require.NoError(t, err)
	assert.Len(t, s.Composition().Elements, 2)
}

func TestServerIgnoresOtherMessages(t *testing.T) {
	s, _ := newServer(t, nil)
	ctx := context.Background()

	_, err := s.Handle(ctx, &lower.AccessMessage{Payload: []byte{0x80, 0x08, 0x00}})
	assert.ErrorIs(t, err, ErrNotConfiguration)
	_, err = s.Handle(ctx, &lower.AccessMessage{DeviceKey: true, Payload: []byte{0x82, 0x01}})
	assert.ErrorIs(t, err, ErrNotConfiguration)

	for name, payload := range map[string][]byte{
		"empty":           nil,
		"short app key":   {0x00, 0x00, 0x10, 0x00},
		"beacon 2":        {0x80, 0x0A, 0x02},
		"default ttl 1":   {0x80, 0x0D, 0x01},
		"default ttl 128": {0x80, 0x0D, 0x80},
		"relay 3":         {0x80, 0x27, 0x03, 0x00},
		"trailing octet":  {0x80, 0x09, 0x00},
		"publish ttl":     {0x03, 0x05, 0x00, 0x02, 0xC0, 0x00, 0x00, 0x80, 0x00, 0x00, 0x00, 0x10},
		"vendor mismatch": {0x80, 0x4D, 0x05, 0x00, 0x00, 0x10},
	} {
		t.Run(name, func(t *testing.T) {
			r, err := s.Handle(ctx, &lower.AccessMessage{Src: clientAddr, Dst: nodeAddr.Address(), DeviceKey: true, Payload: payload})
			assert.ErrorIs(t, err, ErrInvalidMessage)
			assert.Nil(t, r)
		})
	}
}

func TestServerAppKeys(t *testing.T) {
	s, manager := newServer(t, nil)
	var status AppKeyStatus

	addAppKey(t, s, 1)
	addAppKey(t, s, 1)
	key, ok := manager.AppKey(1)
	require.True(t, ok)
	assert.Equal(t, testAppKey, key.Key)

	exchange(t, s, OpAppKeyAdd, &AppKeyAdd{AppKeyIndex: 1, Key: [16]byte{1}}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusKeyIndexAlreadyStored, status.Status)
	exchange(t, s, OpAppKeyAdd, &AppKeyAdd{NetKeyIndex: 1, AppKeyIndex: 2, Key: testAppKey}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusInvalidNetKeyIndex, status.Status)
	assert.Equal(t, uint16(1), status.NetKeyIndex)
	assert.Equal(t, uint16(2), status.AppKeyIndex)

	var list AppKeyList
	exchange(t, s, OpAppKeyGet, &NetKeyIndex{}, OpAppKeyList, &list)
	assert.Equal(t, StatusSuccess, list.Status)
	assert.Equal(t, []uint16{1}, list.AppKeyIndexes)
	list = AppKeyList{}
	exchange(t, s, OpAppKeyGet, &NetKeyIndex{Index: 3}, OpAppKeyList, &list)
	assert.Equal(t, StatusInvalidNetKeyIndex, list.Status)

	exchange(t, s, OpAppKeyUpdate, &AppKeyAdd{AppKeyIndex: 1, Key: testAppKey}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusCannotUpdate, status.Status)
	exchange(t, s, OpAppKeyUpdate, &AppKeyAdd{AppKeyIndex: 9, Key: testAppKey}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusInvalidAppKeyIndex, status.Status)

	exchange(t, s, OpAppKeyDelete, &AppKeyIndexes{AppKeyIndex: 1}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	_, ok = manager.AppKey(1)
	assert.False(t, ok)
	exchange(t, s, OpAppKeyDelete, &AppKeyIndexes{AppKeyIndex: 1}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
}

func TestServerBindings(t *testing.T) {
	s, manager := newServer(t, nil)
	var status ModelAppStatus

	bind := &ModelApp{Element: nodeAddr, AppKeyIndex: 1, Model: testModel}
	exchange(t, s, OpModelAppBind, bind, OpModelAppStatus, &status)
	assert.Equal(t, StatusInvalidAppKeyIndex, status.Status)

	addAppKey(t, s, 1)
	exchange(t, s, OpModelAppBind, bind, OpModelAppStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	assert.Equal(t, *bind, status.ModelApp)
	assert.True(t, manager.Configuration().Network.IsBound(nodeAddr, testModel, 1))

	for _, tc := range []struct {
		req  ModelApp
		want Status
	}{
		{ModelApp{Element: nodeAddr, AppKeyIndex: 1, Model: mesh.ConfigurationServer}, StatusCannotBind},
		{ModelApp{Element: nodeAddr + 1, AppKeyIndex: 1, Model: testModel}, StatusInvalidAddress},
		{ModelApp{Element: nodeAddr, AppKeyIndex: 1, Model: mesh.SIGModel(0x1001)}, StatusInvalidModel},
	} {
		exchange(t, s, OpModelAppBind, &tc.req, OpModelAppStatus, &status)
		assert.Equal(t, tc.want, status.Status, "%+v", tc.req)
	}

	var list ModelAppList
	exchange(t, s, OpSIGModelAppGet, &ModelRef{Element: nodeAddr, Model: testModel}, OpSIGModelAppList, &list)
	assert.Equal(t, StatusSuccess, list.Status)
	assert.Equal(t, []uint16{1}, list.AppKeyIndexes)

	vendorList := ModelAppList{Model: mesh.ModelID{Vendor: true}}
	exchange(t, s, OpVendorModelAppGet, &ModelRef{Element: nodeAddr, Model: testVendor}, OpVendorModelAppList, &vendorList)
	assert.Equal(t, StatusSuccess, vendorList.Status)
	assert.Equal(t, testVendor, vendorList.Model)
	assert.Empty(t, vendorList.AppKeyIndexes)

	exchange(t, s, OpModelAppUnbind, bind, OpModelAppStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	exchange(t, s, OpModelAppUnbind, bind, OpModelAppStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	assert.Empty(t, manager.Configuration().Network.Bindings)
}

func TestServerSubscriptions(t *testing.T) {
	s, manager := newServer(t, nil)
	var status ModelSubscriptionStatus
	sub := func(op Opcode, addr mesh.Address, model mesh.ModelID) Status {
		exchange(t, s, op, &ModelSubscription{Element: nodeAddr, Address: addr, Model: model}, OpModelSubscriptionStatus, &status)
		return status.Status
	}
	list := func() []mesh.Address {
		var l ModelSubscriptionList
		exchange(t, s, OpSIGModelSubscriptionGet, &ModelRef{Element: nodeAddr, Model: testModel}, OpSIGModelSubscriptionList, &l)
		require.Equal(t, StatusSuccess, l.Status)
		return l.Addresses
	}

	assert.Equal(t, StatusSuccess, sub(OpModelSubscriptionAdd, 0xC000, testModel))
	assert.Equal(t, StatusSuccess, sub(OpModelSubscriptionAdd, 0xC001, testModel))
	assert.Equal(t, StatusSuccess, sub(OpModelSubscriptionDelete, 0xC000, testModel))
	assert.Equal(t, []mesh.Address{0xC001}, list())
	assert.True(t, manager.IsSubscribed(0xC001))

	assert.Equal(t, StatusSuccess, sub(OpModelSubscriptionOverwrite, 0xC002, testModel))
	assert.Equal(t, []mesh.Address{0xC002}, list())
	assert.False(t, manager.IsSubscribed(0xC001))

	assert.Equal(t, StatusInvalidAddress, sub(OpModelSubscriptionAdd, 0x0003, testModel))
	assert.Equal(t, StatusInvalidAddress, sub(OpModelSubscriptionAdd, mesh.AllNodes, testModel))
	assert.Equal(t, StatusNotASubscribeModel, sub(OpModelSubscriptionAdd, 0xC003, mesh.ConfigurationServer))
	assert.Equal(t, StatusInvalidModel, sub(OpModelSubscriptionAdd, 0xC003, mesh.SIGModel(0x1001)))

	assert.Equal(t, StatusSuccess, sub(OpModelSubscriptionAdd, 0xC004, testVendor))
	vendorList := ModelSubscriptionList{Model: mesh.ModelID{Vendor: true}}
	exchange(t, s, OpVendorModelSubscriptionGet, &ModelRef{Element: nodeAddr, Model: testVendor}, OpVendorModelSubscriptionList, &vendorList)
	assert.Equal(t, []mesh.Address{0xC004}, vendorList.Addresses)

	exchange(t, s, OpModelSubscriptionDeleteAll, &ModelRef{Element: nodeAddr, Model: testModel}, OpModelSubscriptionStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	assert.Equal(t, mesh.UnassignedAddress, status.Address)
	assert.Empty(t, list())
	assert.True(t, manager.IsSubscribed(0xC004))

	exchange(t, s, OpModelSubscriptionVirtualAdd, &ModelSubscriptionVirtual{Element: nodeAddr, Label: [16]byte{1}, Model: testModel}, OpModelSubscriptionStatus, &status)
	assert.Equal(t, StatusFeatureNotSupported, status.Status)
}

func TestServerPublication(t *testing.T) {
	s, manager := newServer(t, nil)
	var status ModelPublicationStatus

	pub := ModelPublication{Element: nodeAddr, Address: 0xC002, AppKeyIndex: 1, TTL: 0xFF, Period: 0x45, Retransmit: 0x0A, Model: testModel}
	exchange(t, s, OpModelPublicationSet, &pub, OpModelPublicationStatus, &status)
	assert.Equal(t, StatusInvalidAppKeyIndex, status.Status)

	addAppKey(t, s, 1)
	exchange(t, s, OpModelPublicationSet, &pub, OpModelPublicationStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	stored, ok := manager.Publication(nodeAddr, testModel)
	require.True(t, ok)
	assert.Equal(t, mesh.Address(0xC002), stored.Address)

	var got ModelPublicationStatus
	exchange(t, s, OpModelPublicationGet, &ModelRef{Element: nodeAddr, Model: testModel}, OpModelPublicationStatus, &got)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, pub, got.ModelPublication)

	for name, tc := range map[string]struct {
		mutate func(*ModelPublication)
		want   Status
	}{
		"credentials":          {func(p *ModelPublication) { p.Credentials = true }, StatusFeatureNotSupported},
		"configuration server": {func(p *ModelPublication) { p.Model = mesh.ConfigurationServer }, StatusInvalidModel},
		"virtual address":      {func(p *ModelPublication) { p.Address = 0x8001 }, StatusInvalidAddress},
		"other element":        {func(p *ModelPublication) { p.Element = nodeAddr + 2 }, StatusInvalidAddress},
	} {
		req := pub
		tc.mutate(&req)
		exchange(t, s, OpModelPublicationSet, &req, OpModelPublicationStatus, &status)
		assert.Equal(t, tc.want, status.Status, name)
	}

	var virtual ModelPublicationStatus
	exchange(t, s, OpModelPublicationVirtualSet, &ModelPublicationVirtual{ModelPublication: pub, Label: [16]byte{1}}, OpModelPublicationStatus, &virtual)
	assert.Equal(t, StatusFeatureNotSupported, virtual.Status)

	disable := pub
	disable.Address = mesh.UnassignedAddress
	exchange(t, s, OpModelPublicationSet, &disable, OpModelPublicationStatus, &status)
	assert.Equal(t, StatusSuccess, status.Status)
	got = ModelPublicationStatus{}
	exchange(t, s, OpModelPublicationGet, &ModelRef{Element: nodeAddr, Model: testModel}, OpModelPublicationStatus, &got)
	assert.Equal(t, mesh.UnassignedAddress, got.Address)
	_, ok = manager.Publication(nodeAddr, testModel)
	assert.False(t, ok)
}

func TestServerNodeStates(t *testing.T) {
	s, manager := newServer(t, nil)
	var state State

	exchange(t, s, OpBeaconGet, &Empty{}, OpBeaconStatus, &state)
	assert.Equal(t, uint8(0), state.Value)
	exchange(t, s, OpDefaultTTLGet, &Empty{}, OpDefaultTTLStatus, &state)
	assert.Equal(t, uint8(7), state.Value)
	_, ok := manager.Foundation()
	assert.False(t, ok)

	exchange(t, s, OpBeaconSet, &State{Value: 1}, OpBeaconStatus, &state)
	assert.Equal(t, uint8(1), state.Value)
	exchange(t, s, OpDefaultTTLSet, &State{Value: 0x10}, OpDefaultTTLStatus, &state)
	assert.Equal(t, uint8(0x10), state.Value)
	exchange(t, s, OpNetworkTransmitSet, &State{Value: 0x1B}, OpNetworkTransmitStatus, &state)
	assert.Equal(t, uint8(0x1B), state.Value)

	f, ok := manager.Foundation()
	require.True(t, ok)
	assert.Equal(t, config.Foundation{SecureBeacon: true, DefaultTTL: 0x10, NetworkTransmit: 0x1B}, f)

	var relay Relay
	exchange(t, s, OpRelayGet, &Empty{}, OpRelayStatus, &relay)
	assert.Equal(t, uint8(RelayNotSupported), relay.Relay)
	exchange(t, s, OpRelaySet, &Relay{Relay: RelayEnabled, Retransmit: 0x21}, OpRelayStatus, &relay)
	assert.Equal(t, Relay{Relay: RelayNotSupported}, relay)

	var composition CompositionStatus
	exchange(t, s, OpCompositionDataGet, &State{Value: 0xFF}, OpCompositionDataStatus, &composition)
	assert.Equal(t, uint8(0), composition.Page)
	assert.Equal(t, s.Composition().Elements, composition.Elements)

	r := exchange(t, s, OpNodeReset, &Empty{}, OpNodeResetStatus, &Empty{})
	assert.True(t, r.Reset)
	assert.Equal(t, []byte{0x80, 0x4A}, r.Payload)
}

func TestServerStorageFailure(t *testing.T) {
	storage := &flakyStorage{MemoryStorage: config.NewMemoryStorage()}
	s, manager := newServer(t, storage)
	storage.broken.Store(true)

	var status AppKeyStatus
	exchange(t, s, OpAppKeyAdd, &AppKeyAdd{AppKeyIndex: 1, Key: testAppKey}, OpAppKeyStatus, &status)
	assert.Equal(t, StatusStorageFailure, status.Status)
	_, ok := manager.AppKey(1)
	assert.False(t, ok)
}
