package config

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Storage persists the configuration. Required.
	Storage Storage

	// ForceReset discards the stored configuration and starts from a fresh one.
	ForceReset bool

	// Elements is the number of elements of the node. Default 1.
	Elements int

	// Rand is the source for the UUID and private key. Default crypto/rand.
	Rand io.Reader

	// Crypto derives the device key. Default crypto.Default.
	Crypto crypto.Provider

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Manager owns the node configuration. Readers get snapshots without
// locking; writers clone, modify, persist and swap under a mutex, so a
// failed persist leaves the previous configuration in place.
type Manager struct {
	storage    Storage
	forceReset bool
	elements   int
	rand       io.Reader
	crypto     crypto.Provider
	log        logging.LeveledLogger

	mu      sync.Mutex
	current atomic.Pointer[Configuration]
	seq     atomic.Uint32
}

// NewManager creates a manager. Call Initialize before use.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: no storage", mesh.ErrStorageInitialization)
	}
	m := &Manager{
		storage:    config.Storage,
		forceReset: config.ForceReset,
		elements:   config.Elements,
		rand:       config.Rand,
		crypto:     config.Crypto,
	}
	if m.elements <= 0 {
		m.elements = 1
	}
	if m.rand == nil {
		m.rand = rand.Reader
	}
	if m.crypto == nil {
		m.crypto = crypto.Default
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("config")
	}
	m.current.Store(&Configuration{})
	return m, nil
}

// Initialize loads the stored configuration, or writes a fresh one when
// ForceReset is set.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.forceReset {
		if m.log != nil {
			m.log.Info("force reset")
		}
		return m.reset(ctx)
	}

	payload, err := m.storage.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", mesh.ErrStorageInitialization, err)
	}
	if payload == nil {
		return fmt.Errorf("%w: nothing stored", mesh.ErrStorageInitialization)
	}
	cfg, err := DecodePayload(payload)
	if err != nil {
		return err
	}
	if _, err := cfg.Validate(m.rand); err != nil {
		return err
	}
	cfg.reserveSequence()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persist(ctx, cfg); err != nil {
		return err
	}
	m.current.Store(cfg)
	m.seq.Store(cfg.Seq)
	if m.log != nil {
		m.log.Infof("loaded configuration: uuid %s, provisioned %t, seq %d", cfg.UUID, cfg.IsProvisioned(), cfg.Seq)
	}
	return nil
}

func (m *Manager) reset(ctx context.Context) error {
	cfg := &Configuration{}
	if _, err := cfg.Validate(m.rand); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.persist(ctx, cfg); err != nil {
		return err
	}
	m.current.Store(cfg)
	m.seq.Store(cfg.Seq)
	return nil
}

func (m *Manager) persist(ctx context.Context, cfg *Configuration) error {
	payload, err := EncodePayload(cfg)
	if err != nil {
		return err
	}
	if err := m.storage.Store(ctx, payload); err != nil {
		if errors.Is(err, mesh.ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: %v", mesh.ErrStorage, err)
	}
	return nil
}

// Configuration returns the current configuration. The snapshot is shared
// and must not be modified; use UpdateConfiguration.
func (m *Manager) Configuration() *Configuration {
	return m.current.Load()
}

// Elements returns the number of elements of the node.
func (m *Manager) Elements() int { return m.elements }

// UpdateConfiguration applies f to a copy of the configuration, persists the
// copy and makes it current. If f or the persist fails nothing changes.
func (m *Manager) UpdateConfiguration(ctx context.Context, f func(*Configuration) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.current.Load().Clone()
	if err := f(cfg); err != nil {
		return err
	}
	if err := m.persist(ctx, cfg); err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}

// NextSequence returns the next sequence number. Every SequenceThreshold
// numbers the counter is persisted.
func (m *Manager) NextSequence(ctx context.Context) (uint32, error) {
	next := m.seq.Add(1)
	seq := next - 1
	if seq > MaxSequence {
		return 0, ErrSequenceExhausted
	}
	if next%SequenceThreshold == 0 {
		err := m.UpdateConfiguration(ctx, func(c *Configuration) error {
			if next > c.Seq {
				c.Seq = next
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Sequence returns the next sequence number without consuming it.
func (m *Manager) Sequence() uint32 { return m.seq.Load() }

// IsProvisioned reports whether provisioning data is installed.
func (m *Manager) IsProvisioned() bool { return m.Configuration().IsProvisioned() }

// IsLocalUnicast reports whether addr is one of the node's element addresses.
func (m *Manager) IsLocalUnicast(addr mesh.Address) bool {
	return m.Configuration().IsLocalUnicast(addr, m.elements)
}

// UUID returns the device UUID.
func (m *Manager) UUID() mesh.UUID { return m.Configuration().UUID }

// IVIndex returns the current IV index or mesh.ErrNotProvisioned.
func (m *Manager) IVIndex() (uint32, error) { return m.Configuration().IVIndex() }

// UnicastAddress returns the primary element address.
func (m *Manager) UnicastAddress() (mesh.UnicastAddress, error) {
	addr, ok := m.Configuration().UnicastAddress()
	if !ok {
		return 0, mesh.ErrNotProvisioned
	}
	return addr, nil
}

// FindNetworksByNID returns the networks whose NID matches.
func (m *Manager) FindNetworksByNID(nid uint8) []NetworkDetails {
	return m.Configuration().FindNetworksByNID(nid)
}

// FindAppKeysByAID returns the app keys whose AID matches.
func (m *Manager) FindAppKeysByAID(aid uint8) []AppKeyDetails {
	return m.Configuration().FindAppKeysByAID(aid)
}

// DeviceKey returns the device key installed by provisioning.
func (m *Manager) DeviceKey() ([]byte, error) { return m.Configuration().DeviceKey() }

// PrimaryNetwork returns the network installed by provisioning.
func (m *Manager) PrimaryNetwork() (NetworkDetails, error) {
	cfg := m.Configuration()
	if !cfg.IsProvisioned() {
		return NetworkDetails{}, mesh.ErrNotProvisioned
	}
	return *cfg.Network.Primary(), nil
}

// AppKey returns the app key with the given index.
func (m *Manager) AppKey(index uint16) (AppKeyDetails, bool) {
	cfg := m.Configuration()
	if cfg.Network == nil {
		return AppKeyDetails{}, false
	}
	return cfg.Network.AppKey(index)
}

// NetworkByKeyIndex returns the network with the given key index.
func (m *Manager) NetworkByKeyIndex(index uint16) (NetworkDetails, error) {
	cfg := m.Configuration()
	if cfg.Network == nil {
		return NetworkDetails{}, mesh.ErrNotProvisioned
	}
	d, err := cfg.Network.ByKeyIndex(index)
	if err != nil {
		return NetworkDetails{}, err
	}
	return *d, nil
}

// AddAppKey stores an application key bound to a known network key. Adding
// the same key under the same index again is a no-op.
func (m *Manager) AddAppKey(ctx context.Context, netKeyIndex, appKeyIndex uint16, key [KeySize]byte) error {
	details, err := NewAppKeyDetails(key, appKeyIndex, netKeyIndex)
	if err != nil {
		return err
	}
	return m.UpdateConfiguration(ctx, func(c *Configuration) error {
		if c.Network == nil {
			return mesh.ErrNotProvisioned
		}
		return c.Network.AddAppKey(details)
	})
}

// NodeReset forgets every key and the network, keeping the sequence
// counter, and returns the node to the unprovisioned state with a new
// identity.
func (m *Manager) NodeReset(ctx context.Context) error {
	err := m.UpdateConfiguration(ctx, func(c *Configuration) error {
		seq := c.Seq
		*c = Configuration{Seq: seq}
		_, err := c.Validate(m.rand)
		return err
	})
	if err == nil && m.log != nil {
		m.log.Info("node reset")
	}
	return err
}

// The provisioning key store: the provisionee's key pair and the
// installation of provisioning data live in the persisted configuration.

var _ provisioning.KeyStore = (*Manager)(nil)

// PublicKey implements provisioning.KeyStore.
func (m *Manager) PublicKey() (*provisioning.PublicKey, error) {
	kp, err := crypto.P256KeyPairFromPrivateKey(m.Configuration().Keys.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mesh.ErrKeyInitialization, err)
	}
	return provisioning.PublicKeyFromBytes(kp.PublicKey())
}

// SetPeerPublicKey implements provisioning.KeyStore.
func (m *Manager) SetPeerPublicKey(ctx context.Context, peer *provisioning.PublicKey) error {
	return m.UpdateConfiguration(ctx, func(c *Configuration) error {
		kp, err := crypto.P256KeyPairFromPrivateKey(c.Keys.PrivateKey)
		if err != nil {
			return fmt.Errorf("%w: %v", mesh.ErrKeyInitialization, err)
		}
		secret, err := kp.ECDH(peer.Bytes())
		if err != nil {
			return mesh.NewCryptoError("peer public key", err)
		}
		c.Keys.SharedSecret = secret
		return nil
	})
}

// SharedSecret implements provisioning.KeyStore.
func (m *Manager) SharedSecret() ([]byte, error) {
	secret := m.Configuration().Keys.SharedSecret
	if len(secret) == 0 {
		return nil, provisioning.ErrNoSharedSecret
	}
	return secret, nil
}

// SetProvisioningData implements provisioning.KeyStore. It derives the
// device key and replaces the network with the provisioned one.
func (m *Manager) SetProvisioningData(ctx context.Context, salt []byte, data *provisioning.ProvisioningData) error {
	secret, err := m.SharedSecret()
	if err != nil {
		return err
	}
	devKey, err := provisioning.DeriveDeviceKey(m.crypto, secret, salt)
	if err != nil {
		return err
	}
	unicast := data.UnicastAddress
	details, err := NewNetworkDetails(data.NetworkKey, data.KeyIndex, data.IVIndex, unicast, data.Flags)
	if err != nil {
		return err
	}
	err = m.UpdateConfiguration(ctx, func(c *Configuration) error {
		c.Keys.DeviceKey = devKey
		c.Network = &Network{Networks: []NetworkDetails{details}}
		return nil
	})
	if err == nil && m.log != nil {
		m.log.Infof("provisioned: address %s, nid %02x, iv index %d", unicast, details.NID, details.IVIndex)
	}
	return err
}
