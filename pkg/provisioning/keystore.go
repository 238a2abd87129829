package provisioning

import (
	"context"
	"fmt"
	"sync"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// KeyStore holds the device's ECDH key pair and receives the result of
// provisioning. The configuration manager implements it for a real node.
type KeyStore interface {
	// PublicKey returns the device's public key.
	PublicKey() (*PublicKey, error)
	// SetPeerPublicKey installs the provisioner's key and computes the shared secret.
	SetPeerPublicKey(ctx context.Context, peer *PublicKey) error
	// SharedSecret returns the ECDH secret computed by SetPeerPublicKey.
	SharedSecret() ([]byte, error)
	// SetProvisioningData installs the decrypted provisioning data.
	SetProvisioningData(ctx context.Context, provisioningSalt []byte, data *ProvisioningData) error
}

// MemoryKeyStore is a KeyStore that keeps everything in memory.
type MemoryKeyStore struct {
	mu       sync.Mutex
	provider crypto.Provider
	keyPair  *crypto.P256KeyPair
	secret   []byte
	data     *ProvisioningData
	devKey   []byte
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// NewMemoryKeyStore wraps kp. A nil provider uses crypto.Default.
func NewMemoryKeyStore(kp *crypto.P256KeyPair, provider crypto.Provider) *MemoryKeyStore {
	if provider == nil {
		provider = crypto.Default
	}
	return &MemoryKeyStore{provider: provider, keyPair: kp}
}

func (s *MemoryKeyStore) PublicKey() (*PublicKey, error) {
	if s.keyPair == nil {
		return nil, mesh.ErrKeyInitialization
	}
	return PublicKeyFromBytes(s.keyPair.PublicKey())
}

func (s *MemoryKeyStore) SetPeerPublicKey(_ context.Context, peer *PublicKey) error {
	if s.keyPair == nil {
		return mesh.ErrKeyInitialization
	}
	secret, err := s.keyPair.ECDH(peer.Bytes())
	if err != nil {
		return mesh.NewCryptoError("peer public key", err)
	}
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyStore) SharedSecret() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret == nil {
		return nil, ErrNoSharedSecret
	}
	return s.secret, nil
}

func (s *MemoryKeyStore) SetProvisioningData(_ context.Context, provisioningSalt []byte, data *ProvisioningData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.secret == nil {
		return ErrNoSharedSecret
	}
	devKey, err := DeriveDeviceKey(s.provider, s.secret, provisioningSalt)
	if err != nil {
		return fmt.Errorf("device key: %w", err)
	}
	d := *data
	s.data = &d
	s.devKey = devKey
	return nil
}

// ProvisioningData returns the installed data, or nil before provisioning completes.
func (s *MemoryKeyStore) ProvisioningData() *ProvisioningData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// DeviceKey returns the derived device key, or nil before provisioning completes.
func (s *MemoryKeyStore) DeviceKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devKey
}
