package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Provider is the set of primitives the protocol layers need. Layers take a
// Provider rather than calling package functions so hosts can substitute a
// hardware engine or deterministic randomness in tests.
type Provider interface {
	AESCMAC(key, msg []byte) ([]byte, error)
	S1(m []byte) ([]byte, error)
	K1(n, salt, p []byte) ([]byte, error)
	AESCCMEncrypt(key, nonce, plaintext, aad []byte, micSize int) ([]byte, error)
	AESCCMDecrypt(key, nonce, ciphertext, aad []byte, micSize int) ([]byte, error)
	E(key, block []byte) ([]byte, error)
	Random(n int) ([]byte, error)
}

// Default is the software Provider backed by this package.
var Default Provider = NewSoftwareProvider(nil)

// SoftwareProvider implements Provider in software.
type SoftwareProvider struct {
	rand io.Reader
}

// NewSoftwareProvider returns a Provider drawing randomness from rng
// (crypto/rand when nil).
func NewSoftwareProvider(rng io.Reader) *SoftwareProvider {
	if rng == nil {
		rng = rand.Reader
	}
	return &SoftwareProvider{rand: rng}
}

var _ Provider = (*SoftwareProvider)(nil)

func (p *SoftwareProvider) AESCMAC(key, msg []byte) ([]byte, error) { return AESCMAC(key, msg) }

func (p *SoftwareProvider) S1(m []byte) ([]byte, error) { return S1(m) }

func (p *SoftwareProvider) K1(n, salt, info []byte) ([]byte, error) { return K1(n, salt, info) }

func (p *SoftwareProvider) AESCCMEncrypt(key, nonce, plaintext, aad []byte, micSize int) ([]byte, error) {
	return AESCCMEncrypt(key, nonce, plaintext, aad, micSize)
}

func (p *SoftwareProvider) AESCCMDecrypt(key, nonce, ciphertext, aad []byte, micSize int) ([]byte, error) {
	return AESCCMDecrypt(key, nonce, ciphertext, aad, micSize)
}

func (p *SoftwareProvider) E(key, block []byte) ([]byte, error) { return E(key, block) }

// Random returns n bytes from the provider's random source.
func (p *SoftwareProvider) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(p.rand, b); err != nil {
		return nil, fmt.Errorf("random: %w", err)
	}
	return b, nil
}
