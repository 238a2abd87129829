package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// P-256 sizes used by provisioning (Mesh Profile Section 5.4.2.3).
const (
	// P256CoordinateSize is the size of one affine coordinate.
	P256CoordinateSize = 32

	// P256PublicKeySize is X || Y as carried in a Public Key PDU.
	P256PublicKeySize = 2 * P256CoordinateSize

	// P256PrivateKeySize is the size of the private scalar.
	P256PrivateKeySize = 32

	// ECDHSecretSize is the size of the shared secret (X of the shared point).
	ECDHSecretSize = 32
)

var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid P-256 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid P-256 private key")
)

// P256KeyPair is an ephemeral ECDH key pair used during provisioning.
type P256KeyPair struct {
	private *ecdh.PrivateKey
}

// P256GenerateKeyPair generates a new key pair from rng (crypto/rand if nil).
func P256GenerateKeyPair(rng io.Reader) (*P256KeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := ecdh.P256().GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return &P256KeyPair{private: priv}, nil
}

// P256KeyPairFromPrivateKey restores a key pair from its 32-byte scalar.
func P256KeyPairFromPrivateKey(scalar []byte) (*P256KeyPair, error) {
	if len(scalar) != P256PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &P256KeyPair{private: priv}, nil
}

// PrivateKey returns the 32-byte private scalar.
func (kp *P256KeyPair) PrivateKey() []byte {
	return kp.private.Bytes()
}

// PublicKey returns X || Y (64 bytes), the provisioning wire format.
func (kp *P256KeyPair) PublicKey() []byte {
	// ecdh encodes uncompressed points as 0x04 || X || Y.
	return kp.private.PublicKey().Bytes()[1:]
}

// PublicKeyXY returns the two coordinates separately.
func (kp *P256KeyPair) PublicKeyXY() (x, y [P256CoordinateSize]byte) {
	pub := kp.PublicKey()
	copy(x[:], pub[:P256CoordinateSize])
	copy(y[:], pub[P256CoordinateSize:])
	return x, y
}

// ECDH computes the shared secret with a peer key given as X || Y.
// Points not on the curve are rejected.
func (kp *P256KeyPair) ECDH(peer []byte) ([]byte, error) {
	if len(peer) != P256PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	uncompressed := make([]byte, 1+P256PublicKeySize)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], peer)

	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	secret, err := kp.private.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	return secret, nil
}
