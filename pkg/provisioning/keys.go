package provisioning

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
)

// Session derivations (Mesh Profile Section 5.4.2.4 and 5.4.2.5).

var (
	labelConfirmationKey = []byte("prck")
	labelSessionKey      = []byte("prsk")
	labelSessionNonce    = []byte("prsn")
	labelDeviceKey       = []byte("prdk")
)

// confirmationValue returns AES-CMAC(k1(secret, salt, "prck"), random || authValue).
func confirmationValue(provider crypto.Provider, secret, confirmationSalt []byte, random [RandomSize]byte, auth AuthValue) ([ConfirmationSize]byte, error) {
	var out [ConfirmationSize]byte
	key, err := provider.K1(secret, confirmationSalt, labelConfirmationKey)
	if err != nil {
		return out, fmt.Errorf("confirmation key: %w", err)
	}
	authBytes := auth.Bytes()
	msg := make([]byte, 0, RandomSize+AuthValueSize)
	msg = append(msg, random[:]...)
	msg = append(msg, authBytes[:]...)
	mac, err := provider.AESCMAC(key, msg)
	if err != nil {
		return out, fmt.Errorf("confirmation: %w", err)
	}
	copy(out[:], mac)
	return out, nil
}

// sessionMaterial is the output of the Data-phase derivations.
type sessionMaterial struct {
	provisioningSalt []byte
	sessionKey       []byte
	sessionNonce     []byte
}

func deriveSession(provider crypto.Provider, secret, confirmationSalt []byte, randomProvisioner, randomDevice [RandomSize]byte) (*sessionMaterial, error) {
	in := make([]byte, 0, 3*16)
	in = append(in, confirmationSalt...)
	in = append(in, randomProvisioner[:]...)
	in = append(in, randomDevice[:]...)
	salt, err := provider.S1(in)
	if err != nil {
		return nil, fmt.Errorf("provisioning salt: %w", err)
	}
	key, err := provider.K1(secret, salt, labelSessionKey)
	if err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	nonce, err := provider.K1(secret, salt, labelSessionNonce)
	if err != nil {
		return nil, fmt.Errorf("session nonce: %w", err)
	}
	return &sessionMaterial{
		provisioningSalt: salt,
		sessionKey:       key,
		sessionNonce:     nonce[len(nonce)-crypto.NonceSize:],
	}, nil
}

// DeriveDeviceKey returns k1(ECDHSecret, ProvisioningSalt, "prdk").
func DeriveDeviceKey(provider crypto.Provider, secret, provisioningSalt []byte) ([]byte, error) {
	return provider.K1(secret, provisioningSalt, labelDeviceKey)
}
