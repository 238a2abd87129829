package crypto

import (
	"encoding/binary"
	"fmt"
)

// Key derivation functions from Mesh Profile Section 3.8.2.
// Every function is built on AES-CMAC.

// S1 is the salt generation function: s1(M) = AES-CMAC_ZERO(M).
func S1(m []byte) ([]byte, error) {
	var zero [KeySize]byte
	return AESCMAC(zero[:], m)
}

// S1String is S1 over an ASCII label such as "smk2" or "prck".
func S1String(label string) []byte {
	out, _ := S1([]byte(label))
	return out
}

// K1 derives a key: k1(N, SALT, P) = AES-CMAC_T(P) where T = AES-CMAC_SALT(N).
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := AESCMAC(salt, n)
	if err != nil {
		return nil, fmt.Errorf("k1 salt: %w", err)
	}
	return AESCMAC(t, p)
}

// NetworkKeyMaterial is the output of k2.
type NetworkKeyMaterial struct {
	NID           uint8
	EncryptionKey [16]byte
	PrivacyKey    [16]byte
}

// K2 derives the NID, encryption key and privacy key from a network key.
// P is 0x00 for the master credentials.
func K2(netKey, p []byte) (NetworkKeyMaterial, error) {
	var out NetworkKeyMaterial
	t, err := AESCMAC(S1String("smk2"), netKey)
	if err != nil {
		return out, fmt.Errorf("k2: %w", err)
	}

	t1, err := AESCMAC(t, concat(p, []byte{0x01}))
	if err != nil {
		return out, err
	}
	t2, err := AESCMAC(t, concat(t1, p, []byte{0x02}))
	if err != nil {
		return out, err
	}
	t3, err := AESCMAC(t, concat(t2, p, []byte{0x03}))
	if err != nil {
		return out, err
	}

	out.NID = t1[15] & 0x7F
	copy(out.EncryptionKey[:], t2)
	copy(out.PrivacyKey[:], t3)
	return out, nil
}

// K3 derives the 64-bit network ID from a network key.
func K3(netKey []byte) ([8]byte, error) {
	var id [8]byte
	t, err := AESCMAC(S1String("smk3"), netKey)
	if err != nil {
		return id, fmt.Errorf("k3: %w", err)
	}
	full, err := AESCMAC(t, []byte("id64\x01"))
	if err != nil {
		return id, err
	}
	copy(id[:], full[8:])
	return id, nil
}

// K4 derives the 6-bit application key identifier (AID).
func K4(appKey []byte) (uint8, error) {
	t, err := AESCMAC(S1String("smk4"), appKey)
	if err != nil {
		return 0, fmt.Errorf("k4: %w", err)
	}
	full, err := AESCMAC(t, []byte("id6\x01"))
	if err != nil {
		return 0, err
	}
	return full[15] & 0x3F, nil
}

// VirtualAddress hashes a label UUID into the 0x8000-0xBFFF range.
func VirtualAddress(label []byte) (uint16, error) {
	hash, err := AESCMAC(S1String("vtad"), label)
	if err != nil {
		return 0, fmt.Errorf("virtual address: %w", err)
	}
	return 0x8000 | binary.BigEndian.Uint16(hash[14:])&0x3FFF, nil
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
