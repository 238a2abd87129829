// AES-CCM for Bluetooth Mesh (Mesh Profile Section 3.8.2, NIST 800-38C, RFC 3610).
// Every mesh use of CCM has a 13-octet nonce; the MIC is 32 or 64 bits
// depending on the layer (NetMIC, TransMIC, provisioning data MIC).

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
)

const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16

	// NonceSize is the CCM nonce size used by every mesh nonce.
	NonceSize = 13

	// MIC32Size is the size of a 32-bit MIC (access NetMIC, default TransMIC).
	MIC32Size = 4

	// MIC64Size is the size of a 64-bit MIC (control NetMIC, SZMIC TransMIC, provisioning data).
	MIC64Size = 8

	aesBlockSize = 16
)

var (
	ErrInvalidKeySize       = errors.New("crypto: invalid key size, must be 16 bytes")
	ErrInvalidBlockSize     = errors.New("crypto: invalid block size, must be 16 bytes")
	ErrInvalidNonceSize     = errors.New("crypto: invalid nonce size")
	ErrInvalidMICSize       = errors.New("crypto: invalid MIC size, must be 4, 6, 8, 10, 12, 14 or 16")
	ErrPlaintextTooLong     = errors.New("crypto: plaintext too long")
	ErrCiphertextTooShort   = errors.New("crypto: ciphertext shorter than MIC")
	ErrAuthenticationFailed = errors.New("crypto: message authentication failed")
)

// AESCCM is an AES-128-CCM instance with a fixed MIC size.
type AESCCM struct {
	block   cipher.Block
	micSize int // M
	lenSize int // L = 15 - nonce size
}

// NewAESCCM returns a CCM cipher with a 13-octet nonce and the given MIC size.
func NewAESCCM(key []byte, micSize int) (*AESCCM, error) {
	return NewAESCCMWithParams(key, NonceSize, micSize)
}

// NewAESCCMWithParams allows other nonce sizes, which the RFC 3610 vectors need.
func NewAESCCMWithParams(key []byte, nonceSize, micSize int) (*AESCCM, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	lenSize := 15 - nonceSize
	if lenSize < 2 || lenSize > 8 {
		return nil, ErrInvalidNonceSize
	}
	if micSize < 4 || micSize > 16 || micSize%2 != 0 {
		return nil, ErrInvalidMICSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &AESCCM{block: block, micSize: micSize, lenSize: lenSize}, nil
}

// NonceSize returns the nonce size the cipher was built for.
func (c *AESCCM) NonceSize() int { return 15 - c.lenSize }

// MICSize returns the MIC size in bytes.
func (c *AESCCM) MICSize() int { return c.micSize }

// Seal encrypts plaintext and returns ciphertext || MIC.
func (c *AESCCM) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrInvalidNonceSize
	}
	if c.lenSize < 8 && len(plaintext) > (1<<(8*c.lenSize))-1 {
		return nil, ErrPlaintextTooLong
	}

	tag := c.cbcMAC(nonce, plaintext, aad)
	out := make([]byte, len(plaintext)+c.micSize)

	s0 := c.s0(nonce)
	for i := 0; i < c.micSize; i++ {
		out[len(plaintext)+i] = tag[i] ^ s0[i]
	}
	c.ctr(nonce, out[:len(plaintext)], plaintext)
	return out, nil
}

// Open verifies and decrypts ciphertext || MIC.
func (c *AESCCM) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != c.NonceSize() {
		return nil, ErrInvalidNonceSize
	}
	if len(ciphertext) < c.micSize {
		return nil, ErrCiphertextTooShort
	}
	body := ciphertext[:len(ciphertext)-c.micSize]
	mic := ciphertext[len(ciphertext)-c.micSize:]

	s0 := c.s0(nonce)
	received := make([]byte, c.micSize)
	for i := range received {
		received[i] = mic[i] ^ s0[i]
	}

	plaintext := make([]byte, len(body))
	c.ctr(nonce, plaintext, body)

	expected := c.cbcMAC(nonce, plaintext, aad)
	if subtle.ConstantTimeCompare(received, expected[:c.micSize]) != 1 {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// cbcMAC computes T over B_0, the encoded AAD and the plaintext.
func (c *AESCCM) cbcMAC(nonce, plaintext, aad []byte) []byte {
	var b0 [aesBlockSize]byte
	if len(aad) > 0 {
		b0[0] |= 1 << 6
	}
	b0[0] |= byte((c.micSize-2)/2) << 3
	b0[0] |= byte(c.lenSize - 1)
	n := c.NonceSize()
	copy(b0[1:1+n], nonce)
	putLength(b0[1+n:], len(plaintext))

	mac := make([]byte, aesBlockSize)
	c.block.Encrypt(mac, b0[:])

	if len(aad) > 0 {
		// Mesh AAD is at most a 16-octet label UUID, but encode the long
		// forms anyway so the cipher stays general.
		var first [aesBlockSize]byte
		var hdr int
		switch {
		case len(aad) < (1<<16)-(1<<8):
			binary.BigEndian.PutUint16(first[0:2], uint16(len(aad)))
			hdr = 2
		default:
			first[0], first[1] = 0xFF, 0xFE
			binary.BigEndian.PutUint32(first[2:6], uint32(len(aad)))
			hdr = 6
		}
		take := copy(first[hdr:], aad)
		c.absorb(mac, first[:])
		c.absorbAll(mac, aad[take:])
	}
	c.absorbAll(mac, plaintext)
	return mac[:c.micSize]
}

func (c *AESCCM) absorb(mac, block []byte) {
	subtle.XORBytes(mac, mac, block)
	c.block.Encrypt(mac, mac)
}

func (c *AESCCM) absorbAll(mac, data []byte) {
	for len(data) > 0 {
		var block [aesBlockSize]byte
		n := copy(block[:], data)
		data = data[n:]
		c.absorb(mac, block[:])
	}
}

// s0 returns E(K, A_0), the keystream block that masks the MIC.
func (c *AESCCM) s0(nonce []byte) []byte {
	var a0 [aesBlockSize]byte
	a0[0] = byte(c.lenSize - 1)
	copy(a0[1:1+c.NonceSize()], nonce)
	s0 := make([]byte, aesBlockSize)
	c.block.Encrypt(s0, a0[:])
	return s0
}

// ctr runs CTR mode from counter 1.
func (c *AESCCM) ctr(nonce []byte, dst, src []byte) {
	var ctr [aesBlockSize]byte
	ctr[0] = byte(c.lenSize - 1)
	copy(ctr[1:1+c.NonceSize()], nonce)
	ctr[aesBlockSize-1] = 1

	var ks [aesBlockSize]byte
	for i := 0; i < len(src); i += aesBlockSize {
		c.block.Encrypt(ks[:], ctr[:])
		end := min(i+aesBlockSize, len(src))
		subtle.XORBytes(dst[i:end], src[i:end], ks[:end-i])
		incrementCounter(ctr[aesBlockSize-c.lenSize:])
	}
}

func putLength(dst []byte, length int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte(length)
		length >>= 8
	}
}

func incrementCounter(ctr []byte) {
	for i := len(ctr) - 1; i >= 0; i-- {
		ctr[i]++
		if ctr[i] != 0 {
			break
		}
	}
}

// AESCCMEncrypt seals plaintext under key with a 13-octet nonce.
func AESCCMEncrypt(key, nonce, plaintext, aad []byte, micSize int) ([]byte, error) {
	ccm, err := NewAESCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	return ccm.Seal(nonce, plaintext, aad)
}

// AESCCMDecrypt opens ciphertext || MIC under key with a 13-octet nonce.
func AESCCMDecrypt(key, nonce, ciphertext, aad []byte, micSize int) ([]byte, error) {
	ccm, err := NewAESCCM(key, micSize)
	if err != nil {
		return nil, err
	}
	return ccm.Open(nonce, ciphertext, aad)
}
