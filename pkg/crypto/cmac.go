package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
)

// CMACSize is the size of an AES-CMAC tag.
const CMACSize = 16

// AESCMAC computes AES-CMAC (RFC 4493) of msg under a 16-byte key.
func AESCMAC(key, msg []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac(block, msg), nil
}

func cmac(block cipher.Block, msg []byte) []byte {
	var l [aesBlockSize]byte
	block.Encrypt(l[:], l[:])
	k1 := shiftSubkey(l)
	k2 := shiftSubkey(k1)

	n := (len(msg) + aesBlockSize - 1) / aesBlockSize
	complete := n > 0 && len(msg)%aesBlockSize == 0
	if n == 0 {
		n = 1
	}

	var last [aesBlockSize]byte
	tail := msg[(n-1)*aesBlockSize:]
	if complete {
		subtle.XORBytes(last[:], tail, k1[:])
	} else {
		copy(last[:], tail)
		last[len(tail)] = 0x80
		subtle.XORBytes(last[:], last[:], k2[:])
	}

	x := make([]byte, aesBlockSize)
	for i := 0; i < n-1; i++ {
		subtle.XORBytes(x, x, msg[i*aesBlockSize:(i+1)*aesBlockSize])
		block.Encrypt(x, x)
	}
	subtle.XORBytes(x, x, last[:])
	block.Encrypt(x, x)
	return x
}

// shiftSubkey doubles in GF(2^128): shift left one bit, xor Rb on carry.
func shiftSubkey(in [aesBlockSize]byte) [aesBlockSize]byte {
	var out [aesBlockSize]byte
	var carry byte
	for i := aesBlockSize - 1; i >= 0; i-- {
		out[i] = in[i]<<1 | carry
		carry = in[i] >> 7
	}
	if in[0]&0x80 != 0 {
		out[aesBlockSize-1] ^= 0x87
	}
	return out
}

// E is the mesh security function e(): a single AES-128 block encryption.
func E(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(plaintext) != aesBlockSize {
		return nil, ErrInvalidBlockSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, aesBlockSize)
	block.Encrypt(out, plaintext)
	return out, nil
}
