package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// RFC 3610 Section 8 packet vectors. All use 13-octet nonces.
var rfc3610Vectors = []struct {
	name       string
	key        string
	nonce      string
	aad        string
	plaintext  string
	ciphertext string
	mic        string
}{
	{
		name:       "vector1",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000003020100a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
		ciphertext: "588c979a61c663d2f066d0c2c0f989806d5f6b61dac384",
		mic:        "17e8d12cfdf926e0",
	},
	{
		name:       "vector2",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000004030201a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		ciphertext: "72c91a36e135f8cf291ca894085c87e3cc15c439c9e43a3b",
		mic:        "a091d56e10400916",
	},
	{
		name:       "vector7",
		key:        "c0c1c2c3c4c5c6c7c8c9cacbcccdcecf",
		nonce:      "00000009080706a0a1a2a3a4a5",
		aad:        "0001020304050607",
		plaintext:  "08090a0b0c0d0e0f101112131415161718191a1b1c1d1e",
		ciphertext: "0135d1b2c95f41d5d1d4fec185d166b8094e999dfed96c",
		mic:        "048c56602c97acbb7490",
	},
}

func TestAESCCMRFC3610(t *testing.T) {
	for _, tc := range rfc3610Vectors {
		t.Run(tc.name, func(t *testing.T) {
			key := mustHex(t, tc.key)
			nonce := mustHex(t, tc.nonce)
			aad := mustHex(t, tc.aad)
			pt := mustHex(t, tc.plaintext)
			want := append(mustHex(t, tc.ciphertext), mustHex(t, tc.mic)...)

			ccm, err := NewAESCCMWithParams(key, len(nonce), len(tc.mic)/2)
			require.NoError(t, err)

			got, err := ccm.Seal(nonce, pt, aad)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			opened, err := ccm.Open(nonce, got, aad)
			require.NoError(t, err)
			assert.Equal(t, pt, opened)
		})
	}
}

func TestAESCCMMeshMICSizes(t *testing.T) {
	key := mustHex(t, "0953fa93e7caac9638f58820220a398e")
	nonce := mustHex(t, "00800000011201000012345678")
	pt := mustHex(t, "fffd034b50057e400000010000")

	for _, micSize := range []int{MIC32Size, MIC64Size} {
		sealed, err := AESCCMEncrypt(key, nonce, pt, nil, micSize)
		require.NoError(t, err)
		require.Len(t, sealed, len(pt)+micSize)

		opened, err := AESCCMDecrypt(key, nonce, sealed, nil, micSize)
		require.NoError(t, err)
		assert.Equal(t, pt, opened)
	}
}

func TestAESCCMTamper(t *testing.T) {
	key := make([]byte, KeySize)
	nonce := make([]byte, NonceSize)
	sealed, err := AESCCMEncrypt(key, nonce, []byte("hello mesh"), nil, MIC32Size)
	require.NoError(t, err)

	for i := range sealed {
		tampered := append([]byte(nil), sealed...)
		tampered[i] ^= 0x01
		_, err := AESCCMDecrypt(key, nonce, tampered, nil, MIC32Size)
		assert.ErrorIs(t, err, ErrAuthenticationFailed, "byte %d", i)
	}
}

func TestAESCCMLabelAAD(t *testing.T) {
	key := make([]byte, KeySize)
	nonce := make([]byte, NonceSize)
	label := mustHex(t, "0073e7e4d8b9440faf8415df4c56c0e1")

	sealed, err := AESCCMEncrypt(key, nonce, []byte{0x01, 0x02}, label, MIC32Size)
	require.NoError(t, err)

	_, err = AESCCMDecrypt(key, nonce, sealed, nil, MIC32Size)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	opened, err := AESCCMDecrypt(key, nonce, sealed, label, MIC32Size)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, opened)
}

func TestAESCCMParams(t *testing.T) {
	_, err := NewAESCCM(make([]byte, 15), MIC32Size)
	assert.ErrorIs(t, err, ErrInvalidKeySize)

	_, err = NewAESCCM(make([]byte, KeySize), 5)
	assert.ErrorIs(t, err, ErrInvalidMICSize)

	ccm, err := NewAESCCM(make([]byte, KeySize), MIC64Size)
	require.NoError(t, err)
	_, err = ccm.Seal(make([]byte, 12), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidNonceSize)
	_, err = ccm.Open(make([]byte, NonceSize), make([]byte, 3), nil)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}
