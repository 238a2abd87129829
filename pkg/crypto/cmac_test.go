package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 4493 Section 4 examples.
func TestAESCMACRFC4493(t *testing.T) {
	key := "2b7e151628aed2a6abf7158809cf4f3c"
	tests := []struct {
		name string
		msg  string
		mac  string
	}{
		{"empty", "", "bb1d6929e95937287fa37d129b756746"},
		{"16 bytes", "6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
		{
			"40 bytes",
			"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e5130c81c46a35ce411",
			"dfa66747de9ae63030ca32611497c827",
		},
		{
			"64 bytes",
			"6bc1bee22e409f96e93d7e117393172aae2d8a571e03ac9c9eb76fac45af8e51" +
				"30c81c46a35ce411e5fbc1191a0a52eff69f2445df4f9b17ad2b417be66c3710",
			"51f0bebf7e3b9d92fc49741779363cfe",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mac, err := AESCMAC(mustHex(t, key), mustHex(t, tc.msg))
			require.NoError(t, err)
			assert.Equal(t, mustHex(t, tc.mac), mac)
		})
	}
}

func TestAESCMACKeySize(t *testing.T) {
	_, err := AESCMAC(make([]byte, 8), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestE(t *testing.T) {
	// FIPS-197 Appendix C.1 AES-128.
	out, err := E(mustHex(t, "000102030405060708090a0b0c0d0e0f"), mustHex(t, "00112233445566778899aabbccddeeff"))
	require.NoError(t, err)
	assert.Equal(t, mustHex(t, "69c4e0d86a7b0430d8cdb78070b4c55a"), out)

	_, err = E(make([]byte, KeySize), make([]byte, 7))
	assert.ErrorIs(t, err, ErrInvalidBlockSize)
}
