// Mesh nonces (Mesh Profile Section 3.8.5). Every nonce is 13 octets with
// a type octet first and the IV index in the last four octets.

package crypto

import "encoding/binary"

// Nonce types.
const (
	NonceTypeNetwork     = 0x00
	NonceTypeApplication = 0x01
	NonceTypeDevice      = 0x02
	NonceTypeProxy       = 0x03
)

// NetworkNonce builds the nonce protecting a network PDU.
//
//	0x00 | CTL|TTL | SEQ (3) | SRC (2) | 0x0000 | IV index (4)
func NetworkNonce(ctlTTL uint8, seq uint32, src uint16, ivIndex uint32) []byte {
	n := make([]byte, NonceSize)
	n[0] = NonceTypeNetwork
	n[1] = ctlTTL
	putSeq(n[2:5], seq)
	binary.BigEndian.PutUint16(n[5:7], src)
	binary.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

// ApplicationNonce builds the nonce for an access message under an application key.
func ApplicationNonce(szmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	return transportNonce(NonceTypeApplication, szmic, seq, src, dst, ivIndex)
}

// DeviceNonce builds the nonce for an access message under the device key.
func DeviceNonce(szmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	return transportNonce(NonceTypeDevice, szmic, seq, src, dst, ivIndex)
}

// ProxyNonce builds the nonce for proxy configuration messages.
func ProxyNonce(seq uint32, src uint16, ivIndex uint32) []byte {
	n := make([]byte, NonceSize)
	n[0] = NonceTypeProxy
	putSeq(n[2:5], seq)
	binary.BigEndian.PutUint16(n[5:7], src)
	binary.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

// transportNonce is type | ASZMIC<<7 | SEQ (3) | SRC (2) | DST (2) | IV index (4)
func transportNonce(kind byte, szmic bool, seq uint32, src, dst uint16, ivIndex uint32) []byte {
	n := make([]byte, NonceSize)
	n[0] = kind
	if szmic {
		n[1] = 0x80
	}
	putSeq(n[2:5], seq)
	binary.BigEndian.PutUint16(n[5:7], src)
	binary.BigEndian.PutUint16(n[7:9], dst)
	binary.BigEndian.PutUint32(n[9:13], ivIndex)
	return n
}

func putSeq(dst []byte, seq uint32) {
	dst[0] = byte(seq >> 16)
	dst[1] = byte(seq >> 8)
	dst[2] = byte(seq)
}
