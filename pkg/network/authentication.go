// Package network implements the mesh network layer: header obfuscation,
// NetMIC authentication with trial decryption over every network key that
// shares a NID, replay protection and the retransmit queue.
package network

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
)

// Keys provides the network keys and IV index. config.Manager implements it.
type Keys interface {
	// IVIndex returns the current IV index, or mesh.ErrNotProvisioned.
	IVIndex() (uint32, error)
	// FindNetworksByNID returns the keys whose NID matches.
	FindNetworksByNID(nid uint8) []config.NetworkDetails
}

// AuthenticationConfig configures an Authentication layer.
type AuthenticationConfig struct {
	// Keys is required.
	Keys Keys

	// Crypto defaults to crypto.Default.
	Crypto crypto.Provider

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Authentication obfuscates and encrypts outbound network PDUs and
// authenticates inbound ones.
type Authentication struct {
	keys   Keys
	crypto crypto.Provider
	log    logging.LeveledLogger
}

// NewAuthentication creates the layer.
func NewAuthentication(config AuthenticationConfig) (*Authentication, error) {
	if config.Keys == nil {
		return nil, mesh.ErrKeyInitialization
	}
	a := &Authentication{keys: config.Keys, crypto: config.Crypto}
	if a.crypto == nil {
		a.crypto = crypto.Default
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("network")
	}
	return a, nil
}

// privacyPlaintext is 0x0000000000 || IV index || the first seven octets of
// the encrypted part.
func privacyPlaintext(ivIndex uint32, encrypted []byte) []byte {
	p := make([]byte, 16)
	binary.BigEndian.PutUint32(p[5:9], ivIndex)
	copy(p[9:], encrypted[:7])
	return p
}

func netMICSize(ctl bool) int {
	if ctl {
		return ControlNetMICSize
	}
	return AccessNetMICSize
}

// ProcessInbound de-obfuscates and decrypts pdu, trying every network key
// with the PDU's NID. The first key whose NetMIC validates wins.
func (a *Authentication) ProcessInbound(_ context.Context, pdu *ObfuscatedAndEncryptedNetworkPDU) (*CleartextNetworkPDU, error) {
	current, err := a.keys.IVIndex()
	if err != nil {
		return nil, err
	}
	if len(pdu.EncryptedAndMIC) < minEncryptedSize {
		return nil, fmt.Errorf("%w: encrypted part of %d", mesh.ErrInvalidLength, len(pdu.EncryptedAndMIC))
	}
	ivIndex := mesh.IVIndexForIVI(current, pdu.IVI)
	plaintext := privacyPlaintext(ivIndex, pdu.EncryptedAndMIC)

	for _, network := range a.keys.FindNetworksByNID(pdu.NID) {
		out, err := a.tryNetwork(network, ivIndex, plaintext, pdu)
		if err != nil {
			if errors.Is(err, mesh.ErrCrypto) {
				continue
			}
			return nil, err
		}
		if a.log != nil {
			a.log.Tracef("rx %s -> %s seq %d ttl %d key %d", out.Src, out.Dst, out.Seq, out.TTL, network.KeyIndex)
		}
		return out, nil
	}
	return nil, mesh.NewCryptoError("inbound network pdu", ErrNoNetworkKey)
}

func (a *Authentication) tryNetwork(network config.NetworkDetails, ivIndex uint32, plaintext []byte, pdu *ObfuscatedAndEncryptedNetworkPDU) (*CleartextNetworkPDU, error) {
	pecb, err := a.crypto.E(network.PrivacyKey[:], plaintext)
	if err != nil {
		return nil, mesh.NewCryptoError("pecb", err)
	}
	var header [obfuscatedSize]byte
	for i := range header {
		header[i] = pdu.Obfuscated[i] ^ pecb[i]
	}
	ctl := header[0]&0x80 != 0
	seq := uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	rawSrc := binary.BigEndian.Uint16(header[4:6])

	micSize := netMICSize(ctl)
	if len(pdu.EncryptedAndMIC) < 2+1+micSize {
		return nil, mesh.NewCryptoError("network pdu too short for netmic", nil)
	}
	nonce := crypto.NetworkNonce(header[0], seq, rawSrc, ivIndex)
	decrypted, err := a.crypto.AESCCMDecrypt(network.EncryptionKey[:], nonce, pdu.EncryptedAndMIC, nil, micSize)
	if err != nil {
		return nil, mesh.NewCryptoError("netmic", err)
	}

	src, err := mesh.NewUnicastAddress(rawSrc)
	if err != nil {
		return nil, err
	}
	transport, err := lower.Decode(ctl, decrypted[2:])
	if err != nil {
		return nil, err
	}
	return &CleartextNetworkPDU{
		Network:   network,
		IVIndex:   ivIndex,
		TTL:       header[0] & 0x7F,
		Seq:       seq,
		Src:       src,
		Dst:       mesh.Address(binary.BigEndian.Uint16(decrypted[0:2])),
		Transport: transport,
	}, nil
}

// ProcessOutbound encrypts and obfuscates pdu with its network key under
// the current IV index.
func (a *Authentication) ProcessOutbound(_ context.Context, pdu *CleartextNetworkPDU) (*ObfuscatedAndEncryptedNetworkPDU, error) {
	ivIndex, err := a.keys.IVIndex()
	if err != nil {
		return nil, err
	}
	if !mesh.Address(pdu.Src).IsUnicast() {
		return nil, fmt.Errorf("%w: %s", mesh.ErrInvalidSrcAddress, pdu.Src)
	}
	if pdu.TTL > 0x7F {
		return nil, fmt.Errorf("%w: %d", ErrTTL, pdu.TTL)
	}
	if pdu.Seq > config.MaxSequence {
		return nil, fmt.Errorf("%w: seq %#x", mesh.ErrInvalidValue, pdu.Seq)
	}
	if pdu.Transport == nil {
		return nil, fmt.Errorf("%w: no transport pdu", mesh.ErrInvalidPDUFormat)
	}
	transport, err := pdu.Transport.Encode()
	if err != nil {
		return nil, err
	}
	ctl := pdu.Transport.CTL()

	ctlTTL := pdu.TTL
	if ctl {
		ctlTTL |= 0x80
	}
	dst := pdu.Dst.Bytes()
	plain := append(dst[:], transport...)

	nonce := crypto.NetworkNonce(ctlTTL, pdu.Seq, uint16(pdu.Src), ivIndex)
	sealed, err := a.crypto.AESCCMEncrypt(pdu.Network.EncryptionKey[:], nonce, plain, nil, netMICSize(ctl))
	if err != nil {
		return nil, mesh.NewCryptoError("outbound network pdu", err)
	}
	if 1+obfuscatedSize+len(sealed) > MaxPDUSize {
		return nil, fmt.Errorf("%w: network pdu of %d", mesh.ErrInsufficientBuffer, 1+obfuscatedSize+len(sealed))
	}

	pecb, err := a.crypto.E(pdu.Network.PrivacyKey[:], privacyPlaintext(ivIndex, sealed))
	if err != nil {
		return nil, mesh.NewCryptoError("pecb", err)
	}
	header := [obfuscatedSize]byte{ctlTTL, byte(pdu.Seq >> 16), byte(pdu.Seq >> 8), byte(pdu.Seq)}
	binary.BigEndian.PutUint16(header[4:6], uint16(pdu.Src))

	out := &ObfuscatedAndEncryptedNetworkPDU{
		IVI:             mesh.IVI(ivIndex),
		NID:             pdu.Network.NID,
		EncryptedAndMIC: sealed,
	}
	for i := range header {
		out.Obfuscated[i] = header[i] ^ pecb[i]
	}
	if a.log != nil {
		a.log.Tracef("tx %s -> %s seq %d ttl %d", pdu.Src, pdu.Dst, pdu.Seq, pdu.TTL)
	}
	return out, nil
}
