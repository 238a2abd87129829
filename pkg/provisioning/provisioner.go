package provisioning

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// ProvisionerConfig configures a Provisioner.
type ProvisionerConfig struct {
	// Data is encrypted and delivered to the device.
	Data ProvisioningData

	// AuthMethod, AuthAction and AuthSize are sent in Start.
	AuthMethod AuthMethod
	AuthAction uint8
	AuthSize   uint8

	// AuthValue is the value the provisioner knows up front (static OOB or
	// the value it shows for input OOB). For output OOB call SetAuthValue once
	// the user reads it off the device.
	AuthValue AuthValue

	// KeyPair is generated when nil.
	KeyPair *crypto.P256KeyPair

	// Crypto defaults to crypto.Default.
	Crypto crypto.Provider

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Provisioner is the provisioner side of the protocol. It is used by tools
// and tests to drive a Provisionable end to end.
type Provisioner struct {
	config  ProvisionerConfig
	crypto  crypto.Provider
	keyPair *crypto.P256KeyPair
	log     logging.LeveledLogger

	transcript   *Transcript
	secret       []byte
	auth         AuthValue
	random       [RandomSize]byte
	devConfirm   *[ConfirmationSize]byte
	deviceKey    []byte
	capabilities *Capabilities
	complete     bool
}

// NewProvisioner creates a provisioner for one device.
func NewProvisioner(config ProvisionerConfig) (*Provisioner, error) {
	p := &Provisioner{
		config:     config,
		crypto:     config.Crypto,
		keyPair:    config.KeyPair,
		transcript: NewTranscript(),
		auth:       config.AuthValue,
	}
	if p.crypto == nil {
		p.crypto = crypto.Default
	}
	if p.keyPair == nil {
		kp, err := crypto.P256GenerateKeyPair(nil)
		if err != nil {
			return nil, err
		}
		p.keyPair = kp
	}
	start := p.startPDU()
	if err := start.Validate(); err != nil {
		return nil, err
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("provisioner")
	}
	return p, nil
}

func (p *Provisioner) startPDU() *Start {
	return &Start{
		Algorithm:  AlgorithmP256,
		PublicKey:  PublicKeyNoOOB,
		AuthMethod: p.config.AuthMethod,
		AuthAction: p.config.AuthAction,
		AuthSize:   p.config.AuthSize,
	}
}

// Invite begins provisioning.
func (p *Provisioner) Invite(attentionDuration uint8) (*Invite, error) {
	p.transcript.Reset()
	invite := &Invite{AttentionDuration: attentionDuration}
	if err := p.transcript.AddInvite(invite); err != nil {
		return nil, err
	}
	return invite, nil
}

// SetAuthValue sets the value read from the device for output OOB.
func (p *Provisioner) SetAuthValue(v AuthValue) {
	p.auth = v
}

// Capabilities returns the device capabilities once received.
func (p *Provisioner) Capabilities() *Capabilities { return p.capabilities }

// Complete reports whether the device acknowledged the provisioning data.
func (p *Provisioner) Complete() bool { return p.complete }

// DeviceKey returns the device key derived for the provisioned node.
func (p *Provisioner) DeviceKey() []byte { return p.deviceKey }

// ProcessInbound handles one PDU from the device and returns the PDUs to send.
func (p *Provisioner) ProcessInbound(_ context.Context, pdu PDU) ([]PDU, error) {
	switch pdu := pdu.(type) {
	case *Capabilities:
		return p.handleCapabilities(pdu)
	case *PublicKey:
		return p.handlePublicKey(pdu)
	case *InputComplete:
		return p.sendConfirmation()
	case *Confirmation:
		c := pdu.Confirmation
		p.devConfirm = &c
		return []PDU{&Random{Random: p.random}}, nil
	case *Random:
		return p.handleRandom(pdu)
	case *Complete:
		p.complete = true
		if p.log != nil {
			p.log.Infof("device provisioned as %s", p.config.Data.UnicastAddress)
		}
		return nil, nil
	case *Failed:
		return nil, fmt.Errorf("%w: %s", ErrProvisioningFailed, pdu.ErrorCode)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedPDU, pdu)
	}
}

func (p *Provisioner) handleCapabilities(caps *Capabilities) ([]PDU, error) {
	c := *caps
	p.capabilities = &c
	if err := p.transcript.AddCapabilities(caps); err != nil {
		return nil, err
	}
	start := p.startPDU()
	if err := p.transcript.AddStart(start); err != nil {
		return nil, err
	}
	local, err := PublicKeyFromBytes(p.keyPair.PublicKey())
	if err != nil {
		return nil, err
	}
	if err := p.transcript.AddPublicKeyProvisioner(local); err != nil {
		return nil, err
	}
	return []PDU{start, local}, nil
}

func (p *Provisioner) handlePublicKey(peer *PublicKey) ([]PDU, error) {
	if err := p.transcript.AddPublicKeyDevice(peer); err != nil {
		return nil, err
	}
	secret, err := p.keyPair.ECDH(peer.Bytes())
	if err != nil {
		return nil, mesh.NewCryptoError("device public key", err)
	}
	p.secret = secret
	if p.config.AuthMethod == AuthInputOOB {
		// Wait for the user to type the value on the device.
		return nil, nil
	}
	return p.sendConfirmation()
}

func (p *Provisioner) sendConfirmation() ([]PDU, error) {
	if p.secret == nil {
		return nil, ErrNoSharedSecret
	}
	random, err := p.crypto.Random(RandomSize)
	if err != nil {
		return nil, mesh.NewCryptoError("provisioner random", err)
	}
	copy(p.random[:], random)
	salt, err := p.transcript.ConfirmationSalt(p.crypto)
	if err != nil {
		return nil, err
	}
	conf, err := confirmationValue(p.crypto, p.secret, salt, p.random, p.auth)
	if err != nil {
		return nil, err
	}
	return []PDU{&Confirmation{Confirmation: conf}}, nil
}

func (p *Provisioner) handleRandom(r *Random) ([]PDU, error) {
	if p.devConfirm == nil {
		return nil, fmt.Errorf("%w: random before confirmation", ErrUnexpectedPDU)
	}
	salt, err := p.transcript.ConfirmationSalt(p.crypto)
	if err != nil {
		return nil, err
	}
	expected, err := confirmationValue(p.crypto, p.secret, salt, r.Random, p.auth)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected[:], p.devConfirm[:]) != 1 {
		return []PDU{&Failed{ErrorCode: ErrorConfirmationFailed}}, ErrConfirmationFailed
	}

	session, err := deriveSession(p.crypto, p.secret, salt, p.random, r.Random)
	if err != nil {
		return nil, err
	}
	sealed, err := p.crypto.AESCCMEncrypt(session.sessionKey, session.sessionNonce, p.config.Data.Encode(), nil, DataMICSize)
	if err != nil {
		return nil, mesh.NewCryptoError("provisioning data", err)
	}
	devKey, err := DeriveDeviceKey(p.crypto, p.secret, session.provisioningSalt)
	if err != nil {
		return nil, err
	}
	p.deviceKey = devKey

	data := &Data{}
	copy(data.Encrypted[:], sealed[:EncryptedDataSize])
	copy(data.MIC[:], sealed[EncryptedDataSize:])
	return []PDU{data}, nil
}
