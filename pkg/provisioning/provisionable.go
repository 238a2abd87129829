package provisioning

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/mesh"
)

// ProvisionableConfig configures a Provisionable.
type ProvisionableConfig struct {
	// Capabilities is sent in reply to Invite.
	Capabilities Capabilities

	// Keys holds the device key pair and receives the provisioning data.
	Keys KeyStore

	// Crypto defaults to crypto.Default.
	Crypto crypto.Provider

	// OOB is the optional out-of-band user interface.
	OOB OOBHost

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Provisionable is the device side of the provisioning protocol. The state
// is implied by which values have been collected so far; the PDU type
// sequences the protocol and out-of-order PDUs are rejected.
//
// Provisionable is not safe for concurrent use; the node drives it from
// its event loop.
type Provisionable struct {
	capabilities Capabilities
	keys         KeyStore
	crypto       crypto.Provider
	oob          OOBHost
	log          logging.LeveledLogger

	transcript *Transcript
	invited    bool
	start      *Start
	authValue  *AuthValue
	peerKey    bool

	confirmationProvisioner *[ConfirmationSize]byte
	randomDevice            *[RandomSize]byte
	randomProvisioner       *[RandomSize]byte
	complete                bool
}

// NewProvisionable creates a provisionee state machine.
func NewProvisionable(config ProvisionableConfig) (*Provisionable, error) {
	if config.Keys == nil {
		return nil, mesh.ErrKeyInitialization
	}
	if config.Capabilities.NumberOfElements == 0 {
		config.Capabilities.NumberOfElements = 1
	}
	if config.Capabilities.Algorithms == 0 {
		config.Capabilities.Algorithms = AlgorithmsP256Bit
	}
	p := &Provisionable{
		capabilities: config.Capabilities,
		keys:         config.Keys,
		crypto:       config.Crypto,
		oob:          config.OOB,
		transcript:   NewTranscript(),
	}
	if p.crypto == nil {
		p.crypto = crypto.Default
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("provisioning")
	}
	return p, nil
}

// Capabilities returns the capabilities sent in reply to Invite.
func (p *Provisionable) Capabilities() Capabilities {
	return p.capabilities
}

// Complete reports whether provisioning data was installed.
func (p *Provisionable) Complete() bool {
	return p.complete
}

// Reset clears the transcript, auth value and both randoms. It is called when
// a link closes or provisioning restarts.
func (p *Provisionable) Reset() {
	p.transcript.Reset()
	p.invited = false
	p.start = nil
	p.authValue = nil
	p.peerKey = false
	p.confirmationProvisioner = nil
	p.randomDevice = nil
	p.randomProvisioner = nil
	p.complete = false
}

// ProcessInbound handles one PDU from the provisioner and returns the PDU to
// send back, or nil when none is due. Any error fails the session; a Failed
// PDU returned with it should be sent before the link is closed.
func (p *Provisionable) ProcessInbound(ctx context.Context, pdu PDU) (PDU, error) {
	switch pdu := pdu.(type) {
	case *Invite:
		return p.handleInvite(pdu)
	case *Start:
		return p.handleStart(pdu)
	case *PublicKey:
		return p.handlePublicKey(ctx, pdu)
	case *Confirmation:
		return p.handleConfirmation(pdu)
	case *Random:
		return p.handleRandom(pdu)
	case *Data:
		return p.handleData(ctx, pdu)
	case *Failed:
		if p.log != nil {
			p.log.Warnf("provisioner reported failure: %s", pdu.ErrorCode)
		}
		return nil, nil
	case *Capabilities, *InputComplete, *Complete:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", mesh.ErrInvalidPDUFormat, pdu)
	}
}

// InputEntered records the value the user typed for input OOB and returns the
// InputComplete PDU to send.
func (p *Provisionable) InputEntered(value AuthValue) (PDU, error) {
	if p.start == nil || p.start.AuthMethod != AuthInputOOB {
		return nil, ErrUnexpectedPDU
	}
	p.authValue = &value
	return &InputComplete{}, nil
}

func (p *Provisionable) unexpected(what string) (PDU, error) {
	if p.log != nil {
		p.log.Warnf("unexpected %s", what)
	}
	return &Failed{ErrorCode: ErrorUnexpectedPDU}, fmt.Errorf("%w: %s", ErrUnexpectedPDU, what)
}

func (p *Provisionable) handleInvite(invite *Invite) (PDU, error) {
	// A new Invite restarts the session.
	p.Reset()
	if err := p.transcript.AddInvite(invite); err != nil {
		return nil, err
	}
	caps := p.capabilities
	if err := p.transcript.AddCapabilities(&caps); err != nil {
		return nil, err
	}
	p.invited = true
	if p.log != nil {
		p.log.Debugf("invite, attention %ds", invite.AttentionDuration)
	}
	return &caps, nil
}

func (p *Provisionable) handleStart(start *Start) (PDU, error) {
	if !p.invited || p.start != nil {
		return p.unexpected("start")
	}
	err := start.Validate()
	if err == nil {
		err = p.capabilities.Supports(start)
	}
	if err != nil {
		if p.log != nil {
			p.log.Warnf("rejecting start: %v", err)
		}
		return &Failed{ErrorCode: ErrorInvalidFormat}, err
	}
	if err := p.transcript.AddStart(start); err != nil {
		return nil, err
	}
	auth, err := determineAuthValue(p.crypto, start, p.oob)
	if err != nil {
		return nil, mesh.NewCryptoError("auth value", err)
	}
	s := *start
	p.start = &s
	p.authValue = &auth
	if p.log != nil {
		p.log.Debugf("start, auth method %s", start.AuthMethod)
	}
	return nil, nil
}

func (p *Provisionable) handlePublicKey(ctx context.Context, peer *PublicKey) (PDU, error) {
	if p.start == nil || p.peerKey {
		return p.unexpected("public key")
	}
	if err := p.transcript.AddPublicKeyProvisioner(peer); err != nil {
		return nil, err
	}
	if err := p.keys.SetPeerPublicKey(ctx, peer); err != nil {
		return nil, err
	}
	local, err := p.keys.PublicKey()
	if err != nil {
		return nil, err
	}
	if err := p.transcript.AddPublicKeyDevice(local); err != nil {
		return nil, err
	}
	p.peerKey = true
	return local, nil
}

func (p *Provisionable) handleConfirmation(c *Confirmation) (PDU, error) {
	if !p.peerKey || p.randomDevice != nil {
		return p.unexpected("confirmation")
	}
	random, err := p.crypto.Random(RandomSize)
	if err != nil {
		return nil, mesh.NewCryptoError("provisioning random", err)
	}
	var rd [RandomSize]byte
	copy(rd[:], random)
	p.randomDevice = &rd

	received := c.Confirmation
	p.confirmationProvisioner = &received

	conf, err := p.confirmationDevice()
	if err != nil {
		return nil, err
	}
	return &Confirmation{Confirmation: conf}, nil
}

// confirmationDevice computes the device confirmation from the transcript,
// random_device and the auth value.
func (p *Provisionable) confirmationDevice() ([ConfirmationSize]byte, error) {
	if p.randomDevice == nil {
		return [ConfirmationSize]byte{}, mesh.NewCryptoError("provisioning random", nil)
	}
	return p.confirmation(*p.randomDevice)
}

func (p *Provisionable) confirmation(random [RandomSize]byte) ([ConfirmationSize]byte, error) {
	if p.authValue == nil {
		return [ConfirmationSize]byte{}, ErrNoAuthValue
	}
	secret, err := p.keys.SharedSecret()
	if err != nil {
		return [ConfirmationSize]byte{}, err
	}
	salt, err := p.transcript.ConfirmationSalt(p.crypto)
	if err != nil {
		return [ConfirmationSize]byte{}, mesh.NewCryptoError("confirmation salt", err)
	}
	conf, err := confirmationValue(p.crypto, secret, salt, random, *p.authValue)
	if err != nil {
		return [ConfirmationSize]byte{}, mesh.NewCryptoError("confirmation", err)
	}
	return conf, nil
}

func (p *Provisionable) handleRandom(r *Random) (PDU, error) {
	if p.randomDevice == nil || p.confirmationProvisioner == nil || p.randomProvisioner != nil {
		return p.unexpected("random")
	}
	expected, err := p.confirmation(r.Random)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected[:], p.confirmationProvisioner[:]) != 1 {
		if p.log != nil {
			p.log.Warn("provisioner confirmation mismatch")
		}
		return &Failed{ErrorCode: ErrorConfirmationFailed}, ErrConfirmationFailed
	}
	rp := r.Random
	p.randomProvisioner = &rp
	return &Random{Random: *p.randomDevice}, nil
}

func (p *Provisionable) handleData(ctx context.Context, d *Data) (PDU, error) {
	if p.randomProvisioner == nil || p.complete {
		return p.unexpected("data")
	}
	secret, err := p.keys.SharedSecret()
	if err != nil {
		return nil, err
	}
	salt, err := p.transcript.ConfirmationSalt(p.crypto)
	if err != nil {
		return nil, mesh.NewCryptoError("confirmation salt", err)
	}
	session, err := deriveSession(p.crypto, secret, salt, *p.randomProvisioner, *p.randomDevice)
	if err != nil {
		return nil, mesh.NewCryptoError("session keys", err)
	}

	sealed := make([]byte, 0, EncryptedDataSize+DataMICSize)
	sealed = append(sealed, d.Encrypted[:]...)
	sealed = append(sealed, d.MIC[:]...)
	plain, err := p.crypto.AESCCMDecrypt(session.sessionKey, session.sessionNonce, sealed, nil, DataMICSize)
	if err != nil {
		return nil, mesh.NewCryptoError("provisioning data", err)
	}

	data, err := ParseProvisioningData(plain)
	if err != nil {
		return nil, err
	}
	if err := p.keys.SetProvisioningData(ctx, session.provisioningSalt, data); err != nil {
		return nil, err
	}
	p.complete = true
	if p.log != nil {
		p.log.Infof("provisioned as %s, key index %d, iv index %d", data.UnicastAddress, data.KeyIndex, data.IVIndex)
	}
	return &Complete{}, nil
}
