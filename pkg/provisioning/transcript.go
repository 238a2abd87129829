package provisioning

import (
	"fmt"

	"github.com/backkem/btmesh/pkg/crypto"
)

// Transcript accumulates ConfirmationInputs: the parameters of Invite,
// Capabilities, Start and both public keys, in protocol order.
type Transcript struct {
	inputs []byte
}

// confirmationInputsSize is 1 + 11 + 5 + 64 + 64.
const confirmationInputsSize = 145

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{inputs: make([]byte, 0, confirmationInputsSize)}
}

// Reset empties the transcript for a new session.
func (t *Transcript) Reset() {
	t.inputs = t.inputs[:0]
}

func (t *Transcript) add(p PDU) error {
	params, err := Parameters(p)
	if err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	t.inputs = append(t.inputs, params...)
	return nil
}

// AddInvite records the provisioner's Invite.
func (t *Transcript) AddInvite(p *Invite) error { return t.add(p) }

// AddCapabilities records the device's Capabilities.
func (t *Transcript) AddCapabilities(p *Capabilities) error { return t.add(p) }

// AddStart records the provisioner's Start.
func (t *Transcript) AddStart(p *Start) error { return t.add(p) }

// AddPublicKeyProvisioner records the provisioner's public key.
func (t *Transcript) AddPublicKeyProvisioner(p *PublicKey) error { return t.add(p) }

// AddPublicKeyDevice records the device's public key.
func (t *Transcript) AddPublicKeyDevice(p *PublicKey) error { return t.add(p) }

// Inputs returns the accumulated ConfirmationInputs.
func (t *Transcript) Inputs() []byte {
	return t.inputs
}

// ConfirmationSalt returns s1(ConfirmationInputs).
func (t *Transcript) ConfirmationSalt(provider crypto.Provider) ([]byte, error) {
	return provider.S1(t.inputs)
}
