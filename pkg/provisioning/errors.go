package provisioning

import "errors"

var (
	ErrUnexpectedPDU      = errors.New("provisioning: unexpected PDU")
	ErrUnsupportedStart   = errors.New("provisioning: start selects an unadvertised capability")
	ErrConfirmationFailed = errors.New("provisioning: confirmation failed")
	ErrProvisioningFailed = errors.New("provisioning: peer reported failure")
	ErrNoAuthValue        = errors.New("provisioning: no auth value")
	ErrNoSharedSecret     = errors.New("provisioning: no ECDH shared secret")
)
