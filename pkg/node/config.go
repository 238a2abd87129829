package node

import (
	"time"

	"github.com/pion/logging"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/crypto"
	"github.com/backkem/btmesh/pkg/foundation"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// Defaults for NodeConfig.
const (
	DefaultNetworkTransmitCount    = 2
	DefaultNetworkTransmitInterval = 20 * time.Millisecond
	DefaultTransactionInterval     = 500 * time.Millisecond
	DefaultLinkTimeout             = 60 * time.Second
	DefaultBeaconInterval          = 5 * time.Second
	DefaultInboxSize               = 64
)

// TTLDefault in an outbound message selects NodeConfig.DefaultTTL.
const TTLDefault = 0xFF

// NodeConfig holds all configuration for a mesh Node.
type NodeConfig struct {
	// Bearer carries advertising data. Required.
	Bearer bearer.Bearer

	// Manager owns keys, addresses and the sequence counter. It must be
	// initialized. Required.
	Manager *config.Manager

	// Provisioning
	Capabilities provisioning.Capabilities
	OOB          provisioning.OOBHost
	OOBInfo      uint16 // advertised in the unprovisioned beacon

	// Subscriptions lists group and virtual addresses the node receives in
	// addition to those a configuration client subscribes its models to.
	Subscriptions []mesh.Address

	// Composition describes the elements and models reported to
	// configuration clients. Default: the configuration server alone.
	Composition *foundation.Composition

	// Transport parameters - Optional (uses defaults if zero). A
	// configuration client may override the TTL and network transmit.
	DefaultTTL              uint8         // default: 7
	NetworkTransmitCount    uint8         // retransmissions of every network PDU (default: 2)
	NetworkTransmitInterval time.Duration // default: 20ms
	SegmentRetransmissions  int           // default: 2, negative disables
	IncompleteTimeout       time.Duration // default: 10s

	// PB-ADV timing - Optional
	TransactionInterval time.Duration // retransmit unacknowledged transactions (default: 500ms)
	LinkTimeout         time.Duration // close an idle link (default: 60s)
	BeaconInterval      time.Duration // unprovisioned beacon period (default: 5s)

	// Crypto defaults to crypto.Default.
	Crypto crypto.Provider

	// Callbacks - Optional
	OnStateChanged func(state State)

	// LoggerFactory for logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.Bearer == nil {
		return ErrBearerRequired
	}
	if c.Manager == nil {
		return ErrManagerRequired
	}
	if c.DefaultTTL == 1 || c.DefaultTTL > 127 {
		return ErrInvalidTTL
	}
	for _, addr := range c.Subscriptions {
		if !addr.IsGroup() && !addr.IsVirtual() {
			return ErrInvalidSubscription
		}
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *NodeConfig) applyDefaults() {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = lower.DefaultTTL
	}
	if c.NetworkTransmitCount == 0 {
		c.NetworkTransmitCount = DefaultNetworkTransmitCount
	}
	if c.NetworkTransmitInterval == 0 {
		c.NetworkTransmitInterval = DefaultNetworkTransmitInterval
	}
	if c.TransactionInterval == 0 {
		c.TransactionInterval = DefaultTransactionInterval
	}
	if c.LinkTimeout == 0 {
		c.LinkTimeout = DefaultLinkTimeout
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = DefaultBeaconInterval
	}
	if c.Crypto == nil {
		c.Crypto = crypto.Default
	}
}

// foundationDefaults returns the configuration server states the node starts
// with.
func (c *NodeConfig) foundationDefaults() config.Foundation {
	return config.Foundation{
		DefaultTTL:      c.DefaultTTL,
		NetworkTransmit: config.NetworkTransmitState(c.NetworkTransmitCount, c.NetworkTransmitInterval),
	}
}
