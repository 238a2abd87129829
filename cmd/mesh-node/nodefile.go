package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/node"
	"github.com/backkem/btmesh/pkg/provisioning"
)

// NodeFile is the YAML description of a node.
type NodeFile struct {
	Storage    string   `yaml:"storage"`
	ForceReset bool     `yaml:"force_reset,omitempty"`
	Elements   int      `yaml:"elements"`
	Listen     string   `yaml:"listen"`
	Peers      []string `yaml:"peers,omitempty"`
	LogLevel   string   `yaml:"log_level"`

	OOB OOBFile `yaml:"oob,omitempty"`

	DefaultTTL       uint8         `yaml:"default_ttl,omitempty"`
	TransmitCount    uint8         `yaml:"transmit_count,omitempty"`
	TransmitInterval time.Duration `yaml:"transmit_interval,omitempty"`
	BeaconInterval   time.Duration `yaml:"beacon_interval,omitempty"`
	LinkTimeout      time.Duration `yaml:"link_timeout,omitempty"`

	// Subscriptions are group addresses such as "0xC000".
	Subscriptions []string `yaml:"subscriptions,omitempty"`
}

// OOBFile describes the out-of-band capabilities of the device.
type OOBFile struct {
	// Static is a 32 character hex string.
	Static        string   `yaml:"static,omitempty"`
	OutputSize    uint8    `yaml:"output_size,omitempty"`
	OutputActions []string `yaml:"output_actions,omitempty"`
	InputSize     uint8    `yaml:"input_size,omitempty"`
	InputActions  []string `yaml:"input_actions,omitempty"`
}

// DefaultNodeFile returns the settings used when no file exists.
func DefaultNodeFile() *NodeFile {
	return &NodeFile{
		Storage:  "mesh-node.cfg",
		Elements: 1,
		Listen:   fmt.Sprintf(":%d", bearer.DefaultPort),
		LogLevel: "info",
	}
}

// LoadNodeFile reads path on top of the defaults. A missing file yields the
// defaults.
func LoadNodeFile(path string) (*NodeFile, error) {
	f := DefaultNodeFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Save writes the file as YAML.
func (f *NodeFile) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

var outputActions = map[string]provisioning.OutputOOBAction{
	"blink":        provisioning.OutputBlink,
	"beep":         provisioning.OutputBeep,
	"vibrate":      provisioning.OutputVibrate,
	"numeric":      provisioning.OutputNumeric,
	"alphanumeric": provisioning.OutputAlphanumeric,
}

var inputActions = map[string]provisioning.InputOOBAction{
	"push":         provisioning.InputPush,
	"twist":        provisioning.InputTwist,
	"numeric":      provisioning.InputNumeric,
	"alphanumeric": provisioning.InputAlphanumeric,
}

// Capabilities returns the provisioning capabilities the node advertises.
func (f *NodeFile) Capabilities() (provisioning.Capabilities, error) {
	caps := provisioning.Capabilities{
		NumberOfElements: uint8(f.Elements),
		Algorithms:       provisioning.AlgorithmsP256Bit,
		OutputOOBSize:    f.OOB.OutputSize,
		InputOOBSize:     f.OOB.InputSize,
	}
	if f.Elements < 1 || f.Elements > 255 {
		return caps, fmt.Errorf("elements must be 1-255, got %d", f.Elements)
	}
	if f.OOB.OutputSize > provisioning.MaxOOBSize || f.OOB.InputSize > provisioning.MaxOOBSize {
		return caps, fmt.Errorf("oob size must be at most %d", provisioning.MaxOOBSize)
	}
	for _, name := range f.OOB.OutputActions {
		a, ok := outputActions[strings.ToLower(name)]
		if !ok {
			return caps, fmt.Errorf("unknown output action %q", name)
		}
		caps.OutputOOBActions |= a.Bit()
	}
	for _, name := range f.OOB.InputActions {
		a, ok := inputActions[strings.ToLower(name)]
		if !ok {
			return caps, fmt.Errorf("unknown input action %q", name)
		}
		caps.InputOOBActions |= a.Bit()
	}
	if f.OOB.Static != "" {
		caps.StaticOOBType = 0x01
	}
	return caps, nil
}

// StaticOOB decodes the static OOB value.
func (f *NodeFile) StaticOOB() ([provisioning.AuthValueSize]byte, bool, error) {
	var v [provisioning.AuthValueSize]byte
	if f.OOB.Static == "" {
		return v, false, nil
	}
	raw, err := hex.DecodeString(f.OOB.Static)
	if err != nil || len(raw) != len(v) {
		return v, false, fmt.Errorf("static oob must be %d hex bytes", len(v))
	}
	copy(v[:], raw)
	return v, true, nil
}

// SubscriptionAddresses parses the subscription list.
func (f *NodeFile) SubscriptionAddresses() ([]mesh.Address, error) {
	out := make([]mesh.Address, 0, len(f.Subscriptions))
	for _, s := range f.Subscriptions {
		v, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("subscription %q: %w", s, err)
		}
		out = append(out, mesh.Address(v))
	}
	return out, nil
}

// NodeConfig maps the file onto a node configuration. Bearer and Manager
// are filled in by the caller.
func (f *NodeFile) NodeConfig() (node.NodeConfig, error) {
	caps, err := f.Capabilities()
	if err != nil {
		return node.NodeConfig{}, err
	}
	subs, err := f.SubscriptionAddresses()
	if err != nil {
		return node.NodeConfig{}, err
	}
	return node.NodeConfig{
		Capabilities:            caps,
		Subscriptions:           subs,
		DefaultTTL:              f.DefaultTTL,
		NetworkTransmitCount:    f.TransmitCount,
		NetworkTransmitInterval: f.TransmitInterval,
		BeaconInterval:          f.BeaconInterval,
		LinkTimeout:             f.LinkTimeout,
	}, nil
}

// LoggerFactory returns a pion logger factory at the file's log level.
func (f *NodeFile) LoggerFactory() (logging.LoggerFactory, error) {
	factory := logging.NewDefaultLoggerFactory()
	switch strings.ToLower(f.LogLevel) {
	case "", "info":
		factory.DefaultLogLevel = logging.LogLevelInfo
	case "trace":
		factory.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		factory.DefaultLogLevel = logging.LogLevelDebug
	case "warn":
		factory.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		factory.DefaultLogLevel = logging.LogLevelError
	case "disabled":
		factory.DefaultLogLevel = logging.LogLevelDisabled
	default:
		return nil, fmt.Errorf("unknown log level %q", f.LogLevel)
	}
	return factory, nil
}
