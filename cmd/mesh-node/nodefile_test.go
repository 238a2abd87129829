package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/mesh"
	"github.com/backkem/btmesh/pkg/provisioning"
)

const testNodeFile = `
storage: /var/lib/mesh/node.cfg
elements: 2
listen: "127.0.0.1:3000"
peers: ["127.0.0.1:3001"]
log_level: debug
oob:
  static: 00112233445566778899aabbccddeeff
  output_size: 4
  output_actions: [blink, Numeric]
  input_size: 2
  input_actions: [push]
transmit_count: 3
transmit_interval: 30ms
link_timeout: 1m
subscriptions: ["0xC000", "0xC001"]
`

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadNodeFile(t *testing.T) {
	f, err := LoadNodeFile(writeFile(t, testNodeFile))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mesh/node.cfg", f.Storage)
	assert.Equal(t, 2, f.Elements)
	assert.Equal(t, []string{"127.0.0.1:3001"}, f.Peers)
	assert.Equal(t, 30*time.Millisecond, f.TransmitInterval)
	assert.Equal(t, time.Minute, f.LinkTimeout)

	caps, err := f.Capabilities()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), caps.NumberOfElements)
	assert.Equal(t, uint8(1), caps.StaticOOBType)
	assert.True(t, caps.OutputOOBActions.Has(provisioning.OutputBlink))
	assert.True(t, caps.OutputOOBActions.Has(provisioning.OutputNumeric))
	assert.False(t, caps.OutputOOBActions.Has(provisioning.OutputBeep))
	assert.True(t, caps.InputOOBActions.Has(provisioning.InputPush))

	static, ok, err := f.StaticOOB()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, byte(0xff), static[15])

	cfg, err := f.NodeConfig()
	require.NoError(t, err)
	assert.Equal(t, []mesh.Address{0xC000, 0xC001}, cfg.Subscriptions)
	assert.Equal(t, uint8(3), cfg.NetworkTransmitCount)

	lf, err := f.LoggerFactory()
	require.NoError(t, err)
	assert.Equal(t, logging.LogLevelDebug, lf.(*logging.DefaultLoggerFactory).DefaultLogLevel)
}

func TestLoadNodeFileMissing(t *testing.T) {
	f, err := LoadNodeFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultNodeFile(), f)
}

func TestNodeFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	f := DefaultNodeFile()
	f.Peers = []string{"10.0.0.2:2902"}
	f.TransmitInterval = 40 * time.Millisecond
	require.NoError(t, f.Save(path))

	loaded, err := LoadNodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, f, loaded)
}

func TestNodeFileErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"elements", "elements: 0"},
		{"oob size", "oob: {output_size: 9}"},
		{"output action", "oob: {output_actions: [flash]}"},
		{"input action", "oob: {input_actions: [shake]}"},
		{"subscription", `subscriptions: ["nope"]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, err := LoadNodeFile(writeFile(t, tc.content))
			require.NoError(t, err)
			_, err = f.NodeConfig()
			assert.Error(t, err)
		})
	}

	f := DefaultNodeFile()
	f.OOB.Static = "0011"
	_, _, err := f.StaticOOB()
	assert.Error(t, err)

	f.LogLevel = "loud"
	_, err = f.LoggerFactory()
	assert.Error(t, err)

	_, err = LoadNodeFile(writeFile(t, "elements: [1"))
	assert.Error(t, err)
}

func TestParseInput(t *testing.T) {
	v, err := parseInput(provisioning.InputNumeric, "1234")
	require.NoError(t, err)
	assert.Equal(t, provisioning.NumericAuth(1234), v)

	v, err = parseInput(provisioning.InputAlphanumeric, "ab12")
	require.NoError(t, err)
	assert.Equal(t, provisioning.AlphanumericAuth("AB12"), v)

	_, err = parseInput(provisioning.InputPush, "x")
	assert.Error(t, err)
	_, err = parseInput(provisioning.InputAlphanumeric, "")
	assert.Error(t, err)
}

func TestInitAndStatusCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"init", "-c", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "wrote")

	root = newRootCommand()
	root.SetArgs([]string{"init", "-c", path})
	assert.Error(t, root.Execute())

	// Point the storage into the temp dir; status needs a stored configuration.
	f, err := LoadNodeFile(path)
	require.NoError(t, err)
	f.Storage = filepath.Join(dir, "node.cfg")
	require.NoError(t, f.Save(path))

	root = newRootCommand()
	root.SetArgs([]string{"status", "-c", path})
	assert.Error(t, root.Execute())

	storage := config.NewFileStorage(f.Storage)
	manager, err := config.NewManager(config.ManagerConfig{Storage: storage, ForceReset: true})
	require.NoError(t, err)
	require.NoError(t, manager.Initialize(context.Background()))
	stored, err := os.ReadFile(f.Storage)
	require.NoError(t, err)

	for range 2 {
		out.Reset()
		root = newRootCommand()
		root.SetOut(&out)
		root.SetArgs([]string{"status", "-c", path})
		require.NoError(t, root.Execute())
		assert.Contains(t, out.String(), manager.UUID().String())
		assert.Contains(t, out.String(), "Provisioned: no")
	}

	after, err := os.ReadFile(f.Storage)
	require.NoError(t, err)
	assert.Equal(t, stored, after)
	p, err := storage.Retrieve(context.Background())
	require.NoError(t, err)
	cfg, err := config.DecodePayload(p)
	require.NoError(t, err)
	assert.Equal(t, manager.Configuration().Seq, cfg.Seq)
}
