package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/backkem/btmesh/pkg/bearer"
	"github.com/backkem/btmesh/pkg/config"
	"github.com/backkem/btmesh/pkg/lower"
	"github.com/backkem/btmesh/pkg/node"
)

const defaultNodeFile = "node.yaml"

func newRootCommand() *cobra.Command {
	var path string
	root := &cobra.Command{
		Use:           "mesh-node",
		Short:         "Bluetooth mesh node over a UDP advertising bearer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&path, "config", "c", defaultNodeFile, "node file")

	root.AddCommand(newInitCommand(&path), newRunCommand(&path), newStatusCommand(&path))
	return root
}

func newInitCommand(path *string) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default node file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(*path); err == nil && !overwrite {
				return fmt.Errorf("%s exists, use --force to overwrite", *path)
			}
			if err := DefaultNodeFile().Save(*path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")
	return cmd
}

func newRunCommand(path *string) *cobra.Command {
	var (
		forceReset bool
		listen     string
		peers      []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := LoadNodeFile(*path)
			if err != nil {
				return err
			}
			if forceReset {
				f.ForceReset = true
			}
			if listen != "" {
				f.Listen = listen
			}
			if len(peers) > 0 {
				f.Peers = peers
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cmd, f)
		},
	}
	cmd.Flags().BoolVar(&forceReset, "force-reset", false, "discard the stored configuration")
	cmd.Flags().StringVar(&listen, "listen", "", "UDP listen address")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "UDP peer address (repeatable)")
	return cmd
}

func runNode(ctx context.Context, cmd *cobra.Command, f *NodeFile) error {
	loggerFactory, err := f.LoggerFactory()
	if err != nil {
		return err
	}
	log := loggerFactory.NewLogger("mesh-node")

	storage := config.NewFileStorage(f.Storage)
	manager, err := config.NewManager(config.ManagerConfig{
		Storage:       storage,
		ForceReset:    f.ForceReset || !storage.Exists(),
		Elements:      f.Elements,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("load %s: %w", f.Storage, err)
	}

	peerAddrs, err := bearer.ResolvePeers(f.Peers)
	if err != nil {
		return err
	}
	udp, err := bearer.NewUDP(bearer.UDPConfig{ListenAddr: f.Listen, Peers: peerAddrs, LoggerFactory: loggerFactory})
	if err != nil {
		return err
	}

	cfg, err := f.NodeConfig()
	if err != nil {
		return err
	}
	static, hasStatic, err := f.StaticOOB()
	if err != nil {
		return err
	}
	oob := &consoleOOB{ctx: ctx, in: cmd.InOrStdin(), out: cmd.OutOrStdout(), static: static, hasStatic: hasStatic}
	cfg.Bearer = udp
	cfg.Manager = manager
	cfg.OOB = oob
	cfg.LoggerFactory = loggerFactory
	cfg.OnStateChanged = func(s node.State) {
		log.Infof("state %s", s)
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	oob.node = n
	n.OnAccess(func(msg *lower.AccessMessage) {
		log.Infof("access message from %s to %s: %x", msg.Src, msg.Dst, msg.Payload)
	})

	if err := n.Start(ctx); err != nil {
		return err
	}
	printStatus(cmd, manager.Configuration(), manager.Sequence())
	<-ctx.Done()
	log.Info("shutting down")
	return n.Stop()
}

func newStatusCommand(path *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the stored node configuration without modifying it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := LoadNodeFile(*path)
			if err != nil {
				return err
			}
			storage := config.NewFileStorage(f.Storage)
			if !storage.Exists() {
				return fmt.Errorf("no configuration stored at %s", f.Storage)
			}
			p, err := storage.Retrieve(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("no configuration stored at %s", f.Storage)
			}
			cfg, err := config.DecodePayload(p)
			if err != nil {
				return err
			}
			printStatus(cmd, cfg, cfg.Seq)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, cfg *config.Configuration, seq uint32) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "UUID:        %s\n", cfg.UUID)
	fmt.Fprintf(out, "Sequence:    %d\n", seq)
	if !cfg.IsProvisioned() {
		fmt.Fprintln(out, "Provisioned: no")
		return
	}
	fmt.Fprintln(out, "Provisioned: yes")
	if addr, ok := cfg.UnicastAddress(); ok {
		fmt.Fprintf(out, "Address:     %s\n", addr)
	}
	if iv, err := cfg.IVIndex(); err == nil {
		fmt.Fprintf(out, "IV index:    %d\n", iv)
	}
	n := cfg.Network
	fmt.Fprintf(out, "App keys:    %d\n", len(n.AppKeys))
	fmt.Fprintf(out, "Bindings:    %d, subscriptions: %d, publications: %d\n",
		len(n.Bindings), len(n.Subscriptions), len(n.Publications))
}
