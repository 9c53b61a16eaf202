package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/tunnelcore"
	"github.com/opd-ai/tunnelcore/config"
	"github.com/opd-ai/tunnelcore/netconf"
	"github.com/opd-ai/tunnelcore/network"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadNode(cfgFile)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
			if err := config.ConfigureLogging(cfg.LogLevel, logJSON || cfg.LogJSON); err != nil {
				return err
			}
		}

		id, err := loadOrCreateIdentity(cfg.IdentityPath)
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var authority *netconf.Client
		if cfg.NetconfService != "" {
			if authority, err = netconf.StartProcess(ctx, cfg.NetconfService, cfg.NetconfArgs...); err != nil {
				return err
			}
		}

		node, err := tunnelcore.New(tunnelcore.Options{
			Identity:   id,
			ListenAddr: cfg.Listen,
			Supernodes: cfg.Supernodes,
			Switch:     cfg.Switch,
			LikeTTL:    cfg.LikeTTL,
			Authority:  authority,
		})
		if err != nil {
			if authority != nil {
				authority.Close()
			}
			return err
		}
		defer node.Kill()

		for _, nwid := range cfg.Networks {
			tap := network.NewChanInterface(256)
			node.Join(nwid, tap)
			go drainTap(nwid, tap)
		}

		logrus.WithFields(logrus.Fields{
			"function": "run",
			"address":  node.Address().String(),
			"listen":   cfg.Listen,
			"networks": len(cfg.Networks),
		}).Info("Node started")

		if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// drainTap logs frames for networks that have no host interface attached.
func drainTap(nwid network.NetworkID, tap *network.ChanInterface) {
	for f := range tap.Frames() {
		logrus.WithFields(logrus.Fields{
			"function":  "drainTap",
			"network":   nwid.String(),
			"from":      f.From.String(),
			"ethertype": fmt.Sprintf("0x%04x", f.EtherType),
			"size":      len(f.Data),
		}).Debug("Frame received")
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
