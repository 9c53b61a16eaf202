// Command netconf-service is the network configuration authority. It reads
// netconf-request frames on stdin and writes netconf-response frames on
// stdout; logs go to stderr.
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

	"github.com/opd-ai/tunnelcore/config"
	"github.com/opd-ai/tunnelcore/netconf"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
	migrate  bool
)

var rootCmd = &cobra.Command{
	Use:           "netconf-service",
	Short:         "Network configuration authority over stdin/stdout",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadAuthority(cfgFile, nil)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		if err := config.ConfigureLogging(level, logJSON || cfg.LogJSON); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		svc := netconf.NewService(store, netconf.ServiceConfig{
			MaxAssignAttempts: cfg.MaxAssignAttempts,
			Workers:           cfg.Workers,
		})
		logrus.WithFields(logrus.Fields{
			"function": "netconf-service",
			"postgres": cfg.PostgresDSN != "",
			"workers":  cfg.Workers,
		}).Info("Configuration authority serving")

		if err := svc.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// openStore returns a reconnecting PostgreSQL store, or an empty in-memory
// store when no DSN is configured.
func openStore(cfg config.Authority) (netconf.Store, error) {
	if cfg.PostgresDSN == "" {
		logrus.WithFields(logrus.Fields{
			"function": "openStore",
		}).Warn("No postgres_dsn configured, using an empty in-memory store")
		return netconf.NewMemoryStore(), nil
	}
	return netconf.NewReconnectingStore(func(ctx context.Context) (netconf.Store, error) {
		s, err := netconf.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if migrate {
			if err := s.Migrate(ctx); err != nil {
				s.Close()
				return nil, err
			}
		}
		return s, nil
	}, cfg.Backoff), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "authority configuration file (environment variables override it)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	rootCmd.Flags().BoolVar(&migrate, "migrate", false, "create missing tables on connect")
}
