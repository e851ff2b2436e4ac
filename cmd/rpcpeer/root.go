package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peer-rpc/config"
	"peer-rpc/logging"
	"peer-rpc/registry"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:          "rpcpeer",
	Short:        "rpcpeer runs and calls bidirectional RPC peers",
	Long:         `rpcpeer hosts services on symmetric RPC peers over TCP or websockets, registers them in etcd, and calls them from the command line.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg = config.Default()
		}
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file")
}

// openRegistry connects to etcd, or returns an in-process registry when no
// endpoints are configured. The returned func releases it.
func openRegistry(endpoints []string) (registry.Registry, func(), error) {
	if len(endpoints) == 0 {
		return registry.NewMemoryRegistry(), func() {}, nil
	}
	reg, err := registry.NewEtcdRegistry(endpoints, logger)
	if err != nil {
		return nil, nil, err
	}
	return reg, func() { reg.Close() }, nil
}
