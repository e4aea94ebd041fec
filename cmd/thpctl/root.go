package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TheusHen/thp/thp/config"
	"github.com/TheusHen/thp/thp/observability"
)

var version = "0.1.0"

// app is the state shared by subcommands, filled in PersistentPreRunE.
type app struct {
	cfgFile      string
	outputFormat string
	address      string
	transport    string
	verbose      bool

	cfg *config.Config
	log *zap.Logger
	out formatter
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "thpctl",
		Short: "Trezor Host Protocol client and device emulator",
		Long: `thpctl opens encrypted THP channels to a device, pairs with it and sends
application messages. The emulator subcommand serves the device side over
UDP or QUIC for local testing.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if a.address != "" {
				cfg.Transport.Address = a.address
			}
			if a.transport != "" {
				cfg.Transport.Kind = a.transport
			}
			if a.verbose {
				cfg.Log.Level = "debug"
			}
			a.cfg = cfg
			if a.log, err = observability.SetupLogger(cfg.Log); err != nil {
				return err
			}
			a.out = newFormatter(a.outputFormat)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.cfgFile, "config", "", "config file (default is ./thp.yaml or ~/.thp/thp.yaml)")
	f.StringVarP(&a.outputFormat, "output", "o", "", "output format: text, json, yaml (default \"text\")")
	f.StringVarP(&a.address, "address", "a", "", "device address")
	f.StringVar(&a.transport, "transport", "", "transport: udp or quic")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newEmulatorCmd(a),
		newPingCmd(a),
		newPairCmd(a),
		newCallCmd(a),
		newCredentialsCmd(a),
		newTraceCmd(a),
		newKeygenCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show thpctl version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "thpctl version %s\n", version)
		},
	}
}
