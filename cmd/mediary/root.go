package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"mediary/internal/config"
	"mediary/internal/logging"
	"mediary/pkg/types"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mediary",
		Short: "Mediary MQTT edge bridge",
		Long: `Mediary runs a local MQTT broker for edge devices and bridges their
traffic to a cloud MQTT endpoint, authenticating upstream with short-lived
signed tokens and queueing messages while the cloud is unreachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "configuration file (default $CONFIG_FILE or ./configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCmd(opts),
		newVersionCmd(),
		newTokenCmd(opts),
		newCheckUpstreamCmd(opts),
		newQueueCmd(opts),
		newHashPasswordCmd(),
	)
	return cmd
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*types.Config, zerolog.Logger, error) {
	path := o.configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info().Str("path", path).Msg("Configuration loaded.")
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mediary %s\n", Version)
		},
	}
}
