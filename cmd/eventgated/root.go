package main

import (
	"fmt"
	"log/slog"

	"eventgate/internal/config"
	"eventgate/internal/logging"

	"github.com/spf13/cobra"
)

type cli struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "eventgated",
		Short:         "Publish front end routing events to topic partitions",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to config file (yaml or toml)")

	root.AddCommand(
		newServeCmd(c),
		newEventTypesCmd(c),
		newTopicsCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	c.cfg, c.logger = cfg, logger
	return nil
}
