package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahwlsqja/eth-consensus/node"
)

func startCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Runs a consensus node",
		Args:  cobra.NoArgs,
		RunE:  startFunc,
	}
	cmd.Flags().String(configFlag, "", "Path to a config file (yaml, toml or json)")
	addNodeFlags(cmd.Flags())
	return cmd
}

func startFunc(cmd *cobra.Command, _ []string) error {
	v := node.NewViper()
	if err := bindNodeFlags(v, cmd.Flags()); err != nil {
		return err
	}
	path, err := cmd.Flags().GetString(configFlag)
	if err != nil {
		return err
	}
	cfg, err := node.LoadConfig(v, path)
	if err != nil {
		return err
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		return errors.Wrap(err, "failed to create node")
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("failed to close node", zap.Error(err))
		}
	}()

	logger.Info("starting consensus node",
		zap.String("engine", cfg.Engine),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("listen", cfg.ListenAddr),
	)
	if err := n.Run(cmd.Context()); err != nil {
		return errors.Wrap(err, "node stopped")
	}
	logger.Info("consensus node stopped")
	return nil
}
