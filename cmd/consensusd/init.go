package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/ahwlsqja/eth-consensus/node"
)

func initCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init <config-file>",
		Short: "Writes a node config file",
		Args:  cobra.ExactArgs(1),
		RunE:  initFunc,
	}
	cmd.Flags().Bool(forceFlag, false, "Overwrite an existing config file")
	cmd.Flags().Uint64("chain-id", 1337, "Chain ID")
	cmd.Flags().Uint64("genesis-time", 0, "Genesis timestamp in unix seconds")
	addNodeFlags(cmd.Flags())
	return cmd
}

func initFunc(cmd *cobra.Command, args []string) error {
	path := args[0]
	force, err := cmd.Flags().GetBool(forceFlag)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return errors.Errorf("config %s already exists, use --%s to overwrite", path, forceFlag)
	}

	v := node.NewViper()
	if err := bindNodeFlags(v, cmd.Flags()); err != nil {
		return err
	}
	for name, key := range map[string]string{"chain-id": "chain_id", "genesis-time": "genesis_time"} {
		if f := cmd.Flags().Lookup(name); f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return errors.Wrapf(err, "failed to bind --%s", name)
			}
		}
	}
	cfg, err := node.LoadConfig(v, "")
	if err != nil {
		return err
	}
	if err := node.WriteConfig(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
