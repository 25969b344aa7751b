package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahwlsqja/eth-consensus/crypto"
	"github.com/ahwlsqja/eth-consensus/node"
)

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <key-file>",
		Short: "Generates a secp256k1 signing key",
		Args:  cobra.ExactArgs(1),
		RunE:  keygenFunc,
	}
}

func keygenFunc(cmd *cobra.Command, args []string) error {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := node.SaveKey(args[0], kp); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), kp.Address().Hex())
	return nil
}
