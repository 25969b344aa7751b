// Package main provides the entry point for the consensus daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := rootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "consensusd",
		Short:         "Clique, PoA and PoS consensus node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		startCommand(),
		initCommand(),
		keygenCommand(),
		versionCommand(),
	)
	return root
}
