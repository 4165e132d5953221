package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "evalq",
		Short:         "Shared evaluation queue for reviewing submissions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flag, _ := cmd.Flags().GetBool("no-color"); flag {
				noColor = true
			}
		},
	}
	root.PersistentFlags().Bool("no-color", false, "disable colored output")

	root.AddCommand(
		newServeCommand(),
		newStopCommand(),
		newStatusCommand(),
		newEvaluateCommand(),
		newDecideCommand(),
		newQueueCommand(),
		newSubmitCommand(),
		newWithdrawCommand(),
		newAuditCommand(),
		newConfigCommand(),
		newTokenCommand(),
	)
	root.SetVersionTemplate(fmt.Sprintf("evalq version %s\n", version))
	return root
}
