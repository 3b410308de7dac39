package cmd

import (
	"github.com/spf13/cobra"

	"miqo-core/internal/client/cli"
)

func newShellCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start the interactive shell",
		Long: `Start an interactive shell connected to the miqo engine.

Commands inside the shell:
  list, connect <profile|url>, disconnect, status, packets [n], topics, clear, exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			sess, err := a.openSession(ctx)
			if err != nil {
				return err
			}
			return cli.NewShell(ctx, store, sess.ctrl, sess.pipeline, a.out).Run()
		},
	}
}
