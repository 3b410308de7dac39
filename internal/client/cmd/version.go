package cmd

import (
	"github.com/spf13/cobra"

	"miqo-core/internal/version"
)

// newVersionCommand 显示版本信息
func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Show detailed version information including build time and git commit.

Example:
  miqo version`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			a.out.Plain("miqo %s", version.GetVersion())
			a.out.Plain("MQTT companion: broker profiles, live packet view, engine bridge")
		},
	}
}
