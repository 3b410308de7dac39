package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"miqo-core/internal/config/source"
)

// configTemplateHeader 写在生成的配置文件开头
const configTemplateHeader = `# miqo configuration
#
# profiles:   where broker profiles are stored (backend fs or redis)
# engine:     bridge URL of the miqo engine, and settings used by miqo-engine
# connection: connect timeout and disconnect grace period
# ingest:     packet buffer limit (0 = unbounded) and topic index size
# log:        level (debug/info/warn/error), format (text/json), file
#
# Every key can be overridden with MIQO_* environment variables,
# e.g. MIQO_ENGINE_URL or MIQO_PROFILE_DIR.

`

// newConfigCommand 配置管理命令组
func newConfigCommand(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage miqo configuration.

Commands:
  init      Generate a configuration file template
  show      Show the effective configuration`,
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Generate a configuration file template",
		Long: `Generate a configuration file template with default values.

Example:
  miqo config init                 # Create miqo.yaml in current directory
  miqo config init ~/.miqo/miqo.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "miqo.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			return a.runConfigInit(path, force)
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Show the configuration after defaults, config file and environment are merged.
Secrets are masked.`,
		Args: cobra.NoArgs,
		RunE: a.runConfigShow,
	}

	configCmd.AddCommand(initCmd, showCmd)
	return configCmd
}

func (a *app) runConfigInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		a.out.Warning("Configuration file already exists: %s (use --force to overwrite)", path)
		return nil
	}

	data, err := yaml.Marshal(source.GetDefaultConfig())
	if err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, append([]byte(configTemplateHeader), data...), 0644); err != nil {
		return err
	}

	a.out.Success("Configuration file created: %s", path)
	a.out.Info("Edit the file to customize your settings, then run:")
	a.out.Plain("  miqo --config %s shell", path)
	return nil
}

func (a *app) runConfigShow(cmd *cobra.Command, _ []string) error {
	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return err
	}
	a.out.Header("Current Configuration")
	a.out.Plain("%s", data)
	return nil
}
