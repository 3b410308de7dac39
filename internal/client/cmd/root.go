// Package cmd 提供 miqo CLI 的命令框架
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"miqo-core/internal/client/cli"
	"miqo-core/internal/config/loader"
	"miqo-core/internal/config/schema"
	"miqo-core/internal/core/dispose"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/version"
)

// app 一次命令执行的共享状态
type app struct {
	// 全局标志
	configFile string
	logLevel   string
	logFile    string
	noColor    bool

	cfg       *schema.Root
	out       *cli.Output
	resources *dispose.ResourceManager
}

// Execute 执行根命令
func Execute() {
	// 全局 panic recovery
	defer func() {
		if r := recover(); r != nil {
			corelog.Errorf("FATAL: main goroutine panic recovered: %v", r)
			corelog.Errorf("Stack trace:\n%s", string(debug.Stack()))
			fmt.Fprintf(os.Stderr, "\nPANIC: %v\n", r)
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root, a := newRootCommand()
	err := root.ExecuteContext(ctx)
	a.close()
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCommand 构建完整的命令树
func newRootCommand() (*cobra.Command, *app) {
	a := &app{resources: dispose.NewResourceManager()}

	rootCmd := &cobra.Command{
		Use:   "miqo",
		Short: "miqo - MQTT companion for inspecting broker traffic",
		Long: `miqo keeps named broker profiles, connects to a broker through the
miqo engine and shows every packet the broker publishes.

Quick Start:
  miqo profile save --name local --host localhost
  miqo connect local           Stream packets from a saved profile
  miqo connect tcp://host:1883 Stream packets from a broker URL
  miqo shell                   Start the interactive shell`,
		Version:           version.GetVersion(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug/info/warn/error")
	rootCmd.PersistentFlags().StringVar(&a.logFile, "log", "", "Log file path")
	rootCmd.PersistentFlags().BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(newProfileCommand(a))
	rootCmd.AddCommand(newConnectCommand(a))
	rootCmd.AddCommand(newShellCommand(a))
	rootCmd.AddCommand(newConfigCommand(a))
	rootCmd.AddCommand(newVersionCommand(a))
	return rootCmd, a
}

// setup 加载配置、初始化日志与输出
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := loader.Load(a.configFile)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}

	logCloser, err := corelog.Configure(corelog.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	corelog.BindDispose()
	_ = a.resources.RegisterFunc("log", logCloser.Close)

	a.cfg = cfg
	a.out = cli.NewOutput(cmd.OutOrStdout(), a.noColor || !isTerminal(cmd.OutOrStdout()))
	return nil
}

// close 按注册的逆序释放资源
func (a *app) close() {
	if result := a.resources.DisposeAll(); result.HasErrors() {
		corelog.Warnf("cleanup: %v", result.Error())
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
