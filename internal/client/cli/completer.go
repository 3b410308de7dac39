package cli

import (
	"context"
	"time"

	"github.com/chzyer/readline"

	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/profile"
)

// BuildCompleter 构建 readline 补全器，connect 的参数从配置目录动态补全
func BuildCompleter(store *profile.Store) *readline.PrefixCompleter {
	profiles := func(string) []string {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		names, err := store.List(ctx)
		if err != nil {
			corelog.Debugf("CLI: profile completion failed: %v", err)
			return nil
		}
		return names
	}

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("list"),
		readline.PcItem("connect", readline.PcItemDynamic(profiles)),
		readline.PcItem("disconnect"),
		readline.PcItem("status"),
		readline.PcItem("packets"),
		readline.PcItem("topics"),
		readline.PcItem("clear"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
	)
}
