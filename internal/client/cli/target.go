package cli

import (
	"context"
	"strings"

	"miqo-core/internal/connection"
	"miqo-core/internal/profile"
)

// ResolveTarget 把命令行参数解析为连接目标
//
// 含 "://" 的参数视为 broker URL，否则按配置名从 store 读取。
func ResolveTarget(ctx context.Context, store *profile.Store, arg string) (connection.Target, error) {
	arg = strings.TrimSpace(arg)
	if strings.Contains(arg, "://") {
		return connection.TargetFromURL(arg)
	}

	cfg, err := store.Load(ctx, arg)
	if err != nil {
		return connection.Target{}, err
	}
	return connection.TargetFromConfig(cfg), nil
}

// ProfileTable 列出所有配置；无法读取的配置显示为 (invalid)
func ProfileTable(ctx context.Context, store *profile.Store) (*Table, error) {
	names, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	t := NewTable("NAME", "BROKER", "AUTH")
	for _, name := range names {
		cfg, err := store.Load(ctx, name)
		if err != nil {
			t.AddRow(name, "(invalid)", "-")
			continue
		}
		t.AddRow(name, profile.BrokerURL(cfg), string(cfg.AuthType))
	}
	return t, nil
}
