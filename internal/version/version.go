// Package version 构建版本信息
package version

import (
	"runtime/debug"
	"strings"
)

var (
	// Version 版本号，构建时通过 -ldflags 注入
	// 未注入时回退到模块构建信息，仍取不到则为 "dev"
	Version = "dev"

	// BuildTime 构建时间，通过 -ldflags 注入
	BuildTime = ""

	// GitCommit Git 提交哈希，通过 -ldflags 注入
	GitCommit = ""
)

func init() {
	if Version == "dev" {
		Version = readBuildInfo()
	}
}

// readBuildInfo 从 go install 写入的模块版本读取
func readBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return strings.TrimPrefix(info.Main.Version, "v")
}

// GetVersion 获取完整版本信息
func GetVersion() string {
	version := "v" + Version
	if BuildTime != "" {
		version += " (built " + BuildTime + ")"
	}
	if GitCommit != "" {
		commit := GitCommit
		if len(commit) > 8 {
			commit = commit[:8]
		}
		version += " commit " + commit
	}
	return version
}
