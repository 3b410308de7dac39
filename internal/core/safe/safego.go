// Package safe 提供带 panic 恢复的 Goroutine 启动
//
// 引擎的拨号协程、桥接读循环等后台任务都经由这里启动，
// 单个任务 panic 只记录日志，不会带崩整个进程。
package safe

import (
	"context"
	"runtime/debug"
	"sync/atomic"

	corelog "miqo-core/internal/core/log"
)

var (
	activeCount atomic.Int64 // 当前活跃 Goroutine 数量
	totalCount  atomic.Int64 // 累计创建的 Goroutine 数量
	panicCount  atomic.Int64 // panic 次数
)

// Stats Goroutine 统计信息
type Stats struct {
	Active     int64 `json:"active"`
	Total      int64 `json:"total"`
	PanicCount int64 `json:"panics"`
}

// GetStats 获取统计信息
func GetStats() Stats {
	return Stats{
		Active:     activeCount.Load(),
		Total:      totalCount.Load(),
		PanicCount: panicCount.Load(),
	}
}

// Go 安全启动 Goroutine，name 用于日志标识
func Go(name string, fn func()) {
	GoWithCallback(name, fn, nil)
}

// GoWithContext 带 context 的安全 Goroutine，fn 应在 ctx 取消时退出
func GoWithContext(ctx context.Context, name string, fn func(ctx context.Context)) {
	GoWithCallback(name, func() { fn(ctx) }, nil)
}

// GoWithCallback onPanic 在发生 panic 时调用
func GoWithCallback(name string, fn func(), onPanic func(recovered interface{})) {
	totalCount.Add(1)
	activeCount.Add(1)

	go func() {
		defer func() {
			activeCount.Add(-1)
			if r := recover(); r != nil {
				panicCount.Add(1)
				corelog.Errorf("SafeGo[%s]: panic recovered: %v\n%s", name, r, debug.Stack())
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
