package dispose

import (
	"fmt"
	"sync/atomic"
)

// Level dispose 输出的日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelWarn
	LevelError
)

// LogSink 接收 dispose 的日志；本包不依赖 core/log，由启动代码注入
type LogSink func(level Level, msg string)

var sink atomic.Pointer[LogSink]

// SetLogger 设置日志输出，nil 表示丢弃
func SetLogger(fn LogSink) {
	if fn == nil {
		sink.Store(nil)
		return
	}
	sink.Store(&fn)
}

func logf(level Level, format string, args ...interface{}) {
	if fn := sink.Load(); fn != nil {
		(*fn)(level, fmt.Sprintf(format, args...))
	}
}
