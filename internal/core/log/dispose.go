package log

import "miqo-core/internal/core/dispose"

// BindDispose 把 dispose 包的日志接到默认 Logger，启动时调用一次
func BindDispose() {
	dispose.SetLogger(func(level dispose.Level, msg string) {
		l := Component("dispose")
		switch level {
		case dispose.LevelDebug:
			l.Debug(msg)
		case dispose.LevelWarn:
			l.Warn(msg)
		default:
			l.Error(msg)
		}
	})
}
