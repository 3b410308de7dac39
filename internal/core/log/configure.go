package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 日志配置
type Config struct {
	Level  string `json:"level" yaml:"level"`   // debug/info/warn/error
	Format string `json:"format" yaml:"format"` // text/json
	File   string `json:"file" yaml:"file"`     // 为空时输出到 stderr
}

// Configure 根据配置构建 logrus Logger 并设为默认
// 返回的 io.Closer 用于关闭日志文件（输出到 stderr 时为空操作）
func Configure(cfg Config) (io.Closer, error) {
	level, err := logrus.ParseLevel(strings.ToLower(defaultString(cfg.Level, "info")))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	l := logrus.New()
	l.SetLevel(level)

	switch strings.ToLower(defaultString(cfg.Format, "text")) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	var closer io.Closer = nopCloser{}
	if cfg.File == "" {
		l.SetOutput(os.Stderr)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(f)
		closer = f
	}

	SetDefault(NewLogrusLogger(l))
	return closer, nil
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
