package schema

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug/info/warn/error
	Format string `yaml:"format" json:"format"` // text/json
	File   string `yaml:"file" json:"file"`     // empty = stderr
}

// Log levels
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)
