package source

import (
	"os"
	"path/filepath"
	"time"

	"miqo-core/internal/config/schema"
)

// AppDirName is the per-user application directory name
const AppDirName = "miqo"

// DefaultSource provides default configuration values
type DefaultSource struct{}

// NewDefaultSource creates a new DefaultSource
func NewDefaultSource() *DefaultSource {
	return &DefaultSource{}
}

// Name returns the source name
func (s *DefaultSource) Name() string {
	return "defaults"
}

// Priority returns the source priority
func (s *DefaultSource) Priority() int {
	return PriorityDefaults
}

// LoadInto loads default values into the configuration
func (s *DefaultSource) LoadInto(cfg *schema.Root) error {
	cfg.Profiles.Dir = DefaultProfileDir()
	cfg.Profiles.Backend = schema.ProfileBackendFS
	cfg.Profiles.Redis.Addr = "localhost:6379"
	cfg.Profiles.Redis.KeyPrefix = "miqo"

	cfg.Engine.URL = "ws://127.0.0.1:7878/bridge"
	cfg.Engine.Listen = "127.0.0.1:7878"
	cfg.Engine.ClientID = "miqo-viewer"
	cfg.Engine.KeepAlive = 20 * time.Second
	cfg.Engine.ReconnectAttempts = 60
	cfg.Engine.ReconnectInterval = time.Second

	cfg.Connection.ConnectTimeout = 10 * time.Second
	cfg.Connection.DisconnectGrace = 3 * time.Second

	cfg.Ingest.MaxPackets = 0
	cfg.Ingest.TopicCacheSize = 256

	cfg.Log.Level = schema.LogLevelInfo
	cfg.Log.Format = schema.LogFormatText
	return nil
}

// DefaultProfileDir returns <user-config-dir>/miqo/clientconfigs
func DefaultProfileDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		if home, herr := os.UserHomeDir(); herr == nil {
			base = filepath.Join(home, ".config")
		} else {
			base = "."
		}
	}
	return filepath.Join(base, AppDirName, "clientconfigs")
}

// GetDefaultConfig returns a fully initialized default configuration
func GetDefaultConfig() *schema.Root {
	cfg := &schema.Root{}
	_ = NewDefaultSource().LoadInto(cfg)
	return cfg
}
