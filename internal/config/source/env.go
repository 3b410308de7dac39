package source

import (
	"os"
	"strconv"
	"strings"
	"time"

	"miqo-core/internal/config/schema"
)

// EnvSource loads configuration from environment variables
type EnvSource struct {
	prefix string
}

// NewEnvSource creates a new EnvSource with the specified prefix
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{
		prefix: prefix,
	}
}

// Name returns the source name
func (s *EnvSource) Name() string {
	return "env"
}

// Priority returns the source priority
func (s *EnvSource) Priority() int {
	return PriorityEnv
}

// LoadInto loads environment variables into the config structure
func (s *EnvSource) LoadInto(cfg *schema.Root) error {
	// Profiles
	s.loadString("PROFILE_DIR", &cfg.Profiles.Dir)
	s.loadString("PROFILE_BACKEND", &cfg.Profiles.Backend)
	s.loadString("REDIS_ADDR", &cfg.Profiles.Redis.Addr)
	s.loadSecret("REDIS_PASSWORD", &cfg.Profiles.Redis.Password)
	s.loadInt("REDIS_DB", &cfg.Profiles.Redis.DB)
	s.loadString("REDIS_KEY_PREFIX", &cfg.Profiles.Redis.KeyPrefix)

	// Engine
	s.loadString("ENGINE_URL", &cfg.Engine.URL)
	s.loadString("ENGINE_LISTEN", &cfg.Engine.Listen)
	s.loadString("ENGINE_CLIENT_ID", &cfg.Engine.ClientID)
	s.loadDuration("ENGINE_KEEP_ALIVE", &cfg.Engine.KeepAlive)
	s.loadInt("ENGINE_MAX_EVENT_RATE", &cfg.Engine.MaxEventRate)
	s.loadInt("ENGINE_RECONNECT_ATTEMPTS", &cfg.Engine.ReconnectAttempts)
	s.loadDuration("ENGINE_RECONNECT_INTERVAL", &cfg.Engine.ReconnectInterval)
	s.loadSecret("ENGINE_SECRET", &cfg.Engine.Secret)
	s.loadList("ENGINE_ALLOWED_ORIGINS", &cfg.Engine.AllowedOrigins)

	// Connection
	s.loadDuration("CONNECT_TIMEOUT", &cfg.Connection.ConnectTimeout)
	s.loadDuration("DISCONNECT_GRACE", &cfg.Connection.DisconnectGrace)

	// Ingest
	s.loadInt("INGEST_MAX_PACKETS", &cfg.Ingest.MaxPackets)
	s.loadInt("INGEST_TOPIC_CACHE_SIZE", &cfg.Ingest.TopicCacheSize)

	// Log
	s.loadString("LOG_LEVEL", &cfg.Log.Level)
	s.loadString("LOG_FORMAT", &cfg.Log.Format)
	s.loadString("LOG_FILE", &cfg.Log.File)

	return nil
}

// getEnv gets environment variable with the configured prefix
func (s *EnvSource) getEnv(key string) (string, bool) {
	if v := os.Getenv(s.prefix + "_" + key); v != "" {
		return v, true
	}
	return "", false
}

func (s *EnvSource) loadString(key string, target *string) {
	if v, ok := s.getEnv(key); ok {
		*target = v
	}
}

func (s *EnvSource) loadSecret(key string, target *schema.Secret) {
	if v, ok := s.getEnv(key); ok {
		*target = schema.Secret(v)
	}
}

// loadList reads a comma-separated list, dropping empty items
func (s *EnvSource) loadList(key string, target *[]string) {
	if v, ok := s.getEnv(key); ok {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*target = items
	}
}

func (s *EnvSource) loadInt(key string, target *int) {
	if v, ok := s.getEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func (s *EnvSource) loadDuration(key string, target *time.Duration) {
	if v, ok := s.getEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
