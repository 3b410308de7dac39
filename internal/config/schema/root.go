// Package schema defines configuration structure types
package schema

import "time"

// Root is the top-level application configuration
// Connection profiles are not part of it; they live in the profile store.
type Root struct {
	Profiles   ProfilesConfig   `yaml:"profiles" json:"profiles"`
	Engine     EngineConfig     `yaml:"engine" json:"engine"`
	Connection ConnectionConfig `yaml:"connection" json:"connection"`
	Ingest     IngestConfig     `yaml:"ingest" json:"ingest"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// Profile storage backends
const (
	ProfileBackendFS    = "fs"
	ProfileBackendRedis = "redis"
)

// ProfilesConfig contains profile store settings
type ProfilesConfig struct {
	Dir     string      `yaml:"dir" json:"dir"`         // <app-config-dir>/clientconfigs
	Backend string      `yaml:"backend" json:"backend"` // fs/redis
	Redis   RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig contains the shared profile backend connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  Secret `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// EngineConfig describes how to reach (or run) the connection engine
type EngineConfig struct {
	URL          string        `yaml:"url" json:"url"`       // bridge websocket URL
	Listen       string        `yaml:"listen" json:"listen"` // engine listen address
	ClientID     string        `yaml:"client_id" json:"client_id"`
	KeepAlive    time.Duration `yaml:"keep_alive" json:"keep_alive"`
	MaxEventRate int           `yaml:"max_event_rate" json:"max_event_rate"` // packets/s, 0 = unlimited

	// Broker reconnect budget after a lost connection, 0 = report the loss at once
	ReconnectAttempts int           `yaml:"reconnect_attempts" json:"reconnect_attempts"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval" json:"reconnect_interval"`

	// Secret signs bridge tokens; when set the engine rejects clients without one
	Secret Secret `yaml:"secret" json:"secret"`
	// AllowedOrigins lists browser origins allowed to open the bridge.
	// Requests without an Origin header (CLI clients) are not affected.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// ConnectionConfig contains connection controller timing
type ConnectionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace" json:"disconnect_grace"`
}

// IngestConfig contains packet pipeline limits
type IngestConfig struct {
	MaxPackets     int `yaml:"max_packets" json:"max_packets"` // 0 = unbounded
	TopicCacheSize int `yaml:"topic_cache_size" json:"topic_cache_size"`
}
