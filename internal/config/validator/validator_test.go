package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miqo-core/internal/config/schema"
	"miqo-core/internal/config/source"
)

func fieldsOf(r *ValidationResult) []string {
	fields := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		fields = append(fields, e.Field)
	}
	return fields
}

func TestValidate_Defaults(t *testing.T) {
	result := ValidateConfig(source.GetDefaultConfig())
	assert.True(t, result.IsValid(), result.Error())
	assert.Empty(t, result.Error())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := source.GetDefaultConfig()
	cfg.Engine.URL = "http://localhost/bridge"
	cfg.Connection.ConnectTimeout = 0
	cfg.Ingest.MaxPackets = -1
	cfg.Log.Level = "trace"

	result := ValidateConfig(cfg)
	require.False(t, result.IsValid())
	assert.ElementsMatch(t, []string{
		"engine.url",
		"connection.connect_timeout",
		"ingest.max_packets",
		"log.level",
	}, fieldsOf(result))
	assert.Contains(t, result.Error(), "Current value: trace")
}

func TestValidate_Profiles(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *schema.Root)
		field  string
	}{
		{"unknown backend", func(cfg *schema.Root) { cfg.Profiles.Backend = "s3" }, "profiles.backend"},
		{"fs without dir", func(cfg *schema.Root) { cfg.Profiles.Dir = "" }, "profiles.dir"},
		{"redis without addr", func(cfg *schema.Root) {
			cfg.Profiles.Backend = schema.ProfileBackendRedis
			cfg.Profiles.Redis.Addr = ""
		}, "profiles.redis.addr"},
		{"redis bad port", func(cfg *schema.Root) {
			cfg.Profiles.Backend = schema.ProfileBackendRedis
			cfg.Profiles.Redis.Addr = "localhost:99999"
		}, "profiles.redis.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := source.GetDefaultConfig()
			tt.mutate(cfg)
			result := ValidateConfig(cfg)
			assert.Equal(t, []string{tt.field}, fieldsOf(result))
		})
	}
}

func TestValidate_Engine(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *schema.Root)
		field  string
	}{
		{"negative reconnect attempts", func(cfg *schema.Root) { cfg.Engine.ReconnectAttempts = -1 }, "engine.reconnect_attempts"},
		{"reconnect without interval", func(cfg *schema.Root) { cfg.Engine.ReconnectInterval = 0 }, "engine.reconnect_interval"},
		{"short secret", func(cfg *schema.Root) { cfg.Engine.Secret = "hunter2" }, "engine.secret"},
		{"origin with path", func(cfg *schema.Root) {
			cfg.Engine.AllowedOrigins = []string{"http://localhost:1420/app"}
		}, "engine.allowed_origins"},
		{"origin without scheme", func(cfg *schema.Root) {
			cfg.Engine.AllowedOrigins = []string{"localhost:1420"}
		}, "engine.allowed_origins"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := source.GetDefaultConfig()
			tt.mutate(cfg)
			result := ValidateConfig(cfg)
			assert.Equal(t, []string{tt.field}, fieldsOf(result))
		})
	}

	cfg := source.GetDefaultConfig()
	cfg.Engine.ReconnectAttempts = 0
	cfg.Engine.ReconnectInterval = 0
	cfg.Engine.Secret = "0123456789abcdef"
	cfg.Engine.AllowedOrigins = []string{"http://localhost:1420", "tauri://localhost"}
	result := ValidateConfig(cfg)
	assert.True(t, result.IsValid(), result.Error())

	// 报错时不泄露密钥
	cfg.Engine.Secret = "hunter2-pass"
	result = ValidateConfig(cfg)
	assert.Equal(t, []string{"engine.secret"}, fieldsOf(result))
	assert.NotContains(t, result.Error(), "hunter2-pass")
}

func TestValidate_CustomRule(t *testing.T) {
	v := NewValidator()
	v.AddRule(func(cfg *schema.Root, result *ValidationResult) {
		if cfg.Connection.DisconnectGrace > time.Minute {
			result.AddError("connection.disconnect_grace", cfg.Connection.DisconnectGrace.String(), "too long", "")
		}
	})

	cfg := source.GetDefaultConfig()
	cfg.Connection.DisconnectGrace = 2 * time.Minute
	assert.Equal(t, []string{"connection.disconnect_grace"}, fieldsOf(v.Validate(cfg)))
}
