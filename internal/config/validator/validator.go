// Package validator provides configuration validation
package validator

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"miqo-core/internal/config/schema"
)

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string // Field path (e.g., "engine.url")
	Value   string // Current value (masked for secrets)
	Message string // Error message
	Hint    string // Fix suggestion
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult contains all validation errors
type ValidationResult struct {
	Errors []ValidationError
}

// IsValid returns true if there are no validation errors
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Error returns a formatted error message
func (r *ValidationResult) Error() string {
	if r.IsValid() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Configuration validation failed:\n\n")

	for i, err := range r.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Field))
		if err.Value != "" {
			sb.WriteString(fmt.Sprintf("     Current value: %s\n", err.Value))
		}
		sb.WriteString(fmt.Sprintf("     Error: %s\n", err.Message))
		if err.Hint != "" {
			sb.WriteString(fmt.Sprintf("     Hint: %s\n", err.Hint))
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// AddError adds a validation error
func (r *ValidationResult) AddError(field, value, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Hint:    hint,
	})
}

// Validator validates configuration
type Validator struct {
	rules []ValidationRule
}

// ValidationRule is a function that validates configuration
type ValidationRule func(cfg *schema.Root, result *ValidationResult)

// NewValidator creates a new Validator with default rules
func NewValidator() *Validator {
	v := &Validator{
		rules: make([]ValidationRule, 0),
	}

	v.AddRule(validateProfiles)
	v.AddRule(validateEngine)
	v.AddRule(validateConnection)
	v.AddRule(validateIngest)
	v.AddRule(validateLog)

	return v
}

// AddRule adds a validation rule
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// Validate runs every rule; all failures are collected, not just the first
func (v *Validator) Validate(cfg *schema.Root) *ValidationResult {
	result := &ValidationResult{
		Errors: make([]ValidationError, 0),
	}

	for _, rule := range v.rules {
		rule(cfg, result)
	}

	return result
}

// ValidateConfig is a convenience function that creates a validator and validates
func ValidateConfig(cfg *schema.Root) *ValidationResult {
	return NewValidator().Validate(cfg)
}

// ============================================================================
// Validation Rules
// ============================================================================

func validateProfiles(cfg *schema.Root, result *ValidationResult) {
	switch cfg.Profiles.Backend {
	case schema.ProfileBackendFS:
		if cfg.Profiles.Dir == "" {
			result.AddError("profiles.dir", "", "profile directory is required for the fs backend",
				"Set profiles.dir or MIQO_PROFILE_DIR")
		}
	case schema.ProfileBackendRedis:
		if cfg.Profiles.Redis.Addr == "" {
			result.AddError("profiles.redis.addr", "", "redis address is required for the redis backend",
				"Set profiles.redis.addr, e.g. localhost:6379")
		} else {
			validateHostPort("profiles.redis.addr", cfg.Profiles.Redis.Addr, result)
		}
		if cfg.Profiles.Redis.DB < 0 {
			result.AddError("profiles.redis.db", strconv.Itoa(cfg.Profiles.Redis.DB),
				"redis db must not be negative", "")
		}
	default:
		result.AddError("profiles.backend", cfg.Profiles.Backend, "unknown profile backend",
			"Use one of: fs, redis")
	}
}

func validateEngine(cfg *schema.Root, result *ValidationResult) {
	e := cfg.Engine

	if e.URL == "" {
		result.AddError("engine.url", "", "engine URL is required", "e.g. ws://127.0.0.1:7878/bridge")
	} else if u, err := url.Parse(e.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		result.AddError("engine.url", e.URL, "engine URL must be a ws:// or wss:// URL",
			"e.g. ws://127.0.0.1:7878/bridge")
	}

	if e.Listen != "" {
		validateHostPort("engine.listen", e.Listen, result)
	}
	if strings.TrimSpace(e.ClientID) == "" {
		result.AddError("engine.client_id", e.ClientID, "client id must not be empty", "")
	}
	if e.KeepAlive < 0 {
		result.AddError("engine.keep_alive", e.KeepAlive.String(), "keep-alive must not be negative", "")
	}
	if e.MaxEventRate < 0 {
		result.AddError("engine.max_event_rate", strconv.Itoa(e.MaxEventRate),
			"event rate must not be negative", "Use 0 for unlimited")
	}
	if e.ReconnectAttempts < 0 {
		result.AddError("engine.reconnect_attempts", strconv.Itoa(e.ReconnectAttempts),
			"reconnect attempts must not be negative", "Use 0 to disable reconnect")
	} else if e.ReconnectAttempts > 0 && e.ReconnectInterval <= 0 {
		result.AddError("engine.reconnect_interval", e.ReconnectInterval.String(),
			"reconnect interval must be positive when reconnect is enabled", "e.g. 1s")
	}
	if !e.Secret.IsEmpty() && len(e.Secret.Value()) < MinEngineSecretLength {
		result.AddError("engine.secret", e.Secret.String(),
			"engine secret is too short", fmt.Sprintf("Use at least %d characters", MinEngineSecretLength))
	}
	for _, origin := range e.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			result.AddError("engine.allowed_origins", origin, "origin must be scheme://host[:port]",
				"e.g. http://localhost:1420")
		}
	}
}

// MinEngineSecretLength is the shortest accepted bridge token signing key
const MinEngineSecretLength = 16

func validateConnection(cfg *schema.Root, result *ValidationResult) {
	c := cfg.Connection
	if c.ConnectTimeout <= 0 {
		result.AddError("connection.connect_timeout", c.ConnectTimeout.String(),
			"connect timeout must be positive", "e.g. 10s")
	}
	if c.DisconnectGrace < 0 {
		result.AddError("connection.disconnect_grace", c.DisconnectGrace.String(),
			"disconnect grace must not be negative", "e.g. 3s")
	}
}

func validateIngest(cfg *schema.Root, result *ValidationResult) {
	i := cfg.Ingest
	if i.MaxPackets < 0 {
		result.AddError("ingest.max_packets", strconv.Itoa(i.MaxPackets),
			"max packets must not be negative", "Use 0 for unbounded")
	}
	if i.TopicCacheSize <= 0 {
		result.AddError("ingest.topic_cache_size", strconv.Itoa(i.TopicCacheSize),
			"topic cache size must be positive", "e.g. 256")
	}
}

func validateLog(cfg *schema.Root, result *ValidationResult) {
	validateLogLevel("log.level", cfg.Log.Level, result)
	validateLogFormat("log.format", cfg.Log.Format, result)
}

// ============================================================================
// Helpers
// ============================================================================

func validateHostPort(field, addr string, result *ValidationResult) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, addr, "invalid address", "Use host:port, e.g. 127.0.0.1:7878")
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		result.AddError(field, addr, "port must be between 1 and 65535", "")
	}
}

func validateLogLevel(field, level string, result *ValidationResult) {
	validLevels := map[string]bool{
		schema.LogLevelDebug: true,
		schema.LogLevelInfo:  true,
		schema.LogLevelWarn:  true,
		schema.LogLevelError: true,
	}
	if !validLevels[level] && level != "" {
		result.AddError(field,
			level,
			"invalid log level",
			"Use one of: debug, info, warn, error")
	}
}

func validateLogFormat(field, format string, result *ValidationResult) {
	validFormats := map[string]bool{
		schema.LogFormatText: true,
		schema.LogFormatJSON: true,
	}
	if !validFormats[format] && format != "" {
		result.AddError(field,
			format,
			"invalid log format",
			"Use one of: text, json")
	}
}
