package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tyrowin/gochat/internal/logger"
	"github.com/Tyrowin/gochat/internal/presence"
)

// Validation errors.
var (
	ErrMissingSecret = errors.New("config: JWT_SECRET is required")
	ErrPartialTLS    = errors.New("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// TLSConfig enables HTTPS/WSS when both files are set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled reports whether TLS should be served.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Config holds the gateway configuration.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig

	MaxClients       int
	JWTSecret        string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	SendBufferSize   int
	HubQueueSize     int

	TLS   TLSConfig
	Redis presence.Config
	Log   logger.Config
}

// PongWait is how long a connection may stay silent before it is dropped.
func (c Config) PongWait() time.Duration {
	return c.PingInterval + c.PingTimeout
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 512,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		MaxClients:       5,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     25 * time.Second,
		PingTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendBufferSize:   256,
		HubQueueSize:     256,
		Log:              logger.DefaultConfig(),
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.MaxClients < 0 {
		cfg.MaxClients = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.HubQueueSize <= 0 {
		cfg.HubQueueSize = def.HubQueueSize
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = def.Log.MaxSizeMB
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// Validate reports configuration that cannot start a gateway.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return ErrMissingSecret
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return ErrPartialTLS
	}
	return nil
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// envBindings maps config keys to the environment variables that set them.
var envBindings = map[string]string{
	"port":                       "SERVER_PORT",
	"allowed_origins":            "ALLOWED_ORIGINS",
	"max_message_size":           "MAX_MESSAGE_SIZE",
	"rate_limit_burst":           "RATE_LIMIT_BURST",
	"rate_limit_refill_interval": "RATE_LIMIT_REFILL_INTERVAL",
	"max_clients":                "MAX_CLIENTS",
	"jwt_secret":                 "JWT_SECRET",
	"handshake_timeout":          "HANDSHAKE_TIMEOUT",
	"ping_interval":              "PING_INTERVAL",
	"ping_timeout":               "PING_TIMEOUT",
	"write_timeout":              "WRITE_TIMEOUT",
	"send_buffer_size":           "SEND_BUFFER_SIZE",
	"hub_queue_size":             "HUB_QUEUE_SIZE",
	"tls_cert_file":              "TLS_CERT_FILE",
	"tls_key_file":               "TLS_KEY_FILE",
	"redis_addr":                 "REDIS_ADDR",
	"redis_password":             "REDIS_PASSWORD",
	"redis_db":                   "REDIS_DB",
	"log_level":                  "LOG_LEVEL",
	"log_format":                 "LOG_FORMAT",
	"log_file":                   "LOG_FILE",
}

// LoadConfig reads configuration from an optional file (YAML, JSON or TOML)
// and the environment; environment variables win. Unset or invalid values
// fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := configFromViper(v)
	return &cfg, nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg, err := LoadConfig("")
	if err != nil {
		return NewConfig()
	}
	return cfg
}

func configFromViper(v *viper.Viper) Config {
	cfg := defaultConfig()

	if port := v.GetString("port"); port != "" {
		cfg.Port = port
	}
	if origins := stringList(v.Get("allowed_origins")); origins != nil {
		cfg.AllowedOrigins = origins
	}
	cfg.MaxMessageSize = parseMaxMessageSize(v.GetString("max_message_size"), cfg.MaxMessageSize)
	cfg.RateLimit.Burst = parseIntValue(v.GetString("rate_limit_burst"), cfg.RateLimit.Burst)
	cfg.RateLimit.RefillInterval = parseDuration(v.GetString("rate_limit_refill_interval"), cfg.RateLimit.RefillInterval)
	cfg.MaxClients = parseCount(v.GetString("max_clients"), cfg.MaxClients)
	cfg.JWTSecret = v.GetString("jwt_secret")
	cfg.HandshakeTimeout = parseDuration(v.GetString("handshake_timeout"), cfg.HandshakeTimeout)
	cfg.PingInterval = parseDuration(v.GetString("ping_interval"), cfg.PingInterval)
	cfg.PingTimeout = parseDuration(v.GetString("ping_timeout"), cfg.PingTimeout)
	cfg.WriteTimeout = parseDuration(v.GetString("write_timeout"), cfg.WriteTimeout)
	cfg.SendBufferSize = parseIntValue(v.GetString("send_buffer_size"), cfg.SendBufferSize)
	cfg.HubQueueSize = parseIntValue(v.GetString("hub_queue_size"), cfg.HubQueueSize)

	cfg.TLS = TLSConfig{
		CertFile: v.GetString("tls_cert_file"),
		KeyFile:  v.GetString("tls_key_file"),
	}
	cfg.Redis = presence.Config{
		Addr:     v.GetString("redis_addr"),
		Password: v.GetString("redis_password"),
		DB:       v.GetInt("redis_db"),
		TTL:      3 * cfg.PongWait(),
	}
	if level := v.GetString("log_level"); level != "" {
		cfg.Log.Level = level
	}
	if format := v.GetString("log_format"); format != "" {
		cfg.Log.Format = format
	}
	cfg.Log.File = v.GetString("log_file")

	return sanitizeConfig(cfg)
}

// stringList accepts a comma separated string (environment) or a list
// (config file).
func stringList(raw interface{}) []string {
	switch val := raw.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(val) == "" {
			return nil
		}
		return parseOrigins(val)
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, strings.TrimSpace(fmt.Sprint(item)))
		}
		return out
	default:
		return nil
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseCount is parseIntValue that also accepts zero.
func parseCount(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts whole seconds ("10") or a Go duration ("1m30s").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultValue
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
