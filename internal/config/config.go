package config

import (
	"time"
)

// Rule kinds
const (
	KindPreview = "preview"
	KindService = "service"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener       ListenerConfig           `yaml:"listener"`
	Admin          AdminConfig              `yaml:"admin"`
	DefaultService string                   `yaml:"default_service"` // upstream for "/" and unmatched paths
	Services       map[string]ServiceConfig `yaml:"services"`        // static upstreams, keyed by name
	Preview        PreviewConfig            `yaml:"preview"`
	Rules          []RuleConfig             `yaml:"rules"` // empty = DefaultRules()
	HealthCheck    HealthCheckConfig        `yaml:"health_check"`
	Registry       RegistryConfig           `yaml:"registry"`
	Transport      TransportConfig          `yaml:"transport"`
	WebSocket      WebSocketConfig          `yaml:"websocket"`
	Security       SecurityConfig           `yaml:"security"`
	Redis          RedisConfig              `yaml:"redis"`
	Logging        LoggingConfig            `yaml:"logging"`
	Tracing        TracingConfig            `yaml:"tracing"`
	Shutdown       ShutdownConfig           `yaml:"shutdown"`
}

// ListenerConfig is the single externally reachable port.
type ListenerConfig struct {
	Address           string        `yaml:"address"` // e.g. ":8000"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"` // 0 keeps streaming responses open
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
}

// AdminConfig is the control listener. It must bind a loopback address.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. "127.0.0.1:9901"

	// GRPCHealthAddress serves grpc.health.v1 next to the admin API.
	// Empty disables it.
	GRPCHealthAddress string `yaml:"grpc_health_address"`
}

// ServiceConfig is a statically configured upstream.
type ServiceConfig struct {
	Address    string `yaml:"address"`     // loopback host:port
	HealthPath string `yaml:"health_path"` // empty = TCP connect probe
}

// PreviewConfig controls dynamically registered preview upstreams.
type PreviewConfig struct {
	Host       string `yaml:"host"`        // default 127.0.0.1
	HealthPath string `yaml:"health_path"` // empty = TCP connect probe
	MinPort    int    `yaml:"min_port"`    // default 1024
	MaxPort    int    `yaml:"max_port"`    // default 65535
}

// RuleConfig is one routing rule.
type RuleConfig struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"` // e.g. "/preview/{projectId}/{port}"
	Kind    string `yaml:"kind"`    // "preview" or "service"
	Service string `yaml:"service"` // fixed service name when the pattern has no {serviceName}
}

// HealthCheckConfig configures the prober.
type HealthCheckConfig struct {
	Interval       time.Duration `yaml:"interval"`        // default 5s
	Timeout        time.Duration `yaml:"timeout"`         // default 2s
	Workers        int           `yaml:"workers"`         // concurrent probes, default 16
	UnhealthyAfter int           `yaml:"unhealthy_after"` // consecutive failures, default 3
	ExpectedStatus []string      `yaml:"expected_status"` // e.g. ["200", "2xx", "200-299"]; default 200-399
}

// RegistryConfig configures upstream bookkeeping.
type RegistryConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`   // sustained failure before reclamation, default 60s
	ReclaimStatic bool          `yaml:"reclaim_static"` // also reclaim static services
}

// TransportConfig configures the upstream HTTP transport.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	RequestTimeout        time.Duration `yaml:"request_timeout"` // deadline until response headers, default 30s
	FlushInterval         time.Duration `yaml:"flush_interval"`  // 0 flushes after every write
	PreserveHost          bool          `yaml:"preserve_host"`
}

// WebSocketConfig configures upgrade tunnelling.
type WebSocketConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CloseGrace       time.Duration `yaml:"close_grace"` // wait for the second pump, default 2s
}

// SecurityConfig configures the filter chain. Filters run in a fixed order.
type SecurityConfig struct {
	TrustedProxies TrustedProxiesConfig `yaml:"trusted_proxies"`
	IPFilter       IPFilterConfig       `yaml:"ip_filter"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Sanitize       SanitizeConfig       `yaml:"sanitize"`
	CORS           CORSConfig           `yaml:"cors"`
	Auth           AuthConfig           `yaml:"auth"`
}

// TrustedProxiesConfig defines which peers may supply client IP headers.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`    // e.g. "10.0.0.0/8", "127.0.0.1/32"
	Headers []string `yaml:"headers"`  // default: X-Forwarded-For, X-Real-IP
	MaxHops int      `yaml:"max_hops"` // 0 = unlimited
}

// IPFilterConfig defines IP allow/deny list settings
type IPFilterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Allow   []string `yaml:"allow"` // CIDR list
	Deny    []string `yaml:"deny"`  // CIDR list
	Order   string   `yaml:"order"` // "deny_first" (default) or "allow_first"
}

// RateLimitConfig defines per-client rate limiting.
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Rate       int           `yaml:"rate"`
	Period     time.Duration `yaml:"period"`
	Burst      int           `yaml:"burst"`
	Key        string        `yaml:"key"`         // "ip" (default) or "header:<name>"
	Mode       string        `yaml:"mode"`        // "local" (default) or "distributed"
	MaxClients int           `yaml:"max_clients"` // local limiter cache size, default 10000
}

// SanitizeConfig defines request hygiene checks.
type SanitizeConfig struct {
	Enabled        bool `yaml:"enabled"`
	MaxHeaderBytes int  `yaml:"max_header_bytes"` // total header size, default 64KiB
	MaxURLLength   int  `yaml:"max_url_length"`   // default 8192
}

// CORSConfig defines CORS settings
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allow_origins"` // "*" allows any origin
	AllowMethods     []string `yaml:"allow_methods"`
	AllowHeaders     []string `yaml:"allow_headers"`
	ExposeHeaders    []string `yaml:"expose_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // seconds
}

// AuthConfig defines authentication settings
type AuthConfig struct {
	Enabled     bool         `yaml:"enabled"`
	ExemptPaths []string     `yaml:"exempt_paths"` // glob patterns, e.g. "/preview/**"
	APIKey      APIKeyConfig `yaml:"api_key"`
	JWT         JWTConfig    `yaml:"jwt"`
}

// APIKeyConfig defines API key authentication settings
type APIKeyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Header     string        `yaml:"header"`
	QueryParam string        `yaml:"query_param"`
	Keys       []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry represents a single API key
type APIKeyEntry struct {
	Key      string `yaml:"key"`
	ClientID string `yaml:"client_id"`
	Name     string `yaml:"name"`
}

// JWTConfig defines JWT authentication settings
type JWTConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Secret    string   `yaml:"secret"`
	PublicKey string   `yaml:"public_key"` // PEM, for RS256
	Issuer    string   `yaml:"issuer"`
	Audience  []string `yaml:"audience"`
	Algorithm string   `yaml:"algorithm"` // HS256, RS256
}

// RedisConfig defines the Redis connection for distributed rate limiting
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"` // json or console
	Output   string            `yaml:"output"` // stdout, stderr or file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig controls file output rotation.
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
}

// TracingConfig defines OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// ShutdownConfig defines graceful shutdown behaviour
type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout"` // default 30s
}

// DefaultRules returns the standard preview, runtime and default routing table.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{ID: "preview", Pattern: "/preview/{projectId}/{port}", Kind: KindPreview},
		{ID: "runtime", Pattern: "/runtime/{serviceName}", Kind: KindService},
	}
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8000",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: "127.0.0.1:9901",
		},
		DefaultService: "app",
		Preview: PreviewConfig{
			Host:    "127.0.0.1",
			MinPort: 1024,
			MaxPort: 65535,
		},
		HealthCheck: HealthCheckConfig{
			Interval:       5 * time.Second,
			Timeout:        2 * time.Second,
			Workers:        16,
			UnhealthyAfter: 3,
		},
		Registry: RegistryConfig{
			GracePeriod: 60 * time.Second,
		},
		Transport: TransportConfig{
			MaxIdleConns:          512,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			DialTimeout:           5 * time.Second,
			ResponseHeaderTimeout: 0,
			RequestTimeout:        30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled:          true,
			DialTimeout:      5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			CloseGrace:       2 * time.Second,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Period:     time.Second,
				Key:        "ip",
				Mode:       "local",
				MaxClients: 10000,
			},
			Sanitize: SanitizeConfig{
				Enabled:        true,
				MaxHeaderBytes: 64 << 10,
				MaxURLLength:   8192,
			},
			Auth: AuthConfig{
				APIKey: APIKeyConfig{
					Header: "X-API-Key",
				},
				JWT: JWTConfig{
					Algorithm: "HS256",
				},
			},
		},
		Redis: RedisConfig{
			DialTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "runtime-gateway",
			SampleRate:  1.0,
		},
		Shutdown: ShutdownConfig{
			Timeout: 30 * time.Second,
		},
	}
}
