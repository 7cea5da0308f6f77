package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// WithSecretProvider registers an extra secret scheme for ${scheme:ref} values.
func (l *Loader) WithSecretProvider(p SecretProvider) *Loader {
	l.secrets.Register(p)
	return l
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks a configuration built in code.
func (l *Loader) Validate(cfg *Config) error {
	return l.validate(cfg)
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener: address is required")
	}

	if cfg.Admin.Enabled {
		if err := requireLoopback(cfg.Admin.Address); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
		if cfg.Admin.GRPCHealthAddress != "" {
			if err := requireLoopback(cfg.Admin.GRPCHealthAddress); err != nil {
				return fmt.Errorf("admin.grpc_health_address: %w", err)
			}
		}
	}

	for name, svc := range cfg.Services {
		if name == "" {
			return fmt.Errorf("services: empty service name")
		}
		if err := requireLoopback(svc.Address); err != nil {
			return fmt.Errorf("service %s: %w", name, err)
		}
		if svc.HealthPath != "" && !strings.HasPrefix(svc.HealthPath, "/") {
			return fmt.Errorf("service %s: health_path must start with /", name)
		}
	}

	if cfg.DefaultService == "" {
		return fmt.Errorf("default_service is required")
	}
	if _, ok := cfg.Services[cfg.DefaultService]; !ok {
		return fmt.Errorf("default_service %q is not a configured service", cfg.DefaultService)
	}

	if err := l.validatePreview(cfg.Preview); err != nil {
		return err
	}
	if err := l.validateRules(cfg); err != nil {
		return err
	}

	hc := cfg.HealthCheck
	if hc.Interval <= 0 || hc.Timeout <= 0 {
		return fmt.Errorf("health_check: interval and timeout must be > 0")
	}
	if hc.Workers <= 0 {
		return fmt.Errorf("health_check: workers must be > 0")
	}
	if hc.UnhealthyAfter <= 0 {
		return fmt.Errorf("health_check: unhealthy_after must be > 0")
	}
	if cfg.Registry.GracePeriod <= 0 {
		return fmt.Errorf("registry: grace_period must be > 0")
	}
	if cfg.Transport.RequestTimeout <= 0 {
		return fmt.Errorf("transport: request_timeout must be > 0")
	}
	if cfg.WebSocket.Enabled && cfg.WebSocket.CloseGrace <= 0 {
		return fmt.Errorf("websocket: close_grace must be > 0")
	}

	if err := l.validateSecurity(cfg); err != nil {
		return err
	}

	if cfg.Tracing.Enabled && (cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing: sample_rate must be between 0 and 1")
	}

	return nil
}

func (l *Loader) validatePreview(p PreviewConfig) error {
	if ip := net.ParseIP(p.Host); p.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("preview: host %q is not a loopback address", p.Host)
	}
	if p.MinPort < 1 || p.MaxPort > 65535 || p.MinPort > p.MaxPort {
		return fmt.Errorf("preview: invalid port range %d-%d", p.MinPort, p.MaxPort)
	}
	if p.HealthPath != "" && !strings.HasPrefix(p.HealthPath, "/") {
		return fmt.Errorf("preview: health_path must start with /")
	}
	return nil
}

// validateRules checks rule shape. Structural overlaps are detected when the
// router compiles the table.
func (l *Loader) validateRules(cfg *Config) error {
	ids := make(map[string]bool)
	patterns := make(map[string]string)

	for i, rule := range cfg.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if ids[rule.ID] {
			return fmt.Errorf("duplicate rule id: %s", rule.ID)
		}
		ids[rule.ID] = true

		params, err := patternParams(rule.Pattern)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if other, ok := patterns[rule.Pattern]; ok {
			return fmt.Errorf("rule %s: pattern %s duplicates rule %s", rule.ID, rule.Pattern, other)
		}
		patterns[rule.Pattern] = rule.ID

		switch rule.Kind {
		case KindPreview:
			if !params["projectId"] || !params["port"] {
				return fmt.Errorf("rule %s: preview pattern must contain {projectId} and {port}", rule.ID)
			}
		case KindService:
			if params["serviceName"] {
				break
			}
			if rule.Service == "" {
				return fmt.Errorf("rule %s: service pattern needs {serviceName} or a fixed service", rule.ID)
			}
			if _, ok := cfg.Services[rule.Service]; !ok {
				return fmt.Errorf("rule %s: unknown service %q", rule.ID, rule.Service)
			}
		default:
			return fmt.Errorf("rule %s: invalid kind %q", rule.ID, rule.Kind)
		}
	}
	return nil
}

// patternParams validates a rule pattern and returns its parameter names.
func patternParams(pattern string) (map[string]bool, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", pattern)
	}
	if pattern == "/" {
		return nil, fmt.Errorf("pattern / is reserved for the default rule")
	}
	if strings.HasSuffix(pattern, "/") {
		return nil, fmt.Errorf("pattern %q must not end with /", pattern)
	}

	params := make(map[string]bool)
	for _, seg := range strings.Split(pattern[1:], "/") {
		if seg == "" {
			return nil, fmt.Errorf("pattern %q has an empty segment", pattern)
		}
		if strings.HasPrefix(seg, "{") || strings.HasSuffix(seg, "}") {
			if len(seg) < 3 || !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
				return nil, fmt.Errorf("pattern %q: malformed parameter %q", pattern, seg)
			}
			name := seg[1 : len(seg)-1]
			if params[name] {
				return nil, fmt.Errorf("pattern %q: duplicate parameter %q", pattern, name)
			}
			params[name] = true
			continue
		}
		if strings.ContainsAny(seg, ":*{}") {
			return nil, fmt.Errorf("pattern %q: invalid segment %q", pattern, seg)
		}
	}
	return params, nil
}

func (l *Loader) validateSecurity(cfg *Config) error {
	sec := cfg.Security

	for _, cidr := range sec.TrustedProxies.CIDRs {
		if _, err := parseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_proxies: %w", err)
		}
	}

	if sec.IPFilter.Enabled {
		for _, cidr := range append(append([]string{}, sec.IPFilter.Allow...), sec.IPFilter.Deny...) {
			if _, err := parseCIDR(cidr); err != nil {
				return fmt.Errorf("security.ip_filter: %w", err)
			}
		}
		if o := sec.IPFilter.Order; o != "" && o != "allow_first" && o != "deny_first" {
			return fmt.Errorf("security.ip_filter: invalid order %q", o)
		}
	}

	if rl := sec.RateLimit; rl.Enabled {
		if rl.Rate <= 0 || rl.Period <= 0 {
			return fmt.Errorf("security.rate_limit: rate and period must be > 0")
		}
		switch rl.Mode {
		case "", "local":
		case "distributed":
			if cfg.Redis.Address == "" {
				return fmt.Errorf("security.rate_limit: distributed mode requires redis.address")
			}
		default:
			return fmt.Errorf("security.rate_limit: invalid mode %q", rl.Mode)
		}
		if rl.Key != "" && rl.Key != "ip" && !strings.HasPrefix(rl.Key, "header:") {
			return fmt.Errorf("security.rate_limit: invalid key %q", rl.Key)
		}
	}

	if c := sec.CORS; c.Enabled && c.AllowCredentials {
		for _, o := range c.AllowOrigins {
			if o == "*" {
				return fmt.Errorf("security.cors: allow_credentials cannot be combined with origin *")
			}
		}
	}

	if a := sec.Auth; a.Enabled {
		if !a.APIKey.Enabled && !a.JWT.Enabled {
			return fmt.Errorf("security.auth: enable api_key or jwt")
		}
		if a.JWT.Enabled {
			switch a.JWT.Algorithm {
			case "HS256":
				if a.JWT.Secret == "" {
					return fmt.Errorf("security.auth.jwt: HS256 requires secret")
				}
			case "RS256":
				if a.JWT.PublicKey == "" {
					return fmt.Errorf("security.auth.jwt: RS256 requires public_key")
				}
			default:
				return fmt.Errorf("security.auth.jwt: unsupported algorithm %q", a.JWT.Algorithm)
			}
		}
	}
	return nil
}

// IsLoopbackAddress reports whether a host:port address names a loopback host.
func IsLoopbackAddress(addr string) bool {
	return requireLoopback(addr) == nil
}

func requireLoopback(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port in address %q", addr)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("address %q is not a loopback address", addr)
	}
	return nil
}

func parseCIDR(s string) (*net.IPNet, error) {
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP or CIDR %q", s)
		}
		if ip.To4() != nil {
			s += "/32"
		} else {
			s += "/128"
		}
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	return n, nil
}
