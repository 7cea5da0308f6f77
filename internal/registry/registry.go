package registry

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes dynamically registered previews from static services.
type Kind string

const (
	KindPreview Kind = "preview"
	KindService Kind = "service"
)

// Key identifies an upstream. Preview keys carry ProjectID and Port; service
// keys carry Name.
type Key struct {
	Kind      Kind
	ProjectID string
	Port      int
	Name      string
}

// PreviewKey builds the key of a preview web server.
func PreviewKey(projectID string, port int) Key {
	return Key{Kind: KindPreview, ProjectID: projectID, Port: port}
}

// ServiceKey builds the key of a named service.
func ServiceKey(name string) Key {
	return Key{Kind: KindService, Name: name}
}

func (k Key) String() string {
	if k.Kind == KindPreview {
		return "preview:" + k.ProjectID + ":" + strconv.Itoa(k.Port)
	}
	return string(k.Kind) + ":" + k.Name
}

// Validate checks that the key names exactly one upstream.
func (k Key) Validate() error {
	switch k.Kind {
	case KindPreview:
		if k.ProjectID == "" {
			return fmt.Errorf("%w: empty project id", ErrInvalidKey)
		}
		// Routing captures the project id as one path segment.
		if strings.Contains(k.ProjectID, "/") {
			return fmt.Errorf("%w: project id %q contains '/'", ErrInvalidKey, k.ProjectID)
		}
		if k.Port < 1 || k.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidKey, k.Port)
		}
	case KindService:
		if k.Name == "" {
			return fmt.Errorf("%w: empty service name", ErrInvalidKey)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKey, k.Kind)
	}
	return nil
}

// State is the lifecycle state of an upstream.
type State string

const (
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
)

// Upstream is an immutable snapshot of a registered upstream.
type Upstream struct {
	Key                 Key           `json:"-"`
	ID                  string        `json:"id"`
	Kind                Kind          `json:"kind"`
	Address             string        `json:"address"`
	HealthPath          string        `json:"health_path,omitempty"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	RegisteredAt        time.Time     `json:"registered_at"`
	LastProbeAt         time.Time     `json:"last_probe_at,omitzero"`
	LastSuccessAt       time.Time     `json:"last_success_at,omitzero"`
	LastLatency         time.Duration `json:"last_latency_ns,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	Static              bool          `json:"static"`
	Generation          uint64        `json:"generation"`
}

// Eligible reports whether the upstream may receive traffic.
func (u Upstream) Eligible() bool {
	return u.State == StateHealthy
}

// HealthCheckResult is the outcome of a single probe.
type HealthCheckResult struct {
	OK        bool
	Latency   time.Duration
	CheckedAt time.Time
	Err       error

	// Generation of the upstream that was probed. Results for an older
	// registration of the same key are discarded. Zero skips the check.
	Generation uint64
}

// RegisterOptions carries optional registration attributes.
type RegisterOptions struct {
	HealthPath string // empty = TCP connect probe
	Static     bool   // configured service rather than a preview
}

// EventType names a registry change.
type EventType string

const (
	EventRegistered   EventType = "registered"
	EventStateChanged EventType = "state_changed"
	EventDeregistered EventType = "deregistered"
	EventReclaimed    EventType = "reclaimed"
)

// Event describes a registry change delivered to subscribers.
type Event struct {
	Type     EventType
	Upstream Upstream
	Previous State
}

var (
	// ErrNotFound is returned when no upstream is registered under a key.
	ErrNotFound = errors.New("upstream not registered")

	// ErrInvalidKey is returned for malformed keys.
	ErrInvalidKey = errors.New("invalid upstream key")

	// ErrNotLoopback is returned when registering a non-loopback address.
	ErrNotLoopback = errors.New("upstream address is not loopback")

	// ErrStaleResult is returned when a probe result belongs to a replaced registration.
	ErrStaleResult = errors.New("stale health check result")
)

// ValidateAddress checks that addr is a loopback host:port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrNotLoopback, addr, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: invalid port in %q", ErrNotLoopback, addr)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
}
