package lifecycle

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/logging"
	"github.com/wudi/runtime-gateway/internal/registry"
)

// ErrPortNotAllowed is returned for preview ports outside the configured
// range and for ports owned by the gateway or a static service.
var ErrPortNotAllowed = errors.New("preview port not allowed")

// Hooks is the interface an external process manager drives as preview
// servers start and stop.
type Hooks interface {
	OnPreviewStarted(projectID string, port int) (registry.Upstream, error)
	OnPreviewStopped(projectID string, port int) error
}

// Registry is the part of the upstream registry the hooks mutate.
type Registry interface {
	Register(key registry.Key, address string, opts registry.RegisterOptions) (registry.Upstream, error)
	Deregister(key registry.Key) error
	List() []registry.Upstream
}

// Manager implements Hooks on top of the registry and also reconciles the
// static service table.
type Manager struct {
	reg        Registry
	host       string
	healthPath string
	minPort    int
	maxPort    int

	mu           sync.RWMutex
	reserved     map[int]string // gateway listener ports -> listener ID
	servicePorts map[int]string // static service ports -> upstream ID
}

var _ Hooks = (*Manager)(nil)

// New creates a Manager using the preview settings of cfg.
func New(reg Registry, cfg config.PreviewConfig) *Manager {
	m := &Manager{
		reg:        reg,
		host:       cfg.Host,
		healthPath: cfg.HealthPath,
		minPort:    cfg.MinPort,
		maxPort:    cfg.MaxPort,
		reserved:   make(map[int]string),
	}
	if m.host == "" {
		m.host = "127.0.0.1"
	}
	if m.minPort <= 0 {
		m.minPort = 1024
	}
	if m.maxPort <= 0 || m.maxPort > 65535 {
		m.maxPort = 65535
	}
	return m
}

// ReservePort marks the port of addr as owned by owner so no preview can be
// registered on it. Addresses without a usable port are ignored.
func (m *Manager) ReservePort(owner, addr string) {
	port, ok := addrPort(addr)
	if !ok {
		return
	}
	m.mu.Lock()
	m.reserved[port] = owner
	m.mu.Unlock()
}

// PortOwner returns who owns port: a gateway listener reserved with
// ReservePort or a static service from the last SyncServices. ok is false
// for free ports.
func (m *Manager) PortOwner(port int) (owner string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if owner, ok = m.reserved[port]; ok {
		return owner, true
	}
	owner, ok = m.servicePorts[port]
	return owner, ok
}

func addrPort(addr string) (int, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

// CheckPort reports whether a preview may use port.
func (m *Manager) CheckPort(port int) error {
	if port < m.minPort || port > m.maxPort {
		return fmt.Errorf("%w: %d outside %d-%d", ErrPortNotAllowed, port, m.minPort, m.maxPort)
	}
	if owner, ok := m.PortOwner(port); ok {
		return fmt.Errorf("%w: %d is used by %s", ErrPortNotAllowed, port, owner)
	}
	return nil
}

// OnPreviewStarted registers the preview server listening on port. Calling
// it again for the same pair replaces the entry and restarts probing.
func (m *Manager) OnPreviewStarted(projectID string, port int) (registry.Upstream, error) {
	if err := m.CheckPort(port); err != nil {
		return registry.Upstream{}, err
	}
	key := registry.PreviewKey(projectID, port)
	u, err := m.reg.Register(key, net.JoinHostPort(m.host, strconv.Itoa(port)), registry.RegisterOptions{
		HealthPath: m.healthPath,
	})
	if err != nil {
		return registry.Upstream{}, err
	}
	logging.Info("Preview registered",
		zap.String("upstream", u.ID),
		zap.String("address", u.Address),
		zap.Uint64("generation", u.Generation),
	)
	return u, nil
}

// OnPreviewStopped removes the preview. Stopping an unknown preview
// returns registry.ErrNotFound.
func (m *Manager) OnPreviewStopped(projectID string, port int) error {
	key := registry.PreviewKey(projectID, port)
	if err := key.Validate(); err != nil {
		return err
	}
	if err := m.reg.Deregister(key); err != nil {
		return err
	}
	logging.Info("Preview deregistered", zap.String("upstream", key.String()))
	return nil
}

// SyncResult reports what SyncServices changed.
type SyncResult struct {
	Added     []string `json:"added,omitempty"`
	Updated   []string `json:"updated,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Unchanged []string `json:"unchanged,omitempty"`
}

// SyncServices reconciles the registry's static services with services.
// Entries whose address and health path are unchanged keep their state;
// changed ones are re-registered and missing ones deregistered. Previews
// are never touched.
func (m *Manager) SyncServices(services map[string]config.ServiceConfig) (SyncResult, error) {
	var res SyncResult

	current := make(map[string]registry.Upstream)
	for _, u := range m.reg.List() {
		if u.Static && u.Kind == registry.KindService {
			current[u.Key.Name] = u
		}
	}

	names := make([]string, 0, len(services))
	ports := make(map[int]string, len(services))
	for name, svc := range services {
		names = append(names, name)
		if port, ok := addrPort(svc.Address); ok {
			ports[port] = registry.ServiceKey(name).String()
		}
	}
	sort.Strings(names)

	m.mu.Lock()
	m.servicePorts = ports
	m.mu.Unlock()

	var errs []error
	for _, name := range names {
		svc := services[name]
		prev, exists := current[name]
		if exists && prev.Address == svc.Address && prev.HealthPath == svc.HealthPath {
			res.Unchanged = append(res.Unchanged, name)
			continue
		}
		_, err := m.reg.Register(registry.ServiceKey(name), svc.Address, registry.RegisterOptions{
			HealthPath: svc.HealthPath,
			Static:     true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
			continue
		}
		if exists {
			res.Updated = append(res.Updated, name)
		} else {
			res.Added = append(res.Added, name)
		}
	}

	var removed []string
	for name := range current {
		if _, ok := services[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	for _, name := range removed {
		if err := m.reg.Deregister(registry.ServiceKey(name)); err != nil && !errors.Is(err, registry.ErrNotFound) {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
			continue
		}
		res.Removed = append(res.Removed, name)
	}

	if len(res.Added)+len(res.Updated)+len(res.Removed) > 0 {
		logging.Info("Static services synchronised",
			zap.Strings("added", res.Added),
			zap.Strings("updated", res.Updated),
			zap.Strings("removed", res.Removed),
		)
	}
	return res, errors.Join(errs...)
}
