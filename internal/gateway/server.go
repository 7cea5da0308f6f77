package gateway

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/grpchealth"
	"github.com/wudi/runtime-gateway/internal/listener"
	"github.com/wudi/runtime-gateway/internal/logging"
)

const (
	publicListenerID     = "public"
	adminListenerID      = "admin"
	grpcHealthListenerID = "grpc-health"
)

// Server wraps the gateway with its listeners, the prober loop, signal
// handling and config reloads.
type Server struct {
	gateway    *Gateway
	manager    *listener.Manager
	config     *config.Config
	configPath string
	watcher    *config.Watcher
	startTime  time.Time
	started    atomic.Bool

	historyMu     sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		manager:    listener.NewManager(),
		config:     cfg,
		configPath: configPath,
		startTime:  time.Now(),
	}

	if err := s.initListeners(); err != nil {
		gw.Close()
		return nil, fmt.Errorf("failed to initialize listeners: %w", err)
	}
	return s, nil
}

// initListeners creates the public listener and, when enabled, the
// loopback-only admin and gRPC health listeners.
func (s *Server) initListeners() error {
	lc := s.config.Listener
	public, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:                publicListenerID,
		Address:           lc.Address,
		Handler:           s.gateway.Handler(),
		ReadTimeout:       lc.ReadTimeout,
		WriteTimeout:      lc.WriteTimeout,
		IdleTimeout:       lc.IdleTimeout,
		MaxHeaderBytes:    lc.MaxHeaderBytes,
		ReadHeaderTimeout: lc.ReadHeaderTimeout,
	})
	if err != nil {
		return err
	}
	if err := s.manager.Add(public); err != nil {
		return err
	}

	if !s.config.Admin.Enabled {
		return nil
	}
	admin, err := listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:           adminListenerID,
		Address:      s.config.Admin.Address,
		Handler:      s.adminHandler(),
		LoopbackOnly: true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	if err != nil {
		return err
	}
	if err := s.manager.Add(admin); err != nil {
		return err
	}

	if s.config.Admin.GRPCHealthAddress == "" {
		return nil
	}
	gh, err := grpchealth.NewServer(grpchealth.Config{
		ID:      grpcHealthListenerID,
		Address: s.config.Admin.GRPCHealthAddress,
		Status:  s.serviceStatus,
	})
	if err != nil {
		return err
	}
	return s.manager.Add(gh)
}

// Start binds all listeners and begins watching the config file.
func (s *Server) Start(ctx context.Context) error {
	if err := s.manager.StartAll(ctx); err != nil {
		return err
	}
	for _, id := range s.manager.List() {
		if l, ok := s.manager.Get(id); ok {
			s.gateway.lifecycle.ReservePort(id, l.Addr())
		}
	}
	s.started.Store(true)

	if s.configPath != "" {
		w, err := config.NewWatcher(s.configPath, s.config)
		if err != nil {
			logging.Warn("Config watcher unavailable", zap.Error(err))
			return nil
		}
		w.OnChange(func(cfg *config.Config) { s.applyConfig(cfg) })
		if err := w.Start(); err != nil {
			logging.Warn("Config watcher unavailable", zap.Error(err))
			w.Stop()
			return nil
		}
		s.watcher = w
	}
	return nil
}

// Run starts the server and blocks until ctx is cancelled or a shutdown
// signal arrives, then shuts down gracefully.
// SIGHUP triggers a config reload; SIGINT/SIGTERM triggers shutdown.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.gateway.Prober().Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					s.ReloadConfig()
					continue
				}
				logging.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
				cancel()
				return nil
			}
		}
	})

	logging.Info("Gateway started",
		zap.Strings("listeners", s.manager.List()),
		zap.Strings("filters", s.gateway.FilterNames()),
	)

	if err := g.Wait(); err != nil {
		logging.Error("Background task failed", zap.Error(err))
	}
	return s.Shutdown(s.config.Shutdown.Timeout)
}

// Shutdown stops the listeners, letting in-flight requests finish within
// timeout, then releases gateway resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	var firstErr error
	if err := s.manager.StopAll(ctx); err != nil {
		logging.Error("Listener manager shutdown error", zap.Error(err))
		firstErr = err
	}
	s.started.Store(false)

	if err := s.gateway.Close(); err != nil {
		logging.Error("Gateway close error", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	logging.Info("Server shutdown complete")
	return firstErr
}

// ReloadConfig loads a new config from the config path and applies it.
func (s *Server) ReloadConfig() ReloadResult {
	if s.configPath == "" {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     "no config path configured",
		})
	}

	newCfg, err := config.NewLoader().Load(s.configPath)
	if err != nil {
		return s.recordReload(ReloadResult{
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("config load failed: %v", err),
		})
	}
	return s.applyConfig(newCfg)
}

func (s *Server) applyConfig(cfg *config.Config) ReloadResult {
	return s.recordReload(s.gateway.Reload(cfg))
}

func (s *Server) recordReload(result ReloadResult) ReloadResult {
	if result.Success {
		logging.Info("Config reloaded successfully",
			zap.Strings("changes", result.Changes),
		)
	} else {
		logging.Error("Config reload failed",
			zap.String("error", result.Error),
		)
	}

	s.historyMu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.historyMu.Unlock()
	return result
}

// ReloadHistory returns recent reload results, oldest first.
func (s *Server) ReloadHistory() []ReloadResult {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]ReloadResult, len(s.reloadHistory))
	copy(out, s.reloadHistory)
	return out
}

// GRPCHealthAddr returns the bound address of the gRPC health listener, if any.
func (s *Server) GRPCHealthAddr() string {
	if l, ok := s.manager.Get(grpcHealthListenerID); ok {
		return l.Addr()
	}
	return ""
}

// Gateway returns the gateway instance
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// ListenerManager returns the listener manager
func (s *Server) ListenerManager() *listener.Manager {
	return s.manager
}

// Addr returns the bound address of the public listener.
func (s *Server) Addr() string {
	if l, ok := s.manager.Get(publicListenerID); ok {
		return l.Addr()
	}
	return ""
}

// AdminAddr returns the bound address of the admin listener, if any.
func (s *Server) AdminAddr() string {
	if l, ok := s.manager.Get(adminListenerID); ok {
		return l.Addr()
	}
	return ""
}
