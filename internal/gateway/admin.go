package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/wudi/runtime-gateway/internal/registry"
)

// adminHandler creates the admin API handler. It is only ever served on a
// loopback listener.
//
//	GET    /healthz                        liveness
//	GET    /readyz                         readiness
//	GET    /metrics                        Prometheus
//	GET    /stats                          upstream counts by state and kind
//	GET    /listeners
//	POST   /reload                         reload the config file now
//	GET    /reload/history
//	POST   /previews                       lifecycle: preview started
//	DELETE /previews/{projectId}/{port}    lifecycle: preview stopped
//	GET    /upstreams                      registry snapshot
//
// grpc.health.v1 on admin.grpc_health_address mirrors /readyz.
func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", s.gateway.Metrics().Handler())
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /listeners", s.handleListeners)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /reload/history", s.handleReloadHistory)

	s.gateway.Lifecycle().RegisterRoutes(mux)

	return mux
}

// handleHealth reports liveness: the process is up and serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.gateway.GetStats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"upstreams": stats.Upstreams,
		"healthy":   stats.Healthy,
	})
}

// readiness reports whether the gateway can take traffic: listeners are
// bound, the default service is healthy and, when distributed rate limiting
// is on, Redis answers.
func (s *Server) readiness(ctx context.Context) (bool, []string) {
	reasons := []string{}

	if !s.started.Load() {
		reasons = append(reasons, "listeners not started")
	}

	if name := s.gateway.Config().DefaultService; name != "" {
		u, err := s.gateway.Registry().Resolve(registry.ServiceKey(name))
		switch {
		case err != nil:
			reasons = append(reasons, "default service "+name+" not registered")
		case !u.Eligible():
			reasons = append(reasons, "default service "+name+" is "+string(u.State))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if configured, err := s.gateway.PingRedis(ctx); configured && err != nil {
		reasons = append(reasons, "redis unavailable: "+err.Error())
	}

	return len(reasons) == 0, reasons
}

// serviceStatus backs the gRPC health endpoint: "" is overall readiness,
// any other name is the static service of that name.
func (s *Server) serviceStatus(service string) (serving, known bool) {
	if service == "" {
		ready, _ := s.readiness(context.Background())
		return ready, true
	}
	u, err := s.gateway.Registry().Resolve(registry.ServiceKey(service))
	if err != nil {
		return false, false
	}
	return u.Eligible(), true
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, reasons := s.readiness(r.Context())

	stats := s.gateway.GetStats()
	response := map[string]any{
		"upstreams": stats.Upstreams,
		"healthy":   stats.Healthy,
		"listeners": s.manager.Count(),
	}

	status := http.StatusOK
	if ready {
		response["status"] = "ready"
	} else {
		status = http.StatusServiceUnavailable
		response["status"] = "not_ready"
		response["reasons"] = reasons
	}
	writeJSON(w, status, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registry":  s.gateway.GetStats(),
		"filters":   s.gateway.FilterNames(),
		"listeners": s.manager.Count(),
		"uptime":    time.Since(s.startTime).String(),
	})
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	type listenerInfo struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}

	ids := s.manager.List()
	result := make([]listenerInfo, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.manager.Get(id); ok {
			result = append(result, listenerInfo{ID: l.ID(), Address: l.Addr()})
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	result := s.ReloadConfig()
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

func (s *Server) handleReloadHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
