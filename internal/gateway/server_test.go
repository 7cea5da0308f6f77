package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/registry"
)

func newTestServer(t *testing.T, cfg *config.Config, path string) *Server {
	t.Helper()
	s, err := NewServer(cfg, path)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Shutdown(5 * time.Second) })
	return s
}

func TestNewServerListeners(t *testing.T) {
	cfg := testConfig(nil)
	s, err := NewServer(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Gateway().Close()

	if s.ListenerManager().Count() != 2 {
		t.Errorf("expected public and admin listeners, got %d", s.ListenerManager().Count())
	}

	cfg = testConfig(nil)
	cfg.Admin.Enabled = false
	s2, err := NewServer(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Gateway().Close()
	if s2.ListenerManager().Count() != 1 {
		t.Errorf("expected only the public listener, got %d", s2.ListenerManager().Count())
	}
}

func TestServerRefusesPreviewOnOwnPorts(t *testing.T) {
	app := echoPath()
	defer app.Close()
	appAddr, _ := hostPort(t, app.URL)

	s := newTestServer(t, testConfig(map[string]config.ServiceConfig{"app": {Address: appAddr}}), "")
	admin := "http://" + s.AdminAddr()
	public := "http://" + s.Addr()

	for _, addr := range []string{s.AdminAddr(), s.Addr(), appAddr} {
		_, port := hostPort(t, addr)

		body := `{"project_id":"p","port":` + strconv.Itoa(port) + `}`
		resp, err := http.Post(admin+"/previews", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("register on %s: expected 400, got %d", addr, resp.StatusCode)
		}

		// Even a healthy entry on that port is never routed to.
		key := registry.PreviewKey("p", port)
		if _, err := s.Gateway().Registry().Register(key, addr, registry.RegisterOptions{}); err != nil {
			t.Fatal(err)
		}
		markHealthy(t, s.Gateway(), key)

		resp, err = http.Get(public + "/preview/p/" + strconv.Itoa(port) + "/upstreams")
		if err != nil {
			t.Fatal(err)
		}
		got, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(got), "invalid_upstream_key") {
			t.Errorf("route to %s: expected 400 invalid_upstream_key, got %d %s", addr, resp.StatusCode, got)
		}
	}
}

func TestNewServerRejectsPublicAdmin(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Admin.Address = "0.0.0.0:9901"
	if _, err := NewServer(cfg, ""); err == nil {
		t.Fatal("admin listener on a public address must be refused")
	}
}

func TestServerEndToEnd(t *testing.T) {
	preview := echoPath()
	defer preview.Close()
	_, port := hostPort(t, preview.URL)

	app := echoPath()
	defer app.Close()
	appAddr, _ := hostPort(t, app.URL)

	s := newTestServer(t, testConfig(map[string]config.ServiceConfig{"app": {Address: appAddr}}), "")
	admin := "http://" + s.AdminAddr()
	public := "http://" + s.Addr()

	// The process manager announces the preview over the admin listener.
	body := `{"project_id":"42","port":` + strconv.Itoa(port) + `}`
	resp, err := http.Post(admin+"/previews", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	// Probe once so the preview becomes eligible.
	s.Gateway().Prober().ProbeAll(context.Background())
	waitForState(t, s.Gateway(), registry.PreviewKey("42", port), registry.StateHealthy)

	resp, err = http.Get(public + "/preview/42/" + strconv.Itoa(port) + "/status")
	if err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(got) != "hello from /status" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, got)
	}

	req, _ := http.NewRequest("DELETE", admin+"/previews/42/"+strconv.Itoa(port), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(public + "/preview/42/" + strconv.Itoa(port) + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("deregistered preview should be 502, got %d", resp.StatusCode)
	}
}

func waitForState(t *testing.T, g *Gateway, key registry.Key, want registry.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u, err := g.Registry().Resolve(key); err == nil && u.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s did not reach %s", key, want)
}

func TestAdminHealthAndReady(t *testing.T) {
	app := echoPath()
	defer app.Close()
	appAddr, _ := hostPort(t, app.URL)

	s := newTestServer(t, testConfig(map[string]config.ServiceConfig{"app": {Address: appAddr}}), "")
	h := s.adminHandler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before the default service is healthy: expected 503, got %d", rr.Code)
	}
	var body struct {
		Status  string   `json:"status"`
		Reasons []string `json:"reasons"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Status != "not_ready" || len(body.Reasons) != 1 || !strings.Contains(body.Reasons[0], "app") {
		t.Errorf("unexpected readiness body %+v", body)
	}

	markHealthy(t, s.Gateway(), registry.ServiceKey("app"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("readyz: expected 200, got %d: %s", rr.Code, rr.Body)
	}
}

func TestGRPCHealthMirrorsReadiness(t *testing.T) {
	cfg := testConfig(map[string]config.ServiceConfig{"app": {Address: "127.0.0.1:3000"}})
	cfg.Admin.GRPCHealthAddress = "127.0.0.1:0"
	s := newTestServer(t, cfg, "")
	if s.ListenerManager().Count() != 3 {
		t.Fatalf("expected public, admin and grpc-health listeners, got %d", s.ListenerManager().Count())
	}

	conn, err := grpc.NewClient(s.GRPCHealthAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	client := grpc_health_v1.NewHealthClient(conn)

	check := func(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before the default service is healthy: %s", got)
	}
	markHealthy(t, s.Gateway(), registry.ServiceKey("app"))
	if got := check(""); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("after the default service is healthy: %s", got)
	}
	if got := check("app"); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("app: %s", got)
	}
}

func TestAdminMetricsAndStats(t *testing.T) {
	s := newTestServer(t, testConfig(map[string]config.ServiceConfig{
		"app": {Address: "127.0.0.1:3000"},
	}), "")
	h := s.adminHandler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "runtime_gateway_upstreams") {
		t.Error("metrics should report upstream gauges")
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/stats", nil))
	var stats struct {
		Registry Stats    `json:"registry"`
		Filters  []string `json:"filters"`
	}
	json.NewDecoder(rr.Body).Decode(&stats)
	if stats.Registry.Upstreams != 1 || len(stats.Filters) == 0 {
		t.Errorf("unexpected stats %+v", stats)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/listeners", nil))
	if !strings.Contains(rr.Body.String(), publicListenerID) {
		t.Errorf("listeners should include %s: %s", publicListenerID, rr.Body)
	}
}

const reloadYAML = `
listener:
  address: "127.0.0.1:0"
admin:
  enabled: false
default_service: app
services:
  app:
    address: "127.0.0.1:3000"
%s
`

func writeConfig(t *testing.T, path, extra string) {
	t.Helper()
	data := strings.Replace(reloadYAML, "%s", extra, 1)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestServerReloadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	writeConfig(t, path, "")

	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewServer(cfg, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Gateway().Close()

	writeConfig(t, path, `  python-ml:
    address: "127.0.0.1:8090"
    health_path: /health`)

	result := s.ReloadConfig()
	if !result.Success {
		t.Fatalf("reload failed: %s", result.Error)
	}
	if _, err := s.Gateway().Registry().Resolve(registry.ServiceKey("python-ml")); err != nil {
		t.Error("python-ml should be registered after reload")
	}

	os.WriteFile(path, []byte("services: ["), 0o644)
	if result := s.ReloadConfig(); result.Success {
		t.Error("reload of invalid YAML should fail")
	}

	history := s.ReloadHistory()
	if len(history) != 2 || !history[0].Success || history[1].Success {
		t.Errorf("unexpected history %+v", history)
	}
}

func TestServerReloadWithoutPath(t *testing.T) {
	s, err := NewServer(testConfig(nil), "")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Gateway().Close()

	if result := s.ReloadConfig(); result.Success || result.Error == "" {
		t.Errorf("reload without a path should fail, got %+v", result)
	}
}

func TestServerRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Admin.Enabled = false
	s, err := NewServer(cfg, "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.started.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !s.started.Load() {
		t.Fatal("server did not start")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
