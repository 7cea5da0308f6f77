package lifecycle

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/wudi/runtime-gateway/internal/registry"
)

func adminMux(m *Manager) *http.ServeMux {
	mux := http.NewServeMux()
	m.RegisterRoutes(mux)
	return mux
}

func TestPreviewEndpoints(t *testing.T) {
	m, reg := newManager(t)
	mux := adminMux(m)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/previews", strings.NewReader(`{"project_id":"42","port":8005}`)))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body)
	}
	var u registry.Upstream
	json.NewDecoder(rr.Body).Decode(&u)
	if u.ID != "preview:42:8005" || u.State != registry.StateStarting {
		t.Errorf("unexpected response %+v", u)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("GET", "/upstreams?kind=preview", nil))
	var list struct {
		Count     int                 `json:"count"`
		Upstreams []registry.Upstream `json:"upstreams"`
	}
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Count != 1 || list.Upstreams[0].Address != "127.0.0.1:8005" {
		t.Errorf("unexpected list %+v", list)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("DELETE", "/previews/42/8005", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if reg.Len() != 0 {
		t.Error("preview not removed")
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("DELETE", "/previews/42/8005", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown preview, got %d", rr.Code)
	}
}

func TestPreviewEndpointErrors(t *testing.T) {
	m, _ := newManager(t)
	mux := adminMux(m)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		reason string
	}{
		{"bad json", "POST", "/previews", `{"project_id":`, http.StatusBadRequest, ""},
		{"unknown field", "POST", "/previews", `{"project":"42","port":8005}`, http.StatusBadRequest, ""},
		{"port out of range", "POST", "/previews", `{"project_id":"42","port":22}`, http.StatusBadRequest, "invalid_upstream_key"},
		{"non numeric port", "DELETE", "/previews/42/abc", "", http.StatusBadRequest, "invalid_upstream_key"},
		{"wrong method", "GET", "/previews", "", http.StatusMethodNotAllowed, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			if rr.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rr.Code)
			}
			if tt.reason != "" && !strings.Contains(rr.Body.String(), tt.reason) {
				t.Errorf("expected reason %s in %s", tt.reason, rr.Body)
			}
		})
	}
}
