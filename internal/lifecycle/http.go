package lifecycle

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/registry"
)

type previewRequest struct {
	ProjectID string `json:"project_id"`
	Port      int    `json:"port"`
}

// RegisterRoutes mounts the lifecycle endpoints on an admin mux:
//
//	POST   /previews                      {"project_id": "42", "port": 8005}
//	DELETE /previews/{projectId}/{port}
//	GET    /upstreams
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /previews", m.handleStarted)
	mux.HandleFunc("DELETE /previews/{projectId}/{port}", m.handleStopped)
	mux.HandleFunc("GET /upstreams", m.handleList)
}

func (m *Manager) handleStarted(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		errors.ErrBadRequest.WithDetails("invalid JSON body: " + err.Error()).WriteJSON(w)
		return
	}

	u, err := m.OnPreviewStarted(req.ProjectID, req.Port)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (m *Manager) handleStopped(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		errors.ErrBadRequest.WithReason(errors.ReasonInvalidKey).WithDetails("invalid port").WriteJSON(w)
		return
	}
	if err := m.OnPreviewStopped(r.PathValue("projectId"), port); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Manager) handleList(w http.ResponseWriter, r *http.Request) {
	ups := m.reg.List()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := ups[:0:0]
		for _, u := range ups {
			if string(u.Kind) == kind {
				filtered = append(filtered, u)
			}
		}
		ups = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upstreams": ups,
		"count":     len(ups),
	})
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, registry.ErrNotFound):
		errors.ErrNotFound.WithReason(errors.ReasonNotRegistered).WriteJSON(w)
	case stderrors.Is(err, registry.ErrInvalidKey), stderrors.Is(err, ErrPortNotAllowed):
		errors.ErrBadRequest.WithReason(errors.ReasonInvalidKey).WithDetails(err.Error()).WriteJSON(w)
	case stderrors.Is(err, registry.ErrNotLoopback):
		errors.ErrBadRequest.WithDetails(err.Error()).WriteJSON(w)
	default:
		errors.ErrInternalServer.WithDetails(err.Error()).WriteJSON(w)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
