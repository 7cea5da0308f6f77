package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/middleware"
)

// Handler enforces the origin allow-list and answers preflights.
type Handler struct {
	allowOrigins     map[string]struct{}
	wildcardSuffixes []string // ".example.com" for "*.example.com"
	allowAllOrigins  bool
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

// New creates a CORS handler. A disabled config yields nil.
func New(cfg config.CORSConfig) *Handler {
	if !cfg.Enabled {
		return nil
	}
	h := &Handler{
		allowOrigins:     make(map[string]struct{}, len(cfg.AllowOrigins)),
		allowCredentials: cfg.AllowCredentials,
	}

	for _, o := range cfg.AllowOrigins {
		switch {
		case o == "*":
			h.allowAllOrigins = true
		case strings.HasPrefix(o, "*."):
			h.wildcardSuffixes = append(h.wildcardSuffixes, strings.ToLower(o[1:]))
		default:
			h.allowOrigins[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
		}
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization, X-API-Key"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}

	return h
}

func (h *Handler) Name() string { return "cors" }

// Check answers preflights with 204 and rejects requests from origins that
// are not allowed. Requests without an Origin header pass untouched.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	if !h.isOriginAllowed(origin) {
		return errors.ErrForbidden.
			WithReason(errors.ReasonOriginNotAllowed).
			WithDetails("origin not allowed")
	}

	if IsPreflight(r) {
		h.writePreflight(w, origin)
		return middleware.ErrHandled
	}

	h.applyHeaders(w, origin)
	return nil
}

// IsPreflight returns true if the request is a CORS preflight
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

func (h *Handler) responseOrigin(origin string) string {
	if h.allowAllOrigins && !h.allowCredentials {
		return "*"
	}
	return origin
}

func (h *Handler) writePreflight(w http.ResponseWriter, origin string) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
	hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	hdr.Set("Access-Control-Max-Age", h.maxAge)
	hdr.Add("Vary", "Origin")
	hdr.Add("Vary", "Access-Control-Request-Method")
	hdr.Add("Vary", "Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) applyHeaders(w http.ResponseWriter, origin string) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", h.responseOrigin(origin))
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	hdr.Add("Vary", "Origin")
}

func (h *Handler) isOriginAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	origin = strings.ToLower(origin)
	if _, ok := h.allowOrigins[origin]; ok {
		return true
	}
	for _, suffix := range h.wildcardSuffixes {
		// "*.example.com" matches "https://app.example.com"
		if strings.HasSuffix(origin, suffix) && strings.Contains(origin, "://") {
			return true
		}
	}
	return false
}
