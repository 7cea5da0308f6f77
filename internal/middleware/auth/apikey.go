package auth

import (
	"crypto/sha256"
	"net/http"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
)

// APIKeyAuth provides API key authentication
type APIKeyAuth struct {
	header     string
	queryParam string
	keys       map[[sha256.Size]byte]string // sha256(key) -> clientID
}

// NewAPIKeyAuth creates a new API key authenticator
func NewAPIKeyAuth(cfg config.APIKeyConfig) *APIKeyAuth {
	a := &APIKeyAuth{
		header:     cfg.Header,
		queryParam: cfg.QueryParam,
		keys:       make(map[[sha256.Size]byte]string, len(cfg.Keys)),
	}

	if a.header == "" && a.queryParam == "" {
		a.header = "X-API-Key"
	}

	for _, entry := range cfg.Keys {
		clientID := entry.ClientID
		if clientID == "" {
			clientID = entry.Name
		}
		a.keys[sha256.Sum256([]byte(entry.Key))] = clientID
	}

	return a
}

// Authenticate verifies the API key and returns the identity
func (a *APIKeyAuth) Authenticate(r *http.Request) (*Identity, error) {
	apiKey := a.extractKey(r)
	if apiKey == "" {
		return nil, ErrNoCredentials
	}

	clientID, ok := a.keys[sha256.Sum256([]byte(apiKey))]
	if !ok {
		return nil, errors.ErrUnauthorized.
			WithReason(errors.ReasonUnauthenticated).
			WithDetails("invalid API key")
	}

	return &Identity{
		ClientID: clientID,
		AuthType: "api_key",
		Claims:   map[string]interface{}{"client_id": clientID},
	}, nil
}

func (a *APIKeyAuth) Challenge() string { return "API-Key" }

// extractKey checks the header first, then the query parameter.
func (a *APIKeyAuth) extractKey(r *http.Request) string {
	if a.header != "" {
		if key := r.Header.Get(a.header); key != "" {
			return key
		}
	}
	if a.queryParam != "" {
		if key := r.URL.Query().Get(a.queryParam); key != "" {
			return key
		}
	}
	return ""
}
