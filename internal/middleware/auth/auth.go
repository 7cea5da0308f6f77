// Package auth authenticates gateway clients by API key or JWT bearer token.
package auth

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/middleware"
)

// Identity is an authenticated caller.
type Identity struct {
	ClientID string
	AuthType string
	Claims   map[string]interface{}
}

// ErrNoCredentials means the request carries no credentials for an
// authenticator; the next one is tried.
var ErrNoCredentials = stderrors.New("no credentials")

// Authenticator verifies one kind of credential.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
	// Challenge is the WWW-Authenticate value sent on 401.
	Challenge() string
}

// Filter requires every non-exempt request to authenticate.
type Filter struct {
	exempt         []string
	authenticators []Authenticator
}

// New creates the auth filter. A disabled config yields nil.
func New(cfg config.AuthConfig) (*Filter, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	f := &Filter{}
	for _, p := range cfg.ExemptPaths {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("auth: invalid exempt path pattern %q", p)
		}
		f.exempt = append(f.exempt, p)
	}

	if cfg.APIKey.Enabled {
		f.authenticators = append(f.authenticators, NewAPIKeyAuth(cfg.APIKey))
	}
	if cfg.JWT.Enabled {
		j, err := NewJWTAuth(cfg.JWT)
		if err != nil {
			return nil, err
		}
		f.authenticators = append(f.authenticators, j)
	}
	if len(f.authenticators) == 0 {
		return nil, fmt.Errorf("auth: enabled without api_key or jwt")
	}
	return f, nil
}

func (f *Filter) Name() string { return "auth" }

// Exempt reports whether path skips authentication.
func (f *Filter) Exempt(path string) bool {
	for _, p := range f.exempt {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

// Check authenticates r with the first authenticator that finds credentials.
// On success the client id is recorded in the request's RequestInfo.
func (f *Filter) Check(w http.ResponseWriter, r *http.Request) error {
	if f.Exempt(r.URL.Path) {
		return nil
	}

	for _, a := range f.authenticators {
		id, err := a.Authenticate(r)
		if stderrors.Is(err, ErrNoCredentials) {
			continue
		}
		if err != nil {
			if ge, ok := errors.As(err); ok && ge.Code == http.StatusUnauthorized {
				w.Header().Set("WWW-Authenticate", a.Challenge())
			}
			return err
		}

		middleware.GetRequestInfo(r).ClientID = id.ClientID
		return nil
	}

	for _, a := range f.authenticators {
		w.Header().Add("WWW-Authenticate", a.Challenge())
	}
	return errors.ErrUnauthorized.
		WithReason(errors.ReasonUnauthenticated).
		WithDetails("credentials required")
}
