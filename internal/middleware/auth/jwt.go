package auth

import (
	"crypto/rsa"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
)

// JWTAuth provides JWT bearer authentication
type JWTAuth struct {
	secret    []byte
	publicKey *rsa.PublicKey
	issuer    string
	audience  []string
	algorithm string
	parser    *jwt.Parser
}

// NewJWTAuth creates a new JWT authenticator for HS256 or RS256.
func NewJWTAuth(cfg config.JWTConfig) (*JWTAuth, error) {
	a := &JWTAuth{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		algorithm: cfg.Algorithm,
	}
	if a.algorithm == "" {
		a.algorithm = "HS256"
	}

	switch a.algorithm {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth.jwt: HS256 requires a secret")
		}
		a.secret = []byte(cfg.Secret)
	case "RS256":
		pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("auth.jwt: failed to parse public key: %w", err)
		}
		a.publicKey = pub
	default:
		return nil, fmt.Errorf("auth.jwt: unsupported algorithm %q", a.algorithm)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{a.algorithm}),
		jwt.WithLeeway(30 * time.Second),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	a.parser = jwt.NewParser(opts...)

	return a, nil
}

func (a *JWTAuth) keyFunc(*jwt.Token) (interface{}, error) {
	if a.publicKey != nil {
		return a.publicKey, nil
	}
	return a.secret, nil
}

// Authenticate verifies the bearer token. Bad or expired tokens are 401; a
// valid token minted for another audience is 403.
func (a *JWTAuth) Authenticate(r *http.Request) (*Identity, error) {
	tokenString := extractBearer(r)
	if tokenString == "" {
		return nil, ErrNoCredentials
	}

	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(tokenString, claims, a.keyFunc); err != nil {
		return nil, errors.ErrUnauthorized.
			WithReason(errors.ReasonUnauthenticated).
			WithDetails("invalid token").
			WithCause(err)
	}

	if len(a.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !slices.ContainsFunc(aud, func(s string) bool { return slices.Contains(a.audience, s) }) {
			return nil, errors.ErrForbidden.
				WithReason(errors.ReasonForbidden).
				WithDetails("token audience not accepted")
		}
	}

	clientID, _ := claims.GetSubject()
	if clientID == "" {
		clientID, _ = claims["client_id"].(string)
	}

	return &Identity{
		ClientID: clientID,
		AuthType: "jwt",
		Claims:   claims,
	}, nil
}

func (a *JWTAuth) Challenge() string { return `Bearer realm="gateway"` }

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
