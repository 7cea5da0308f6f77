package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoaderResolvesSecretRefs(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "jwt")
	if err := os.WriteFile(secretFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GW_REDIS_PASSWORD", "hunter2")
	t.Setenv("GW_API_KEY", "k-123")

	yaml := `
default_service: app
services:
  app:
    address: "127.0.0.1:3000"
security:
  auth:
    enabled: true
    jwt:
      enabled: true
      secret: "${file:` + secretFile + `}"
    api_key:
      enabled: true
      keys:
        - key: "${env:GW_API_KEY}"
          client_id: ci
redis:
  address: "127.0.0.1:6379"
  password: "${env:GW_REDIS_PASSWORD}"
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Security.Auth.JWT.Secret != "from-file" {
		t.Errorf("jwt secret = %q", cfg.Security.Auth.JWT.Secret)
	}
	if cfg.Security.Auth.APIKey.Keys[0].Key != "k-123" {
		t.Errorf("api key = %q", cfg.Security.Auth.APIKey.Keys[0].Key)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("redis password = %q", cfg.Redis.Password)
	}
}

func TestLoaderSecretRefErrors(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"missing env", "${env:GW_DEFINITELY_UNSET_SECRET}", "not set"},
		{"missing file", "${file:/nonexistent/gw-secret}", "reading secret file"},
		{"unknown scheme", "${vault:secret/data/jwt}", "unknown secret provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			yaml := `
default_service: app
services:
  app:
    address: "127.0.0.1:3000"
redis:
  password: "` + tt.value + `"
`
			_, err := NewLoader().Parse([]byte(yaml))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) || !strings.Contains(err.Error(), "redis.password") {
				t.Errorf("error %q should mention %q and the field path", err, tt.want)
			}
		})
	}
}

type staticProvider map[string]string

func (staticProvider) Scheme() string { return "static" }

func (p staticProvider) Resolve(_ context.Context, ref string) (string, error) {
	return p[ref], nil
}

func TestLoaderCustomSecretProvider(t *testing.T) {
	yaml := `
default_service: app
services:
  app:
    address: "${static:app-addr}"
`
	cfg, err := NewLoader().
		WithSecretProvider(staticProvider{"app-addr": "127.0.0.1:3100"}).
		Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Services["app"].Address != "127.0.0.1:3100" {
		t.Errorf("address = %q", cfg.Services["app"].Address)
	}
}

func TestFileProviderAllowedPrefixes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	os.WriteFile(path, []byte("tok"), 0o600)

	p := FileProvider{AllowedPrefixes: []string{"/run/secrets/"}}
	if _, err := p.Resolve(context.Background(), path); err == nil {
		t.Error("path outside allowed prefixes should be refused")
	}

	p.AllowedPrefixes = []string{dir}
	got, err := p.Resolve(context.Background(), path)
	if err != nil || got != "tok" {
		t.Errorf("Resolve = %q, %v", got, err)
	}
}
