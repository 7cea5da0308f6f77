package proxy

import (
	"testing"
	"time"

	"github.com/wudi/runtime-gateway/internal/config"
)

func TestNewTransportDefault(t *testing.T) {
	tr := NewTransport(config.TransportConfig{})

	if tr.MaxIdleConns != DefaultTransportConfig.MaxIdleConns {
		t.Errorf("expected MaxIdleConns %d, got %d", DefaultTransportConfig.MaxIdleConns, tr.MaxIdleConns)
	}
	if tr.MaxIdleConnsPerHost != DefaultTransportConfig.MaxIdleConnsPerHost {
		t.Errorf("expected MaxIdleConnsPerHost %d, got %d", DefaultTransportConfig.MaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	}
	if !tr.DisableCompression {
		t.Error("compression must be disabled")
	}
	if tr.Proxy != nil {
		t.Error("environment proxies must not apply to loopback upstreams")
	}
	if tr.ForceAttemptHTTP2 {
		t.Error("HTTP/2 should not be attempted")
	}
}

func TestNewTransportOverrides(t *testing.T) {
	tr := NewTransport(config.TransportConfig{
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       5 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
	})

	if tr.MaxIdleConns != 10 || tr.MaxIdleConnsPerHost != 2 {
		t.Errorf("pool sizes not applied: %d/%d", tr.MaxIdleConns, tr.MaxIdleConnsPerHost)
	}
	if tr.IdleConnTimeout != 5*time.Second {
		t.Errorf("expected idle timeout 5s, got %v", tr.IdleConnTimeout)
	}
	if tr.ResponseHeaderTimeout != 3*time.Second {
		t.Errorf("expected response header timeout 3s, got %v", tr.ResponseHeaderTimeout)
	}
}

func TestProxyDefaults(t *testing.T) {
	p := New(Config{})
	if p.timeout != 30*time.Second {
		t.Errorf("expected 30s request timeout, got %v", p.timeout)
	}
	if p.preserveHost {
		t.Error("preserve_host should default to false")
	}
	p.CloseIdleConnections()
}
