package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/wudi/runtime-gateway/internal/config"
)

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = config.TransportConfig{
	MaxIdleConns:          512,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           5 * time.Second,
	ResponseHeaderTimeout: 0, // bounded by the request deadline
	RequestTimeout:        30 * time.Second,
}

// NewTransport creates the shared upstream transport. Upstreams are
// loopback HTTP/1.1 servers, so environment proxies, compression and
// HTTP/2 negotiation are all disabled: bytes pass through untouched.
func NewTransport(cfg config.TransportConfig) *http.Transport {
	cfg = withTransportDefaults(cfg)

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     false,
	}
}

// withTransportDefaults fills zero fields from DefaultTransportConfig.
func withTransportDefaults(cfg config.TransportConfig) config.TransportConfig {
	d := DefaultTransportConfig
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = d.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = d.IdleConnTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = d.DialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	return cfg
}
