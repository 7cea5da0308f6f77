// Package sanitize rejects structurally malformed requests before they reach
// authentication or an upstream.
package sanitize

import (
	"net/http"
	"strings"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/errors"
)

const (
	defaultMaxHeaderBytes = 64 << 10
	defaultMaxURLLength   = 8192
)

var errURITooLong = errors.New(http.StatusRequestURITooLong, "URI Too Long").
	WithReason(errors.ReasonMalformedRequest)

// Filter validates the request line and headers.
type Filter struct {
	maxHeaderBytes int
	maxURLLength   int
}

// New creates the filter. A disabled config yields nil.
func New(cfg config.SanitizeConfig) *Filter {
	if !cfg.Enabled {
		return nil
	}
	f := &Filter{
		maxHeaderBytes: cfg.MaxHeaderBytes,
		maxURLLength:   cfg.MaxURLLength,
	}
	if f.maxHeaderBytes <= 0 {
		f.maxHeaderBytes = defaultMaxHeaderBytes
	}
	if f.maxURLLength <= 0 {
		f.maxURLLength = defaultMaxURLLength
	}
	return f
}

func (f *Filter) Name() string { return "sanitize" }

func (f *Filter) Check(_ http.ResponseWriter, r *http.Request) error {
	if len(r.RequestURI) > f.maxURLLength {
		return errURITooLong
	}

	if hasControl(r.URL.Path) || hasControl(r.URL.RawQuery) {
		return malformed("control character in request target")
	}
	if hasTraversal(r.URL.Path) {
		return malformed("path traversal segment")
	}

	size := 0
	for name, values := range r.Header {
		for _, v := range values {
			size += len(name) + len(v) + 4 // ": " and CRLF
			if hasControl(v) {
				return malformed("control character in header " + name)
			}
		}
	}
	if size > f.maxHeaderBytes {
		return errors.ErrRequestHeaderFieldsTooLarge.WithReason(errors.ReasonMalformedRequest)
	}
	return nil
}

func malformed(details string) error {
	return errors.ErrBadRequest.
		WithReason(errors.ReasonMalformedRequest).
		WithDetails(details)
}

// hasControl reports NUL, CR or LF anywhere in s.
func hasControl(s string) bool {
	return strings.ContainsAny(s, "\x00\r\n")
}

// hasTraversal reports a "." or ".." path segment. Backslashes count as
// separators since some upstream servers treat them that way.
func hasTraversal(p string) bool {
	for seg := range strings.FieldsFuncSeq(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." || seg == "." {
			return true
		}
	}
	return false
}
