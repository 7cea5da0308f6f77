package middleware

import (
	stderrors "errors"
	"net/http"

	"github.com/wudi/runtime-gateway/internal/errors"
	"github.com/wudi/runtime-gateway/internal/logging"
	"go.uber.org/zap"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	// Apply middlewares in reverse order so first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}
	return h
}

// Append adds middlewares to the chain and returns a new chain
func (c *Chain) Append(middlewares ...Middleware) *Chain {
	newMiddlewares := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	newMiddlewares = append(newMiddlewares, c.middlewares...)
	newMiddlewares = append(newMiddlewares, middlewares...)
	return &Chain{middlewares: newMiddlewares}
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Filter is one security check in the filter chain.
//
// Check returns nil to let the request continue, a *errors.GatewayError to
// reject it, or ErrHandled when the filter already wrote a response (for
// example a CORS preflight). Filters may add response headers but must not
// consult upstream state.
type Filter interface {
	Name() string
	Check(w http.ResponseWriter, r *http.Request) error
}

// ErrHandled signals that a filter answered the request itself.
var ErrHandled = stderrors.New("request handled by filter")

// FilterFunc adapts a function to the Filter interface.
type FilterFunc struct {
	FilterName string
	Fn         func(w http.ResponseWriter, r *http.Request) error
}

func (f FilterFunc) Name() string { return f.FilterName }

func (f FilterFunc) Check(w http.ResponseWriter, r *http.Request) error { return f.Fn(w, r) }

// FilterChain runs filters in order and stops at the first rejection.
type FilterChain struct {
	filters  []Filter
	onReject func(filter, reason string)
}

// NewFilterChain creates a chain; nil filters are skipped.
func NewFilterChain(filters ...Filter) *FilterChain {
	c := &FilterChain{}
	for _, f := range filters {
		if f != nil {
			c.filters = append(c.filters, f)
		}
	}
	return c
}

// OnReject registers a hook called for every rejected request.
func (c *FilterChain) OnReject(fn func(filter, reason string)) {
	c.onReject = fn
}

// Names returns filter names in execution order.
func (c *FilterChain) Names() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// Middleware returns the chain as a Middleware.
func (c *FilterChain) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, f := range c.filters {
				err := f.Check(w, r)
				if err == nil {
					continue
				}
				if stderrors.Is(err, ErrHandled) {
					return
				}
				c.reject(w, r, f.Name(), err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (c *FilterChain) reject(w http.ResponseWriter, r *http.Request, name string, err error) {
	info := GetRequestInfo(r)

	ge, ok := errors.As(err)
	if !ok {
		logging.Error("security filter failed",
			zap.String("filter", name),
			zap.String("request_id", info.RequestID),
			zap.Error(err))
		ge = errors.ErrInternalServer
	}
	info.Reason = ge.Reason

	logging.Debug("request rejected",
		zap.String("filter", name),
		zap.String("reason", ge.Reason),
		zap.String("client_ip", info.ClientIP),
		zap.String("path", r.URL.Path))

	if c.onReject != nil {
		c.onReject(name, ge.Reason)
	}
	if info.RequestID != "" {
		ge = ge.WithRequestID(info.RequestID)
	}
	ge.WriteJSON(w)
}
