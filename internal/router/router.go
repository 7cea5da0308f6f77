package router

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/registry"
)

var (
	// ErrNoRoute is returned when no rule, not even the default, matches.
	ErrNoRoute = errors.New("no matching route")

	// ErrInvalidParams is returned when extracted parameters cannot form a key.
	ErrInvalidParams = errors.New("invalid route parameters")
)

// lookupMethod is the single method every rule is registered under.
// Classification does not depend on the request method.
const lookupMethod = "ROUTE"

const restParam = "rest"

// Rule is a compiled routing rule.
type Rule struct {
	ID      string
	Pattern string
	Kind    registry.Kind
	Service string // fixed service name, if any
	Default bool

	depth int // number of path segments consumed by the pattern
}

// Match is the result of classifying a path.
type Match struct {
	Rule   *Rule
	Params map[string]string
	Prefix string // matched routing prefix, stripped before forwarding
	Rest   string // remainder of the path, always starting with "/"
}

// Config holds router configuration
type Config struct {
	Rules          []config.RuleConfig
	DefaultService string
	MinPort        int // default 1024
	MaxPort        int // default 65535
}

// Router classifies request paths against the rule table. It is immutable
// after New and safe for concurrent use.
type Router struct {
	tree        *httprouter.Router
	rules       []*Rule
	defaultRule *Rule
	minPort     int
	maxPort     int
}

// New compiles the rule table. Conflicting rules are rejected.
func New(cfg Config) (rt *Router, err error) {
	if cfg.MinPort <= 0 {
		cfg.MinPort = 1024
	}
	if cfg.MaxPort <= 0 || cfg.MaxPort > 65535 {
		cfg.MaxPort = 65535
	}

	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	rt = &Router{tree: tree, minPort: cfg.MinPort, maxPort: cfg.MaxPort}

	if cfg.DefaultService != "" {
		rt.defaultRule = &Rule{
			ID:      "default",
			Pattern: "/",
			Kind:    registry.KindService,
			Service: cfg.DefaultService,
			Default: true,
		}
	}

	seen := make(map[string]bool)
	for _, rc := range cfg.Rules {
		if seen[rc.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", rc.ID)
		}
		seen[rc.ID] = true

		rule := &Rule{
			ID:      rc.ID,
			Pattern: rc.Pattern,
			Kind:    registry.Kind(rc.Kind),
			Service: rc.Service,
			depth:   len(splitPath(rc.Pattern)),
		}
		if rule.depth == 0 {
			return nil, fmt.Errorf("rule %s: pattern %q overlaps the default rule", rc.ID, rc.Pattern)
		}
		if err := rt.add(rule); err != nil {
			return nil, err
		}
	}

	return rt, nil
}

// add registers rule in the radix tree. httprouter panics on conflicting
// paths; the panic is turned into a configuration error.
func (rt *Router) add(rule *Rule) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rule %s: pattern %q conflicts with an existing rule: %v", rule.ID, rule.Pattern, rec)
		}
	}()

	path := replaceParams(rule.Pattern) + "/*" + restParam
	rt.tree.Handle(lookupMethod, path, func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.(*captureWriter).rule = rule
	})
	rt.rules = append(rt.rules, rule)
	return nil
}

// Rules returns the compiled rules, default last.
func (rt *Router) Rules() []*Rule {
	out := make([]*Rule, 0, len(rt.rules)+1)
	out = append(out, rt.rules...)
	if rt.defaultRule != nil {
		out = append(out, rt.defaultRule)
	}
	return out
}

// Classify matches path against the rules. A bare prefix such as
// /preview/42/8005 matches with Rest "/". Paths no rule claims go to the
// default rule.
func (rt *Router) Classify(path string) (Match, error) {
	if strings.HasPrefix(path, "/") {
		if m, ok := rt.lookup(path); ok {
			return m, nil
		}
		if !strings.HasSuffix(path, "/") {
			if m, ok := rt.lookup(path + "/"); ok {
				m.Prefix = path
				return m, nil
			}
		}
	}

	if rt.defaultRule == nil {
		return Match{}, ErrNoRoute
	}
	rest := path
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return Match{Rule: rt.defaultRule, Params: map[string]string{}, Rest: rest}, nil
}

func (rt *Router) lookup(path string) (Match, bool) {
	handle, ps, _ := rt.tree.Lookup(lookupMethod, path)
	if handle == nil {
		return Match{}, false
	}
	cw := &captureWriter{}
	handle(cw, nil, ps)
	if cw.rule == nil {
		return Match{}, false
	}

	params := make(map[string]string, len(ps))
	rest := "/"
	for _, p := range ps {
		if p.Key == restParam {
			rest = p.Value
			continue
		}
		params[p.Key] = p.Value
	}
	if rest == "" {
		rest = "/"
	}

	return Match{
		Rule:   cw.rule,
		Params: params,
		Prefix: strings.TrimSuffix(path, rest),
		Rest:   rest,
	}, true
}

// BuildUpstreamKey derives the registry key for a match. The values are the
// path segments exactly as they appeared in the request.
func (rt *Router) BuildUpstreamKey(m Match) (registry.Key, error) {
	if m.Rule == nil {
		return registry.Key{}, ErrNoRoute
	}

	switch m.Rule.Kind {
	case registry.KindPreview:
		projectID := m.Params["projectId"]
		if projectID == "" {
			return registry.Key{}, fmt.Errorf("%w: empty project id", ErrInvalidParams)
		}
		port, err := parsePort(m.Params["port"])
		if err != nil {
			return registry.Key{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if port < rt.minPort || port > rt.maxPort {
			return registry.Key{}, fmt.Errorf("%w: port %d outside %d-%d", ErrInvalidParams, port, rt.minPort, rt.maxPort)
		}
		return registry.PreviewKey(projectID, port), nil

	case registry.KindService:
		name := m.Rule.Service
		if v, ok := m.Params["serviceName"]; ok {
			name = v
		}
		if name == "" {
			return registry.Key{}, fmt.Errorf("%w: empty service name", ErrInvalidParams)
		}
		return registry.ServiceKey(name), nil
	}
	return registry.Key{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, m.Rule.Kind)
}

// parsePort accepts only plain decimal digits in 1-65535.
func parsePort(s string) (int, error) {
	if s == "" || len(s) > 5 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}

// RewritePath strips the rule's prefix from path. The default rule leaves the
// path unchanged. Trailing slashes in the remainder are kept.
//
//	/preview/123/8000/index.html -> /index.html
//	/preview/123/8000            -> /
func RewritePath(rule *Rule, path string) string {
	if rule == nil || rule.Default {
		return path
	}
	return stripSegments(path, rule.depth)
}

// RewriteURL returns a copy of u with the rule's prefix stripped from the
// path. The escaped form is kept only while it still decodes to the rewritten
// path; the query is untouched.
func RewriteURL(rule *Rule, u *url.URL) *url.URL {
	out := *u
	out.Path = RewritePath(rule, u.Path)
	out.RawPath = ""
	if u.RawPath != "" {
		raw := RewritePath(rule, u.RawPath)
		if p, err := url.PathUnescape(raw); err == nil && p == out.Path {
			out.RawPath = raw
		}
	}
	return &out
}

// stripSegments removes the first n segments of an absolute path. It works
// on escaped paths too, since "/" is never escaped inside a segment.
func stripSegments(path string, n int) string {
	p := path
	for i := 0; i < n; i++ {
		p = strings.TrimPrefix(p, "/")
		j := strings.IndexByte(p, '/')
		if j < 0 {
			return "/"
		}
		p = p[j:]
	}
	if p == "" {
		return "/"
	}
	return p
}

// captureWriter receives the matched rule from httprouter dispatch without
// writing any HTTP response.
type captureWriter struct {
	rule *Rule
}

func (cw *captureWriter) Header() http.Header       { return http.Header{} }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

// splitPath splits a URL path into non-empty segments.
func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// replaceParams converts {name} path parameters to :name httprouter syntax.
func replaceParams(path string) string {
	var result strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '{' {
			j := strings.IndexByte(path[i:], '}')
			if j == -1 {
				result.WriteByte(path[i])
				i++
				continue
			}
			result.WriteByte(':')
			result.WriteString(path[i+1 : i+j])
			i += j + 1
		} else {
			result.WriteByte(path[i])
			i++
		}
	}
	return result.String()
}
