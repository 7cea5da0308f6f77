package router

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/registry"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	rt, err := New(Config{
		Rules: append(config.DefaultRules(),
			config.RuleConfig{ID: "blog", Pattern: "/blog", Kind: config.KindService, Service: "blog"},
		),
		DefaultService: "app",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

func TestClassify(t *testing.T) {
	rt := newTestRouter(t)

	tests := []struct {
		path       string
		wantRule   string
		wantParams map[string]string
		wantPrefix string
		wantRest   string
	}{
		{"/preview/42/8005/status", "preview", map[string]string{"projectId": "42", "port": "8005"}, "/preview/42/8005", "/status"},
		{"/preview/42/8005", "preview", map[string]string{"projectId": "42", "port": "8005"}, "/preview/42/8005", "/"},
		{"/preview/42/8005/", "preview", map[string]string{"projectId": "42", "port": "8005"}, "/preview/42/8005", "/"},
		{"/preview/abc-def/3000/assets/app.js", "preview", map[string]string{"projectId": "abc-def", "port": "3000"}, "/preview/abc-def/3000", "/assets/app.js"},
		{"/runtime/go-runtime/execute", "runtime", map[string]string{"serviceName": "go-runtime"}, "/runtime/go-runtime", "/execute"},
		{"/runtime/python-ml", "runtime", map[string]string{"serviceName": "python-ml"}, "/runtime/python-ml", "/"},
		{"/blog/posts/1", "blog", map[string]string{}, "/blog", "/posts/1"},
		{"/", "default", map[string]string{}, "", "/"},
		{"/dashboard", "default", map[string]string{}, "", "/dashboard"},
		{"/preview", "default", map[string]string{}, "", "/preview"},
		{"/preview/42", "default", map[string]string{}, "", "/preview/42"},
		{"/runtime", "default", map[string]string{}, "", "/runtime"},
		{"/previews/42/8005/x", "default", map[string]string{}, "", "/previews/42/8005/x"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, err := rt.Classify(tt.path)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if m.Rule.ID != tt.wantRule {
				t.Errorf("rule = %s, want %s", m.Rule.ID, tt.wantRule)
			}
			if len(m.Params) != len(tt.wantParams) {
				t.Errorf("params = %v, want %v", m.Params, tt.wantParams)
			}
			for k, v := range tt.wantParams {
				if m.Params[k] != v {
					t.Errorf("param %s = %q, want %q", k, m.Params[k], v)
				}
			}
			if m.Prefix != tt.wantPrefix {
				t.Errorf("prefix = %q, want %q", m.Prefix, tt.wantPrefix)
			}
			if m.Rest != tt.wantRest {
				t.Errorf("rest = %q, want %q", m.Rest, tt.wantRest)
			}
		})
	}
}

func TestClassifyDeterministic(t *testing.T) {
	rt := newTestRouter(t)
	paths := []string{"/preview/1/2/x", "/runtime/a/b", "/blog", "/other", "/"}
	for _, p := range paths {
		first, _ := rt.Classify(p)
		for i := 0; i < 50; i++ {
			m, _ := rt.Classify(p)
			if m.Rule != first.Rule || m.Rest != first.Rest {
				t.Fatalf("Classify(%q) not deterministic", p)
			}
		}
	}
}

func TestClassifyNoDefault(t *testing.T) {
	rt, err := New(Config{Rules: config.DefaultRules()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Classify("/unknown"); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Classify without default = %v, want ErrNoRoute", err)
	}
}

func TestBuildUpstreamKey(t *testing.T) {
	rt := newTestRouter(t)

	tests := []struct {
		path    string
		want    registry.Key
		wantErr bool
	}{
		{"/preview/42/8005/status", registry.PreviewKey("42", 8005), false},
		{"/preview/p/1024/", registry.PreviewKey("p", 1024), false},
		{"/preview/p/1023/", registry.Key{}, true},
		{"/preview/p/65535/", registry.PreviewKey("p", 65535), false},
		{"/runtime/go-runtime/run", registry.ServiceKey("go-runtime"), false},
		{"/blog/x", registry.ServiceKey("blog"), false},
		{"/anything", registry.ServiceKey("app"), false},
		{"/preview/42/0/x", registry.Key{}, true},
		{"/preview/42/65536/x", registry.Key{}, true},
		{"/preview/42/abc/x", registry.Key{}, true},
		{"/preview/42/+80/x", registry.Key{}, true},
		{"/preview/42/-1/x", registry.Key{}, true},
		{"/preview/42/0080800/x", registry.Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			m, err := rt.Classify(tt.path)
			if err != nil {
				t.Fatal(err)
			}
			got, err := rt.BuildUpstreamKey(m)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidParams) {
					t.Errorf("err = %v, want ErrInvalidParams", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildUpstreamKey: %v", err)
			}
			if got != tt.want {
				t.Errorf("key = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildUpstreamKeyPortRange(t *testing.T) {
	rt, err := New(Config{Rules: config.DefaultRules(), DefaultService: "app", MinPort: 3000, MaxPort: 9000})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := rt.Classify("/preview/1/22/")
	if _, err := rt.BuildUpstreamKey(m); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("port below range: err = %v", err)
	}
	m, _ = rt.Classify("/preview/1/8005/")
	if _, err := rt.BuildUpstreamKey(m); err != nil {
		t.Errorf("port in range: err = %v", err)
	}
}

func TestRewritePath(t *testing.T) {
	rt := newTestRouter(t)

	tests := []struct {
		path string
		want string
	}{
		{"/preview/123/8000/index.html", "/index.html"},
		{"/preview/42/8005/status", "/status"},
		{"/preview/42/8005", "/"},
		{"/preview/42/8005/", "/"},
		{"/preview/42/8005/dir/", "/dir/"},
		{"/preview/42/8005/a//b", "/a//b"},
		{"/runtime/go-runtime/v1/execute", "/v1/execute"},
		{"/blog", "/"},
		{"/dashboard/settings", "/dashboard/settings"},
	}
	for _, tt := range tests {
		m, _ := rt.Classify(tt.path)
		if got := RewritePath(m.Rule, tt.path); got != tt.want {
			t.Errorf("RewritePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
		if m.Rule.Default {
			continue
		}
		if got := RewritePath(m.Rule, tt.path); got != m.Rest {
			t.Errorf("RewritePath(%q) = %q disagrees with Rest %q", tt.path, got, m.Rest)
		}
	}
}

func TestRewriteEscapedPath(t *testing.T) {
	rt := newTestRouter(t)
	m, _ := rt.Classify("/preview/1/3000/a b")
	if got := RewritePath(m.Rule, "/preview/1/3000/a%20b"); got != "/a%20b" {
		t.Errorf("escaped rewrite = %q", got)
	}
}

func TestNewRejectsConflicts(t *testing.T) {
	tests := []struct {
		name  string
		rules []config.RuleConfig
		want  string
	}{
		{
			name: "param vs static",
			rules: []config.RuleConfig{
				{ID: "runtime", Pattern: "/runtime/{serviceName}", Kind: config.KindService},
				{ID: "go", Pattern: "/runtime/go", Kind: config.KindService, Service: "go"},
			},
			want: "conflicts",
		},
		{
			name: "nested prefix",
			rules: []config.RuleConfig{
				{ID: "blog", Pattern: "/blog", Kind: config.KindService, Service: "blog"},
				{ID: "admin", Pattern: "/blog/admin", Kind: config.KindService, Service: "admin"},
			},
			want: "conflicts",
		},
		{
			name: "different param names",
			rules: []config.RuleConfig{
				{ID: "a", Pattern: "/preview/{projectId}/{port}", Kind: config.KindPreview},
				{ID: "b", Pattern: "/preview/{id}/{port}", Kind: config.KindPreview},
			},
			want: "conflicts",
		},
		{
			name: "duplicate id",
			rules: []config.RuleConfig{
				{ID: "a", Pattern: "/a", Kind: config.KindService, Service: "x"},
				{ID: "a", Pattern: "/b", Kind: config.KindService, Service: "x"},
			},
			want: "duplicate rule id",
		},
		{
			name: "default overlap",
			rules: []config.RuleConfig{
				{ID: "root", Pattern: "/", Kind: config.KindService, Service: "x"},
			},
			want: "default rule",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Rules: tt.rules, DefaultService: "app"})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestRewriteURL(t *testing.T) {
	rt := newTestRouter(t)

	tests := []struct {
		target  string
		path    string
		rawPath string
		query   string
	}{
		{"/preview/42/8005/status?verbose=1", "/status", "", "verbose=1"},
		{"/preview/42/8005/files/a%20b.txt", "/files/a b.txt", "", ""},
		{"/preview/42/8005/docs/a%2Fb", "/docs/a/b", "/docs/a%2Fb", ""},
		{"/dashboard?tab=1", "/dashboard", "", "tab=1"},
	}
	for _, tt := range tests {
		u, err := url.ParseRequestURI(tt.target)
		if err != nil {
			t.Fatal(err)
		}
		m, _ := rt.Classify(u.Path)
		out := RewriteURL(m.Rule, u)
		if out.Path != tt.path || out.RawPath != tt.rawPath || out.RawQuery != tt.query {
			t.Errorf("RewriteURL(%q) = path %q raw %q query %q", tt.target, out.Path, out.RawPath, out.RawQuery)
		}
		if out == u {
			t.Error("RewriteURL must not return the input")
		}
	}
}

func TestReplaceParams(t *testing.T) {
	if got := replaceParams("/preview/{projectId}/{port}"); got != "/preview/:projectId/:port" {
		t.Errorf("replaceParams = %q", got)
	}
}

func BenchmarkClassify(b *testing.B) {
	rt, _ := New(Config{Rules: config.DefaultRules(), DefaultService: "app"})
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rt.Classify("/preview/42/8005/static/js/main.js")
	}
}
