package middleware

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wudi/runtime-gateway/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(prev) })
	return logs
}

func TestLoggingDefault(t *testing.T) {
	logs := observeLogs(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	})

	rr := httptest.NewRecorder()
	Logging()(handler).ServeHTTP(rr, httptest.NewRequest("POST", "/items?foo=bar", nil))

	if rr.Code != http.StatusCreated || rr.Body.String() != "hello" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(201) {
		t.Errorf("expected status 201, got %v", fields["status"])
	}
	if fields["body_bytes"] != int64(5) {
		t.Errorf("expected body_bytes 5, got %v", fields["body_bytes"])
	}
	if fields["query"] != "foo=bar" {
		t.Errorf("expected query foo=bar, got %v", fields["query"])
	}
	if fields["method"] != "POST" || fields["path"] != "/items" {
		t.Errorf("unexpected method/path %v %v", fields["method"], fields["path"])
	}
}

func TestLoggingIncludesRequestInfo(t *testing.T) {
	logs := observeLogs(t)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := GetRequestInfo(r)
		info.RuleID = "preview"
		info.Upstream = "preview:42:8005"
		info.UpstreamAddr = "127.0.0.1:8005"
		info.Reason = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	var completedStatus int
	var completedUpstream string
	cfg := LoggingConfig{
		OnComplete: func(r *http.Request, info *RequestInfo, status int, bytes int64, d time.Duration) {
			completedStatus = status
			completedUpstream = info.Upstream
		},
	}

	chain := NewChain(RequestID(), LoggingWithConfig(cfg))
	chain.Then(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/preview/42/8005/", nil))

	entries := logs.FilterMessage("HTTP request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for k, want := range map[string]any{
		"rule":          "preview",
		"upstream":      "preview:42:8005",
		"upstream_addr": "127.0.0.1:8005",
		"reason":        "unhealthy",
		"status":        int64(503),
	} {
		if fields[k] != want {
			t.Errorf("field %s: expected %v, got %v", k, want, fields[k])
		}
	}
	if fields["request_id"] == "" {
		t.Error("expected request_id")
	}
	if completedStatus != 503 || completedUpstream != "preview:42:8005" {
		t.Errorf("OnComplete got %d %q", completedStatus, completedUpstream)
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	logs := observeLogs(t)

	mw := LoggingWithConfig(LoggingConfig{SkipPaths: []string{"/healthz"}})
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/other", nil))

	if n := logs.FilterMessage("HTTP request").Len(); n != 1 {
		t.Errorf("expected 1 logged request, got %d", n)
	}
}

func TestLoggingResponseWriterWriteHeader(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr, status: http.StatusOK}

	lrw.WriteHeader(http.StatusNotFound)
	lrw.WriteHeader(http.StatusOK)

	if lrw.Status() != http.StatusNotFound {
		t.Errorf("expected first status to win, got %d", lrw.Status())
	}
}

func TestLoggingResponseWriterBytesWritten(t *testing.T) {
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	lrw.Write(make([]byte, 40))
	lrw.Write(make([]byte, 2))

	if lrw.BytesWritten() != 42 {
		t.Errorf("expected 42, got %d", lrw.BytesWritten())
	}
}

// flusherRecorder is an httptest.ResponseRecorder that also implements http.Flusher.
type flusherRecorder struct {
	*httptest.ResponseRecorder
	flushed bool
}

func (f *flusherRecorder) Flush() {
	f.flushed = true
}

func TestLoggingResponseWriterFlushDelegates(t *testing.T) {
	fr := &flusherRecorder{ResponseRecorder: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{ResponseWriter: fr, status: http.StatusOK}

	lrw.Flush()

	if !fr.flushed {
		t.Error("Flush should delegate to underlying Flusher")
	}
}

// nonFlusherWriter implements http.ResponseWriter but not http.Flusher.
type nonFlusherWriter struct {
	header http.Header
}

func (nf *nonFlusherWriter) Header() http.Header        { return nf.header }
func (nf *nonFlusherWriter) Write(b []byte) (int, error) { return len(b), nil }
func (nf *nonFlusherWriter) WriteHeader(int)             {}

func TestLoggingResponseWriterFlushNoFlusher(t *testing.T) {
	lrw := &loggingResponseWriter{
		ResponseWriter: &nonFlusherWriter{header: make(http.Header)},
		status:         http.StatusOK,
	}
	lrw.Flush()
}

func TestLoggingResponseWriterHijackNotSupported(t *testing.T) {
	lrw := &loggingResponseWriter{
		ResponseWriter: &nonFlusherWriter{header: make(http.Header)},
		status:         http.StatusOK,
	}

	conn, rw, err := lrw.Hijack()
	if err != http.ErrNotSupported {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
	if conn != nil || rw != nil {
		t.Error("expected nil conn and rw")
	}
}

// hijackableWriter implements both http.ResponseWriter and http.Hijacker.
type hijackableWriter struct {
	http.ResponseWriter
	hijacked bool
}

func (hw *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hw.hijacked = true
	server, client := net.Pipe()
	_ = server.Close()
	return client, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func TestLoggingResponseWriterHijackRecords101(t *testing.T) {
	hw := &hijackableWriter{ResponseWriter: httptest.NewRecorder()}
	lrw := &loggingResponseWriter{ResponseWriter: hw, status: http.StatusOK}

	conn, rw, err := lrw.Hijack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer conn.Close()

	if rw == nil || !hw.hijacked {
		t.Error("Hijack should delegate to underlying Hijacker")
	}
	if lrw.Status() != http.StatusSwitchingProtocols {
		t.Errorf("expected status 101 after hijack, got %d", lrw.Status())
	}
}

func TestLoggingResponseWriterUnwrap(t *testing.T) {
	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr}
	if lrw.Unwrap() != rr {
		t.Error("Unwrap should return the wrapped writer")
	}
}
