package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "upstream error")

	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWithReason(t *testing.T) {
	e := ErrBadGateway.WithReason(ReasonNotRegistered)

	if e == ErrBadGateway {
		t.Fatal("WithReason must not mutate the singleton")
	}
	if ErrBadGateway.Reason != "" {
		t.Fatalf("singleton reason changed to %q", ErrBadGateway.Reason)
	}
	if e.Reason != ReasonNotRegistered || e.Code != http.StatusBadGateway {
		t.Errorf("got code=%d reason=%q", e.Code, e.Reason)
	}
	if e.Error() != "Bad Gateway (not_registered)" {
		t.Errorf("Error() = %q", e.Error())
	}
}

func TestBuildersPreserveFields(t *testing.T) {
	inner := fmt.Errorf("root cause")
	e := Wrap(inner, 500, "wrapped").
		WithReason("r").
		WithDetails("d").
		WithRequestID("req-1")

	if e.Reason != "r" || e.Details != "d" || e.RequestID != "req-1" {
		t.Errorf("fields lost: %+v", e)
	}
	if e.Unwrap() != inner {
		t.Error("builders should preserve the underlying error")
	}
}

func TestWithCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	e := ErrBadGateway.WithReason(ReasonConnectFailed).WithCause(cause)

	if !errors.Is(e, cause) {
		t.Error("cause should be reachable via errors.Is")
	}

	w := httptest.NewRecorder()
	e.WriteJSON(w)
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := body["underlying"]; ok {
		t.Error("cause must not be serialized")
	}
}

func TestAs(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		ge, ok := As(ErrForbidden)
		if !ok || ge.Code != 403 {
			t.Fatalf("As() = %v, %v", ge, ok)
		}
	})

	t.Run("wrapped", func(t *testing.T) {
		err := fmt.Errorf("filter: %w", ErrTooManyRequests.WithReason(ReasonRateLimited))
		ge, ok := As(err)
		if !ok || ge.Reason != ReasonRateLimited {
			t.Fatalf("As() = %v, %v", ge, ok)
		}
	})

	t.Run("regular error", func(t *testing.T) {
		if _, ok := As(fmt.Errorf("regular")); ok {
			t.Error("As should return false for regular error")
		}
	})

	t.Run("nil", func(t *testing.T) {
		if _, ok := As(nil); ok {
			t.Error("As should return false for nil")
		}
	})
}

func TestWriteJSON_PreSerialized(t *testing.T) {
	singletons := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrTooManyRequests,
		ErrBadGateway, ErrServiceUnavailable, ErrGatewayTimeout,
		ErrBadRequest, ErrInternalServer, ErrRequestHeaderFieldsTooLarge,
	}

	for _, e := range singletons {
		t.Run(e.Message, func(t *testing.T) {
			w := httptest.NewRecorder()
			e.WriteJSON(w)

			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want %q", ct, "application/json")
			}
			if w.Code != e.Code {
				t.Errorf("status = %d, want %d", w.Code, e.Code)
			}

			var body map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if int(body["code"].(float64)) != e.Code {
				t.Errorf("body code = %v, want %d", body["code"], e.Code)
			}
			if _, ok := body["reason"]; ok {
				t.Error("base errors should omit reason")
			}
		})
	}
}

func TestWriteJSON_WithReason(t *testing.T) {
	e := ErrBadGateway.WithReason(ReasonUnhealthy).WithRequestID("req-abc")

	w := httptest.NewRecorder()
	e.WriteJSON(w)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["reason"] != "unhealthy" {
		t.Errorf("body reason = %v, want unhealthy", body["reason"])
	}
	if body["request_id"] != "req-abc" {
		t.Errorf("body request_id = %v, want %q", body["request_id"], "req-abc")
	}
}

func TestPreSerializedCount(t *testing.T) {
	if len(preSerialized) != 10 {
		t.Errorf("preSerialized has %d entries, want 10", len(preSerialized))
	}
}
