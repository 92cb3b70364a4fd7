package util

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestIDKeepsExistingID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-incoming-123")
	if got := RequestIDFromContext(WithRequestID(ctx)); got != "req-incoming-123" {
		t.Fatalf("unexpected request id: got %q", got)
	}
}

func TestWithRequestIDGeneratesWhenMissing(t *testing.T) {
	ctx := WithRequestID(context.Background())
	if RequestIDFromContext(ctx) == "" {
		t.Fatal("expected generated request id in context")
	}
	if LoggerFromContext(ctx) == nil {
		t.Fatal("expected logger in context")
	}
}

func TestLoggingTransportStampsRequestID(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewLoggingTransport("catalog", nil)}
	ctx := ContextWithRequestID(context.Background(), "req-7")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/book/7", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if seen != "req-7" {
		t.Fatalf("server saw request id %q, want req-7", seen)
	}
}

func TestLoggingTransportWithoutRequestID(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewLoggingTransport("", nil)}
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if seen != "" {
		t.Fatalf("unexpected request id header %q", seen)
	}
}

func TestLoggingTransportLogsThroughContextLogger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })

	// The request-scoped logger is derived from the default at the time the id is attached.
	ctx := ContextWithRequestID(context.Background(), "req-9")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/user/profile", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	client := &http.Client{Transport: NewLoggingTransport("auth", nil)}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()

	out := buf.String()
	for _, want := range []string{`"msg":"http_request"`, `"service":"auth"`, `"request_id":"req-9"`, `"status":200`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log record missing %s: %s", want, out)
		}
	}
	if strings.Count(out, `"request_id"`) != 1 {
		t.Fatalf("request id should appear once: %s", out)
	}
}
