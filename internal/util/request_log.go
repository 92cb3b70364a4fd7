package util

import (
	"net/http"
	"strings"
	"time"
)

// LoggingTransport emits a structured log for each outgoing HTTP request and
// stamps the request id header when the request context carries one. Records
// go to the request context's logger, which already carries the request id.
type LoggingTransport struct {
	service string
	next    http.RoundTripper
}

// NewLoggingTransport wraps next (http.DefaultTransport when nil).
func NewLoggingTransport(service string, next http.RoundTripper) *LoggingTransport {
	service = strings.TrimSpace(service)
	if service == "" {
		service = "unknown"
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return &LoggingTransport{service: service, next: next}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	requestID := RequestIDFromContext(req.Context())
	if requestID != "" && req.Header.Get(RequestIDHeader) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(RequestIDHeader, requestID)
	}
	resp, err := t.next.RoundTrip(req)
	attrs := []any{
		"service", t.service,
		"method", req.Method,
		"path", req.URL.Path,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	logger := LoggerFromContext(req.Context())
	if err != nil {
		logger.Warn("http_request", append(attrs, "err", err)...)
		return nil, err
	}
	logger.Info("http_request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}
