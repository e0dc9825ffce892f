package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// loggingTransport sets the User-Agent, injects the traceparent of the
// active span, and logs every round trip.
type loggingTransport struct {
	base       http.RoundTripper
	userAgent  string
	logger     *slog.Logger
	propagator propagation.TextMapPropagator
}

func newLoggingTransport(base http.RoundTripper, userAgent string, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{
		base:       base,
		userAgent:  userAgent,
		logger:     logger,
		propagator: propagation.TraceContext{},
	}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// RoundTrippers must not modify the caller's request
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	t.propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		"method", req.Method,
		"url", redactURL(req.URL),
		"duration_ms", time.Since(start).Milliseconds(),
	}

	if err != nil {
		t.logger.WarnContext(req.Context(), "http request failed", append(attrs, "error", err.Error())...)
		return nil, err
	}
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "http request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}
