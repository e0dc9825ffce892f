// Package httpclient builds the HTTP clients stagehand uses to talk to
// forge APIs (repository dispatch).
//
// Clients compose two transport layers over a pooled TLS 1.2+ transport:
//
//   - a logging layer that sets the User-Agent, propagates the W3C trace
//     context of the active span, and logs each request with sensitive
//     query parameters redacted
//   - a retry layer with exponential backoff and jitter
//
// # Retry Behavior
//
// Idempotent methods (GET, HEAD, OPTIONS) are retried on 5xx, 408, 429 and
// transient network errors. Other methods are retried only when the server
// cannot have acted on the request: HTTP 429, or a connection that was
// refused before anything was sent. A repository dispatch is therefore
// never delivered twice because of a retry.
//
// Usage:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "stagehand/1.4.0"
//	cfg.Logger = logger
//	client, err := httpclient.New(cfg)
package httpclient
