package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"
)

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status     int
		idempotent bool
		want       bool
	}{
		{http.StatusOK, true, false},
		{http.StatusNotFound, true, false},
		{http.StatusRequestTimeout, true, true},
		{http.StatusTooManyRequests, true, true},
		{http.StatusBadGateway, true, true},
		{http.StatusTooManyRequests, false, true},
		{http.StatusBadGateway, false, false},
		{http.StatusRequestTimeout, false, false},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status, tt.idempotent); got != tt.want {
			t.Errorf("retryableStatus(%d, %v) = %v, want %v", tt.status, tt.idempotent, got, tt.want)
		}
	}
}

func TestRetryableError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET)}
	dns := &net.DNSError{Err: "server misbehaving", Name: "api.github.com", IsTemporary: true}

	tests := []struct {
		name       string
		err        error
		idempotent bool
		want       bool
	}{
		{"refused get", refused, true, true},
		{"refused post", refused, false, true},
		{"reset get", reset, true, true},
		{"reset post", reset, false, false},
		{"temporary dns get", dns, true, true},
		{"temporary dns post", dns, false, false},
		{"cancelled", context.Canceled, true, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"other", errors.New("boom"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableError(tt.err, tt.idempotent); got != tt.want {
				t.Errorf("retryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	rt := &retryTransport{baseBackoff: 100 * time.Millisecond, maxBackoff: time.Second}

	tests := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 120 * time.Millisecond},
		{2, 200 * time.Millisecond, 240 * time.Millisecond},
		{3, 400 * time.Millisecond, 480 * time.Millisecond},
		{10, time.Second, 1200 * time.Millisecond},
	}
	for _, tt := range tests {
		got := rt.backoff(tt.attempt)
		if got < tt.min || got > tt.max {
			t.Errorf("backoff(%d) = %v, want between %v and %v", tt.attempt, got, tt.min, tt.max)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if got := retryAfter(resp); got != 0 {
		t.Errorf("expected 0 without header, got %v", got)
	}

	resp.Header.Set("Retry-After", "3")
	if got := retryAfter(resp); got != 3*time.Second {
		t.Errorf("expected 3s, got %v", got)
	}

	resp.Header.Set("Retry-After", time.Now().Add(time.Minute).UTC().Format(http.TimeFormat))
	if got := retryAfter(resp); got <= 0 || got > time.Minute {
		t.Errorf("expected positive delay up to a minute, got %v", got)
	}

	resp.Header.Set("Retry-After", "soon")
	if got := retryAfter(resp); got != 0 {
		t.Errorf("expected 0 for garbage, got %v", got)
	}
}
