package httpclient

import (
	"fmt"
	"log/slog"
	"time"
)

// Config configures the HTTP client.
type Config struct {
	// Timeout is the total request timeout including retries.
	Timeout time.Duration

	// RetryAttempts is the number of retries after the first try (0 = none).
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; it doubles per attempt.
	RetryBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// UserAgent is sent when a request does not set its own.
	UserAgent string

	// Logger receives request logs; nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the defaults used for forge APIs.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		UserAgent:     "stagehand",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return fmt.Errorf("retry_backoff must be > 0 when retry_attempts > 0, got %v", c.RetryBackoff)
		}
		if c.MaxBackoff < c.RetryBackoff {
			return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
		}
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user_agent is required")
	}
	return nil
}
