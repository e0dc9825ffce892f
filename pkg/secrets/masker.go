// Package secrets masks secret values in step output, logs and reports.
package secrets

import (
	"sort"
	"strings"
	"sync"
)

// Redacted replaces every masked value.
const Redacted = "***"

// Masker replaces known secret values in strings with "***".
// It is safe for concurrent use; workers mask output while the runner registers values.
type Masker struct {
	// patterns are suffixes that indicate a secret env var (e.g., _TOKEN, _SECRET)
	patterns []string

	mu      sync.RWMutex
	secrets map[string]struct{}
	ordered []string
}

// NewMasker creates a new secret masker with default patterns.
func NewMasker() *Masker {
	return &Masker{
		patterns: []string{
			"_TOKEN",
			"_SECRET",
			"_KEY",
			"_PASSWORD",
			"_PASS",
			"_PWD",
		},
		secrets: make(map[string]struct{}),
	}
}

// AddSecret registers a value to be masked. Values shorter than two
// characters are ignored; masking them would mangle ordinary output.
func (m *Masker) AddSecret(value string) {
	if len(value) < 2 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[value]; ok {
		return
	}
	m.secrets[value] = struct{}{}
	m.ordered = append(m.ordered, value)
	// Longest first so a secret containing another is replaced whole.
	sort.SliceStable(m.ordered, func(i, j int) bool {
		return len(m.ordered[i]) > len(m.ordered[j])
	})
}

// AddSecrets registers every value of a name to value map.
func (m *Masker) AddSecrets(values map[string]string) {
	for _, v := range values {
		m.AddSecret(v)
	}
}

// AddSecretsFromEnv adds values for keys matching secret patterns.
func (m *Masker) AddSecretsFromEnv(env map[string]string) {
	for key, value := range env {
		if m.IsSecretKey(key) {
			m.AddSecret(value)
		}
	}
}

// IsSecretKey checks if an environment variable key matches a secret pattern.
func (m *Masker) IsSecretKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range m.patterns {
		if strings.HasSuffix(upperKey, pattern) {
			return true
		}
	}
	return false
}

// Mask replaces all known secrets in a string with "***".
func (m *Masker) Mask(s string) string {
	if m == nil || s == "" {
		return s
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, secret := range m.ordered {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	return s
}

// MaskEnv returns a copy of env where values of secret-looking keys and
// known secret values are masked.
func (m *Masker) MaskEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if m.IsSecretKey(k) && v != "" {
			out[k] = Redacted
			continue
		}
		out[k] = m.Mask(v)
	}
	return out
}
