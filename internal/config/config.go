// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads engine configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Skip policies for predecessors skipped by their own predicate.
const (
	SkipPolicySatisfies  = "satisfies"
	SkipPolicyPropagates = "propagates"
)

// Cache backends.
const (
	CacheBackendFS = "fs"
	CacheBackendS3 = "s3"
)

// Config is the engine configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Runner        RunnerConfig        `yaml:"runner"`
	Cache         CacheConfig         `yaml:"cache"`
	Publish       PublishConfig       `yaml:"publish"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	History       HistoryConfig       `yaml:"history"`
	Report        ReportConfig        `yaml:"report"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`

	// AddSource adds file:line to records.
	AddSource bool `yaml:"add_source"`
}

// SchedulerConfig controls instance scheduling.
type SchedulerConfig struct {
	// MaxParallel bounds concurrently running instances (default: number of CPUs).
	MaxParallel int `yaml:"max_parallel"`

	// FailFast stops launching instances after the first failure.
	FailFast bool `yaml:"fail_fast"`

	// SkipPolicy decides whether a predecessor skipped by its own predicate
	// satisfies its dependents ("satisfies") or blocks them ("propagates").
	SkipPolicy string `yaml:"skip_policy"`

	// DrainTimeout is how long running instances may finish after cancellation.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// KillGrace is the delay between SIGTERM and SIGKILL for step processes.
	KillGrace time.Duration `yaml:"kill_grace"`
}

// RunnerConfig controls step execution.
type RunnerConfig struct {
	// Shell is the default interpreter for run steps.
	Shell string `yaml:"shell"`

	// InheritEnv passes the engine's own environment to steps.
	InheritEnv bool `yaml:"inherit_env"`

	// SecretsByReference keeps run secrets out of step environments unless
	// a definition interpolates them.
	SecretsByReference bool `yaml:"secrets_by_reference"`

	// MaxOutputBytes caps the captured output of each step.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// TempDir is the parent of per-instance temporary directories.
	TempDir string `yaml:"temp_dir,omitempty"`
}

// CacheConfig controls the cache manager.
type CacheConfig struct {
	// Enabled turns cache restore and save on.
	Enabled bool `yaml:"enabled"`

	// Backend is "fs" or "s3".
	Backend string `yaml:"backend"`

	// Dir is the filesystem store root.
	Dir string `yaml:"dir"`

	// ForceRestore overwrites workspace files newer than the cache entry.
	ForceRestore bool `yaml:"force_restore"`

	// S3 configures the S3-compatible store.
	S3 S3Config `yaml:"s3"`
}

// S3Config configures an S3-compatible cache bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region,omitempty"`
	Prefix    string `yaml:"prefix,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PublishConfig controls publish steps.
type PublishConfig struct {
	// TagPattern is a glob that refs must match for publish steps to run.
	TagPattern string `yaml:"tag_pattern"`

	// Command is run to perform the upload; empty means publish steps fail.
	Command string `yaml:"command,omitempty"`
}

// DispatchConfig controls dispatch steps.
type DispatchConfig struct {
	// APIURL is the base URL of the repository dispatch API.
	APIURL string `yaml:"api_url"`

	// TokenSecret names the secret holding the API token.
	TokenSecret string `yaml:"token_secret"`

	// Command runs instead of the HTTP API when set.
	Command string `yaml:"command,omitempty"`

	// RatePerSecond limits dispatch requests.
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// HistoryConfig controls the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ReportConfig controls the run report.
type ReportConfig struct {
	// MaxOutputBytes truncates failing step output in the report.
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	// MetricsFile receives Prometheus text-format metrics after each run.
	MetricsFile string `yaml:"metrics_file,omitempty"`

	// OTLPEndpoint enables trace export over OTLP/HTTP (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`

	// OTLPInsecure disables TLS for the OTLP exporter.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	cfg := &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{
			MaxParallel:  runtime.NumCPU(),
			SkipPolicy:   SkipPolicySatisfies,
			DrainTimeout: 30 * time.Second,
			KillGrace:    10 * time.Second,
		},
		Runner: RunnerConfig{
			Shell:          "sh",
			InheritEnv:     true,
			MaxOutputBytes: 1 << 20,
		},
		Cache: CacheConfig{
			Enabled: true,
			Backend: CacheBackendFS,
			Dir:     filepath.Join(CacheDir(), "cache"),
		},
		Publish: PublishConfig{TagPattern: "refs/tags/v*"},
		Dispatch: DispatchConfig{
			APIURL:        "https://api.github.com",
			TokenSecret:   "DISPATCH_TOKEN",
			RatePerSecond: 1,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(DataDir(), "history.db"),
		},
		Report:        ReportConfig{MaxOutputBytes: 4096},
		Observability: ObservabilityConfig{ServiceName: "stagehand"},
	}
	return cfg
}

// Load builds the configuration: defaults, then the file at configPath (if
// set, or the default path if it exists), then environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if p := DefaultPath(); fileExists(p) {
			configPath = p
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &stagehanderrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &stagehanderrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = def.Scheduler.MaxParallel
	}
	if c.Scheduler.SkipPolicy == "" {
		c.Scheduler.SkipPolicy = def.Scheduler.SkipPolicy
	}
	if c.Scheduler.DrainTimeout == 0 {
		c.Scheduler.DrainTimeout = def.Scheduler.DrainTimeout
	}
	if c.Scheduler.KillGrace == 0 {
		c.Scheduler.KillGrace = def.Scheduler.KillGrace
	}
	if c.Runner.Shell == "" {
		c.Runner.Shell = def.Runner.Shell
	}
	if c.Runner.MaxOutputBytes == 0 {
		c.Runner.MaxOutputBytes = def.Runner.MaxOutputBytes
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = def.Cache.Backend
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = def.Cache.Dir
	}
	if c.Publish.TagPattern == "" {
		c.Publish.TagPattern = def.Publish.TagPattern
	}
	if c.Dispatch.APIURL == "" {
		c.Dispatch.APIURL = def.Dispatch.APIURL
	}
	if c.Dispatch.TokenSecret == "" {
		c.Dispatch.TokenSecret = def.Dispatch.TokenSecret
	}
	if c.Dispatch.RatePerSecond == 0 {
		c.Dispatch.RatePerSecond = def.Dispatch.RatePerSecond
	}
	if c.History.Path == "" {
		c.History.Path = def.History.Path
	}
	if c.Report.MaxOutputBytes == 0 {
		c.Report.MaxOutputBytes = def.Report.MaxOutputBytes
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = def.Observability.ServiceName
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// Log configuration
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("STAGEHAND_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	// Scheduler configuration
	if val := os.Getenv("STAGEHAND_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.MaxParallel = n
		}
	}
	if val := os.Getenv("STAGEHAND_FAIL_FAST"); val != "" {
		c.Scheduler.FailFast = parseBool(val)
	}
	if val := os.Getenv("STAGEHAND_SKIP_POLICY"); val != "" {
		c.Scheduler.SkipPolicy = strings.ToLower(val)
	}
	if val := os.Getenv("STAGEHAND_DRAIN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.DrainTimeout = d
		}
	}
	if val := os.Getenv("STAGEHAND_KILL_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Scheduler.KillGrace = d
		}
	}

	// Cache configuration
	if val := os.Getenv("STAGEHAND_CACHE"); val != "" {
		c.Cache.Enabled = parseBool(val)
	}
	if val := os.Getenv("STAGEHAND_CACHE_BACKEND"); val != "" {
		c.Cache.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("STAGEHAND_CACHE_DIR"); val != "" {
		c.Cache.Dir = val
	}
	if val := os.Getenv("STAGEHAND_S3_ENDPOINT"); val != "" {
		c.Cache.S3.Endpoint = val
	}
	if val := os.Getenv("STAGEHAND_S3_BUCKET"); val != "" {
		c.Cache.S3.Bucket = val
	}
	if val := os.Getenv("STAGEHAND_S3_ACCESS_KEY"); val != "" {
		c.Cache.S3.AccessKey = val
	}
	if val := os.Getenv("STAGEHAND_S3_SECRET_KEY"); val != "" {
		c.Cache.S3.SecretKey = val
	}
	if val := os.Getenv("STAGEHAND_S3_USE_SSL"); val != "" {
		c.Cache.S3.UseSSL = parseBool(val)
	}

	// History and observability
	if val := os.Getenv("STAGEHAND_HISTORY_PATH"); val != "" {
		c.History.Path = val
	}
	if val := os.Getenv("STAGEHAND_METRICS_FILE"); val != "" {
		c.Observability.MetricsFile = val
	}
	if val := os.Getenv("STAGEHAND_OTLP_ENDPOINT"); val != "" {
		c.Observability.OTLPEndpoint = val
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Scheduler.MaxParallel < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_parallel must be at least 1, got %d", c.Scheduler.MaxParallel))
	}
	if c.Scheduler.SkipPolicy != SkipPolicySatisfies && c.Scheduler.SkipPolicy != SkipPolicyPropagates {
		errs = append(errs, fmt.Sprintf("scheduler.skip_policy must be one of [%s, %s], got %q",
			SkipPolicySatisfies, SkipPolicyPropagates, c.Scheduler.SkipPolicy))
	}
	if c.Scheduler.DrainTimeout < 0 {
		errs = append(errs, "scheduler.drain_timeout must not be negative")
	}
	if c.Scheduler.KillGrace < 0 {
		errs = append(errs, "scheduler.kill_grace must not be negative")
	}

	switch c.Cache.Backend {
	case CacheBackendFS:
	case CacheBackendS3:
		if c.Cache.Enabled && (c.Cache.S3.Endpoint == "" || c.Cache.S3.Bucket == "") {
			errs = append(errs, "cache.s3.endpoint and cache.s3.bucket are required for the s3 backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend must be one of [fs, s3], got %q", c.Cache.Backend))
	}

	if !doublestar.ValidatePattern(c.Publish.TagPattern) {
		errs = append(errs, fmt.Sprintf("publish.tag_pattern is not a valid glob: %q", c.Publish.TagPattern))
	}
	if c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, "dispatch.rate_per_second must not be negative")
	}
	if c.Report.MaxOutputBytes < 0 {
		errs = append(errs, "report.max_output_bytes must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
