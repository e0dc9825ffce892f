// Package shell runs step scripts as child processes.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultMaxOutput is the default cap on captured output.
	DefaultMaxOutput = 1 << 20

	// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
	DefaultKillGrace = 10 * time.Second
)

// Command is one script invocation.
type Command struct {
	// Name identifies the command in errors
	Name string

	// Script is passed to the shell with -c
	Script string

	// Shell is the interpreter, e.g. "sh" or "bash"; defaults to "sh"
	Shell string

	// Dir is the working directory
	Dir string

	// Env is the complete environment in KEY=VALUE form
	Env []string

	// Stream receives output as it is produced (optional)
	Stream io.Writer
}

// Result is the outcome of a command.
type Result struct {
	// ExitCode is the process exit code; -1 when it was killed by a signal
	ExitCode int

	// Output is the combined stdout and stderr, truncated from the front
	Output string

	// Truncated is true when output exceeded the capture limit
	Truncated bool

	// Duration is the wall time of the process
	Duration time.Duration
}

// Executor runs commands. Implementations return a non-nil error only when
// the command could not be run to completion (failed to start, context
// cancelled or timed out); a non-zero exit is reported through Result.ExitCode.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// Config configures a ShellExecutor.
type Config struct {
	// MaxOutput caps captured bytes per command
	MaxOutput int

	// KillGrace is how long a cancelled process has to exit after SIGTERM
	KillGrace time.Duration
}

// ShellExecutor runs scripts with a local shell.
type ShellExecutor struct {
	config Config
}

// New creates a ShellExecutor.
func New(config Config) *ShellExecutor {
	if config.MaxOutput <= 0 {
		config.MaxOutput = DefaultMaxOutput
	}
	if config.KillGrace <= 0 {
		config.KillGrace = DefaultKillGrace
	}
	return &ShellExecutor{config: config}
}

// Execute runs the command and waits for it to exit.
func (e *ShellExecutor) Execute(ctx context.Context, c Command) (Result, error) {
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.CommandContext(ctx, shell, shellArgs(shell, c.Script)...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	finish := configureProcess(cmd, e.config.KillGrace)
	cmd.WaitDelay = e.config.KillGrace

	out := newTailBuffer(e.config.MaxOutput)
	var w io.Writer = out
	if c.Stream != nil {
		w = io.MultiWriter(out, c.Stream)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	start := time.Now()
	err := cmd.Run()
	finish()
	result := Result{
		Output:    out.String(),
		Truncated: out.Truncated(),
		Duration:  time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", c.Name, ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", c.Name, err)
	}

	return result, nil
}

// shellArgs returns interpreter arguments that make the script fail on the
// first failing command.
func shellArgs(shell, script string) []string {
	switch filepath.Base(shell) {
	case "bash":
		return []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", script}
	case "sh", "dash", "ash", "zsh":
		return []string{"-e", "-c", script}
	default:
		return []string{"-c", script}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	max       int
	buf       []byte
	truncated bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > 2*b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > b.max {
		b.truncated = true
		return string(b.buf[len(b.buf)-b.max:])
	}
	return string(b.buf)
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
