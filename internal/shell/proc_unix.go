//go:build !windows

package shell

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// configureProcess runs the shell in its own process group so that
// cancellation terminates the whole tree: SIGTERM first, then SIGKILL to
// the group once grace has elapsed. exec only kills the group leader when
// WaitDelay expires, so descendants that ignore SIGTERM need the second
// signal. The returned func is called after the command has been waited
// for; it disarms the kill when the group is already gone.
func configureProcess(cmd *exec.Cmd, grace time.Duration) func() {
	var (
		mu    sync.Mutex
		timer *time.Timer
		pgid  int
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		mu.Lock()
		pgid = cmd.Process.Pid
		if timer == nil {
			group := pgid
			timer = time.AfterFunc(grace, func() {
				_ = syscall.Kill(-group, syscall.SIGKILL)
			})
		}
		mu.Unlock()
		return syscall.Kill(-pgid, syscall.SIGTERM)
	}

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer == nil {
			return
		}
		if err := syscall.Kill(-pgid, 0); errors.Is(err, syscall.ESRCH) {
			timer.Stop()
		}
	}
}
