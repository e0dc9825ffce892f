//go:build windows

package shell

import (
	"os/exec"
	"time"
)

func configureProcess(cmd *exec.Cmd, _ time.Duration) func() {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	return func() {}
}
