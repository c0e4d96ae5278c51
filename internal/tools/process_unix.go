//go:build unix

package tools

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// configureProcess places the command in its own process group and replaces
// the default cancellation with SIGTERM to the group followed by SIGKILL
// after grace. The returned func stops a pending SIGKILL once the process
// has been reaped.
func configureProcess(cmd *exec.Cmd, grace time.Duration) func() {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		mu     sync.Mutex
		timer  *time.Timer
		reaped bool
	)

	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return os.ErrProcessDone
			}
			return cmd.Process.Kill()
		}

		mu.Lock()
		defer mu.Unlock()
		if !reaped {
			timer = time.AfterFunc(grace, func() {
				_ = unix.Kill(-pgid, unix.SIGKILL)
			})
		}
		return nil
	}
	cmd.WaitDelay = grace + time.Second

	return func() {
		mu.Lock()
		defer mu.Unlock()
		reaped = true
		if timer != nil {
			timer.Stop()
		}
	}
}
