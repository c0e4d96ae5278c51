//go:build !unix

package tools

import (
	"os/exec"
	"time"
)

// configureProcess keeps the default kill-on-cancel behaviour on platforms
// without process groups.
func configureProcess(cmd *exec.Cmd, grace time.Duration) func() {
	cmd.WaitDelay = grace
	return func() {}
}
