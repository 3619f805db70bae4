//go:build !windows

package display

import (
	"os/exec"
	"syscall"
)

// detach puts the server in its own session so signals aimed at the
// supervisor's group never reach it, and it survives supervisor exit.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
