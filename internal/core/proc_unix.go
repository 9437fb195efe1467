//go:build !windows

package core

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttrs puts the child in its own process group so a timeout can take
// down the whole tree, not just the immediate child.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree signals the child's process group: SIGTERM first, SIGKILL
// when force is set.
func terminateTree(process *os.Process, force bool) {
	if process == nil {
		return
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := syscall.Kill(-process.Pid, sig); err != nil {
		// Group may be gone already; fall back to the direct pid.
		_ = process.Signal(sig)
	}
}
