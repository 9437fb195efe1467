//go:build windows

package core

import (
	"os"
	"os/exec"
)

func setProcAttrs(cmd *exec.Cmd) {}

// Windows has no process groups to signal; Kill the direct child.
func terminateTree(process *os.Process, force bool) {
	if process == nil {
		return
	}
	_ = process.Kill()
}
