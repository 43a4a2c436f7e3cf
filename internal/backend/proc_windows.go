//go:build windows

package backend

import (
	"os"
	"os/exec"
)

// Windows has no process groups in the POSIX sense; cooperative and forced
// stop both fall back to killing the process itself.

func configureProcAttr(cmd *exec.Cmd) {}

func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
