//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// gracefulSignal asks the process to exit cleanly.
func gracefulSignal(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}
