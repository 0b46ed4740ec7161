//go:build windows

package supervisor

import "os/exec"

// gracefulSignal has no SIGTERM equivalent on Windows; kill immediately.
func gracefulSignal(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
