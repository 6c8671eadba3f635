//go:build windows

package browser

import (
	"os"
	"os/exec"
)

// setChromeProcessGroup is a no-op on Windows.
func setChromeProcessGroup(cmd *exec.Cmd) {}

// signalChromeProcessGroup signals the main Chrome process; Chrome tears down
// its children itself.
func signalChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	if force {
		_ = cmd.Process.Kill()
	} else {
		_ = cmd.Process.Signal(os.Interrupt)
	}
}
