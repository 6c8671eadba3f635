//go:build !windows

package browser

import (
	"os/exec"
	"syscall"
)

// setChromeProcessGroup puts Chrome in its own process group so renderers,
// GPU and utility processes can be signalled together.
func setChromeProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalChromeProcessGroup signals the entire Chrome process group.
// force=false sends SIGTERM, force=true sends SIGKILL.
func signalChromeProcessGroup(cmd *exec.Cmd, force bool) {
	if cmd.Process == nil {
		return
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	// Negative PID targets the group
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}
