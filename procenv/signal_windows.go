//go:build windows

package procenv

import (
	"os/exec"
	"syscall"
)

// Isolate gives the child its own process group (CREATE_NEW_PROCESS_GROUP)
// so it can be sent a Ctrl+Break event independently of the parent's
// console group (spec §4.4, "clean signal disposition").
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// SignalPolite asks the child's process group to shut down via
// Ctrl+Break, Windows' nearest analogue to SIGTERM. Processes that
// never install a console control handler ignore it, same as SIGTERM
// on a signal-blind Unix process; escalation to SignalForceful still
// applies after the grace window.
func SignalPolite(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.GenerateConsoleCtrlEvent(syscall.CTRL_BREAK_EVENT, uint32(cmd.Process.Pid))
}

// SignalForceful terminates the child immediately via TerminateProcess.
func SignalForceful(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
