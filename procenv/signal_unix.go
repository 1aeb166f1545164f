//go:build !windows

package procenv

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Isolate gives the child its own process group so a polite or
// forceful termination signal (below) reaches any grandchildren the
// child spawned too, rather than just the direct child (spec §4.4,
// "clean signal disposition").
func Isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// SignalPolite sends SIGTERM to the child's process group.
func SignalPolite(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

// SignalForceful sends SIGKILL to the child's process group.
func SignalForceful(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	// A negative pid targets the whole process group created by
	// Isolate's Setpgid; falls back to the bare pid if the group is
	// already gone (e.g. the child already reaped itself).
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}
