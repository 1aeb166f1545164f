package proc

import (
	"os/exec"
)

// runChildWaiter performs the blocking "wait for process exit" call
// and posts the result, keeping the wait off the coordinator's own
// goroutine so the coordinator can keep draining buffered data events
// after the child has already exited (spec §4.2). It waits with
// cmd.Process.Wait rather than cmd.Wait, which would close the parent's
// pipe ends while the movers may still be reading from them; each mover
// closes its own descriptor instead.
func runChildWaiter(cmd *exec.Cmd, out chan<- event) {
	state, waitErr := cmd.Process.Wait()
	cmd.ProcessState = state
	ev := event{kind: evProcessExited, status: state, err: waitErr}
	// process_exited must reach the coordinator even if it is briefly
	// backed up; there is no cancellation token to respect here since
	// the event carries information the coordinator cannot source
	// anywhere else (spec §3 invariant 4: delivered at most once, always
	// before finalization).
	out <- ev
}
