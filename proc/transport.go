package proc

import (
	"sync/atomic"
	"time"
)

// stdinMsg is what travels on the stdin input queue: either a buffer
// to write, or a message with sentinel set, meaning "no more data".
type stdinMsg struct {
	data     []byte
	sentinel bool
}

// Transport is the coordinator-provided handle a Protocol uses to
// write to the child's stdin and to request cancellation (spec §6,
// "Transport surface"). Every method is safe to call from within any
// Protocol callback and never blocks on the child's descriptors.
type Transport struct {
	pid        int
	alive      *atomic.Bool
	stdinCh    chan stdinMsg
	done       <-chan struct{}
	cancel     func()
	sendResult func(any)
}

// Write enqueues bytes onto the stdin input queue. The input mover
// goroutine drains the queue and writes the full buffer, retrying on
// short writes. Write does not write to the descriptor itself; it uses
// the same bounded-retry queue put as the movers themselves (see
// putEvent). While the 64-slot queue is full it keeps waiting, so a
// Protocol calling Write from PipeDataReceived holds the coordinator's
// dispatch goroutine until the input mover frees a slot or the run is
// cancelled; once the run is done, Write returns without queueing.
func (t *Transport) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	putStdinMsg(t.done, t.stdinCh, stdinMsg{data: buf})
}

// CloseStdin enqueues the stdin sentinel. The input mover closes the
// descriptor once it has drained everything written before this call.
// Uses the same bounded-retry put as Write, for the same reason.
func (t *Transport) CloseStdin() {
	putStdinMsg(t.done, t.stdinCh, stdinMsg{sentinel: true})
}

// putStdinMsg enqueues msg with the same bounded-wait-then-check
// shape as putEvent (proc/mover.go): it retries the send every
// queuePutTimeout and only gives up once done has fired. The caller
// stays blocked for as long as the queue is full and the run is not
// done.
func putStdinMsg(done <-chan struct{}, ch chan<- stdinMsg, msg stdinMsg) bool {
	timer := time.NewTimer(queuePutTimeout)
	defer timer.Stop()
	for {
		select {
		case ch <- msg:
			return true
		case <-timer.C:
			select {
			case <-done:
				return false
			default:
			}
			timer.Reset(queuePutTimeout)
		}
	}
}

// GetPID returns the OS process id of the child.
func (t *Transport) GetPID() int { return t.pid }

// IsAlive reports whether the child has NOT yet been observed to exit.
func (t *Transport) IsAlive() bool { return t.alive.Load() }

// RequestCancel triggers cancellation exactly as spec §4.4 describes:
// a polite signal now, a forceful one if the child ignores it within
// the configured grace window. Idempotent.
func (t *Transport) RequestCancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// SendResult is the streaming-mode mixin (§4.3): it pushes one item to
// the caller's pull-based iterator. Calling it outside streaming mode
// (Run, rather than RunStreaming) panics, since there is no iterator
// to receive the value — this is a programmer error in the Protocol,
// not a runtime condition callers need to recover from.
func (t *Transport) SendResult(v any) {
	if t.sendResult == nil {
		panic("proc: SendResult called on a non-streaming run")
	}
	t.sendResult(v)
}
