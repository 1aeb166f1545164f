package proc

import "os"

// Protocol is the capability set a caller implements to observe and
// drive a run (spec §4.3). A concrete adapter embeds NopProtocol and
// overrides only the callbacks it cares about; the rest stay no-ops.
//
// All methods run on the coordinator's own goroutine, strictly
// sequentially, in the order their triggering events were dequeued
// (spec §4.3 "Ordering guarantee"). A Protocol implementation never
// needs its own locking for state touched only from these callbacks.
// Callbacks MUST NOT block on the child's descriptors; they may only
// call methods on the Transport handed to ConnectionMade, which are
// themselves non-blocking.
type Protocol interface {
	// ConnectionMade is invoked once, immediately after the child
	// starts, before any data event.
	ConnectionMade(t *Transport)

	// PipeDataReceived is invoked once per data event consumed from
	// the output queue, for stdout or stderr only.
	PipeDataReceived(id PipeID, data []byte)

	// PipeConnectionLost is invoked once per pipe_closed event. err is
	// nil on a clean EOF/drain, non-nil on an I/O error.
	PipeConnectionLost(id PipeID, err error)

	// Timeout is invoked when an endpoint (or, with id == nil, the
	// whole process once every endpoint has closed) has seen no
	// activity for its configured budget. Returning true tells the
	// coordinator to close that endpoint (or terminate the child, when
	// id == nil); returning false resets the timer.
	Timeout(id *PipeID) bool

	// ProcessExited is invoked once, after the process_exited event is
	// consumed, the caller's last chance to record the exit status.
	// status is nil if the child could not be waited on successfully.
	ProcessExited(status *os.ProcessState)

	// ConnectionLost is the final callback for a run: after it
	// returns, no further Protocol methods are invoked.
	ConnectionLost(err error)
}

// ResultProducer is implemented by protocols used with Run (blocking
// mode). PrepareResult is invoked once, after ConnectionLost, and its
// return value becomes Run's result.
type ResultProducer interface {
	PrepareResult() (any, error)
}

// NopProtocol implements Protocol with no-op methods. Embed it in a
// concrete adapter and override only the callbacks that matter, the
// same capability-set shape spec §9 calls "Protocol polymorphism".
type NopProtocol struct{}

func (NopProtocol) ConnectionMade(*Transport)        {}
func (NopProtocol) PipeDataReceived(PipeID, []byte)  {}
func (NopProtocol) PipeConnectionLost(PipeID, error) {}
func (NopProtocol) Timeout(*PipeID) bool             { return false }
func (NopProtocol) ProcessExited(*os.ProcessState)   {}
func (NopProtocol) ConnectionLost(error)             {}
