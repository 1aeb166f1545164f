package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/datalad-go/procrunner/internal/plog"
	"github.com/datalad-go/procrunner/procenv"
)

var (
	activeRuns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procrunner",
		Name:      "active_runs",
		Help:      "Number of child processes currently being coordinated.",
	})
	timeoutsFired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procrunner",
		Name:      "timeouts_fired_total",
		Help:      "Number of endpoint or whole-process inactivity timeouts that fired.",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(activeRuns, timeoutsFired)
}

// Coordinator runs a single child process to completion, multiplexing
// its attached pipes through Pipe Movers and a Child Waiter into one
// output queue that is dispatched to a Protocol (spec §4.4).
type Coordinator struct {
	opts     Options
	protocol Protocol
	log      *logrus.Entry
}

// NewCoordinator builds a Coordinator for one run. The child is not
// spawned until Run or RunStreaming is called.
func NewCoordinator(opts Options, protocol Protocol, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = plog.New(nil)
	}
	tag := opts.Tag
	if tag == "" {
		tag = uuid.New().String()[:8]
	}
	return &Coordinator{opts: opts, protocol: protocol, log: plog.Tagged(logger, tag)}
}

// runState holds the bookkeeping for one in-flight run: the spawned
// child, the merged output queue, and per-endpoint timeout state. It
// exists separately from Coordinator so a Coordinator value itself
// stays reusable for describing a run before it starts.
type runState struct {
	c      *Coordinator
	ctx    context.Context
	cancel context.CancelFunc

	cmd       *exec.Cmd
	transport *Transport
	outCh     chan event
	stdinCh   chan stdinMsg
	group     *errgroup.Group

	attached map[PipeID]bool
	lastSeen map[PipeID]time.Time
	closed   map[PipeID]bool

	processExited     bool
	allClosedAt       *time.Time
	terminated        bool
	terminationAt     *time.Time
	terminationReason ErrorKind

	tails   map[PipeID]*tailBuffer
	closers map[PipeID]io.Closer
	firstIO error // first mover I/O error, surfaced at finalize if the protocol didn't absorb it
}

// start spawns the child, its Pipe Movers and Child Waiter. A failure
// here is a start failure (spec §7): no goroutine has been started yet.
func (c *Coordinator) start(ctx context.Context, cancel context.CancelFunc, sendResult func(any)) (*runState, error) {
	if len(c.opts.Argv) == 0 {
		cancel()
		return nil, &RunError{Kind: KindStart, Err: fmt.Errorf("empty argv")}
	}

	cmd := exec.Command(c.opts.Argv[0], c.opts.Argv[1:]...)
	cmd.Dir = c.opts.Dir
	if c.opts.Env != nil {
		cmd.Env = c.opts.Env
	}
	procenv.Isolate(cmd)

	rs := &runState{
		c:        c,
		ctx:      ctx,
		cancel:   cancel,
		cmd:      cmd,
		outCh:    make(chan event, 16),
		stdinCh:  make(chan stdinMsg, 64),
		attached: map[PipeID]bool{},
		lastSeen: map[PipeID]time.Time{},
		closed:   map[PipeID]bool{},
		tails:    map[PipeID]*tailBuffer{},
		closers:  map[PipeID]io.Closer{},
	}

	var stdinW io.WriteCloser
	var stdoutR, stderrR io.ReadCloser

	switch c.opts.Stdin {
	case ModePipe:
		w, err := cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, &RunError{Kind: KindStart, Argv: c.opts.Argv, Err: err}
		}
		stdinW = w
		rs.attached[Stdin] = true
		rs.closers[Stdin] = w
	case ModeInherit:
		cmd.Stdin = os.Stdin
	case ModeSuppress:
		// leave nil; exec treats nil Stdin as /dev/null read
	}

	switch c.opts.Stdout {
	case ModePipe:
		r, err := cmd.StdoutPipe()
		if err != nil {
			cancel()
			return nil, &RunError{Kind: KindStart, Argv: c.opts.Argv, Err: err}
		}
		stdoutR = r
		rs.attached[Stdout] = true
		rs.closers[Stdout] = r
	case ModeInherit:
		cmd.Stdout = os.Stdout
	case ModeSuppress:
	}

	switch c.opts.Stderr {
	case ModePipe:
		r, err := cmd.StderrPipe()
		if err != nil {
			cancel()
			return nil, &RunError{Kind: KindStart, Argv: c.opts.Argv, Err: err}
		}
		stderrR = r
		rs.attached[Stderr] = true
		rs.closers[Stderr] = r
	case ModeInherit:
		cmd.Stderr = os.Stderr
	case ModeSuppress:
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &RunError{Kind: KindStart, Argv: c.opts.Argv, Err: err}
	}

	alive := &atomic.Bool{}
	alive.Store(true)
	rs.transport = &Transport{
		pid:        cmd.Process.Pid,
		alive:      alive,
		stdinCh:    rs.stdinCh,
		done:       ctx.Done(),
		cancel:     cancel,
		sendResult: sendResult,
	}

	g := &errgroup.Group{}
	rs.group = g

	now := time.Now()
	for id := range rs.attached {
		rs.lastSeen[id] = now
		if id == Stdout || id == Stderr {
			rs.tails[id] = newTailBuffer(c.opts.capturedTailSize())
		}
	}

	if stdinW != nil {
		g.Go(func() error {
			runInputMover(ctx, stdinW, rs.stdinCh, rs.outCh)
			return nil
		})
	}
	if stdoutR != nil {
		g.Go(func() error {
			runOutputMover(ctx, Stdout, stdoutR, rs.outCh)
			return nil
		})
	}
	if stderrR != nil {
		g.Go(func() error {
			runOutputMover(ctx, Stderr, stderrR, rs.outCh)
			return nil
		})
	}
	g.Go(func() error {
		runChildWaiter(cmd, rs.outCh)
		return nil
	})

	c.protocol.ConnectionMade(rs.transport)
	c.log.Debugf("started pid=%d argv=%v", cmd.Process.Pid, c.opts.Argv)
	activeRuns.Inc()

	return rs, nil
}

// loop drains the output queue until both "process exited" and "all
// attached endpoints closed" are true (spec §4.4 finalization
// ordering), dispatching each event to the protocol, then joins every
// mover and the waiter before returning.
func (rs *runState) loop() error {
	c := rs.c
	for {
		if rs.finalizeReady() {
			break
		}
		rs.checkTerminationEscalation()

		select {
		case ev := <-rs.outCh:
			rs.dispatch(ev)
		case <-rs.ctx.Done():
			rs.beginTermination(KindCancellation)
		case <-time.After(pollInterval):
			rs.evaluateTimeouts()
		}
	}

	rs.cancel() // unblocks any mover still parked on its queue wait
	_ = rs.group.Wait()
	activeRuns.Dec()

	c.protocol.ConnectionLost(rs.firstIO)
	c.log.Debugf("finalized pid=%d", rs.cmd.Process.Pid)

	if rs.firstIO != nil || rs.terminated {
		return &RunError{
			Kind:   rs.ioErrorKind(),
			Argv:   c.opts.Argv,
			Stdout: rs.tailBytes(Stdout),
			Stderr: rs.tailBytes(Stderr),
			Status: rs.cmd.ProcessState,
			Err:    rs.firstIO,
		}
	}
	return nil
}

// ioErrorKind classifies the failure at finalization: a termination
// reports the reason it was initiated for (cancellation or timeout)
// even when the child happened to exit cleanly once signaled; absent
// any termination, a recorded mover error is a plain I/O failure.
func (rs *runState) ioErrorKind() ErrorKind {
	if rs.terminated {
		return rs.terminationReason
	}
	return KindIO
}

func (rs *runState) tailBytes(id PipeID) []byte {
	if t := rs.tails[id]; t != nil {
		return t.Bytes()
	}
	return nil
}

func (rs *runState) finalizeReady() bool {
	if !rs.processExited {
		return false
	}
	for id := range rs.attached {
		if !rs.closed[id] {
			return false
		}
	}
	return true
}

func (rs *runState) dispatch(ev event) {
	c := rs.c
	switch ev.kind {
	case evData:
		rs.lastSeen[ev.id] = time.Now()
		if t := rs.tails[ev.id]; t != nil {
			t.Write(ev.data)
		}
		c.protocol.PipeDataReceived(ev.id, ev.data)

	case evPipeClosed:
		rs.closed[ev.id] = true
		if ev.err != nil && rs.firstIO == nil {
			rs.firstIO = ev.err
		}
		c.protocol.PipeConnectionLost(ev.id, ev.err)

	case evStdinDrained:
		rs.closed[Stdin] = true
		c.protocol.PipeConnectionLost(Stdin, nil)

	case evProcessExited:
		rs.processExited = true
		rs.transport.alive.Store(false)
		c.protocol.ProcessExited(ev.status)
		// A still-open stdin mover is blocked on its input queue, not on
		// the descriptor, so closing the fd from here wouldn't wake it;
		// nudge it with the sentinel instead so it can post its own
		// terminal event and let finalization proceed.
		if rs.attached[Stdin] && !rs.closed[Stdin] {
			select {
			case rs.stdinCh <- stdinMsg{sentinel: true}:
			default:
			}
		}

	case evHeartbeat:
		// no-op; reserved for future liveness probing
	}
}

// evaluateTimeouts implements spec §4.4's per-endpoint and
// whole-process inactivity checks, run once per poll interval when
// the queue wait produced nothing.
func (rs *runState) evaluateTimeouts() {
	now := time.Now()

	if rs.c.opts.PerPipeTimeout > 0 {
		for id := range rs.attached {
			if rs.closed[id] {
				continue
			}
			if now.Sub(rs.lastSeen[id]) < rs.c.opts.PerPipeTimeout {
				continue
			}
			idCopy := id
			if rs.c.protocol.Timeout(&idCopy) {
				timeoutsFired.WithLabelValues("pipe").Inc()
				rs.requestStop(id)
			} else {
				rs.lastSeen[id] = now
			}
		}
	}

	allClosed := true
	for id := range rs.attached {
		if !rs.closed[id] {
			allClosed = false
			break
		}
	}
	if !allClosed || rs.processExited {
		rs.allClosedAt = nil
		return
	}
	if rs.allClosedAt == nil {
		t := now
		rs.allClosedAt = &t
		return
	}
	if rs.c.opts.ProcessTimeout > 0 && now.Sub(*rs.allClosedAt) >= rs.c.opts.ProcessTimeout {
		if rs.c.protocol.Timeout(nil) {
			timeoutsFired.WithLabelValues("process").Inc()
			rs.terminateChild()
		} else {
			t := now
			rs.allClosedAt = &t
		}
	}
}

// requestStop closes the descriptor for id directly. The blocked Pipe
// Mover observes the close as a read/write error (or EOF for a
// concurrent reader) and posts its own terminal event; requestStop
// does not post one itself, preserving "at most one Pipe Mover per
// endpoint" and the single terminal-event-per-id invariant. The stdin
// mover waits on its input queue rather than on the descriptor, so it
// posts its terminal event only when its next queued message (or the
// sentinel sent on process exit) reaches it.
func (rs *runState) requestStop(id PipeID) {
	rs.markTerminated(KindTimeout)
	rs.c.log.Debugf("pipe %s timed out, closing", id)
	if closer := rs.closers[id]; closer != nil {
		_ = closer.Close()
	}
}

// terminateChild begins whole-process termination: the whole-process
// inactivity timeout elapsed and the protocol's Timeout(nil) asked for it.
func (rs *runState) terminateChild() {
	rs.beginTermination(KindTimeout)
}

// markTerminated records the first reason the run was terminated for;
// subsequent calls (e.g. a per-pipe timeout following a whole-process
// cancellation) never overwrite the original reason.
func (rs *runState) markTerminated(reason ErrorKind) {
	if !rs.terminated {
		rs.terminated = true
		rs.terminationReason = reason
	}
}

// beginTermination sends the polite signal once, idempotently, and
// records when it was sent so checkTerminationEscalation can decide
// when the grace window has elapsed (spec §4.4, §9 polite->forceful
// escalation). It is the convergence point for both timeout-triggered
// termination and caller-initiated cancellation (spec §5: "Both
// mechanisms converge on the same terminating transition").
func (rs *runState) beginTermination(reason ErrorKind) {
	rs.markTerminated(reason)
	if rs.terminationAt != nil {
		return
	}
	now := time.Now()
	rs.terminationAt = &now
	_ = procenv.SignalPolite(rs.cmd)
}

// checkTerminationEscalation sends the forceful signal once the grace
// window since beginTermination has elapsed and the child has still
// not been observed to exit. Resending the forceful signal on
// subsequent calls is harmless, so no extra bookkeeping is needed to
// make this idempotent.
func (rs *runState) checkTerminationEscalation() {
	if rs.terminationAt == nil || rs.processExited {
		return
	}
	if time.Since(*rs.terminationAt) >= rs.c.opts.terminationGrace() {
		_ = procenv.SignalForceful(rs.cmd)
	}
}

// Run executes the child to completion in blocking mode (spec §4.4
// "Two finish modes"). If the protocol implements ResultProducer, its
// PrepareResult is invoked after ConnectionLost and its return value
// becomes Run's result; otherwise Run returns nil on success.
//
// Cancelling ctx triggers the cancellation path of §4.4: Run still
// returns only after finalization (every mover and the waiter
// joined), never before.
func (c *Coordinator) Run(ctx context.Context) (any, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs, err := c.start(loopCtx, cancel, nil)
	if err != nil {
		return nil, err
	}

	if runErr := rs.loop(); runErr != nil {
		return nil, runErr
	}

	if rp, ok := c.protocol.(ResultProducer); ok {
		v, err := rp.PrepareResult()
		if err != nil {
			return nil, &RunError{Kind: KindProtocol, Argv: c.opts.Argv, Err: err}
		}
		return v, nil
	}
	return nil, nil
}

// RunStreaming executes the child in streaming mode (spec §4.4, §4.6):
// it returns immediately with a ResultGenerator bridging the
// protocol's SendResult calls to a pull-based Next method, while the
// coordinator loop runs on its own goroutine.
func (c *Coordinator) RunStreaming(ctx context.Context) (*ResultGenerator, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	items := make(chan any)

	sendResult := func(v any) {
		select {
		case items <- v:
		case <-loopCtx.Done():
		}
	}

	rs, err := c.start(loopCtx, cancel, sendResult)
	if err != nil {
		cancel()
		return nil, err
	}

	gen := &ResultGenerator{
		items:  items,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		gen.err = rs.loop()
		close(items)
		close(gen.done)
	}()
	return gen, nil
}
