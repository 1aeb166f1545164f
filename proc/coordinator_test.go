package proc

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingProtocol accumulates stdout/stderr and records the callback
// trace so tests can assert both content and ordering invariants.
type recordingProtocol struct {
	NopProtocol

	mu          sync.Mutex
	stdout      bytes.Buffer
	stderr      bytes.Buffer
	status      *os.ProcessState
	connLostErr error
	timeoutFn   func(id *PipeID) bool
}

func (p *recordingProtocol) PipeDataReceived(id PipeID, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch id {
	case Stdout:
		p.stdout.Write(data)
	case Stderr:
		p.stderr.Write(data)
	}
}

func (p *recordingProtocol) PipeConnectionLost(id PipeID, err error) {}

func (p *recordingProtocol) Timeout(id *PipeID) bool {
	if p.timeoutFn != nil {
		return p.timeoutFn(id)
	}
	return false
}

func (p *recordingProtocol) ProcessExited(status *os.ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *recordingProtocol) ConnectionLost(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connLostErr = err
}

func (p *recordingProtocol) PrepareResult() (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String(), nil
}

func TestRunCapturesEcho(t *testing.T) {
	rp := &recordingProtocol{}
	coord := NewCoordinator(Options{
		Argv:   []string{"/bin/echo", "hello"},
		Stdin:  ModeSuppress,
		Stdout: ModePipe,
		Stderr: ModePipe,
	}, rp, nil)

	result, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result)
	assert.Equal(t, "hello\n", rp.stdout.String())
	assert.Empty(t, rp.stderr.String())
	require.NotNil(t, rp.status)
	assert.Equal(t, 0, rp.status.ExitCode())
}

func TestRunFeedsStdinThenCloses(t *testing.T) {
	rp := &recordingProtocol{}
	capturing := &transportCapturingProtocol{recordingProtocol: rp}
	coord := NewCoordinator(Options{
		Argv:   []string{"/bin/sh", "-c", "cat"},
		Stdin:  ModePipe,
		Stdout: ModePipe,
	}, capturing, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := coord.Run(context.Background())
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return capturing.transport() != nil }, time.Second, time.Millisecond)
	transport := capturing.transport()
	transport.Write([]byte("abc\n"))
	transport.CloseStdin()

	<-done
	assert.Equal(t, "abc\n", rp.stdout.String())
}

type transportCapturingProtocol struct {
	*recordingProtocol
	mu sync.Mutex
	t  *Transport
}

func (c *transportCapturingProtocol) ConnectionMade(t *Transport) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *transportCapturingProtocol) transport() *Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func TestRunWholeProcessTimeoutTerminatesChild(t *testing.T) {
	rp := &recordingProtocol{
		timeoutFn: func(id *PipeID) bool { return true },
	}
	coord := NewCoordinator(Options{
		Argv:             []string{"/bin/sh", "-c", "sleep 5"},
		Stdin:            ModeSuppress,
		Stdout:           ModeSuppress,
		Stderr:           ModeSuppress,
		ProcessTimeout:   200 * time.Millisecond,
		TerminationGrace: 200 * time.Millisecond,
	}, rp, nil)

	start := time.Now()
	_, err := coord.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindTimeout, runErr.Kind)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRunCancellationTerminatesChild(t *testing.T) {
	rp := &recordingProtocol{}
	coord := NewCoordinator(Options{
		Argv:             []string{"/bin/sh", "-c", "while true; do echo x; sleep 0.1; done"},
		Stdin:            ModeSuppress,
		Stdout:           ModePipe,
		Stderr:           ModeSuppress,
		TerminationGrace: 200 * time.Millisecond,
	}, rp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := coord.Run(ctx)
	elapsed := time.Since(start)

	require.Error(t, err)
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, KindCancellation, runErr.Kind)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRunZeroAttachedPipesCompletesOnExit(t *testing.T) {
	rp := &recordingProtocol{}
	coord := NewCoordinator(Options{
		Argv:   []string{"/bin/sh", "-c", "exit 0"},
		Stdin:  ModeSuppress,
		Stdout: ModeSuppress,
		Stderr: ModeSuppress,
	}, rp, nil)

	_, err := coord.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rp.status)
	assert.Equal(t, 0, rp.status.ExitCode())
}
