// Package protocols ships the built-in Protocol adapters the core
// needs for the scenarios spec §8 names directly: whole-output
// capture for blocking runs, and line-split / JSON-line decoding for
// streaming runs (spec §9, "Protocol polymorphism").
package protocols

import (
	"bytes"
	"os"

	"github.com/datalad-go/procrunner/proc"
)

// CaptureResult is what Capture's PrepareResult produces.
type CaptureResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Status   *os.ProcessState
}

// Capture accumulates the child's entire stdout and stderr and
// assembles them into a CaptureResult at finalization — spec §8
// scenarios 1 and 2 ("capture stdout", "feed stdin then close").
type Capture struct {
	proc.NopProtocol

	stdout, stderr bytes.Buffer
	status         *os.ProcessState
	transport      *proc.Transport
}

func (c *Capture) ConnectionMade(t *proc.Transport) { c.transport = t }

func (c *Capture) PipeDataReceived(id proc.PipeID, data []byte) {
	switch id {
	case proc.Stdout:
		c.stdout.Write(data)
	case proc.Stderr:
		c.stderr.Write(data)
	}
}

func (c *Capture) ProcessExited(status *os.ProcessState) { c.status = status }

// PrepareResult implements proc.ResultProducer.
func (c *Capture) PrepareResult() (any, error) {
	exitCode := -1
	if c.status != nil {
		exitCode = c.status.ExitCode()
	}
	return &CaptureResult{
		Stdout:   append([]byte(nil), c.stdout.Bytes()...),
		Stderr:   append([]byte(nil), c.stderr.Bytes()...),
		ExitCode: exitCode,
		Status:   c.status,
	}, nil
}
