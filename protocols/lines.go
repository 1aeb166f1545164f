package protocols

import (
	"bytes"
	"os"

	"github.com/datalad-go/procrunner/proc"
)

// Lines splits stdout on '\n' and pushes each complete line to the
// caller via Transport.SendResult, the streaming shape spec §8
// scenario 5 ("line-oriented streaming") wants: RunStreaming's
// ResultGenerator yields one line at a time instead of the whole
// buffer at once. Stderr is captured whole, same as Capture, since
// the spec only asks for streaming on the primary output pipe.
type Lines struct {
	proc.NopProtocol

	buf       bytes.Buffer
	stderr    bytes.Buffer
	status    *os.ProcessState
	transport *proc.Transport
	dropTail  bool
}

// NewLines builds a Lines adapter. If dropTail is true, a final
// partial line (no trailing '\n' before EOF) is discarded instead of
// being emitted as a short last result.
func NewLines(dropTail bool) *Lines {
	return &Lines{dropTail: dropTail}
}

func (l *Lines) ConnectionMade(t *proc.Transport) { l.transport = t }

func (l *Lines) PipeDataReceived(id proc.PipeID, data []byte) {
	switch id {
	case proc.Stdout:
		l.buf.Write(data)
		l.drain()
	case proc.Stderr:
		l.stderr.Write(data)
	}
}

func (l *Lines) drain() {
	for {
		b := l.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			return
		}
		line := append([]byte(nil), b[:i]...)
		l.buf.Next(i + 1)
		l.transport.SendResult(string(line))
	}
}

func (l *Lines) ProcessExited(status *os.ProcessState) { l.status = status }

func (l *Lines) PipeConnectionLost(id proc.PipeID, err error) {
	if id != proc.Stdout {
		return
	}
	if !l.dropTail && l.buf.Len() > 0 {
		l.transport.SendResult(string(l.buf.Bytes()))
		l.buf.Reset()
	}
}

// StderrBytes returns everything captured off stderr so far. Safe to
// call only after ConnectionLost, same rule as Capture's buffers.
func (l *Lines) StderrBytes() []byte {
	return append([]byte(nil), l.stderr.Bytes()...)
}
