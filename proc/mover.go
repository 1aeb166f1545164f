package proc

import (
	"context"
	"io"
	"time"
)

// runOutputMover moves bytes from an OS descriptor (stdout or stderr)
// to the output queue using a single blocking read loop (spec §4.1,
// "Output movers"). It is the Pipe Mover for one endpoint.
func runOutputMover(ctx context.Context, id PipeID, r io.ReadCloser, out chan<- event) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !putEvent(ctx, out, event{kind: evData, id: id, data: chunk}) {
				_ = r.Close()
				return
			}
		}
		if err != nil {
			var closeErr error
			if err != io.EOF {
				closeErr = err
			}
			_ = r.Close()
			putEvent(context.Background(), out, event{kind: evPipeClosed, id: id, err: closeErr})
			return
		}
		select {
		case <-ctx.Done():
			_ = r.Close()
			putEvent(context.Background(), out, event{kind: evPipeClosed, id: id})
			return
		default:
		}
	}
}

// runInputMover moves bytes from the stdin input queue to the child's
// stdin descriptor (spec §4.1, "Input mover"). It is the Pipe Mover
// for endpoint 0.
func runInputMover(ctx context.Context, w io.WriteCloser, in <-chan stdinMsg, out chan<- event) {
	for {
		var msg stdinMsg
		select {
		case msg = <-in:
		case <-ctx.Done():
			_ = w.Close()
			putEvent(context.Background(), out, event{kind: evPipeClosed, id: Stdin})
			return
		}

		if msg.sentinel {
			_ = w.Close()
			putEvent(context.Background(), out, event{kind: evStdinDrained})
			return
		}

		if err := writeFull(w, msg.data); err != nil {
			_ = w.Close()
			putEvent(context.Background(), out, event{kind: evPipeClosed, id: Stdin, err: err})
			return
		}
	}
}

// writeFull retries on short writes until the buffer is fully drained
// or a write error occurs.
func writeFull(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// putEvent enqueues ev with a bounded wait; on timeout it checks ctx
// and retries, giving a mover blocked on a full queue a chance to
// notice cancellation without ever busy-spinning (spec §4.1).
func putEvent(ctx context.Context, out chan<- event, ev event) bool {
	timer := time.NewTimer(queuePutTimeout)
	defer timer.Stop()
	for {
		select {
		case out <- ev:
			return true
		case <-timer.C:
			select {
			case <-ctx.Done():
				return false
			default:
			}
			timer.Reset(queuePutTimeout)
		}
	}
}
