package proc

import "context"

// ResultGenerator bridges the push model of Protocol callbacks to a
// pull model for the caller (spec §4.6). Each call to Next runs the
// coordinator loop until the protocol calls Transport.SendResult
// exactly once, or until the run finalizes, whichever comes first.
type ResultGenerator struct {
	items  chan any
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Next blocks until a value is produced, the run finalizes, or ctx is
// done. The second return value is false when the run is exhausted, in
// which case the error is any failure captured at finalization (the
// same value Err returns), and also when ctx is done first, in which
// case the error is ctx.Err() and the run itself keeps going.
func (g *ResultGenerator) Next(ctx context.Context) (any, bool, error) {
	select {
	case v, ok := <-g.items:
		if ok {
			return v, true, nil
		}
		return nil, false, g.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Err returns any error captured at finalization, valid once the run is
// exhausted (Next returned ok == false without ctx being done) or
// Close has returned.
func (g *ResultGenerator) Err() error { return g.err }

// Close abandons the iterator: it triggers cancellation of the
// underlying run and blocks until the coordinator loop, every Pipe
// Mover, and the Child Waiter have all been joined (spec §4.6,
// "Abandoning the iterator... MUST still lead to child termination and
// resource release"). Safe to call after the iterator is already
// exhausted; safe to call more than once.
func (g *ResultGenerator) Close() {
	g.cancel()
	<-g.done
}
