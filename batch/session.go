package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/datalad-go/procrunner/internal/plog"
	"github.com/datalad-go/procrunner/proc"
)

// DefaultCloseGrace is how long Close waits for the child to drain its
// remaining output and exit before it cancels the run; the underlying
// coordinator then sends the polite signal and escalates to a forceful
// termination after its own termination grace (spec §4.5 "Close").
const DefaultCloseGrace = 3 * time.Second

// Config configures a Session. Argv/Dir/Env describe the child exactly
// as proc.Options does; Decoder selects the response framing.
type Config struct {
	Argv []string
	Dir  string
	Env  []string

	Decoder Decoder

	// CloseGrace overrides DefaultCloseGrace.
	CloseGrace time.Duration
	// TerminationGrace is forwarded to the underlying proc.Options.
	TerminationGrace time.Duration

	Logger *logrus.Logger
}

func (c Config) closeGrace() time.Duration {
	if c.CloseGrace > 0 {
		return c.CloseGrace
	}
	return DefaultCloseGrace
}

// Session is a long-lived child used for many request/response
// exchanges (spec §4.5). A zero Session is not usable; build one with
// NewSession. Submit is not safe for concurrent use by multiple
// goroutines — serializing callers is the caller's responsibility, per
// spec §4.5.
type Session struct {
	cfg Config
	log *logrus.Entry

	mu      sync.Mutex
	current *handle
}

// handle is the live child for one generation of the session; a new
// one replaces it across a restart.
type handle struct {
	transport *proc.Transport
	gen       *proc.ResultGenerator
	bp        *batchProtocol
}

// NewSession builds a Session; no child is spawned until the first Submit.
func NewSession(cfg Config) *Session {
	if cfg.Decoder == nil {
		cfg.Decoder = Sentinel()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = plog.New(nil)
	}
	return &Session{
		cfg: cfg,
		log: plog.Tagged(logger, "batch-"+uuid.New().String()[:8]),
	}
}

// batchProtocol is the Session's private proc.Protocol: it frames
// stdout into lines, runs them through the configured Decoder, and
// pushes each completed response through the streaming result path
// (spec §4.5's record framing riding on the Result Generator of §4.6).
type batchProtocol struct {
	proc.NopProtocol

	decoder   Decoder
	buf       bytes.Buffer
	stderr    bytes.Buffer
	transport *proc.Transport
	status    *os.ProcessState
	lost      error
}

func (p *batchProtocol) ConnectionMade(t *proc.Transport) { p.transport = t }

func (p *batchProtocol) PipeDataReceived(id proc.PipeID, data []byte) {
	switch id {
	case proc.Stdout:
		p.buf.Write(data)
		p.drain()
	case proc.Stderr:
		p.stderr.Write(data)
	}
}

func (p *batchProtocol) drain() {
	for {
		b := p.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			return
		}
		line := string(append([]byte(nil), b[:i]...))
		p.buf.Next(i + 1)
		if resp, done := p.decoder.Feed(line); done {
			p.decoder.Reset()
			p.transport.SendResult(resp)
		}
	}
}

func (p *batchProtocol) ProcessExited(status *os.ProcessState) { p.status = status }

func (p *batchProtocol) ConnectionLost(err error) { p.lost = err }

// ensureStarted spawns a fresh child if the session has never started
// or the previous child has exited, the transparent-restart-at-the-
// session-boundary behavior spec §9 ("Batched restart") calls for.
func (s *Session) ensureStarted(ctx context.Context) (*handle, error) {
	if s.current != nil && s.current.transport.IsAlive() {
		return s.current, nil
	}

	bp := &batchProtocol{decoder: s.cfg.Decoder}
	s.cfg.Decoder.Reset()

	opts := proc.Options{
		Argv:             s.cfg.Argv,
		Dir:              s.cfg.Dir,
		Env:              s.cfg.Env,
		Stdin:            proc.ModePipe,
		Stdout:           proc.ModePipe,
		Stderr:           proc.ModePipe,
		TerminationGrace: s.cfg.TerminationGrace,
		Tag:              "batch",
	}
	coord := proc.NewCoordinator(opts, bp, nil)
	g, err := coord.RunStreaming(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch: spawn: %w", err)
	}

	h := &handle{transport: bp.transport, gen: g, bp: bp}
	s.current = h
	s.log.Debugf("spawned pid=%d", h.transport.GetPID())
	return h, nil
}

// Submit writes each command in cmds to the child's stdin exactly as
// given and blocks until all len(cmds) responses have been parsed by
// the configured Decoder, returning them in submission order (spec
// §4.5 "Send/receive contract", §8 "the i-th response corresponds to
// the i-th submit"). Callers terminate each command with its own
// trailing newline (or, for a sentinel-framed protocol, the blank line
// that doubles as both the command terminator and part of the
// response framing, per scenario 4 of §8).
//
// If the child exits mid-response the submit fails with an I/O-kind
// error and the session is left closed; the next Submit restarts it.
func (s *Session) Submit(ctx context.Context, cmds []string) ([][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	responses := make([][]string, 0, len(cmds))
	for _, cmd := range cmds {
		h.transport.Write([]byte(cmd))

		v, ok, nextErr := h.gen.Next(ctx)
		if !ok {
			s.current = nil
			if nextErr != nil {
				return responses, fmt.Errorf("batch: submit: %w", nextErr)
			}
			cause := errors.New("child exited mid-response")
			if h.bp.lost != nil {
				cause = fmt.Errorf("child exited mid-response: %w", h.bp.lost)
			}
			return responses, fmt.Errorf("batch: submit: %w",
				&proc.RunError{Kind: proc.KindIO, Argv: s.cfg.Argv, Err: cause})
		}
		responses = append(responses, v.([]string))
	}
	return responses, nil
}

// Stderr returns everything captured so far off the current child's
// stderr, the buffered side channel of spec §4.5. It returns nil once
// Close has run or a Submit has failed because the child exited: the
// session drops its handle on that child then, and its stderr with it.
func (s *Session) Stderr() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return append([]byte(nil), s.current.bp.stderr.Bytes()...)
}

// Close posts the stdin sentinel, waits up to the configured close
// grace for the child to drain and exit, and tears the coordinator
// down (spec §4.5 "Close"). Escalation to a forceful termination past
// the grace window is handled by the underlying coordinator's own
// termination grace once Close cancels the run.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}
	h := s.current
	s.current = nil

	h.transport.CloseStdin()

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.closeGrace())
	defer cancel()
	for {
		_, ok, _ := h.gen.Next(drainCtx)
		if !ok {
			break
		}
	}
	h.gen.Close()
	return h.gen.Err()
}
