package batch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/datalad-go/procrunner/internal/plog"
)

var (
	poolActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procrunner",
		Subsystem: "batch",
		Name:      "active_sessions",
		Help:      "Number of Batched Sessions currently held open by a Pool.",
	})
	poolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procrunner",
		Subsystem: "batch",
		Name:      "evictions_total",
		Help:      "Number of Batched Sessions closed by a Pool to satisfy its resource ceilings.",
	})
)

func init() {
	prometheus.MustRegister(poolActiveSessions, poolEvictions)
}

// PoolConfig carries the resource ceilings spec §5 names for Batched
// Sessions: a maximum concurrent count and a maximum idle age, past
// either of which the oldest idle sessions are closed.
type PoolConfig struct {
	MaxSessions int
	MaxIdleAge  time.Duration
}

func (c PoolConfig) maxSessions() int {
	if c.MaxSessions > 0 {
		return c.MaxSessions
	}
	return 8
}

func (c PoolConfig) maxIdleAge() time.Duration {
	if c.MaxIdleAge > 0 {
		return c.MaxIdleAge
	}
	return 5 * time.Minute
}

type entry struct {
	session  *Session
	lastUsed time.Time
	inUse    bool
}

// Pool keeps a bounded set of keyed Batched Sessions alive, evicting
// the oldest idle ones once the configured ceilings are exceeded
// (spec §5 "Resource ceilings"). A typical key is the argv of the
// special-remote or batch command the session wraps.
type Pool struct {
	cfg PoolConfig
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewPool builds a Pool. No sessions are started until Acquire is called.
func NewPool(cfg PoolConfig, logger *logrus.Logger) *Pool {
	if logger == nil {
		logger = plog.New(nil)
	}
	return &Pool{
		cfg:      cfg,
		log:      plog.Tagged(logger, "batch-pool"),
		sessions: map[string]*entry{},
	}
}

// Acquire returns the pooled Session for key, creating it via factory
// if it does not already exist or was evicted. The caller must call
// Release when done with the session so the Pool can track idle age.
func (p *Pool) Acquire(key string, factory func() *Session) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.sessions[key]; ok {
		e.inUse = true
		e.lastUsed = time.Now()
		return e.session
	}

	p.evictLocked(context.Background(), 1)
	e := &entry{session: factory(), lastUsed: time.Now(), inUse: true}
	p.sessions[key] = e
	poolActiveSessions.Set(float64(len(p.sessions)))
	return e.session
}

// Release marks key's session idle as of now, making it eligible for
// idle-age eviction on a subsequent Acquire or Sweep.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.sessions[key]; ok {
		e.inUse = false
		e.lastUsed = time.Now()
	}
}

// Sweep closes every idle session older than the configured maximum
// idle age. Call it periodically (e.g. from a background ticker); the
// Pool does not run one itself.
func (p *Pool) Sweep(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(ctx, 0)
}

// evictLocked closes idle sessions past the idle-age ceiling, and then
// (if still over the count ceiling once reserve more sessions are
// counted) the oldest idle sessions regardless of age, oldest first.
// Callers must hold p.mu.
func (p *Pool) evictLocked(ctx context.Context, reserve int) {
	now := time.Now()
	for key, e := range p.sessions {
		if e.inUse {
			continue
		}
		if now.Sub(e.lastUsed) >= p.cfg.maxIdleAge() {
			p.closeLocked(ctx, key, e)
		}
	}

	for len(p.sessions)+reserve > p.cfg.maxSessions() {
		oldestKey := ""
		var oldest time.Time
		for key, e := range p.sessions {
			if e.inUse {
				continue
			}
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey, oldest = key, e.lastUsed
			}
		}
		if oldestKey == "" {
			return // every remaining session is in use; ceiling can't be enforced right now
		}
		p.closeLocked(ctx, oldestKey, p.sessions[oldestKey])
	}
}

func (p *Pool) closeLocked(ctx context.Context, key string, e *entry) {
	p.log.Debugf("evicting idle session %q", key)
	delete(p.sessions, key)
	poolActiveSessions.Set(float64(len(p.sessions)))
	poolEvictions.Inc()
	go func() {
		_ = e.session.Close(ctx)
	}()
}

// CloseAll closes every session the Pool holds, regardless of idle
// state, and blocks until each has torn down.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for key, e := range p.sessions {
		sessions = append(sessions, e.session)
		delete(p.sessions, key)
	}
	poolActiveSessions.Set(0)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			_ = s.Close(ctx)
		}(s)
	}
	wg.Wait()
}
