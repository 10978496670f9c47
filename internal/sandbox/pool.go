package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"safe-eval/internal/monitor"
	"safe-eval/internal/runtime"
)

// Pool keeps ready sessions for a fixed set of templates so a request for a
// default environment skips the image build. Each pooled session is handed
// out once and closed by whoever took it; sessions are never reused.
type Pool struct {
	prov      *Provisioner
	templates []runtime.Template
	metrics   *monitor.Metrics

	mu      sync.Mutex
	idle    map[string][]*Session
	size    int
	delay   time.Duration
	maxAge  time.Duration
	stopped bool

	done chan struct{}
	wg   sync.WaitGroup
}

type PoolConfig struct {
	Size        int           // Idle sessions kept per template
	RefillDelay time.Duration // How often to top up the pool
	MaxAge      time.Duration // Idle sessions older than this are replaced
}

func NewPool(prov *Provisioner, templates []runtime.Template, cfg PoolConfig, metrics *monitor.Metrics) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.RefillDelay <= 0 {
		cfg.RefillDelay = 2 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 10 * time.Minute
	}

	p := &Pool{
		prov:      prov,
		templates: templates,
		metrics:   metrics,
		idle:      make(map[string][]*Session, len(templates)),
		size:      cfg.Size,
		delay:     cfg.RefillDelay,
		maxAge:    cfg.MaxAge,
		done:      make(chan struct{}),
	}
	for _, t := range templates {
		p.idle[t.Key()] = nil
	}
	return p
}

func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()

	keys := make([]string, 0, len(p.templates))
	for _, t := range p.templates {
		keys = append(keys, t.Key())
	}
	log.Info().
		Int("size", p.size).
		Strs("templates", keys).
		Msg("session pool started")
}

// Acquire removes and returns a ready session for t, or nil when none is
// idle. A nil Pool never has sessions.
func (p *Pool) Acquire(t runtime.Template) *Session {
	if p == nil {
		return nil
	}
	key := t.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	sessions, ok := p.idle[key]
	if !ok {
		return nil
	}
	for len(sessions) > 0 {
		s := sessions[0]
		sessions = sessions[1:]
		if s.State() != StateReady {
			continue
		}
		p.idle[key] = sessions
		p.metrics.SetPoolIdle(t.Language, len(sessions))
		log.Debug().
			Str("template", key).
			Str("session_id", s.ID).
			Msg("acquired warm session from pool")
		return s
	}
	p.idle[key] = sessions
	return nil
}

func (p *Pool) Size(t runtime.Template) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[t.Key()])
}

// Stop ends the refill loop and closes every idle session.
func (p *Pool) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	drained := p.idle
	p.idle = map[string][]*Session{}
	p.mu.Unlock()

	for key, sessions := range drained {
		for _, s := range sessions {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to close pooled session")
			}
		}
		if len(sessions) > 0 {
			log.Info().Str("template", key).Int("count", len(sessions)).Msg("drained pooled sessions")
		}
	}
}

func (p *Pool) refillLoop(ctx context.Context) {
	p.refill(ctx)

	ticker := time.NewTicker(p.delay)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recycle()
			p.refill(ctx)
		}
	}
}

// recycle closes idle sessions past their maximum age.
func (p *Pool) recycle() {
	var stale []*Session

	p.mu.Lock()
	for key, sessions := range p.idle {
		kept := sessions[:0]
		for _, s := range sessions {
			if time.Since(s.CreatedAt) > p.maxAge {
				stale = append(stale, s)
				continue
			}
			kept = append(kept, s)
		}
		p.idle[key] = kept
	}
	p.mu.Unlock()

	for _, s := range stale {
		log.Debug().Str("session_id", s.ID).Msg("recycling stale pooled session")
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("failed to close stale pooled session")
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	for _, t := range p.templates {
		needed := p.size - p.Size(t)
		for range needed {
			select {
			case <-p.done:
				return
			case <-ctx.Done():
				return
			default:
			}

			s, err := p.prov.Create(ctx, t)
			if err != nil {
				// Provisioning already cleaned up; try again next tick.
				log.Warn().Err(err).Str("template", t.Key()).Msg("failed to pre-provision session")
				break
			}

			p.mu.Lock()
			if p.stopped {
				p.mu.Unlock()
				_ = s.Close()
				return
			}
			p.idle[t.Key()] = append(p.idle[t.Key()], s)
			n := len(p.idle[t.Key()])
			p.mu.Unlock()
			p.metrics.SetPoolIdle(t.Language, n)
		}
	}
}
