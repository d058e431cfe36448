// Package pool owns the fixed set of chat sessions.
//
// Each session runs its own connect/consume/reconnect loop on a supervised
// goroutine; the pool only hands out snapshots and routes operations to the
// owning session. Reconnects use a constant backoff and a bounded retry
// count, after which a session retires and waits for the operator.
package pool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/roles"
	"msgfleet/internal/runtime/supervisor"
	"msgfleet/internal/transport"
	"msgfleet/pkg/logx"
)

type Config struct {
	Sessions       int
	MaxRetries     int
	RetryDelay     time.Duration
	StartupStagger time.Duration
}

func (c Config) withDefaults() Config {
	if c.Sessions <= 0 {
		c.Sessions = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	// StartupStagger may legitimately be 0 (tests).
	return c
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID      int        `json:"id"`
	Status  string     `json:"status"`
	Role    roles.Role `json:"role"`
	Retries int        `json:"retries"`
}

type Pool struct {
	cfg     Config
	factory transport.Factory
	reg     *roles.Registry
	bus     eventbus.Bus
	log     logx.Logger

	sup      *supervisor.Supervisor
	sessions map[int]*session
}

func New(cfg Config, factory transport.Factory, reg *roles.Registry, bus eventbus.Bus, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		factory: factory,
		reg:     reg,
		bus:     bus,
		log:     log,
	}
}

// Start spins up one supervised goroutine per session slot.
func (p *Pool) Start(ctx context.Context) error {
	if p.sessions != nil {
		return nil
	}
	p.sup = supervisor.New(ctx, supervisor.WithLogger(p.log))
	p.sessions = make(map[int]*session, p.cfg.Sessions)
	for id := 1; id <= p.cfg.Sessions; id++ {
		s := &session{
			id:     id,
			pool:   p,
			log:    p.log.With(logx.Int("session", id)),
			status: StatusInitializing,
		}
		p.sessions[id] = s
		p.sup.Go(fmt.Sprintf("session-%d", id), s.run)
	}
	p.log.Info("pool started", logx.Int("sessions", p.cfg.Sessions))
	return nil
}

func (p *Pool) Stop(ctx context.Context) error {
	if p.sup == nil {
		return nil
	}
	err := p.sup.Stop(ctx)
	p.log.Info("pool stopped")
	return err
}

func (p *Pool) session(id int) (*session, error) {
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return s, nil
}

// Status returns the current lifecycle state of a session.
func (p *Pool) Status(id int) (Status, error) {
	s, err := p.session(id)
	if err != nil {
		return 0, err
	}
	st, _, _ := s.snapshot()
	return st, nil
}

// Role returns the stored role of a session.
func (p *Pool) Role(id int) (roles.Role, error) {
	if _, err := p.session(id); err != nil {
		return "", err
	}
	role, _ := p.reg.Role(id)
	return role, nil
}

// SetRole changes the stored role of a session. Only Ready sessions accept a
// change; anything else fails with a ConcurrencyError and leaves the stored
// role untouched.
func (p *Pool) SetRole(id int, role roles.Role) error {
	s, err := p.session(id)
	if err != nil {
		return err
	}
	// Hold the session lock across the registry write so the status cannot
	// flip between the guard check and the flush.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusReady {
		return &ConcurrencyError{Session: id, Status: s.status}
	}
	if err := p.reg.Set(id, role); err != nil {
		return err
	}
	p.log.Info("session role updated", logx.Int("session", id), logx.String("role", string(role)))
	return nil
}

// Send delivers text to a chat via the given session. The session must be
// Ready; otherwise a ConnectionError is returned and no retry is attempted
// here.
func (p *Pool) Send(ctx context.Context, id int, to, text string) error {
	s, err := p.session(id)
	if err != nil {
		return err
	}
	st, _, client := s.snapshot()
	if st != StatusReady || client == nil {
		return &ConnectionError{Session: id, Status: st}
	}
	return client.SendText(ctx, to, text)
}

// ChatID maps a normalized phone number to the transport's chat id form.
func (p *Pool) ChatID(phone string) string { return p.factory.ChatID(phone) }

// CanonicalSender maps an inbound sender address to the transport's stable
// conversation key.
func (p *Pool) CanonicalSender(from string) string { return p.factory.CanonicalSender(from) }

// Eligible returns the Ready sessions carrying the given role, ascending.
func (p *Pool) Eligible(role roles.Role) []int {
	var out []int
	for id, s := range p.sessions {
		st, _, _ := s.snapshot()
		if st != StatusReady {
			continue
		}
		if got, ok := p.reg.Role(id); ok && got == role {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Sessions returns a snapshot of every session, ascending by id.
func (p *Pool) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, len(p.sessions))
	for id, s := range p.sessions {
		st, retries, _ := s.snapshot()
		role, _ := p.reg.Role(id)
		out = append(out, SessionInfo{ID: id, Status: st.String(), Role: role, Retries: retries})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WaitReady blocks until at least min sessions are Ready or the timeout
// elapses. Polling keeps this independent of event ordering on the bus.
func (p *Pool) WaitReady(ctx context.Context, min int, timeout time.Duration) error {
	if p.sessions == nil {
		return ErrNotStarted
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		ready := 0
		for _, s := range p.sessions {
			if st, _, _ := s.snapshot(); st == StatusReady {
				ready++
			}
		}
		if ready >= min {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: want %d, have %d after %s", ErrReadyTimeout, min, ready, timeout)
		case <-tick.C:
		}
	}
}
