package pool

import (
	"context"
	"sync"
	"time"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/transport"
	"msgfleet/pkg/logx"
)

// session owns one transport client and confines its state machine to the
// run() goroutine. Other goroutines only read the snapshot fields under mu.
type session struct {
	id   int
	pool *Pool
	log  logx.Logger

	mu      sync.Mutex
	status  Status
	retries int
	client  transport.Client
}

func (s *session) snapshot() (Status, int, transport.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.retries, s.client
}

func (s *session) setStatus(st Status) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	s.mu.Unlock()
	if prev == st {
		return
	}
	s.log.Debug("status changed", logx.String("from", prev.String()), logx.String("to", st.String()))
	s.pool.bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionStatus, Session: s.id, Data: st})
}

func (s *session) setClient(c transport.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *session) bumpRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retries
}

func (s *session) resetRetries() {
	s.mu.Lock()
	s.retries = 0
	s.mu.Unlock()
}

// run is the per-session connect/consume/reconnect loop. It exits when ctx is
// done or the session retires.
func (s *session) run(ctx context.Context) error {
	// Stagger startup so N transports don't authenticate at once.
	if d := s.pool.cfg.StartupStagger * time.Duration(s.id-1); d > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}

	for {
		client, err := s.pool.factory.NewClient(s.id)
		if err != nil {
			// Construction failures (e.g. missing credentials) are not
			// transient; report and retire instead of hammering the factory.
			s.log.Error("cannot create transport client; retiring session", logx.Err(err))
			s.setStatus(StatusRetired)
			return nil
		}
		s.setClient(client)
		s.setStatus(StatusInitializing)

		reason := ""
		if err := client.Connect(ctx); err != nil {
			reason = err.Error()
		} else {
			reason = s.consume(ctx, client)
		}

		if ctx.Err() != nil {
			_ = client.Destroy()
			return nil
		}

		s.setStatus(StatusDisconnected)
		retries := s.bumpRetries()
		if retries > s.pool.cfg.MaxRetries {
			_ = client.Destroy()
			s.log.Error("session exceeded max reconnect attempts; retiring",
				logx.Int("retries", retries),
				logx.String("reason", reason))
			s.setStatus(StatusRetired)
			return nil
		}

		s.log.Warn("session disconnected; reconnecting",
			logx.String("reason", reason),
			logx.Int("attempt", retries),
			logx.Duration("delay", s.pool.cfg.RetryDelay))

		t := time.NewTimer(s.pool.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			_ = client.Destroy()
			return nil
		case <-t.C:
		}

		// Tear the dead handle down, then loop with a fresh client.
		_ = client.Destroy()
		s.setStatus(StatusReinitializing)
	}
}

// consume drains lifecycle and message events until the connection drops.
// Returns a human-readable disconnect reason.
func (s *session) consume(ctx context.Context, client transport.Client) string {
	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case ev, ok := <-client.Events():
			if !ok {
				return "event channel closed"
			}
			switch ev.Kind {
			case transport.KindQR:
				s.setStatus(StatusQRPending)
				s.pool.bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionQR, Session: s.id, Data: ev.QR})
			case transport.KindAuthenticated:
				s.setStatus(StatusAuthenticated)
			case transport.KindReady:
				s.resetRetries()
				s.setStatus(StatusReady)
				s.log.Info("session ready")
			case transport.KindAuthFailure:
				// The transport follows up with a disconnect; just report.
				s.log.Warn("authentication failed", logx.String("reason", ev.Reason))
			case transport.KindDisconnected:
				if ev.Reason != "" {
					return ev.Reason
				}
				return "transport disconnect"
			case transport.KindMessage:
				s.pool.bus.Publish(eventbus.Event{
					Topic:   eventbus.TopicSessionMessage,
					Session: s.id,
					Data:    eventbus.InboundMessage{From: ev.From, Text: ev.Text},
				})
			}
		}
	}
}
