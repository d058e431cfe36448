package pool

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/roles"
	"msgfleet/internal/transport"
	"msgfleet/pkg/logx"
)

// fakeClient scripts a sequence of transport events.
type fakeClient struct {
	script []transport.Event

	mu        sync.Mutex
	events    chan transport.Event
	destroyed bool

	sentMu sync.Mutex
	sent   []string
}

func newFakeClient(script ...transport.Event) *fakeClient {
	return &fakeClient{script: script, events: make(chan transport.Event, 16)}
}

func (c *fakeClient) Connect(context.Context) error {
	for _, ev := range c.script {
		c.events <- ev
	}
	return nil
}

func (c *fakeClient) Events() <-chan transport.Event { return c.events }

func (c *fakeClient) SendText(_ context.Context, to, text string) error {
	c.sentMu.Lock()
	c.sent = append(c.sent, to+":"+text)
	c.sentMu.Unlock()
	return nil
}

func (c *fakeClient) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.destroyed {
		c.destroyed = true
		close(c.events)
	}
	return nil
}

// fakeFactory hands out scripted clients; after the script runs out it hands
// out clients that immediately disconnect.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[int][]*fakeClient
	made    map[int]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: map[int][]*fakeClient{}, made: map[int]int{}}
}

func (f *fakeFactory) queue(session int, c *fakeClient) {
	f.mu.Lock()
	f.clients[session] = append(f.clients[session], c)
	f.mu.Unlock()
}

func (f *fakeFactory) NewClient(sessionID int) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made[sessionID]++
	if q := f.clients[sessionID]; len(q) > 0 {
		c := q[0]
		f.clients[sessionID] = q[1:]
		return c, nil
	}
	return newFakeClient(transport.Event{Kind: transport.KindDisconnected, Reason: "no script"}), nil
}

func (f *fakeFactory) ChatID(phone string) string { return phone }

func (f *fakeFactory) CanonicalSender(from string) string { return from }

func readyClient() *fakeClient {
	return newFakeClient(
		transport.Event{Kind: transport.KindAuthenticated},
		transport.Event{Kind: transport.KindReady},
	)
}

func testRegistry(t *testing.T, sessions int) *roles.Registry {
	t.Helper()
	reg, err := roles.Open(filepath.Join(t.TempDir(), "roles.json"), sessions, logx.Nop())
	if err != nil {
		t.Fatalf("roles.Open: %v", err)
	}
	return reg
}

func startPool(t *testing.T, cfg Config, f *fakeFactory, reg *roles.Registry) (*Pool, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(cfg, f, reg, eventbus.New(), logx.Nop())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = p.Stop(stopCtx)
	})
	return p, cancel
}

func TestPoolReachesReady(t *testing.T) {
	f := newFakeFactory()
	f.queue(1, readyClient())
	f.queue(2, readyClient())

	reg := testRegistry(t, 2)
	p, _ := startPool(t, Config{Sessions: 2, RetryDelay: 10 * time.Millisecond}, f, reg)

	if err := p.WaitReady(context.Background(), 2, 2*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	st, err := p.Status(1)
	if err != nil || st != StatusReady {
		t.Fatalf("Status(1) = %v, %v", st, err)
	}
}

func TestPoolSendRequiresReady(t *testing.T) {
	f := newFakeFactory()
	f.queue(1, readyClient())

	reg := testRegistry(t, 1)
	p, _ := startPool(t, Config{Sessions: 1, RetryDelay: 10 * time.Millisecond}, f, reg)
	if err := p.WaitReady(context.Background(), 1, 2*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	if err := p.Send(context.Background(), 1, "chat", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := p.Send(context.Background(), 99, "chat", "hello"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Send(99): %v", err)
	}
}

func TestPoolSendNotReadyFails(t *testing.T) {
	f := newFakeFactory()
	// Session stays disconnected: every client drops instantly and the retry
	// delay keeps it away from Ready long enough for the assertion.
	reg := testRegistry(t, 1)
	p, _ := startPool(t, Config{Sessions: 1, MaxRetries: 100, RetryDelay: time.Minute}, f, reg)

	deadline := time.After(2 * time.Second)
	for {
		st, err := p.Status(1)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st == StatusDisconnected {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never reached Disconnected, status %v", st)
		case <-time.After(5 * time.Millisecond):
		}
	}

	err := p.Send(context.Background(), 1, "chat", "hello")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Send on disconnected session: %v", err)
	}
	if connErr.Session != 1 {
		t.Fatalf("ConnectionError.Session = %d", connErr.Session)
	}
}

func TestPoolRetiresAfterMaxRetries(t *testing.T) {
	f := newFakeFactory()
	reg := testRegistry(t, 1)
	p, _ := startPool(t, Config{Sessions: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, f, reg)

	deadline := time.After(2 * time.Second)
	for {
		st, err := p.Status(1)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st == StatusRetired {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never retired, status %v", st)
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.mu.Lock()
	made := f.made[1]
	f.mu.Unlock()
	// initial attempt + MaxRetries reconnects
	if made != 3 {
		t.Fatalf("factory made %d clients, want 3", made)
	}
}

func TestPoolReadyResetsRetryBudget(t *testing.T) {
	f := newFakeFactory()
	// Drop once, then come up; a later disconnect must start counting from
	// zero again because Ready resets the budget.
	f.queue(1, newFakeClient(transport.Event{Kind: transport.KindDisconnected, Reason: "first drop"}))
	f.queue(1, readyClient())

	reg := testRegistry(t, 1)
	p, _ := startPool(t, Config{Sessions: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, f, reg)

	if err := p.WaitReady(context.Background(), 1, 2*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	_, retries, _ := p.sessions[1].snapshot()
	if retries != 0 {
		t.Fatalf("retries = %d after Ready, want 0", retries)
	}
}

func TestSetRoleOnlyWhenReady(t *testing.T) {
	f := newFakeFactory()
	f.queue(1, readyClient())
	reg := testRegistry(t, 2)
	p, _ := startPool(t, Config{Sessions: 2, MaxRetries: 100, RetryDelay: time.Minute}, f, reg)

	if err := p.WaitReady(context.Background(), 1, 2*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	if err := p.SetRole(1, roles.RoleAnswerer); err != nil {
		t.Fatalf("SetRole on ready session: %v", err)
	}
	if role, _ := p.Role(1); role != roles.RoleAnswerer {
		t.Fatalf("role = %q", role)
	}

	// Session 2 has no scripted client and is bouncing; its role must be
	// rejected and left untouched.
	before, _ := p.Role(2)
	err := p.SetRole(2, roles.RoleBulkSender)
	var concErr *ConcurrencyError
	if !errors.As(err, &concErr) {
		t.Fatalf("SetRole on non-ready session: %v", err)
	}
	if after, _ := p.Role(2); after != before {
		t.Fatalf("role changed despite rejection: %q -> %q", before, after)
	}
}

func TestEligibleFiltersByStatusAndRole(t *testing.T) {
	f := newFakeFactory()
	f.queue(1, readyClient())
	f.queue(2, readyClient())
	reg := testRegistry(t, 4)
	p, _ := startPool(t, Config{Sessions: 4, MaxRetries: 100, RetryDelay: time.Minute}, f, reg)

	if err := p.WaitReady(context.Background(), 2, 2*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	// Default split for 4 sessions: 1-2 bulk senders, 3-4 answerers. Only 1
	// and 2 are Ready, so answerers must come up empty.
	if got := p.Eligible(roles.RoleBulkSender); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("Eligible(bulk-sender) = %v", got)
	}
	if got := p.Eligible(roles.RoleAnswerer); len(got) != 0 {
		t.Fatalf("Eligible(answerer) = %v", got)
	}
}
