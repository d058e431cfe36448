// Package telegram implements transport.Factory on top of telebot.
//
// Each session slot gets its own bot token, so the N pool sessions behave as
// N independently authenticated connections. Telegram has no QR step: a
// client reports authenticated and ready as soon as the bot API accepts the
// token.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"msgfleet/internal/transport"
	"msgfleet/pkg/logx"
)

type Config struct {
	// Tokens holds one bot token per session slot (session N uses Tokens[N-1]).
	Tokens      []string
	PollTimeout time.Duration
}

type Factory struct {
	cfg Config
	log logx.Logger
}

func NewFactory(cfg Config, log logx.Logger) (*Factory, error) {
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("telegram: no bot tokens configured")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Factory{cfg: cfg, log: log}, nil
}

func (f *Factory) NewClient(sessionID int) (transport.Client, error) {
	if sessionID < 1 || sessionID > len(f.cfg.Tokens) {
		return nil, fmt.Errorf("telegram: no token for session %d", sessionID)
	}
	return &client{
		token:       f.cfg.Tokens[sessionID-1],
		pollTimeout: f.cfg.PollTimeout,
		log:         f.log.With(logx.Int("session", sessionID)),
		events:      make(chan transport.Event, 64),
	}, nil
}

// ChatID is the identity mapping: Telegram chat ids are already the sender
// address we see on inbound messages.
func (f *Factory) ChatID(phone string) string { return phone }

// CanonicalSender is also the identity mapping. Telegram chat ids are opaque
// signed integers, not phone numbers; rewriting them (e.g. country-code
// prefixing) would address replies to a nonexistent chat.
func (f *Factory) CanonicalSender(from string) string { return from }

type client struct {
	token       string
	pollTimeout time.Duration
	log         logx.Logger

	events chan transport.Event

	mu        sync.Mutex
	bot       *tele.Bot
	started   bool
	destroyed bool

	// dropped counts inbound messages discarded because the event channel
	// was full (consumer slower than the poll loop).
	dropped uint64
}

func (c *client) Events() <-chan transport.Event { return c.events }

func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.New("telegram: client destroyed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	b, err := tele.NewBot(tele.Settings{
		Token:  c.token,
		Poller: &tele.LongPoller{Timeout: c.pollTimeout},
	})
	if err != nil {
		c.emit(transport.Event{Kind: transport.KindAuthFailure, Reason: err.Error()})
		c.emit(transport.Event{Kind: transport.KindDisconnected, Reason: err.Error()})
		return err
	}

	c.mu.Lock()
	c.bot = b
	c.mu.Unlock()

	b.Handle(tele.OnText, func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		ev := transport.Event{
			Kind: transport.KindMessage,
			From: strconv.FormatInt(m.Chat.ID, 10),
			Text: m.Text,
		}
		if !c.emit(ev) {
			atomic.AddUint64(&c.dropped, 1)
		}
		return nil
	})

	// Token accepted: report the auth handshake the pool expects.
	c.emit(transport.Event{Kind: transport.KindAuthenticated})
	c.emit(transport.Event{Kind: transport.KindReady})

	go func() {
		c.log.Debug("polling started")
		b.Start() // blocks until Stop()
		c.log.Debug("polling stopped", logx.Int64("dropped", int64(atomic.LoadUint64(&c.dropped))))
	}()
	return nil
}

func (c *client) SendText(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	b := c.bot
	c.mu.Unlock()
	if b == nil {
		return errors.New("telegram: not connected")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	_, err = b.Send(&tele.Chat{ID: id}, text)
	return err
}

func (c *client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	b := c.bot
	c.bot = nil
	// Closing under the same lock emit() holds keeps send-after-close impossible.
	close(c.events)
	c.mu.Unlock()

	if b != nil {
		// telebot Stop is expected to be fast; run it async just in case.
		go b.Stop()
	}
	return nil
}

func (c *client) emit(ev transport.Event) bool {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}
