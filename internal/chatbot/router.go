// Package chatbot routes inbound questions through a bounded pool of
// answerer sessions.
//
// One answerer session is reserved as the "wait" session: it owns the inbound
// listener and sends hold acknowledgments. The remaining answerer sessions
// are slots with busy/free semantics and conversational stickiness: after a
// reply, a slot stays reserved for its phone's follow-ups until the hold
// window elapses.
package chatbot

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"msgfleet/internal/answer"
	"msgfleet/internal/eventbus"
	"msgfleet/internal/roles"
	"msgfleet/pkg/logx"
)

// Pool is the slice of the connection pool the router needs.
type Pool interface {
	Eligible(role roles.Role) []int
	Send(ctx context.Context, id int, to, text string) error
	ChatID(phone string) string
	// CanonicalSender turns an inbound sender address into the key used for
	// conversation state. The transport owns this mapping: phone-addressed
	// transports normalize, chat-id transports pass through unchanged.
	CanonicalSender(from string) string
}

type Router struct {
	cfg    Config
	pool   Pool
	engine answer.Engine
	bus    eventbus.Bus
	log    logx.Logger

	mu          sync.Mutex
	active      bool
	waitSession int
	slots       map[int]*slot
	convs       map[string]*Conversation
	queue       []queued
	draining    bool

	runCancel context.CancelFunc
	unsub     func()
	wg        sync.WaitGroup

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func New(cfg Config, pool Pool, engine answer.Engine, bus eventbus.Bus, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:    cfg.withDefaults(),
		pool:   pool,
		engine: engine,
		bus:    bus,
		log:    log,
		slots:  map[int]*slot{},
		convs:  map[string]*Conversation{},
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start brings chatbot mode up. It needs at least 2 Ready answerer sessions:
// the first becomes the wait session, the rest become slots. On error no
// router state is mutated.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrActive
	}
	ids := r.pool.Eligible(roles.RoleAnswerer)
	if len(ids) < 2 {
		r.mu.Unlock()
		return ErrNeedAnswerers
	}

	r.waitSession = ids[0]
	r.slots = make(map[int]*slot, len(ids)-1)
	for _, id := range ids[1:] {
		r.slots[id] = &slot{}
	}
	r.convs = map[string]*Conversation{}
	r.queue = nil
	r.active = true

	rctx, cancel := context.WithCancel(ctx)
	r.runCancel = cancel
	ch, unsub := r.bus.Subscribe(64)
	r.unsub = unsub
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.listen(rctx, ch)
	}()

	r.log.Info("chatbot mode started",
		logx.Int("wait_session", ids[0]),
		logx.Int("slots", len(ids)-1))
	return nil
}

// Stop is a full reset, not a graceful drain: the inbound listener is
// detached and the queue, conversation states, and slot state are cleared.
func (r *Router) Stop() error {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return ErrNotActive
	}
	r.active = false
	cancel := r.runCancel
	unsub := r.unsub
	r.runCancel, r.unsub = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	r.wg.Wait()

	r.mu.Lock()
	r.queue = nil
	r.convs = map[string]*Conversation{}
	r.slots = map[int]*slot{}
	r.waitSession = 0
	r.mu.Unlock()

	r.log.Info("chatbot mode stopped")
	return nil
}

func (r *Router) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// listen consumes inbound messages arriving on the wait session.
func (r *Router) listen(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Topic != eventbus.TopicSessionMessage {
				continue
			}
			r.mu.Lock()
			ws := r.waitSession
			active := r.active
			r.mu.Unlock()
			if !active || ev.Session != ws {
				continue
			}
			msg, ok := ev.Data.(eventbus.InboundMessage)
			if !ok || msg.Text == "" {
				continue
			}
			r.handleInbound(ctx, msg.From, msg.Text)
		}
	}
}

// handleInbound applies the routing decision for one inbound message:
// sticky follow-up straight to the previous slot, or enqueue + drain.
func (r *Router) handleInbound(ctx context.Context, from, text string) {
	phone := r.pool.CanonicalSender(from)
	now := time.Now()

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	c := r.convs[phone]

	if c != nil && c.Status == StatusAnswered {
		if now.Sub(c.LastAnswerAt) < r.cfg.FreshnessWindow {
			// The slot must still belong to this phone (or be free): an
			// operator override can refresh LastAnswerAt long after the
			// slot moved on to another phone.
			if s, ok := r.slots[c.AssignedSession]; ok && (s.currentPhone == phone || s.freeAt(now)) {
				// Sticky follow-up: bypass the queue, keep the slot pinned.
				s.currentPhone = phone
				s.processing = true
				c.Question = text
				sid := c.AssignedSession
				r.wg.Add(1)
				r.mu.Unlock()
				go r.answer(ctx, sid, phone, text)
				return
			}
		}
		// Stale answered state: the follow-up window elapsed or the slot now
		// serves someone else, so the phone starts over as a new conversation.
		delete(r.convs, phone)
		c = nil
	}

	if c == nil || c.Status == StatusNeedsHuman || c.Status == StatusWaiting {
		r.queue = append(r.queue, queued{phone: phone, question: text})
		r.mu.Unlock()
		r.drain(ctx)
		return
	}
	r.mu.Unlock()
}

// drain walks the wait queue, single-flight: the draining flag guarantees
// only one loop is active, so hold messages are never duplicated.
func (r *Router) drain(ctx context.Context) {
	r.mu.Lock()
	if !r.active || r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.draining = false
		r.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		r.mu.Lock()
		if !r.active || len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		q := r.queue[0]
		r.queue = r.queue[1:]

		// Guard against duplicate enqueues: a phone already being handled
		// (or already resolved) is skipped.
		if c := r.convs[q.phone]; c != nil && (c.Status == StatusWaiting || c.Status == StatusAnswered) {
			r.mu.Unlock()
			continue
		}
		r.convs[q.phone] = &Conversation{
			Phone:      q.phone,
			Question:   q.question,
			Status:     StatusWaiting,
			LastWaitAt: time.Now(),
		}
		ws := r.waitSession
		r.mu.Unlock()
		r.publishState(q.phone)

		if err := r.sendReply(ctx, ws, q.phone, r.cfg.WaitText); err != nil {
			r.log.Warn("hold message failed", logx.String("phone", q.phone), logx.Err(err))
		}
		r.assign(ctx, q.phone, q.question)
	}
}

// assign finds a free slot for the phone or schedules a retry. Scheduled
// retries replace busy-polling: nothing spins while all slots are held.
func (r *Router) assign(ctx context.Context, phone, question string) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()

	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	// Release any slot still holding this phone from an earlier exchange, so
	// a phone never owns two slots at once.
	for _, s := range r.slots {
		if s.currentPhone == phone && !s.processing {
			s.currentPhone = ""
			s.busyUntil = time.Time{}
		}
	}
	for _, sid := range r.slotIDs() {
		s := r.slots[sid]
		if !s.freeAt(now) {
			continue
		}
		s.currentPhone = phone
		s.processing = true
		if c := r.convs[phone]; c != nil {
			c.AssignedSession = sid
		}
		r.wg.Add(1)
		r.mu.Unlock()
		r.log.Debug("slot assigned", logx.Int("slot", sid), logx.String("phone", phone))
		go r.answer(ctx, sid, phone, question)
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.Debug("no free slot; retry scheduled",
		logx.String("phone", phone),
		logx.Duration("delay", r.cfg.AssignRetry))
	go func() {
		defer r.wg.Done()
		t := time.NewTimer(r.cfg.AssignRetry)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
			r.assign(ctx, phone, question)
		}
	}()
}

// answer runs the engine and finishes the slot's occupation: on success the
// slot is held for the phone's follow-ups; on engine error it is freed
// immediately so a broken engine can never wedge the pool.
func (r *Router) answer(ctx context.Context, sid int, phone, question string) {
	defer r.wg.Done()

	res, err := r.engine.Answer(ctx, question)
	now := time.Now()

	if err != nil {
		r.log.Error("answer engine failed", logx.String("phone", phone), logx.Err(err))
		r.mu.Lock()
		if s, ok := r.slots[sid]; ok {
			s.currentPhone = ""
			s.busyUntil = time.Time{}
			s.processing = false
		}
		if c := r.convs[phone]; c != nil {
			c.Status = StatusNeedsHuman
			c.LastAnswerAt = now
			c.AssignedSession = sid
		}
		r.mu.Unlock()
		if serr := r.sendReply(ctx, sid, phone, r.cfg.HandoffText); serr != nil {
			r.log.Warn("handoff message failed", logx.String("phone", phone), logx.Err(serr))
		}
		r.publishState(phone)
		return
	}

	text := r.cfg.HandoffText
	status := StatusNeedsHuman
	if res.Confidence >= r.cfg.MinConfidence && res.Text != "" {
		text = res.Text
		status = StatusAnswered
	}
	r.log.Debug("engine replied",
		logx.String("phone", phone),
		logx.Float64("confidence", res.Confidence),
		logx.String("status", string(status)))

	if serr := r.sendReply(ctx, sid, phone, text); serr != nil {
		r.log.Warn("reply failed", logx.String("phone", phone), logx.Err(serr))
	}

	r.mu.Lock()
	if s, ok := r.slots[sid]; ok {
		s.currentPhone = phone
		s.busyUntil = now.Add(r.cfg.HoldWindow)
		s.processing = false
	}
	if c := r.convs[phone]; c != nil {
		c.Status = status
		c.LastAnswerAt = now
		c.AssignedSession = sid
	}
	r.mu.Unlock()
	r.publishState(phone)
}

// sendReply pauses like a human typing, then sends through the session.
func (r *Router) sendReply(ctx context.Context, sid int, phone, text string) error {
	if err := r.typePause(ctx, len(text)); err != nil {
		return err
	}
	return r.pool.Send(ctx, sid, r.pool.ChatID(phone), text)
}

// typePause simulates typing at 150-250ms per character, capped by
// MaxTypingDelay (0 disables the pause).
func (r *Router) typePause(ctx context.Context, chars int) error {
	if r.cfg.MaxTypingDelay <= 0 || chars <= 0 {
		return nil
	}
	r.rndMu.Lock()
	perChar := 150 + r.rnd.Float64()*100
	r.rndMu.Unlock()
	d := time.Duration(float64(chars) * perChar * float64(time.Millisecond))
	if d > r.cfg.MaxTypingDelay {
		d = r.cfg.MaxTypingDelay
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// slotIDs returns slot session ids ascending; callers hold r.mu.
func (r *Router) slotIDs() []int {
	ids := make([]int, 0, len(r.slots))
	for id := range r.slots {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (r *Router) publishState(phone string) {
	if r.bus == nil {
		return
	}
	r.mu.Lock()
	c, ok := r.convs[phone]
	var cp Conversation
	if ok {
		cp = *c
	}
	r.mu.Unlock()
	if ok {
		r.bus.Publish(eventbus.Event{Topic: eventbus.TopicConversation, Session: cp.AssignedSession, Data: cp})
	}
}
