// Package dispatch splits a bulk send job across the Ready bulk-sender
// sessions, paces each send to mimic human typing, and isolates
// per-recipient failures so one bad row never aborts the batch.
package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"msgfleet/internal/eventbus"
	"msgfleet/internal/roles"
	"msgfleet/internal/storage"
	"msgfleet/pkg/logx"
)

// Pool is the slice of the connection pool the dispatcher needs.
type Pool interface {
	Eligible(role roles.Role) []int
	Send(ctx context.Context, id int, to, text string) error
	ChatID(phone string) string
}

type Config struct {
	// RatePerSec caps sends across all sessions combined, on top of the
	// per-message typing delay. 0 uses the default (10).
	RatePerSec int
}

type Dispatcher struct {
	cfg   Config
	pool  Pool
	store storage.Store // may be nil (delivery log disabled)
	bus   eventbus.Bus
	log   logx.Logger

	limiter *rate.Limiter

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func New(cfg Config, pool Pool, store storage.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	return &Dispatcher{
		cfg:     cfg,
		pool:    pool,
		store:   store,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit renders the template per recipient and sends the batch across every
// Ready bulk-sender session. It blocks until all chunks finish and always
// returns a per-recipient outcome list, even under partial failure. The only
// fatal error is having no eligible session at all.
func (d *Dispatcher) Submit(ctx context.Context, template string, recipients []Recipient, profile TypingProfile) (*Summary, error) {
	eligible := d.pool.Eligible(roles.RoleBulkSender)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no ready session with role %q", ErrNoEligibleSession, roles.RoleBulkSender)
	}
	if len(recipients) == 0 {
		now := time.Now()
		return &Summary{StartedAt: now, FinishedAt: now}, nil
	}

	chunks := splitChunks(recipients, len(eligible))

	d.log.Info("bulk send started",
		logx.Int("recipients", len(recipients)),
		logx.Int("sessions", len(eligible)),
		logx.String("profile", string(profile)))

	summary := &Summary{Total: len(recipients), StartedAt: time.Now()}
	reports := make([]SessionReport, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, sid int, chunk []Recipient) {
			defer wg.Done()
			reports[i] = d.sendChunk(ctx, sid, template, chunk, profile)
		}(i, eligible[i], chunk)
	}
	wg.Wait()

	for _, r := range reports {
		if r.Session == 0 {
			continue
		}
		summary.Sent += r.Sent
		summary.Failed += r.Failed
		summary.PerSession = append(summary.PerSession, r)
	}
	sort.Slice(summary.PerSession, func(i, j int) bool {
		return summary.PerSession[i].Session < summary.PerSession[j].Session
	})
	summary.FinishedAt = time.Now()

	fields := []logx.Field{
		logx.Int("total", summary.Total),
		logx.Int("sent", summary.Sent),
		logx.Int("failed", summary.Failed),
		logx.Duration("dur", summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if summary.Failed > 0 {
		d.log.Warn("bulk send finished with failures", fields...)
	} else {
		d.log.Info("bulk send finished", fields...)
	}
	return summary, nil
}

// splitChunks partitions recipients into contiguous chunks, one per session.
// The union of chunks is exactly the input; no recipient appears twice.
func splitChunks(recipients []Recipient, sessions int) [][]Recipient {
	size := (len(recipients) + sessions - 1) / sessions
	chunks := make([][]Recipient, 0, sessions)
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		chunks = append(chunks, recipients[start:end])
	}
	return chunks
}

// sendChunk processes one session's chunk strictly in input order. A failure
// for one recipient is recorded and the loop moves on.
func (d *Dispatcher) sendChunk(ctx context.Context, sid int, template string, chunk []Recipient, profile TypingProfile) SessionReport {
	rep := SessionReport{Session: sid}
	log := d.log.With(logx.Int("session", sid))
	log.Debug("chunk started", logx.Int("size", len(chunk)))

	for _, row := range chunk {
		if ctx.Err() != nil {
			// Remaining recipients are recorded as failed so the summary
			// still accounts for every row.
			d.record(ctx, &rep, storage.Delivery{
				At: time.Now(), Session: sid, Phone: rawPhone(row),
				Outcome: storage.OutcomeFailed, Error: ctx.Err().Error(),
			})
			continue
		}

		text := Render(template, row)

		raw, ok := PhoneOf(row)
		if !ok {
			d.record(ctx, &rep, storage.Delivery{
				At: time.Now(), Session: sid, Message: text,
				Outcome: storage.OutcomeFailed, Error: "no phone field in recipient row",
			})
			continue
		}
		phone, err := NormalizePhone(raw)
		if err != nil {
			d.record(ctx, &rep, storage.Delivery{
				At: time.Now(), Session: sid, Phone: raw, Message: text,
				Outcome: storage.OutcomeFailed, Error: err.Error(),
			})
			continue
		}

		if err := d.pace(ctx, len(text), profile); err != nil {
			d.record(ctx, &rep, storage.Delivery{
				At: time.Now(), Session: sid, Phone: phone, Message: text,
				Outcome: storage.OutcomeFailed, Error: err.Error(),
			})
			continue
		}

		sendErr := d.pool.Send(ctx, sid, d.pool.ChatID(phone), text)
		rec := storage.Delivery{
			At: time.Now(), Session: sid, Phone: phone, Message: text,
			Outcome: storage.OutcomeSent,
		}
		if sendErr != nil {
			rec.Outcome = storage.OutcomeFailed
			rec.Error = sendErr.Error()
			log.Warn("send failed", logx.String("phone", phone), logx.Err(sendErr))
		}
		d.record(ctx, &rep, rec)
	}

	log.Debug("chunk finished", logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed))
	return rep
}

// pace sleeps for the simulated typing time of a message: length divided by
// the profile's chars/sec, with ± jitter, gated by the global rate cap.
func (d *Dispatcher) pace(ctx context.Context, msgLen int, profile TypingProfile) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	base := time.Duration(float64(msgLen) / profile.CharsPerSec() * float64(time.Second))
	if base <= 0 {
		return nil
	}
	d.rndMu.Lock()
	f := d.rnd.Float64()
	d.rndMu.Unlock()
	jitter := time.Duration((f*2 - 1) * typingJitter * float64(base))
	t := time.NewTimer(base + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) record(ctx context.Context, rep *SessionReport, rec storage.Delivery) {
	if rec.Outcome == storage.OutcomeSent {
		rep.Sent++
	} else {
		rep.Failed++
	}
	rep.Records = append(rep.Records, rec)

	if d.store != nil {
		if err := d.store.AppendDelivery(ctx, rec); err != nil {
			d.log.Debug("delivery log append failed", logx.Err(err))
		}
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Topic: eventbus.TopicDelivery, Session: rec.Session, Data: rec})
	}
}

func rawPhone(row Recipient) string {
	if raw, ok := PhoneOf(row); ok {
		return raw
	}
	return ""
}
