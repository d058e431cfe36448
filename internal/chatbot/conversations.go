package chatbot

import (
	"fmt"
	"sort"
	"time"

	"msgfleet/pkg/logx"
)

// SlotInfo is a read-only snapshot of one answerer slot.
type SlotInfo struct {
	Session   int       `json:"session"`
	Phone     string    `json:"phone,omitempty"`
	BusyUntil time.Time `json:"busy_until,omitempty"`
	Busy      bool      `json:"busy"`
}

// Conversations returns a snapshot of all conversation states, sorted by
// phone for stable output.
func (r *Router) Conversations() []Conversation {
	r.mu.Lock()
	out := make([]Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, *c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Phone < out[j].Phone })
	return out
}

// Conversation returns the state for one phone.
func (r *Router) Conversation(phone string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[r.pool.CanonicalSender(phone)]
	if !ok {
		return Conversation{}, fmt.Errorf("%w: %s", ErrUnknownPhone, phone)
	}
	return *c, nil
}

// SetConversationStatus lets an operator override a phone's state, e.g.
// marking a needs-human conversation answered after taking over manually.
func (r *Router) SetConversationStatus(phone string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	key := r.pool.CanonicalSender(phone)

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhone, phone)
	}
	c.Status = status
	if status == StatusAnswered {
		c.LastAnswerAt = time.Now()
	}
	r.log.Info("conversation status overridden",
		logx.String("phone", key), logx.String("status", string(status)))
	return nil
}

// ClearConversation drops a phone's state and releases any slot still held
// for it, so the next inbound message starts a fresh conversation.
func (r *Router) ClearConversation(phone string) error {
	key := r.pool.CanonicalSender(phone)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.convs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhone, phone)
	}
	delete(r.convs, key)
	for _, s := range r.slots {
		if s.currentPhone == key && !s.processing {
			s.currentPhone = ""
			s.busyUntil = time.Time{}
		}
	}
	r.log.Info("conversation cleared", logx.String("phone", key))
	return nil
}

// Slots returns a snapshot of the answerer slots, sorted by session id.
func (r *Router) Slots() []SlotInfo {
	now := time.Now()
	r.mu.Lock()
	out := make([]SlotInfo, 0, len(r.slots))
	for id, s := range r.slots {
		out = append(out, SlotInfo{
			Session:   id,
			Phone:     s.currentPhone,
			BusyUntil: s.busyUntil,
			Busy:      !s.freeAt(now),
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}
