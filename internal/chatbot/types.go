package chatbot

import (
	"errors"
	"time"
)

// Status of one phone's conversation.
type Status string

const (
	// StatusWaiting: hold message sent, question queued for (or assigned to)
	// an answerer slot.
	StatusWaiting Status = "waiting"
	// StatusAnswered: the engine replied confidently; follow-ups within the
	// freshness window go straight back to the same slot.
	StatusAnswered Status = "answered"
	// StatusNeedsHuman: the engine could not help; an operator takes over.
	StatusNeedsHuman Status = "needs-human"
)

func (s Status) Valid() bool {
	return s == StatusWaiting || s == StatusAnswered || s == StatusNeedsHuman
}

// Conversation is the router's state for one phone number.
type Conversation struct {
	Phone           string    `json:"phone"`
	Question        string    `json:"question"`
	Status          Status    `json:"status"`
	LastWaitAt      time.Time `json:"last_wait_at,omitempty"`
	LastAnswerAt    time.Time `json:"last_answer_at,omitempty"`
	AssignedSession int       `json:"assigned_session,omitempty"` // 0 = none
}

// slot tracks one answerer session's availability. A slot is free when it
// has no phone or its hold window elapsed; until then it is sticky for the
// phone it last served. While an answer is in flight the processing flag
// keeps the slot occupied regardless of busyUntil.
type slot struct {
	busyUntil    time.Time
	currentPhone string
	processing   bool
}

func (s *slot) freeAt(now time.Time) bool {
	if s.processing {
		return false
	}
	return s.currentPhone == "" || now.After(s.busyUntil)
}

type queued struct {
	phone    string
	question string
}

var (
	// ErrNeedAnswerers: starting requires one wait session plus at least one
	// answerer slot.
	ErrNeedAnswerers = errors.New("chatbot mode needs at least 2 ready sessions with the answerer role")
	ErrNotActive     = errors.New("chatbot mode is not active")
	ErrActive        = errors.New("chatbot mode is already active")
	ErrUnknownPhone  = errors.New("no conversation for phone")
	ErrBadStatus     = errors.New("invalid conversation status")
)

// Config carries the router's tunables. Zero values get the production
// defaults; tests shrink the windows.
type Config struct {
	// FreshnessWindow bounds how long after an answer a follow-up still
	// routes to the same slot.
	FreshnessWindow time.Duration
	// HoldWindow reserves a slot for its phone after a reply.
	HoldWindow time.Duration
	// AssignRetry is the delay before re-trying slot assignment when all
	// slots are busy.
	AssignRetry time.Duration
	// MinConfidence is the engine score needed to send the engine's answer
	// instead of handing off to a human.
	MinConfidence float64
	// MaxTypingDelay caps the simulated typing pause before replies.
	// 0 disables the pause entirely.
	MaxTypingDelay time.Duration

	WaitText    string
	HandoffText string
}

func (c Config) withDefaults() Config {
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = time.Minute
	}
	if c.HoldWindow <= 0 {
		c.HoldWindow = time.Minute
	}
	if c.AssignRetry <= 0 {
		c.AssignRetry = 3 * time.Second
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.75
	}
	if c.WaitText == "" {
		c.WaitText = "Thanks for reaching out! The next free agent will be with you shortly..."
	}
	if c.HandoffText == "" {
		c.HandoffText = "Sorry, a human agent will be with you shortly."
	}
	return c
}
