package dispatch

import (
	"time"

	"msgfleet/internal/storage"
)

// TypingProfile selects how fast the simulated human types.
type TypingProfile string

const (
	// TypingSlow is deliberate typing, ~5 characters per second.
	TypingSlow TypingProfile = "slow"
	// TypingFast is quick typing, ~8 characters per second.
	TypingFast TypingProfile = "fast"
)

// CharsPerSec returns the profile's typing rate. Unknown profiles fall back
// to slow, the safer choice against anti-automation heuristics.
func (p TypingProfile) CharsPerSec() float64 {
	switch p {
	case TypingFast:
		return 8
	default:
		return 5
	}
}

// typingJitter is the ± fraction applied to every pacing delay.
const typingJitter = 0.15

// SessionReport is the outcome of one session's chunk.
type SessionReport struct {
	Session int                `json:"session"`
	Sent    int                `json:"sent"`
	Failed  int                `json:"failed"`
	Records []storage.Delivery `json:"records"`
}

// Summary is the per-batch outcome returned by Submit once every chunk has
// finished.
type Summary struct {
	Total      int             `json:"total"`
	Sent       int             `json:"sent"`
	Failed     int             `json:"failed"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	PerSession []SessionReport `json:"per_session"`
}
