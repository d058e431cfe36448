package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the delivery log store.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery records one attempted outbound send. It is immutable once
// appended; consumers only ever read it back.
type Delivery struct {
	At      time.Time `json:"at"`
	Session int       `json:"session"`
	Phone   string    `json:"phone"`
	Message string    `json:"message"`
	Outcome string    `json:"outcome"` // "sent" | "failed"
	Error   string    `json:"error,omitempty"`
}

const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)
