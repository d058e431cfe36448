// Package transport defines the per-session chat transport contract.
//
// The pool owns exactly one Client per session slot and recreates it from the
// Factory whenever the underlying connection dies. Lifecycle and inbound
// traffic arrive on the client's event channel; the channel is closed when
// the client is destroyed or the connection drops for good.
package transport

import (
	"context"
	"time"
)

type EventKind string

const (
	// KindQR carries an authentication QR payload the operator must scan.
	// Transports with token auth (e.g. Telegram) never emit it.
	KindQR            EventKind = "qr"
	KindAuthenticated EventKind = "authenticated"
	KindReady         EventKind = "ready"
	KindAuthFailure   EventKind = "auth_failure"
	KindDisconnected  EventKind = "disconnected"
	KindMessage       EventKind = "message"
)

type Event struct {
	Kind EventKind
	Time time.Time

	// QR payload for KindQR.
	QR string
	// Reason for KindAuthFailure / KindDisconnected.
	Reason string
	// Sender address for KindMessage: a phone number for WhatsApp-style
	// transports, a numeric chat id for Telegram.
	From string
	// Message body for KindMessage.
	Text string
}

// Client is one authenticated connection.
//
// Connect starts the connection attempt; progress is reported via Events().
// Destroy tears the connection down and closes the event channel. A Client
// is single-use: after Destroy the pool asks the Factory for a fresh one.
type Client interface {
	Connect(ctx context.Context) error
	Destroy() error
	SendText(ctx context.Context, chatID, text string) error
	Events() <-chan Event
}

// Factory creates clients for session slots and maps recipient addresses to
// transport chat ids.
type Factory interface {
	NewClient(sessionID int) (Client, error)
	// ChatID converts a normalized phone number (or raw sender address)
	// into the transport's chat id form.
	ChatID(phone string) string
	// CanonicalSender maps an inbound Event.From to the stable key used for
	// conversation state. Phone-addressed transports normalize here; chat-id
	// transports must return the address unchanged, since the reply goes
	// back through ChatID.
	CanonicalSender(from string) string
}
