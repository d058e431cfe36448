package app

import (
	"context"
	"errors"
	"fmt"

	"msgfleet/internal/chatbot"
	"msgfleet/internal/dispatch"
	"msgfleet/internal/pool"
	"msgfleet/internal/qa"
	"msgfleet/internal/roles"
	"msgfleet/internal/storage"
)

var (
	ErrChatbotDisabled = errors.New("chatbot is disabled (no qa database or embedding model configured)")
	ErrQADisabled      = errors.New("qa store is disabled")
)

// ---- bulk send ----

// SubmitBulkSend renders the template per recipient and fans the batch out
// over the Ready bulk-sender sessions. Blocks until the batch finishes.
func (a *App) SubmitBulkSend(ctx context.Context, template string, recipients []dispatch.Recipient, profile dispatch.TypingProfile) (*dispatch.Summary, error) {
	return a.dispatcher.Submit(ctx, template, recipients, profile)
}

// ---- sessions ----

func (a *App) Sessions() []pool.SessionInfo { return a.pool.Sessions() }

func (a *App) SessionStatus(id int) (string, error) {
	st, err := a.pool.Status(id)
	if err != nil {
		return "", err
	}
	return st.String(), nil
}

func (a *App) SessionRole(id int) (string, error) {
	role, err := a.pool.Role(id)
	if err != nil {
		return "", err
	}
	return string(role), nil
}

// SetSessionRole reassigns a session between bulk sending and answering.
// The session must currently be Ready.
func (a *App) SetSessionRole(id int, role string) error {
	r := roles.Role(role)
	if !r.Valid() {
		return fmt.Errorf("invalid role %q (want %q or %q)", role, roles.RoleBulkSender, roles.RoleAnswerer)
	}
	return a.pool.SetRole(id, r)
}

// ---- chatbot mode ----

func (a *App) StartChatbotMode(ctx context.Context) error {
	if a.router == nil {
		return ErrChatbotDisabled
	}
	return a.router.Start(ctx)
}

func (a *App) StopChatbotMode() error {
	if a.router == nil {
		return ErrChatbotDisabled
	}
	return a.router.Stop()
}

func (a *App) ChatbotActive() bool {
	return a.router != nil && a.router.Active()
}

func (a *App) Conversations() ([]chatbot.Conversation, error) {
	if a.router == nil {
		return nil, ErrChatbotDisabled
	}
	return a.router.Conversations(), nil
}

func (a *App) SetConversationStatus(phone string, status string) error {
	if a.router == nil {
		return ErrChatbotDisabled
	}
	return a.router.SetConversationStatus(phone, chatbot.Status(status))
}

func (a *App) ClearConversation(phone string) error {
	if a.router == nil {
		return ErrChatbotDisabled
	}
	return a.router.ClearConversation(phone)
}

func (a *App) AnswererSlots() ([]chatbot.SlotInfo, error) {
	if a.router == nil {
		return nil, ErrChatbotDisabled
	}
	return a.router.Slots(), nil
}

// ---- delivery log ----

func (a *App) Deliveries(ctx context.Context, limit int) ([]storage.Delivery, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.Deliveries(ctx, limit)
}

// ---- qa pairs ----

func (a *App) QAPairs(ctx context.Context) ([]qa.Pair, error) {
	if a.qaStore == nil {
		return nil, ErrQADisabled
	}
	return a.qaStore.ListAll(ctx)
}

func (a *App) AddQAPair(ctx context.Context, question, answer string) (qa.Pair, error) {
	if a.qaStore == nil {
		return qa.Pair{}, ErrQADisabled
	}
	return a.qaStore.Add(ctx, question, answer)
}

func (a *App) UpdateQAPair(ctx context.Context, id int64, question, answer string) error {
	if a.qaStore == nil {
		return ErrQADisabled
	}
	return a.qaStore.Update(ctx, id, question, answer)
}

func (a *App) DeleteQAPair(ctx context.Context, id int64) error {
	if a.qaStore == nil {
		return ErrQADisabled
	}
	return a.qaStore.Delete(ctx, id)
}

// RefreshAnswers re-embeds the QA set out of schedule, e.g. right after an
// operator edits pairs.
func (a *App) RefreshAnswers(ctx context.Context) error {
	if a.engine == nil {
		return ErrChatbotDisabled
	}
	return a.engine.Refresh(ctx)
}
