package app

import (
	"strings"
	"testing"
	"time"

	"msgfleet/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{
			Driver: "telegram",
			Telegram: config.TelegramConfig{
				Tokens: []string{"t1", "t2", "t3", "t4"},
			},
		},
		Roles: config.RolesConfig{Path: "/tmp/roles.json"},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsMissingTokens(t *testing.T) {
	cfg := baseConfig()
	cfg.Transport.Telegram.Tokens = nil
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for missing tokens")
	}
}

func TestValidateRejectsTooFewTokens(t *testing.T) {
	cfg := baseConfig()
	cfg.Pool.Sessions = 3
	cfg.Transport.Telegram.Tokens = []string{"t1", "t2"}
	err := validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "tokens") {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := baseConfig()
	cfg.Transport.Driver = "carrier-pigeon"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := baseConfig()
	cfg.Chatbot.HoldWindow = "sixty seconds"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestChatbotConfigMapsDurations(t *testing.T) {
	cfg := baseConfig()
	cfg.Chatbot.FreshnessWindow = "90s"
	cfg.Chatbot.HoldWindow = "45s"
	cfg.Chatbot.AssignRetry = "2s"
	cfg.Chatbot.MinConfidence = 0.6
	cfg.Chatbot.WaitText = "wait"

	cc, err := chatbotConfig(cfg)
	if err != nil {
		t.Fatalf("chatbotConfig: %v", err)
	}
	if cc.FreshnessWindow != 90*time.Second || cc.HoldWindow != 45*time.Second {
		t.Fatalf("windows = %v, %v", cc.FreshnessWindow, cc.HoldWindow)
	}
	if cc.AssignRetry != 2*time.Second || cc.MinConfidence != 0.6 || cc.WaitText != "wait" {
		t.Fatalf("config = %+v", cc)
	}
	// Unset typing delay falls back to the 10s cap.
	if cc.MaxTypingDelay != 10*time.Second {
		t.Fatalf("MaxTypingDelay = %v", cc.MaxTypingDelay)
	}
}
