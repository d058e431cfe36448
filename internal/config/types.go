package config

// Config is the whole daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "5s", "1m").
// The file may be JSON or YAML; YAML is coerced to JSON before the strict
// decode, so unknown fields are rejected in both formats.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Logging   LoggingConfig   `json:"logging"`
	Pool      PoolConfig      `json:"pool"`
	Roles     RolesConfig     `json:"roles"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Chatbot   ChatbotConfig   `json:"chatbot"`
	Answer    AnswerConfig    `json:"answer"`
	Storage   StorageConfig   `json:"storage"`
	QA        QAConfig        `json:"qa"`
}

type TransportConfig struct {
	// Driver selects the chat transport. Currently "telegram".
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig configures the telebot-backed transport.
// One token per session slot; session N uses tokens[N-1].
type TelegramConfig struct {
	Tokens      []string `json:"tokens"`
	PollTimeout string   `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// PoolConfig controls the connection pool.
//
// Defaults (when fields are omitted/zero):
//   - sessions: 4
//   - max_retries: 5
//   - retry_delay: "5s"
//   - startup_stagger: "2s"
//   - ready_timeout: "30s"
type PoolConfig struct {
	Sessions       int    `json:"sessions,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	StartupStagger string `json:"startup_stagger,omitempty"`
	ReadyTimeout   string `json:"ready_timeout,omitempty"`
}

type RolesConfig struct {
	// Path of the durable session-id -> role file.
	Path string `json:"path"`
}

type DispatchConfig struct {
	// RatePerSec caps outbound sends across all bulk sessions combined.
	// 0 uses the default (10).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// ChatbotConfig controls the question router.
//
// Defaults: freshness_window "60s", hold_window "60s", assign_retry "3s",
// min_confidence 0.75, max_typing_delay "10s".
type ChatbotConfig struct {
	FreshnessWindow string  `json:"freshness_window,omitempty"`
	HoldWindow      string  `json:"hold_window,omitempty"`
	AssignRetry     string  `json:"assign_retry,omitempty"`
	MinConfidence   float64 `json:"min_confidence,omitempty"`
	MaxTypingDelay  string  `json:"max_typing_delay,omitempty"`
	WaitText        string  `json:"wait_text,omitempty"`
	HandoffText     string  `json:"handoff_text,omitempty"`
}

type AnswerConfig struct {
	// APIKey and BaseURL target an OpenAI-compatible embeddings endpoint
	// (a local Ollama works via base_url).
	APIKey      string `json:"api_key,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Model       string `json:"model,omitempty"`
	RefreshCron string `json:"refresh_cron,omitempty"`
	Fallback    string `json:"fallback,omitempty"`
}

// StorageConfig controls the delivery log store.
//
// Driver values:
//   - "file": append-only JSONL file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", the delivery log is disabled.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type QAConfig struct {
	// Path of the SQLite question/answer database.
	Path string `json:"path"`
}
