package config

import (
	"fmt"
	"os"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config defines the global application configuration structure.
// This structure maps directly to the config.json file and holds
// business-level settings like channel credentials and LLM provider choices.
type Config struct {
	// Channels contains a map of channel identifiers (e.g., "telegram", "web")
	// to their specific configuration payloads in raw JSON format.
	Channels map[string]jsoniter.RawMessage `json:"channels"`
	// LLM holds the provider groups in raw JSON, parsed by the llm package.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt is sent to the model ahead of the trimmed history in every
	// request. Its token cost is charged to the budget first.
	SystemPrompt string `json:"system_prompt"`
	// TokenCounter selects how message costs are measured.
	TokenCounter TokenCounterConfig `json:"token_counter"`
}

// TokenCounterConfig selects the token counter used by the context trimmer.
type TokenCounterConfig struct {
	// Type is "estimate" (default, four characters per token) or "gemini"
	// (remote CountTokens calls).
	Type   string `json:"type"`
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Validate ensures the configuration structure contains all mandatory fields.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	switch c.TokenCounter.Type {
	case "", "estimate":
	case "gemini":
		if c.TokenCounter.APIKey == "" {
			return fmt.Errorf("token_counter type 'gemini' requires an api_key")
		}
	default:
		return fmt.Errorf("unknown token_counter type %q", c.TokenCounter.Type)
	}
	return nil
}

// SystemConfig defines engine-level technical parameters, stored in
// system.json. Missing fields keep the values of DefaultSystemConfig.
type SystemConfig struct {
	// MaxRetries is the number of attempts per provider on transient errors.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base wait between consecutive attempts.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs is the hard cutoff for a whole response.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// OllamaDefaultURL is used when an ollama group has no base_url.
	OllamaDefaultURL string `json:"ollama_default_url"`
	// InternalChannelBuffer is the buffer of provider delta channels.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// ThinkingInitDelayMs is how long to wait for the first output before
	// sending a "thinking" signal to the channel.
	ThinkingInitDelayMs int `json:"thinking_init_delay_ms"`
	// TelegramMessageLimit is the maximum character count of one Telegram
	// message. Longer replies are split.
	TelegramMessageLimit int `json:"telegram_message_limit"`
	// DownloadTimeoutMs applies to attachment downloads.
	DownloadTimeoutMs int `json:"download_timeout_ms"`
	// ShowThinking keeps provider reasoning in the stream. When false it is
	// dropped by the providers.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks dumps raw provider packets under debug/chunks.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `json:"log_level"`

	// TokenLimit is the context window the trimmer fills.
	TokenLimit int `json:"token_limit"`
	// ReserveTokens is kept free for the answer.
	ReserveTokens int `json:"reserve_tokens"`
	// StreamIntervalMs is the pacing tick of the stream smoother.
	StreamIntervalMs int `json:"stream_interval_ms"`
	// StreamChunkChars is how many characters are released per tick.
	StreamChunkChars int `json:"stream_chunk_chars"`
	// StreamIdleTimeoutMs fails a response when the provider stays silent
	// this long. 0 disables the check.
	StreamIdleTimeoutMs int `json:"stream_idle_timeout_ms"`

	// AttachmentsDir stores uploaded images and files.
	AttachmentsDir string `json:"attachments_dir"`
	// AttachmentRetentionHours prunes older attachments at startup. 0 keeps
	// everything.
	AttachmentRetentionHours int `json:"attachment_retention_hours"`
	// MaxAttachmentBytes rejects larger uploads and image references.
	MaxAttachmentBytes int64 `json:"max_attachment_bytes"`
	// HistoryDir stores one JSON history file per session. Empty keeps
	// histories in memory only.
	HistoryDir string `json:"history_dir"`
}

// DefaultSystemConfig returns a SystemConfig initialized with safe defaults.
// It is used as a fallback when system.json is missing or corrupt, ensuring
// the engine can always start.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:               3,
		RetryDelayMs:             500,
		LLMTimeoutMs:             600000,
		OllamaDefaultURL:         "http://localhost:11434",
		InternalChannelBuffer:    100,
		ThinkingInitDelayMs:      500,
		TelegramMessageLimit:     4000,
		DownloadTimeoutMs:        10000,
		ShowThinking:             true,
		LogLevel:                 "info",
		TokenLimit:               8192,
		ReserveTokens:            1000,
		StreamIntervalMs:         8,
		StreamChunkChars:         3,
		StreamIdleTimeoutMs:      120000,
		AttachmentsDir:           "data/attachments",
		AttachmentRetentionHours: 168,
		MaxAttachmentBytes:       20 << 20,
		HistoryDir:               "data/history",
	}
}

// sanitize replaces values that would make the engine misbehave.
func (s *SystemConfig) sanitize() {
	d := DefaultSystemConfig()
	if s.LLMTimeoutMs <= 0 {
		s.LLMTimeoutMs = d.LLMTimeoutMs
	}
	if s.TokenLimit <= 0 {
		s.TokenLimit = d.TokenLimit
	}
	if s.ReserveTokens < 0 || s.ReserveTokens >= s.TokenLimit {
		s.ReserveTokens = d.ReserveTokens
		if s.ReserveTokens >= s.TokenLimit {
			s.ReserveTokens = s.TokenLimit / 8
		}
	}
	if s.StreamIntervalMs <= 0 {
		s.StreamIntervalMs = d.StreamIntervalMs
	}
	if s.StreamChunkChars <= 0 {
		s.StreamChunkChars = d.StreamChunkChars
	}
	if s.StreamIdleTimeoutMs < 0 {
		s.StreamIdleTimeoutMs = 0
	}
	if s.MaxAttachmentBytes <= 0 {
		s.MaxAttachmentBytes = d.MaxAttachmentBytes
	}
	if s.TelegramMessageLimit <= 0 {
		s.TelegramMessageLimit = d.TelegramMessageLimit
	}
	if s.InternalChannelBuffer <= 0 {
		s.InternalChannelBuffer = d.InternalChannelBuffer
	}
}

// Load reads the application config (mandatory) and the system config
// (optional, defaults on failure).
func Load(appPath, sysPath string) (*Config, *SystemConfig, error) {
	appFile, err := os.ReadFile(appPath)
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(appFile, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	return &cfg, LoadSystemConfig(sysPath), nil
}

// LoadSystemConfig attempts to load system settings and returns defaults if
// it fails.
func LoadSystemConfig(path string) *SystemConfig {
	cfg, err := ReadSystemConfig(path)
	if err != nil {
		return DefaultSystemConfig()
	}
	return cfg
}

// ReadSystemConfig loads system settings over the defaults, reporting read
// and parse errors.
func ReadSystemConfig(path string) (*SystemConfig, error) {
	cfg := DefaultSystemConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	cfg.sanitize()
	return cfg, nil
}

// LiveSystemConfig holds the current SystemConfig and allows swapping it
// while requests are running. Readers always see a complete snapshot.
type LiveSystemConfig struct {
	p atomic.Pointer[SystemConfig]
}

// NewLiveSystemConfig wraps an initial snapshot.
func NewLiveSystemConfig(cfg *SystemConfig) *LiveSystemConfig {
	if cfg == nil {
		cfg = DefaultSystemConfig()
	}
	l := &LiveSystemConfig{}
	l.p.Store(cfg)
	return l
}

// Get returns the current snapshot. Callers must not modify it.
func (l *LiveSystemConfig) Get() *SystemConfig {
	return l.p.Load()
}

// Set replaces the snapshot.
func (l *LiveSystemConfig) Set(cfg *SystemConfig) {
	l.p.Store(cfg)
}

// Reload rereads path and swaps the snapshot. On error the old snapshot is
// kept.
func (l *LiveSystemConfig) Reload(path string) error {
	cfg, err := ReadSystemConfig(path)
	if err != nil {
		return err
	}
	l.Set(cfg)
	return nil
}
