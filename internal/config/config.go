package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel               = "gpt-4o"
	DefaultMaxTokens           = 2048
	DefaultChatTemperature     = 0.7
	DefaultClassifyTemperature = 0.1
	DefaultHost                = "0.0.0.0"
	DefaultPort                = 18810
	DefaultBufSize             = 100
	DefaultAnkiURL             = "http://localhost:8765"
	DefaultAnkiTimeoutMs       = 10000
	DefaultDeckName            = "Kotori"
	DefaultLanguage            = "english"
	DefaultCardBatchSize       = 3
	DefaultDetectorWindow      = 10
	DefaultMaxToolIterations   = 3
	DefaultSessionIdleMinutes  = 120
)

// DefaultGapPhrases are the vocabulary-gap markers scanned for during free
// conversation. Overridable per deployment via config.
var DefaultGapPhrases = []string{
	"how do you say",
	"how to say",
	"i don't know how to say",
	"what's the word for",
	"what is the word for",
	"what does",
	"i forgot the word",
}

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Anki     AnkiConfig     `json:"anki"`
	Session  SessionConfig  `json:"session"`
	Detector DetectorConfig `json:"detector"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Storage  StorageConfig  `json:"storage"`
	Reminder ReminderConfig `json:"reminder"`
}

type AgentConfig struct {
	Model               string  `json:"model"`
	MaxTokens           int     `json:"maxTokens"`
	ChatTemperature     float64 `json:"chatTemperature"`
	ClassifyTemperature float64 `json:"classifyTemperature"`
	MaxToolIterations   int     `json:"maxToolIterations"`
}

type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AnkiConfig struct {
	URL       string `json:"url"`
	DeckName  string `json:"deckName"`
	TimeoutMs int    `json:"timeoutMs"`
	BatchSize int    `json:"batchSize"`
}

type SessionConfig struct {
	Language    string `json:"language"` // "english" or "japanese"
	IdleMinutes int    `json:"idleMinutes"`
}

type DetectorConfig struct {
	GapPhrases []string `json:"gapPhrases,omitempty"`
	Window     int      `json:"window"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type ReminderConfig struct {
	Enabled bool   `json:"enabled"`
	Expr    string `json:"expr,omitempty"` // cron expression with seconds field
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:               DefaultModel,
			MaxTokens:           DefaultMaxTokens,
			ChatTemperature:     DefaultChatTemperature,
			ClassifyTemperature: DefaultClassifyTemperature,
			MaxToolIterations:   DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Anki: AnkiConfig{
			URL:       DefaultAnkiURL,
			DeckName:  DefaultDeckName,
			TimeoutMs: DefaultAnkiTimeoutMs,
			BatchSize: DefaultCardBatchSize,
		},
		Session: SessionConfig{
			Language:    DefaultLanguage,
			IdleMinutes: DefaultSessionIdleMinutes,
		},
		Detector: DetectorConfig{
			Window: DefaultDetectorWindow,
		},
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Reminder: ReminderConfig{
			Expr: "0 0 9 * * *",
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".kotori")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("KOTORI_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if url := os.Getenv("KOTORI_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("KOTORI_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if url := os.Getenv("KOTORI_ANKI_URL"); url != "" {
		cfg.Anki.URL = url
	}
	if deck := os.Getenv("KOTORI_DECK"); deck != "" {
		cfg.Anki.DeckName = deck
	}
	if lang := os.Getenv("KOTORI_LANGUAGE"); lang != "" {
		cfg.Session.Language = lang
	}
	if token := os.Getenv("KOTORI_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("KOTORI_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if batch := os.Getenv("KOTORI_CARD_BATCH"); batch != "" {
		if parsed, err := strconv.Atoi(batch); err == nil && parsed > 0 {
			cfg.Anki.BatchSize = parsed
		}
	}

	if cfg.Anki.URL == "" {
		cfg.Anki.URL = DefaultAnkiURL
	}
	if cfg.Anki.DeckName == "" {
		cfg.Anki.DeckName = DefaultDeckName
	}
	if cfg.Anki.TimeoutMs <= 0 {
		cfg.Anki.TimeoutMs = DefaultAnkiTimeoutMs
	}
	if cfg.Anki.BatchSize <= 0 {
		cfg.Anki.BatchSize = DefaultCardBatchSize
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = DefaultLanguage
	}
	if cfg.Detector.Window <= 0 {
		cfg.Detector.Window = DefaultDetectorWindow
	}
	if len(cfg.Detector.GapPhrases) == 0 {
		cfg.Detector.GapPhrases = append([]string(nil), DefaultGapPhrases...)
	}
	if cfg.Agent.MaxToolIterations <= 0 {
		cfg.Agent.MaxToolIterations = DefaultMaxToolIterations
	}

	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
