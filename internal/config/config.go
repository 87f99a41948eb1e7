package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ent0n29/glasslive/internal/provider"
	"github.com/ent0n29/glasslive/internal/wire"
)

const (
	// EnvPrefix scopes environment overrides, e.g. GLASSLIVE_PROVIDER__API_KEY.
	EnvPrefix = "GLASSLIVE_"
	// FileEnv names an optional YAML file loaded before the environment.
	FileEnv = "GLASSLIVE_CONFIG"
)

// Config contains all runtime settings for the glasses companion service.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Provider ProviderConfig `koanf:"provider"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Vision   VisionConfig   `koanf:"vision"`
	History  HistoryConfig  `koanf:"history"`
}

type ServerConfig struct {
	BindAddr           string        `koanf:"bind_addr"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	SessionIdleTimeout time.Duration `koanf:"session_idle_timeout"`
	MetricsNamespace   string        `koanf:"metrics_namespace"`
	AllowAnyOrigin     bool          `koanf:"allow_any_origin"`
}

type ProviderConfig struct {
	ID       string `koanf:"id"`
	Region   string `koanf:"region"`
	APIKey   string `koanf:"api_key"`
	Protocol string `koanf:"protocol"` // alibaba, openai; empty infers from the provider
	Language string `koanf:"language"`

	RESTBaseURL   string `koanf:"rest_base_url"`
	WSBaseURL     string `koanf:"ws_base_url"`
	VisionModel   string `koanf:"vision_model"`
	RealtimeModel string `koanf:"realtime_model"`
	Voice         string `koanf:"voice"`
}

type RealtimeConfig struct {
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	FrameInterval time.Duration `koanf:"frame_interval"`
	DrainTimeout  time.Duration `koanf:"drain_timeout"`

	// ServerVAD false leaves turn boundaries to explicit response requests.
	ServerVAD         bool    `koanf:"server_vad"`
	VADThreshold      float64 `koanf:"vad_threshold"`
	PrefixPaddingMs   int     `koanf:"prefix_padding_ms"`
	SilenceDurationMs int     `koanf:"silence_duration_ms"`
}

type VisionConfig struct {
	Timeout   time.Duration `koanf:"timeout"`
	MaxTokens int           `koanf:"max_tokens"`
	Retries   int           `koanf:"retries"`
	Prompt    string        `koanf:"prompt"`
}

type HistoryConfig struct {
	Driver string `koanf:"driver"` // memory, postgres, sqlite, none
	DSN    string `koanf:"dsn"`

	// RedactPII masks emails, phone numbers, card numbers and API keys in
	// saved transcripts.
	RedactPII bool `koanf:"redact_pii"`
}

var defaults = map[string]any{
	"server.bind_addr":            ":8080",
	"server.shutdown_timeout":     "15s",
	"server.session_idle_timeout": "10m",
	"server.metrics_namespace":    "glasslive",
	"server.allow_any_origin":     false,

	"provider.id":       string(provider.AlibabaCloud),
	"provider.region":   string(provider.RegionBeijing),
	"provider.language": provider.DefaultLanguage,

	"realtime.idle_timeout":   "60s",
	"realtime.frame_interval": "500ms",
	"realtime.drain_timeout":  "10s",
	"realtime.server_vad":     true,

	"vision.timeout":    "30s",
	"vision.max_tokens": 2000,
	"vision.retries":    2,

	"history.driver":     "memory",
	"history.redact_pii": true,
}

// Load reads the optional YAML file named by GLASSLIVE_CONFIG, then
// GLASSLIVE_* environment variables, and applies defaults for unset keys.
func Load() (Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit config path; empty skips the file.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = vendorAPIKey(cfg.Provider.ID)
	}
	cfg.Provider.APIKey = strings.TrimSpace(cfg.Provider.APIKey)
	cfg.History.Driver = strings.ToLower(strings.TrimSpace(cfg.History.Driver))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// vendorAPIKey falls back to the vendor's conventional variable.
func vendorAPIKey(id string) string {
	switch provider.ID(strings.ToLower(strings.TrimSpace(id))) {
	case provider.OpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case provider.AlibabaCloud, "":
		return os.Getenv("DASHSCOPE_API_KEY")
	}
	return ""
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Server.BindAddr) == "" {
		return fmt.Errorf("server.bind_addr must be set")
	}
	if c.Server.SessionIdleTimeout < 5*time.Second {
		return fmt.Errorf("server.session_idle_timeout must be at least 5s")
	}
	if c.Realtime.IdleTimeout < time.Second {
		return fmt.Errorf("realtime.idle_timeout must be at least 1s")
	}
	if c.Realtime.FrameInterval <= 0 {
		return fmt.Errorf("realtime.frame_interval must be positive")
	}
	if c.Realtime.DrainTimeout < 0 {
		return fmt.Errorf("realtime.drain_timeout must be >= 0")
	}
	if c.Realtime.VADThreshold < 0 || c.Realtime.VADThreshold > 1 {
		return fmt.Errorf("realtime.vad_threshold must be within [0,1]")
	}
	if c.Realtime.PrefixPaddingMs < 0 || c.Realtime.SilenceDurationMs < 0 {
		return fmt.Errorf("realtime.prefix_padding_ms and realtime.silence_duration_ms must be >= 0")
	}
	if c.Vision.Timeout <= 0 {
		return fmt.Errorf("vision.timeout must be positive")
	}
	if c.Vision.MaxTokens <= 0 {
		return fmt.Errorf("vision.max_tokens must be positive")
	}
	if c.Vision.Retries < 0 {
		return fmt.Errorf("vision.retries must be >= 0")
	}
	switch c.History.Driver {
	case "memory", "none", "":
	case "postgres", "sqlite":
		if strings.TrimSpace(c.History.DSN) == "" {
			return fmt.Errorf("history.dsn must be set for driver %s", c.History.Driver)
		}
	default:
		return fmt.Errorf("history.driver must be one of memory|postgres|sqlite|none, got %q", c.History.Driver)
	}
	return nil
}

// ProviderSettings maps the provider section onto provider.Resolve input.
// The API key is not validated here so the daemon can start without one.
func (c Config) ProviderSettings() provider.Settings {
	p := c.Provider
	return provider.Settings{
		Provider: provider.ID(p.ID),
		Region:   provider.Region(p.Region),
		APIKey:   p.APIKey,
		Custom: provider.Endpoints{
			RESTBaseURL:   p.RESTBaseURL,
			WSBaseURL:     p.WSBaseURL,
			VisionModel:   p.VisionModel,
			RealtimeModel: p.RealtimeModel,
			Voice:         p.Voice,
		},
		Protocol: wire.Protocol(p.Protocol),
		Language: p.Language,
	}
}

// TurnDetection returns nil when server VAD is disabled. Zero values take
// the codec's defaults.
func (c Config) TurnDetection() *wire.TurnDetection {
	if !c.Realtime.ServerVAD {
		return nil
	}
	return &wire.TurnDetection{
		Threshold:         c.Realtime.VADThreshold,
		PrefixPaddingMs:   c.Realtime.PrefixPaddingMs,
		SilenceDurationMs: c.Realtime.SilenceDurationMs,
	}
}
