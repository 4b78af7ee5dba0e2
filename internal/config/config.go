// Package config handles Jarvis configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/jarvis/config.yaml, /etc/jarvis/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "jarvis", "config.yaml"))
	}

	paths = append(paths, "/etc/jarvis/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no file exists on the
// search path. Callers may fall back to Default plus the environment.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Jarvis configuration.
type Config struct {
	BotName       string              `yaml:"bot_name"`
	Timezone      string              `yaml:"timezone"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
	Listen        ListenConfig        `yaml:"listen"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Telegram      TelegramConfig      `yaml:"telegram"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	OpenAICompat  OpenAICompatConfig  `yaml:"openai_compat"`
	Models        ModelsConfig        `yaml:"models"`
	Agent         AgentConfig         `yaml:"agent"`
	Triage        TriageConfig        `yaml:"triage"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
}

// ListenConfig defines the webhook listener address. It binds to
// loopback unless told otherwise.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns host:port for net.Listen.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// WebhookConfig guards the ingress endpoint.
type WebhookConfig struct {
	// Token, when set, must match the X-Webhook-Token request header.
	Token string `yaml:"token"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// RecorderDB is the path to home-assistant_v2.db. When empty,
	// statistics are fetched over the WebSocket API instead.
	RecorderDB string `yaml:"recorder_db"`

	// ConfigDir holds the YAML files the agent may edit.
	ConfigDir string `yaml:"config_dir"`

	// CheckCommand validates the configuration after a write, e.g.
	// ["ha", "core", "check"]. A failing check restores the backup.
	CheckCommand []string `yaml:"check_command"`
}

// Configured reports whether enough is set to talk to Home Assistant.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// TelegramConfig defines the chat transport.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// Configured reports whether the Telegram transport can start.
func (c TelegramConfig) Configured() bool {
	return c.Token != "" && c.ChatID != 0
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAICompatConfig points at an OpenAI-compatible endpoint such as
// OpenRouter or Groq, used for the cheap classification models.
type OpenAICompatConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig names the model used for each role.
type ModelsConfig struct {
	Triage           string `yaml:"triage"`
	TriageFallback   string `yaml:"triage_fallback"`
	Conversation     string `yaml:"conversation"`
	Briefing         string `yaml:"briefing"`
	BriefingFallback string `yaml:"briefing_fallback"`
	Delegate         string `yaml:"delegate"`
}

// AgentConfig bounds the conversation loop.
type AgentConfig struct {
	MaxTurns             int           `yaml:"max_turns"`
	HistoryTurns         int           `yaml:"history_turns"`
	ProviderRetryBackoff time.Duration `yaml:"provider_retry_backoff"`
	DelegateMaxTurns     int           `yaml:"delegate_max_turns"`
	DelegateMaxDuration  time.Duration `yaml:"delegate_max_duration"`
}

// TriageConfig bounds the classification call.
type TriageConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SchedulerConfig drives the briefing and alert-poll jobs.
type SchedulerConfig struct {
	// BriefingAt is "HH:MM" local time or a five-field cron expression.
	// Empty disables the briefing job.
	BriefingAt     string        `yaml:"briefing_at"`
	AlertInterval  time.Duration `yaml:"alert_interval"`
	AlertCooldown  time.Duration `yaml:"alert_cooldown"`
	WatchedDomains []string      `yaml:"watched_domains"`
}

// LoadDotEnv loads KEY=value pairs from path into the environment
// without overriding variables that are already set. A missing file is
// not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, then well-known variables fill any field the
// file left empty, then defaults apply.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration built only from defaults and the
// environment, for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// applyEnv fills empty fields from the conventional environment
// variables so a bare .env file is enough to run.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	setString(&c.HomeAssistant.URL, "HA_URL")
	setString(&c.HomeAssistant.Token, "HA_TOKEN")
	setString(&c.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	setString(&c.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.OpenAICompat.APIKey, "OPENROUTER_API_KEY")
	setString(&c.OpenAICompat.APIKey, "GROQ_API_KEY")
	setString(&c.Timezone, "TIMEZONE")
	setString(&c.BotName, "BOT_NAME")
	setString(&c.LogLevel, "LOG_LEVEL")

	if c.Telegram.ChatID == 0 {
		if id, err := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if c.Listen.Port == 0 {
		if p, err := strconv.Atoi(os.Getenv("WEBHOOK_PORT")); err == nil {
			c.Listen.Port = p
		}
	}
}

func (c *Config) applyDefaults() {
	if c.BotName == "" {
		c.BotName = "Jarvis"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8765
	}
	if c.HomeAssistant.URL == "" {
		c.HomeAssistant.URL = "http://localhost:8123"
	}
	c.HomeAssistant.URL = strings.TrimRight(c.HomeAssistant.URL, "/")
	if c.OpenAICompat.BaseURL == "" {
		c.OpenAICompat.BaseURL = "https://openrouter.ai/api/v1"
	}

	m := &c.Models
	if m.Triage == "" {
		m.Triage = "meta-llama/llama-3.2-3b-instruct"
	}
	if m.TriageFallback == "" {
		m.TriageFallback = "llama-3.1-8b-instant"
	}
	if m.Conversation == "" {
		m.Conversation = "claude-haiku-4-5"
	}
	if m.Briefing == "" {
		m.Briefing = m.Conversation
	}
	if m.Delegate == "" {
		m.Delegate = "claude-opus-4-1"
	}

	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 20
	}
	if c.Agent.HistoryTurns <= 0 {
		c.Agent.HistoryTurns = 20
	}
	if c.Agent.ProviderRetryBackoff <= 0 {
		c.Agent.ProviderRetryBackoff = 2 * time.Second
	}
	if c.Agent.DelegateMaxTurns <= 0 {
		c.Agent.DelegateMaxTurns = 8
	}
	if c.Agent.DelegateMaxDuration <= 0 {
		c.Agent.DelegateMaxDuration = 2 * time.Minute
	}
	if c.Triage.Timeout <= 0 {
		c.Triage.Timeout = 5 * time.Second
	}
	if c.Scheduler.AlertInterval <= 0 {
		c.Scheduler.AlertInterval = 5 * time.Minute
	}
	if c.Scheduler.AlertCooldown <= 0 {
		c.Scheduler.AlertCooldown = 30 * time.Minute
	}
	if len(c.Scheduler.WatchedDomains) == 0 {
		c.Scheduler.WatchedDomains = []string{"sensor", "binary_sensor", "switch", "climate", "lock"}
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that would make the
// process misbehave rather than merely run degraded.
func (c *Config) Validate() error {
	var errs []error
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q: must be text or json", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key (or ANTHROPIC_API_KEY) is required"))
	}
	if c.Scheduler.AlertCooldown < c.Scheduler.AlertInterval {
		errs = append(errs, fmt.Errorf("scheduler.alert_cooldown %s shorter than alert_interval %s",
			c.Scheduler.AlertCooldown, c.Scheduler.AlertInterval))
	}
	return errors.Join(errs...)
}

// Location returns the configured time zone, or UTC when it cannot be
// loaded. Validate reports the error separately.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
