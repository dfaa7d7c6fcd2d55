// Package config loads the daemon configuration from a JSON or YAML file,
// with environment overrides, and edits it by dot-separated key.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type LLMConfig struct {
	Provider       string  `json:"provider" yaml:"provider"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	Model          string  `json:"model" yaml:"model"`
	MaxTokens      int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature    float32 `json:"temperature" yaml:"temperature"`
	ThinkingBudget int     `json:"thinking_budget" yaml:"thinking_budget"`
}

type StorageConfig struct {
	// Driver is file, sqlite or mysql.
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
}

type Config struct {
	DataDir          string `json:"data_dir" yaml:"data_dir"`
	LogLevel         string `json:"log_level" yaml:"log_level"`
	MaxConcurrent    int    `json:"max_concurrent" yaml:"max_concurrent"`
	MaxSteps         int    `json:"max_steps" yaml:"max_steps"`
	SystemPromptPath string `json:"system_prompt_path" yaml:"system_prompt_path"`

	LLM       LLMConfig `json:"llm" yaml:"llm"`
	Anthropic struct {
		APIKey  string `json:"api_key" yaml:"api_key"`
		BaseURL string `json:"base_url" yaml:"base_url"`
	} `json:"anthropic" yaml:"anthropic"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	HTTP    struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen" yaml:"listen"`
	} `json:"http" yaml:"http"`
	Brave struct {
		APIKey  string `json:"api_key" yaml:"api_key"`
		BaseURL string `json:"base_url" yaml:"base_url"`
	} `json:"brave" yaml:"brave"`
	Telegram struct {
		Token        string  `json:"token" yaml:"token"`
		AllowedChats []int64 `json:"allowed_chats,omitempty" yaml:"allowed_chats,omitempty"`
	} `json:"telegram" yaml:"telegram"`
	Slack struct {
		BotToken string `json:"bot_token" yaml:"bot_token"`
	} `json:"slack" yaml:"slack"`

	// Agents maps an agent id to the instructions added to its sessions'
	// system prompt.
	Agents map[string]string `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		DataDir:       filepath.Join(os.Getenv("HOME"), ".turnstile"),
		LogLevel:      "info",
		MaxConcurrent: 4,
		MaxSteps:      40,
	}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 4096
	cfg.LLM.Temperature = 0.7
	cfg.Storage.Driver = "file"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8484"
	return cfg
}

// Load reads path over the defaults. A missing file is created with the
// defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

var envOverrides = []struct {
	name  string
	field func(*Config) *string
}{
	{"OPENAI_API_KEY", func(c *Config) *string { return &c.LLM.APIKey }},
	{"OPENAI_BASE_URL", func(c *Config) *string { return &c.LLM.BaseURL }},
	{"ANTHROPIC_API_KEY", func(c *Config) *string { return &c.Anthropic.APIKey }},
	{"BRAVE_API_KEY", func(c *Config) *string { return &c.Brave.APIKey }},
	{"TELEGRAM_BOT_TOKEN", func(c *Config) *string { return &c.Telegram.Token }},
	{"SLACK_BOT_TOKEN", func(c *Config) *string { return &c.Slack.BotToken }},
	{"TURNSTILE_DATA_DIR", func(c *Config) *string { return &c.DataDir }},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			*o.field(cfg) = v
		}
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg to path atomically, in YAML for .yaml/.yml paths and JSON
// otherwise.
func Save(path string, cfg *Config) error {
	return writeFile(path, cfg)
}

func writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := encode(path, v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested map keyed by its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg to dot-separated keys, masking secrets when mask
// is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// readRaw decodes path into a generic map so keys unknown to Config
// survive a SetValue.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the file's value for a dot-separated key. The file is
// created with defaults if it doesn't exist.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in an existing file. The
// key must be a Config field or an agent id under "agents". Values that
// parse as JSON keep their type when the field accepts it; anything else is
// stored as a string.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	flat := Flatten(raw)
	if _, ok := flat[key]; !ok && !knownKey(key) {
		return fmt.Errorf("unknown config key: %s", key)
	}

	candidates := []any{value}
	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		candidates = []any{parsed, value}
	}
	var fitErr error
	for _, v := range candidates {
		flat[key] = v
		nested, err := Unflatten(flat)
		if err != nil {
			return err
		}
		if fitErr = fits(nested); fitErr == nil {
			return writeFile(path, nested)
		}
	}
	return fmt.Errorf("invalid value for %s: %w", key, fitErr)
}

// knownKey reports whether key names a Config field, including fields
// that are omitted while empty.
func knownKey(key string) bool {
	if id, ok := strings.CutPrefix(key, "agents."); ok {
		return id != "" && !strings.Contains(id, ".")
	}
	sample := Default()
	sample.Telegram.AllowedChats = []int64{0}
	m, err := ToMap(sample)
	if err != nil {
		return false
	}
	_, ok := Flatten(m)[key]
	return ok
}

// fits checks that a nested map decodes into Config.
func fits(nested map[string]any) error {
	data, err := json.Marshal(nested)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &Config{})
}
