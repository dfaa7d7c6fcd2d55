package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	clearEnv(t)
	return filepath.Join(t.TempDir(), "config.json")
}

// clearEnv blanks every override so the host environment can't leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, o := range envOverrides {
		t.Setenv(o.name, "")
	}
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func fullConfig() *Config {
	cfg := Default()
	cfg.DataDir = "/srv/turnstile"
	cfg.LogLevel = "debug"
	cfg.MaxSteps = 20
	cfg.LLM.APIKey = "sk-test-round-trip"
	cfg.LLM.Temperature = 0.5
	cfg.LLM.ThinkingBudget = 2048
	cfg.Anthropic.APIKey = "sk-ant-123456789"
	cfg.Storage = StorageConfig{Driver: "mysql", DSN: "u:p@tcp(db:3306)/turnstile"}
	cfg.HTTP.Enabled = false
	cfg.Brave.APIKey = "brave-key-123"
	cfg.Telegram.Token = "bot-token-456"
	cfg.Telegram.AllowedChats = []int64{42, -100}
	cfg.Slack.BotToken = "xoxb-789"
	cfg.Agents = map[string]string{"coder": "Write Go."}
	return cfg
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), name)
			original := fullConfig()
			writeTestConfig(t, path, original)

			loaded, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(loaded, original) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, original)
			}
		})
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults should be written: %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"llm":{"model":"claude-sonnet-4-5"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Errorf("expected model from file, got %q", cfg.LLM.Model)
	}
	if cfg.LLM.Provider != "openai" || cfg.MaxConcurrent != 4 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Default()
	cfg.LLM.APIKey = "from-file"
	writeTestConfig(t, path, cfg)

	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-env")
	t.Setenv("SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("TURNSTILE_DATA_DIR", "/srv/turnstile")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LLM.APIKey != "from-env" {
		t.Errorf("env should win over file, got %q", loaded.LLM.APIKey)
	}
	if loaded.Anthropic.APIKey != "anthropic-env" || loaded.Slack.BotToken != "xoxb-env" || loaded.DataDir != "/srv/turnstile" {
		t.Errorf("unexpected overrides %+v", loaded)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
llm:
  model: claude-opus-4
  thinking_budget: 4096
storage:
  driver: mysql
  dsn: user:pass@tcp(db:3306)/turnstile
telegram:
  allowed_chats: [42, 43]
agents:
  ops: Keep the servers up.
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "claude-opus-4" || cfg.LLM.ThinkingBudget != 4096 {
		t.Errorf("unexpected llm %+v", cfg.LLM)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Storage.DSN == "" {
		t.Errorf("unexpected storage %+v", cfg.Storage)
	}
	if len(cfg.Telegram.AllowedChats) != 2 || cfg.Agents["ops"] != "Keep the servers up." {
		t.Errorf("unexpected config %+v", cfg)
	}

	if err := SetValue(path, "llm.model", "gpt-4.1"); err != nil {
		t.Fatal(err)
	}
	v, err := GetValue(path, "llm.model")
	if err != nil {
		t.Fatal(err)
	}
	if v != "gpt-4.1" {
		t.Errorf("expected yaml set to round-trip, got %v", v)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "model: gpt-4.1") {
		t.Errorf("file should stay YAML, got:\n%s", data)
	}
}

func TestSaveWritesPrivateFileAtomically(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.json")
	writeTestConfig(t, path, fullConfig())

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Save should create parent directories: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config holds credentials, expected 0600, got %o", perm)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestListValues(t *testing.T) {
	cfg := fullConfig()
	tests := []struct {
		key      string
		masked   any
		unmasked any
	}{
		{"llm.api_key", "***trip", "sk-test-round-trip"},
		{"anthropic.api_key", "***6789", "sk-ant-123456789"},
		{"storage.dsn", "***tile", "u:p@tcp(db:3306)/turnstile"},
		{"slack.bot_token", "***", "xoxb-789"},
		{"log_level", "debug", "debug"},
		{"max_steps", float64(20), float64(20)},
		{"agents.coder", "Write Go.", "Write Go."},
	}
	masked, err := ListValues(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		if masked[tt.key] != tt.masked {
			t.Errorf("masked %s = %v, want %v", tt.key, masked[tt.key], tt.masked)
		}
		if plain[tt.key] != tt.unmasked {
			t.Errorf("%s = %v, want %v", tt.key, plain[tt.key], tt.unmasked)
		}
	}
}

func TestGetValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, fullConfig())

	tests := []struct {
		key  string
		want any
	}{
		{"log_level", "debug"},
		{"llm.model", "gpt-4o"},
		{"max_concurrent", float64(4)},
		{"http.enabled", false},
		{"agents.coder", "Write Go."},
	}
	for _, tt := range tests {
		v, err := GetValue(path, tt.key)
		if err != nil {
			t.Errorf("GetValue(%q): %v", tt.key, err)
			continue
		}
		if v != tt.want {
			t.Errorf("GetValue(%q) = %v (%T), want %v", tt.key, v, v, tt.want)
		}
	}

	if _, err := GetValue(path, "nonexistent.key"); err == nil || err.Error() != "unknown config key: nonexistent.key" {
		t.Errorf("unexpected error for unknown key: %v", err)
	}
}

func TestGetValue_CreatesMissingFile(t *testing.T) {
	path := tempConfigPath(t)
	v, err := GetValue(path, "storage.driver")
	if err != nil {
		t.Fatal(err)
	}
	if v != "file" {
		t.Errorf("expected the default driver, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  any
	}{
		{"log_level", "warn", "warn"},
		{"max_concurrent", "16", float64(16)},
		{"http.enabled", "false", false},
		{"llm.temperature", "0.3", 0.3},
		{"llm.model", "claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"storage.dsn", "/var/lib/turnstile.db", "/var/lib/turnstile.db"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			path := tempConfigPath(t)
			writeTestConfig(t, path, fullConfig())

			if err := SetValue(path, tt.key, tt.value); err != nil {
				t.Fatalf("SetValue: %v", err)
			}
			if v, _ := GetValue(path, tt.key); v != tt.want {
				t.Errorf("got %v (%T), want %v", v, v, tt.want)
			}
			// Everything else survives.
			if v, _ := GetValue(path, "telegram.token"); v != "bot-token-456" {
				t.Errorf("telegram.token lost: %v", v)
			}
		})
	}
}

func TestSetValue_AgentInstructions(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	if err := SetValue(path, "agents.reviewer", "Review pull requests tersely."); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agents["reviewer"] != "Review pull requests tersely." {
		t.Errorf("expected agent instructions, got %v", cfg.Agents)
	}
}

func TestSetValue_RejectsUnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	for _, key := range []string{"custom.setting", "llm.modle", "agents.", "agents.a.b", "llm"} {
		if err := SetValue(path, key, "x"); err == nil {
			t.Errorf("SetValue(%q) should fail", key)
		}
	}
}

func TestSetValue_TypeChecked(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	if err := SetValue(path, "max_steps", "lots"); err == nil {
		t.Error("a non-numeric max_steps should be rejected")
	}
	if v, _ := GetValue(path, "max_steps"); v != float64(40) {
		t.Errorf("rejected value must not be written, got %v", v)
	}

	// Numeric-looking credentials stay strings.
	if err := SetValue(path, "brave.api_key", "123456789012"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "telegram.allowed_chats", "[42, -100]"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Brave.APIKey != "123456789012" {
		t.Errorf("expected the key as a string, got %q", cfg.Brave.APIKey)
	}
	if !reflect.DeepEqual(cfg.Telegram.AllowedChats, []int64{42, -100}) {
		t.Errorf("unexpected allowed chats %v", cfg.Telegram.AllowedChats)
	}
}

func TestSetValue_NeedsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
