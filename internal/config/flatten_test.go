package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestIsSecretKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"llm.api_key", true},
		{"anthropic.api_key", true},
		{"brave.api_key", true},
		{"telegram.token", true},
		{"slack.bot_token", true},
		{"storage.dsn", true},
		{"storage.driver", false},
		{"llm.model", false},
		{"api_key", false},
		{"agents.token", false},
		{"llm.api_key.extra", false},
	}
	for _, tt := range tests {
		if got := IsSecretKey(tt.key); got != tt.want {
			t.Errorf("IsSecretKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestFlattenConfigSections(t *testing.T) {
	got := Flatten(map[string]any{
		"log_level": "info",
		"storage":   map[string]any{"driver": "sqlite", "dsn": "file:turnstile.db"},
		"agents":    map[string]any{"reviewer": "Review tersely."},
		"telegram":  map[string]any{"allowed_chats": []any{42.0}},
		"http":      map[string]any{},
	})
	want := map[string]any{
		"log_level":              "info",
		"storage.driver":         "sqlite",
		"storage.dsn":            "file:turnstile.db",
		"agents.reviewer":        "Review tersely.",
		"telegram.allowed_chats": []any{42.0},
		"http":                   map[string]any{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten =\n%v\nwant\n%v", got, want)
	}
}

func TestKeysSorted(t *testing.T) {
	flat := map[string]any{"slack.bot_token": "", "agents.a": "", "llm.model": "", "llm": ""}
	want := []string{"agents.a", "llm", "llm.model", "slack.bot_token"}
	if got := Keys(flat); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys = %v, want %v", got, want)
	}
}

func TestUnflattenRebuildsConfigMap(t *testing.T) {
	cfg := Default()
	cfg.Storage.DSN = "user:pw@tcp(db:3306)/turnstile"
	cfg.Agents = map[string]string{"triage": "Label issues."}
	m, err := ToMap(cfg)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Unflatten(Flatten(m))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("round trip changed the map:\n%v\nwant\n%v", got, m)
	}
}

func TestUnflattenConflict(t *testing.T) {
	_, err := Unflatten(map[string]any{
		"llm":       "openai",
		"llm.model": "gpt-4o",
	})
	if err == nil {
		t.Fatal("expected a conflict between llm and llm.model")
	}
	if !strings.Contains(err.Error(), "llm is a value") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.api_key":       "sk-secret-key-1234",
		"anthropic.api_key": "sk-ant-api03-wxyz",
		"slack.bot_token":   "xoxb-1-2-tokn",
		"storage.dsn":       "user:hunter2@tcp(db)/ts",
		"telegram.token":    "short",
		"brave.api_key":     "",
		"storage.driver":    "mysql",
		"max_steps":         40.0,
	}
	got := MaskSecrets(flat)
	want := map[string]any{
		"llm.api_key":       "***1234",
		"anthropic.api_key": "***wxyz",
		"slack.bot_token":   "***tokn",
		"storage.dsn":       "***)/ts",
		"telegram.token":    "***",
		"brave.api_key":     "",
		"storage.driver":    "mysql",
		"max_steps":         40.0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MaskSecrets =\n%v\nwant\n%v", got, want)
	}
	if flat["llm.api_key"] != "sk-secret-key-1234" {
		t.Error("MaskSecrets must not modify its input")
	}
}

func TestMaskSecretsMultibyte(t *testing.T) {
	got := MaskSecrets(map[string]any{"llm.api_key": "ключ-секрет-ёжик"})
	if got["llm.api_key"] != "***ёжик" {
		t.Errorf("expected the last four runes, got %v", got["llm.api_key"])
	}
}
