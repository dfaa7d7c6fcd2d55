package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/user/turnstile/internal/config"
)

func TestRunSetupKeepsDefaultsOnEnter(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-live-abcdefgh1234"
	// model, storage driver, sqlite DSN and max tokens are answered; the
	// rest keep their values.
	in := strings.NewReader("\n\ngpt-4.1\n\nsqlite\n/tmp/t.db\n\n\n\n2048\n")
	var out bytes.Buffer
	if err := runSetup(in, &out, cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.LLM.Model != "gpt-4.1" || cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "/tmp/t.db" {
		t.Errorf("answers not applied: %+v %+v", cfg.LLM, cfg.Storage)
	}
	if cfg.LLM.APIKey != "sk-live-abcdefgh1234" || cfg.LLM.MaxTokens != 2048 {
		t.Errorf("unexpected llm config %+v", cfg.LLM)
	}
	if strings.Contains(out.String(), "sk-live") || !strings.Contains(out.String(), "***1234") {
		t.Errorf("secret default not masked:\n%s", out.String())
	}
}

func TestRunSetupSkipsDSNForFileStorage(t *testing.T) {
	cfg := config.Default()
	var out bytes.Buffer
	if err := runSetup(strings.NewReader(""), &out, cfg); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out.String(), "Storage DSN") {
		t.Error("file storage should not ask for a DSN")
	}
}

func TestRunSetupRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	in := strings.NewReader("\n\n\n\npostgres\n")
	if err := runSetup(in, &bytes.Buffer{}, cfg); err == nil || !strings.Contains(err.Error(), "postgres") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}
