package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/user/turnstile/internal/config"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/state/sqlstore"
)

func TestOpenSessionsFile(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	sessions, closeStore, err := openSessions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if _, ok := sessions.(*state.SessionStore); !ok {
		t.Errorf("expected file store, got %T", sessions)
	}
	if _, ok := sessions.(sessionDeleter); !ok {
		t.Error("file store should support delete")
	}
}

func TestOpenSessionsSQLiteDefaultDSN(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Storage.Driver = "sqlite"

	sessions, closeStore, err := openSessions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	if _, ok := sessions.(*sqlstore.Store); !ok {
		t.Errorf("expected sql store, got %T", sessions)
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "turnstile.db")); err != nil {
		t.Errorf("expected database in data dir: %v", err)
	}
}

func TestOpenSessionsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "postgres"
	if _, _, err := openSessions(cfg); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestProvidersRouting(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.APIKey = "sk-test"
	cfg.Anthropic.APIKey = "ant-test"
	cfg.LLM.ThinkingBudget = 2048

	p := providers(cfg)
	if p.OpenAI.APIKey != "sk-test" || p.OpenAI.Model != "gpt-4o" {
		t.Errorf("openai config = %+v", p.OpenAI)
	}
	if p.Anthropic.APIKey != "ant-test" || p.Anthropic.ThinkingBudget != 2048 {
		t.Errorf("anthropic config = %+v", p.Anthropic)
	}
	if _, err := p.Resolve("claude-sonnet-4-5"); err != nil {
		t.Errorf("resolve claude: %v", err)
	}
	if _, err := p.Resolve("gpt-4o"); err != nil {
		t.Errorf("resolve gpt: %v", err)
	}
}
