package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Memory is a markdown file of "- fact" lines shared by the memory tools
// and injected into the system prompt.
type Memory struct {
	path string
	mu   sync.Mutex
}

func NewMemory(path string) *Memory { return &Memory{path: path} }

// Entries returns the stored facts without their list markers.
func (m *Memory) Entries() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

func (m *Memory) load() ([]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	var entries []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- "))
		if line != "" {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

func (m *Memory) store(entries []string) error {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString("- " + e + "\n")
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// Add stores fact unless it is already present. Reports whether it was added.
func (m *Memory) Add(fact string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e == fact {
			return false, nil
		}
	}
	return true, m.store(append(entries, fact))
}

// Remove deletes fact. Reports whether it was present.
func (m *Memory) Remove(fact string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.load()
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e == fact {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return false, nil
	}
	return true, m.store(kept)
}

func parseFact(args json.RawMessage) (string, error) {
	var params struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	fact := strings.TrimSpace(params.Content)
	if fact == "" {
		return "", fmt.Errorf("content is required")
	}
	if strings.Contains(fact, "\n") {
		return "", fmt.Errorf("content must be a single line")
	}
	return fact, nil
}

func jsonString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const factSchema = `{
	"type": "object",
	"properties": {
		"content": {"type": "string", "description": "%s"}
	},
	"required": ["content"]
}`

// MemorySave adds a fact to memory.
type MemorySave struct{ mem *Memory }

func NewMemorySave(mem *Memory) *MemorySave { return &MemorySave{mem: mem} }

func (t *MemorySave) Name() string        { return "memory_save" }
func (t *MemorySave) Description() string { return "Save a fact or preference to persistent memory" }
func (t *MemorySave) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(factSchema, "The fact or preference to remember, as one line"))
}

func (t *MemorySave) Execute(_ context.Context, args json.RawMessage) (string, error) {
	fact, err := parseFact(args)
	if err != nil {
		return "", err
	}
	added, err := t.mem.Add(fact)
	if err != nil {
		return "", err
	}
	return jsonString(map[string]any{"saved": added, "content": fact})
}

// MemoryDelete removes a fact from memory.
type MemoryDelete struct{ mem *Memory }

func NewMemoryDelete(mem *Memory) *MemoryDelete { return &MemoryDelete{mem: mem} }

func (t *MemoryDelete) Name() string        { return "memory_delete" }
func (t *MemoryDelete) Description() string { return "Delete a fact or preference from persistent memory" }
func (t *MemoryDelete) Parameters() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(factSchema, "The exact fact to forget, as listed by memory_list"))
}

func (t *MemoryDelete) Execute(_ context.Context, args json.RawMessage) (string, error) {
	fact, err := parseFact(args)
	if err != nil {
		return "", err
	}
	removed, err := t.mem.Remove(fact)
	if err != nil {
		return "", err
	}
	return jsonString(map[string]any{"deleted": removed, "content": fact})
}

// MemoryList returns every stored fact.
type MemoryList struct{ mem *Memory }

func NewMemoryList(mem *Memory) *MemoryList { return &MemoryList{mem: mem} }

func (t *MemoryList) Name() string        { return "memory_list" }
func (t *MemoryList) Description() string { return "List all facts and preferences in persistent memory" }
func (t *MemoryList) Parameters() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *MemoryList) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	entries, err := t.mem.Entries()
	if err != nil {
		return "", err
	}
	if entries == nil {
		entries = []string{}
	}
	return jsonString(map[string]any{"memories": entries})
}
