package telegram

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// keyBook remembers how many times each chat ran /new.
type keyBook struct {
	path string

	mu     sync.Mutex
	gens   map[string]int
	loaded bool
}

func newKeyBook(path string) *keyBook {
	return &keyBook{path: path, gens: make(map[string]int)}
}

func (k *keyBook) load() {
	if k.loaded || k.path == "" {
		return
	}
	k.loaded = true
	data, err := os.ReadFile(k.path)
	if err != nil {
		return
	}
	json.Unmarshal(data, &k.gens)
}

func (k *keyBook) generation(chatID int64) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.load()
	return k.gens[strconv.FormatInt(chatID, 10)]
}

func (k *keyBook) rotate(chatID int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.load()
	k.gens[strconv.FormatInt(chatID, 10)]++
	if k.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(k.gens, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write keys: %w", err)
	}
	return os.Rename(tmp, k.path)
}
