package state

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/turnstile/internal/types"
)

type storedArtifact struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Data json.RawMessage     `json:"data"`
}

// ArtifactStore keeps oversized tool outputs, one JSON file per artifact at
// sessions/<sessionID>/artifacts/<artifactID>.json.
type ArtifactStore struct {
	root string
}

func NewArtifactStore(root string) *ArtifactStore {
	return &ArtifactStore{root: root}
}

func (a *ArtifactStore) dir(sessionID types.SessionID) string {
	return filepath.Join(a.root, "sessions", string(sessionID), "artifacts")
}

// safeName rejects ids that would escape the store directory.
func safeName(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

// load finds an artifact by id in any session. Artifact ids are UUIDs, so
// anything else is reported missing without touching the disk.
func (a *ArtifactStore) load(id types.ArtifactID) (*storedArtifact, error) {
	if uuid.Validate(string(id)) != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrArtifactNotFound, id)
	}
	matches, err := filepath.Glob(filepath.Join(a.root, "sessions", "*", "artifacts", string(id)+".json"))
	if err != nil {
		return nil, fmt.Errorf("glob artifact: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrArtifactNotFound, id)
	}
	var stored storedArtifact
	if err := readJSON(matches[0], &stored); err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", id, err)
	}
	return &stored, nil
}

// Put stores data and returns the new artifact's id. Strings are recorded
// as text/plain, anything else as application/json.
func (a *ArtifactStore) Put(_ context.Context, sessionID types.SessionID, runID types.RunID, tool string, data any) (types.ArtifactID, error) {
	if !safeName(string(sessionID)) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal artifact data: %w", err)
	}
	meta := &types.ArtifactMeta{
		ID:        types.NewArtifactID(),
		SessionID: sessionID,
		RunID:     runID,
		Tool:      tool,
		CreatedAt: time.Now(),
		MimeType:  "application/json",
		Size:      len(raw),
	}
	if _, ok := data.(string); ok {
		meta.MimeType = "text/plain"
	}
	path := filepath.Join(a.dir(sessionID), string(meta.ID)+".json")
	if err := writeJSONAtomic(path, &storedArtifact{Meta: meta, Data: raw}); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return meta.ID, nil
}

func (a *ArtifactStore) Get(_ context.Context, id types.ArtifactID) (json.RawMessage, error) {
	stored, err := a.load(id)
	if err != nil {
		return nil, err
	}
	return stored.Data, nil
}

func (a *ArtifactStore) GetMeta(_ context.Context, id types.ArtifactID) (*types.ArtifactMeta, error) {
	stored, err := a.load(id)
	if err != nil {
		return nil, err
	}
	return stored.Meta, nil
}

// List returns the metadata of a session's artifacts, oldest first. A
// session without artifacts yields an empty list.
func (a *ArtifactStore) List(_ context.Context, sessionID types.SessionID) ([]*types.ArtifactMeta, error) {
	if !safeName(string(sessionID)) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	entries, err := os.ReadDir(a.dir(sessionID))
	if os.IsNotExist(err) {
		return []*types.ArtifactMeta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	metas := make([]*types.ArtifactMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		var stored storedArtifact
		if err := readJSON(filepath.Join(a.dir(sessionID), entry.Name()), &stored); err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", entry.Name(), err)
		}
		metas = append(metas, stored.Meta)
	}
	slices.SortFunc(metas, func(x, y *types.ArtifactMeta) int {
		return cmp.Or(x.CreatedAt.Compare(y.CreatedAt), strings.Compare(string(x.ID), string(y.ID)))
	})
	return metas, nil
}
