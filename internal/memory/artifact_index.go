package memory

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ArtifactIndex catalogs artifact metadata for filtered lookup without
// loading payloads. Exactly one entry per artifact id; Upsert replaces.
type ArtifactIndex interface {
	Upsert(entry IndexEntry) error
	Get(id string) (IndexEntry, bool, error)
	Query(q IndexQuery) ([]IndexEntry, error)
}

// JSONArtifactIndex keeps the catalog in memory and rewrites a snapshot
// file on every upsert. The snapshot is reloaded on construction, which is
// how the index survives process restarts.
type JSONArtifactIndex struct {
	path string

	mu      sync.RWMutex
	entries map[string]IndexEntry
}

type indexSnapshot struct {
	UpdatedAt time.Time    `json:"updated_at"`
	Entries   []IndexEntry `json:"entries"`
}

func NewJSONArtifactIndex(path string) (*JSONArtifactIndex, error) {
	idx := &JSONArtifactIndex{
		path:    path,
		entries: make(map[string]IndexEntry),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return idx, nil
		}
		return nil, err
	}
	var snap indexSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot loses listing state but not payloads;
		// start empty rather than failing construction.
		return idx, nil
	}
	for _, e := range snap.Entries {
		idx.entries[e.ID] = e
	}
	return idx, nil
}

func (x *JSONArtifactIndex) Upsert(entry IndexEntry) error {
	if entry.ID == "" {
		return errors.New("index entry missing id")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	entry.UpdatedAt = time.Now().UTC()
	x.entries[entry.ID] = entry
	return x.snapshotLocked()
}

func (x *JSONArtifactIndex) Get(id string) (IndexEntry, bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok, nil
}

func (x *JSONArtifactIndex) Query(q IndexQuery) ([]IndexEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []IndexEntry
	topic := strings.ToLower(q.Topic)
	for _, e := range x.entries {
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if topic != "" && !strings.Contains(strings.ToLower(e.Topic), topic) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (x *JSONArtifactIndex) snapshotLocked() error {
	snap := indexSnapshot{
		UpdatedAt: time.Now().UTC(),
		Entries:   make([]IndexEntry, 0, len(x.entries)),
	}
	for _, e := range x.entries {
		snap.Entries = append(snap.Entries, e)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].ID < snap.Entries[j].ID })
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return err
	}
	return atomicWrite(x.path, data)
}
