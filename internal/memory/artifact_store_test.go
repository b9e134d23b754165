package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

type stubGen struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
	prompts []string
}

func (g *stubGen) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, req.Prompt)
	if g.err != nil {
		return GenerateResult{}, g.err
	}
	return GenerateResult{Content: g.content, TokensOut: 50}, nil
}

type stubColdStore struct {
	mu        sync.Mutex
	available bool
	putErr    error
	objects   map[string][]byte
}

func newStubColdStore(available bool) *stubColdStore {
	return &stubColdStore{available: available, objects: make(map[string][]byte)}
}

func (s *stubColdStore) Available() bool { return s.available }

func (s *stubColdStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.objects[key] = append([]byte(nil), data...)
	return key, nil
}

func (s *stubColdStore) Get(ctx context.Context, locator string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[locator]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func newTestStore(t *testing.T, cold ObjectStore, gen TextGenerator) (*ArtifactStore, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Root = t.TempDir()
	idx, err := NewJSONArtifactIndex(filepath.Join(cfg.Root, "artifact-index.json"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return NewArtifactStore(cfg, idx, cold, gen, NewLogger(nil)), cfg
}

func smallContent() map[string]any {
	return map[string]any{"text": "short answer"}
}

func largeContent() map[string]any {
	return map[string]any{"text": strings.Repeat("lorem ipsum dolor sit amet ", 400)}
}

func TestSaveSmallArtifactStaysInline(t *testing.T) {
	store, cfg := newTestStore(t, nil, nil)
	content := smallContent()

	out, err := store.Save(context.Background(), "alice", "art-1", content, ArtifactMeta{Type: "notes", Topic: "algebra", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if out.Offloaded {
		t.Fatal("small artifact was offloaded")
	}
	if !reflect.DeepEqual(out.Content, content) {
		t.Fatalf("inline content mutated: %+v", out.Content)
	}
	// No payload file may exist for inline artifacts.
	if _, err := os.Stat(filepath.Join(cfg.Root, "artifacts", "alice", "art-1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("payload file exists for inline artifact (err=%v)", err)
	}
}

func TestSaveLargeArtifactOffloadsAndRoundTrips(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	content := largeContent()

	out, err := store.Save(context.Background(), "alice", "art-2", content, ArtifactMeta{Type: "notes", Topic: "latin", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !out.Offloaded || out.Reference == nil {
		t.Fatalf("large artifact not offloaded: %+v", out)
	}
	if out.Reference.Location != LocationLocal {
		t.Fatalf("reference location = %q, want local", out.Reference.Location)
	}
	if out.Reference.ByteSize <= 0 {
		t.Fatalf("reference byte size = %d", out.Reference.ByteSize)
	}

	loaded, err := store.Load(context.Background(), *out.Reference)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(loaded, content) {
		t.Fatal("loaded content differs from original")
	}
}

func TestSavePrefersColdStorageWhenAvailable(t *testing.T) {
	cold := newStubColdStore(true)
	store, _ := newTestStore(t, cold, nil)

	out, err := store.Save(context.Background(), "alice", "art-3", largeContent(), ArtifactMeta{Type: "notes", Topic: "latin"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if out.Reference == nil || out.Reference.Location != LocationCold {
		t.Fatalf("reference = %+v, want cold", out.Reference)
	}
	loaded, err := store.Load(context.Background(), *out.Reference)
	if err != nil {
		t.Fatalf("Load from cold: %v", err)
	}
	if loaded["text"] == "" {
		t.Fatal("cold round trip lost content")
	}
}

func TestSaveWithColdDownFallsBackLocallyWithoutError(t *testing.T) {
	cold := newStubColdStore(false)
	store, _ := newTestStore(t, cold, nil)

	out, err := store.Save(context.Background(), "alice", "art-4", largeContent(), ArtifactMeta{Type: "notes", Topic: "latin"})
	if err != nil {
		t.Fatalf("Save must not fail when cold storage is down: %v", err)
	}
	if out.Ephemeral {
		t.Fatal("local tier should have absorbed the write")
	}
	if out.Reference == nil || out.Reference.Location != LocationLocal {
		t.Fatalf("reference = %+v, want local fallback", out.Reference)
	}
}

func TestSaveDowngradesToEphemeralWhenNothingPersists(t *testing.T) {
	store, cfg := newTestStore(t, nil, nil)
	// Wedge the local tier: make the artifacts path a regular file so
	// directory creation fails on write.
	if err := os.WriteFile(filepath.Join(cfg.Root, "artifacts"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	content := largeContent()
	out, err := store.Save(context.Background(), "alice", "art-5", content, ArtifactMeta{Type: "notes", Topic: "latin"})
	if err != nil {
		t.Fatalf("Save must degrade, not fail: %v", err)
	}
	if !out.Ephemeral {
		t.Fatal("expected ephemeral downgrade")
	}
	if out.Offloaded || out.Reference != nil {
		t.Fatalf("ephemeral outcome carries a reference: %+v", out)
	}
	if !reflect.DeepEqual(out.Content, content) {
		t.Fatal("ephemeral outcome must still return the content")
	}
}

func TestSaveOversizedContentQuarantines(t *testing.T) {
	store, cfg := newTestStore(t, nil, nil)
	store.cfg.MaxArtifactBytes = 64

	_, err := store.Save(context.Background(), "alice", "art-6", largeContent(), ArtifactMeta{Type: "notes"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if !strings.Contains(verr.Reason, "size ceiling") {
		t.Fatalf("reason = %q", verr.Reason)
	}

	entries, err := os.ReadDir(filepath.Join(cfg.Root, "quarantine"))
	if err != nil || len(entries) == 0 {
		t.Fatalf("quarantine dir empty (err=%v)", err)
	}
}

func TestSaveNilContentQuarantines(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	_, err := store.Save(context.Background(), "alice", "", nil, ArtifactMeta{Type: "quiz"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestLoadColdReferenceWithoutBackend(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	ref := Reference{StepID: "a1", Location: LocationCold, Locator: "alice/a1"}
	_, err := store.Load(context.Background(), ref)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
}

func TestLoadMissingLocalReference(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	ref := Reference{StepID: "ghost", Location: LocationLocal, Key: "alice/ghost"}
	_, err := store.Load(context.Background(), ref)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateReferenceFieldAllowlist(t *testing.T) {
	store, _ := newTestStore(t, nil, nil)
	content := map[string]any{
		"text":  strings.Repeat("long body ", 400),
		"title": "Latin notes",
		"extra": "drop me",
	}
	out, err := store.Save(context.Background(), "alice", "art-7", content, ArtifactMeta{Type: "notes", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !out.Offloaded {
		t.Fatal("setup: artifact should offload")
	}

	ref := store.CreateReference("alice", "s1", "art-7", []string{"title"})
	loaded, err := store.Load(context.Background(), ref)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded["title"] != "Latin notes" {
		t.Fatalf("allowlisted load = %+v", loaded)
	}
}

func TestBackgroundCompressionPatchesSummary(t *testing.T) {
	gen := &stubGen{content: "A compact two-sentence summary."}
	store, _ := newTestStore(t, nil, gen)

	out, err := store.Save(context.Background(), "alice", "art-8", smallContent(), ArtifactMeta{Type: "notes", Topic: "algebra"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.WaitBackground()

	rec, ok := store.Record(out.ArtifactID)
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Summary != "A compact two-sentence summary." {
		t.Fatalf("summary not patched: %q", rec.Summary)
	}
}

func TestCompressionFailureKeepsRuleBasedSummary(t *testing.T) {
	gen := &stubGen{err: errors.New("model offline")}
	store, _ := newTestStore(t, nil, gen)

	out, err := store.Save(context.Background(), "alice", "art-9", smallContent(), ArtifactMeta{Type: "quiz", Topic: "algebra"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	store.WaitBackground()

	rec, _ := store.Record(out.ArtifactID)
	if !strings.Contains(rec.Summary, "quiz") || !strings.Contains(rec.Summary, "algebra") {
		t.Fatalf("fallback summary = %q", rec.Summary)
	}
}
