package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ArtifactStore owns artifact payload persistence: the inline-vs-offload
// decision, the quarantine sink for invalid content, reference resolution,
// and the index projection.
type ArtifactStore struct {
	cfg   Config
	est   Estimator
	local *DirObjectStore
	cold  ObjectStore
	index ArtifactIndex
	gen   TextGenerator
	log   *Logger

	mu      sync.Mutex
	records map[string]*ArtifactRecord
	bg      sync.WaitGroup
}

func NewArtifactStore(cfg Config, index ArtifactIndex, cold ObjectStore, gen TextGenerator, logger *Logger) *ArtifactStore {
	return &ArtifactStore{
		cfg:     cfg,
		est:     NewEstimator(cfg.CharsPerToken),
		local:   NewDirObjectStore(filepath.Join(cfg.Root, "artifacts")),
		cold:    cold,
		index:   index,
		gen:     gen,
		log:     logger,
		records: make(map[string]*ArtifactRecord),
	}
}

// Save validates content, decides inline vs offload, persists the payload
// when offloading, and updates the index.
//
// Persistence failures never fail the call: the outcome downgrades to
// ephemeral and the content is still returned so the turn can complete.
// Validation failures do fail the call, after the content is diverted to
// the quarantine sink.
func (s *ArtifactStore) Save(ctx context.Context, ownerID, id string, content map[string]any, meta ArtifactMeta) (StorageOutcome, error) {
	now := time.Now()
	if id == "" {
		id = NewArtifactID(meta.Type, meta.Topic, now)
	}

	if content == nil {
		s.quarantine(id, ownerID, nil, "nil content")
		return StorageOutcome{}, &ValidationError{ArtifactID: id, Reason: "nil content"}
	}
	data, err := json.Marshal(content)
	if err != nil {
		s.quarantine(id, ownerID, []byte(fmt.Sprint(content)), "not json-serializable")
		return StorageOutcome{}, &ValidationError{ArtifactID: id, Reason: "not json-serializable", Err: err}
	}
	if int64(len(data)) > s.cfg.MaxArtifactBytes {
		s.quarantine(id, ownerID, data, "exceeds size ceiling")
		return StorageOutcome{}, &ValidationError{
			ArtifactID: id,
			Reason:     fmt.Sprintf("exceeds size ceiling (%d > %d bytes)", len(data), s.cfg.MaxArtifactBytes),
		}
	}

	tokens := s.est.EstimateText(string(data))
	rec := &ArtifactRecord{
		ID:        id,
		Type:      meta.Type,
		Topic:     meta.Topic,
		TurnIndex: meta.TurnIndex,
		Summary:   ruleBasedArtifactSummary(meta, tokens),
		CreatedAt: now,
	}

	outcome := StorageOutcome{ArtifactID: id}
	if tokens < s.cfg.OffloadThresholdTokens {
		rec.Inline = content
		outcome.Content = content
	} else {
		ref, persisted := s.offload(ctx, ownerID, meta.SessionID, id, data)
		if persisted {
			rec.Ref = ref
			outcome.Offloaded = true
			outcome.Reference = ref
		} else {
			// Could not be persisted anywhere this turn; the caller
			// still gets the content, flagged as ephemeral.
			rec.Inline = content
			outcome.Content = content
			outcome.Ephemeral = true
		}
	}

	s.mu.Lock()
	s.records[id] = rec
	s.mu.Unlock()

	if !outcome.Ephemeral {
		entry := IndexEntry{
			ID:            id,
			Type:          meta.Type,
			Topic:         meta.Topic,
			SessionID:     meta.SessionID,
			TokenEstimate: tokens,
			Offloaded:     outcome.Offloaded,
		}
		if err := s.index.Upsert(entry); err != nil {
			s.log.Warn("artifact index upsert failed", map[string]interface{}{
				"artifact": id, "error": err.Error(),
			})
		}
	}

	s.scheduleCompression(id, meta, data)
	return outcome, nil
}

// offload writes the payload to cold storage when available, otherwise to
// the local tier. Returns the reference and whether any write succeeded.
func (s *ArtifactStore) offload(ctx context.Context, ownerID, sessionID, id string, data []byte) (*Reference, bool) {
	key := ownerID + "/" + id
	ref := &Reference{
		OwnerID:   ownerID,
		SessionID: sessionID,
		StepID:    id,
		Key:       key,
		ByteSize:  int64(len(data)),
	}

	if s.cold != nil && s.cold.Available() {
		locator, err := s.cold.Put(ctx, key, data, "application/json")
		if err == nil {
			ref.Location = LocationCold
			ref.Locator = locator
			return ref, true
		}
		s.log.Warn("cold storage write failed, falling back to local tier", map[string]interface{}{
			"artifact": id, "error": err.Error(),
		})
	}

	if _, err := s.local.Put(ctx, key, data, "application/json"); err != nil {
		s.log.Error("artifact write failed, downgrading to ephemeral", map[string]interface{}{
			"artifact": id, "error": err.Error(),
		})
		return nil, false
	}
	ref.Location = LocationLocal
	return ref, true
}

// Load resolves a reference back to content, applying the reference's field
// allowlist so retrieval cost stays bounded.
func (s *ArtifactStore) Load(ctx context.Context, ref Reference) (map[string]any, error) {
	var data []byte
	var err error
	switch ref.Location {
	case LocationCold:
		if s.cold == nil || !s.cold.Available() {
			return nil, fmt.Errorf("reference %s needs cold storage: %w", ref.StepID, ErrBackendUnavailable)
		}
		data, err = s.cold.Get(ctx, ref.Locator)
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", ref.StepID, ErrNotFound)
		}
	default:
		data, err = s.local.Get(ctx, ref.Key)
		if err != nil {
			return nil, err
		}
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("artifact %s payload corrupt: %w", ref.StepID, err)
	}
	if len(ref.Fields) > 0 {
		content = restrictFields(content, ref.Fields)
	}
	return content, nil
}

// CreateReference builds a reference without touching the payload, so
// pipeline steps can pass pointers instead of payloads. fields restricts
// what a later Load exposes.
func (s *ArtifactStore) CreateReference(ownerID, sessionID, stepID string, fields []string) Reference {
	ref := Reference{
		OwnerID:   ownerID,
		SessionID: sessionID,
		StepID:    stepID,
		Location:  LocationLocal,
		Key:       ownerID + "/" + stepID,
		Fields:    fields,
	}
	s.mu.Lock()
	if rec, ok := s.records[stepID]; ok && rec.Ref != nil {
		ref.Location = rec.Ref.Location
		ref.Locator = rec.Ref.Locator
		ref.ByteSize = rec.Ref.ByteSize
	}
	s.mu.Unlock()
	return ref
}

// Record returns the store's current view of an artifact, including the
// summary patched in by background compression.
func (s *ArtifactStore) Record(id string) (ArtifactRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ArtifactRecord{}, false
	}
	return *rec, true
}

// scheduleCompression regenerates the artifact's summary through the text
// generator after the turn has already returned. Fire-and-forget: failures
// leave the rule-based summary in place.
func (s *ArtifactStore) scheduleCompression(id string, meta ArtifactMeta, data []byte) {
	if s.gen == nil {
		return
	}
	payload := string(data)
	if len(payload) > 8000 {
		payload = payload[:8000]
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		prompt := fmt.Sprintf(
			"Compress this generated %s artifact about %q into two sentences usable as conversation context:\n%s",
			meta.Type, meta.Topic, payload)
		res, err := s.gen.Generate(context.Background(), GenerateRequest{
			Prompt:      prompt,
			Format:      FormatText,
			Temperature: 0.2,
			MaxTokens:   200,
		})
		if err != nil || res.Content == "" {
			if err != nil {
				s.log.Warn("artifact compression failed, keeping rule-based summary", map[string]interface{}{
					"artifact": id, "error": err.Error(),
				})
			}
			return
		}
		s.mu.Lock()
		if rec, ok := s.records[id]; ok {
			rec.Summary = res.Content
		}
		s.mu.Unlock()
	}()
}

// WaitBackground blocks until in-flight compression tasks finish. Nothing
// cancels them mid-flight; this exists for orderly shutdown.
func (s *ArtifactStore) WaitBackground() {
	s.bg.Wait()
}

// quarantine diverts rejected content to a separate directory, tagged with
// the rejection reason. Content is never silently dropped.
func (s *ArtifactStore) quarantine(id, ownerID string, raw []byte, reason string) {
	dir := filepath.Join(s.cfg.Root, "quarantine")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Error("quarantine dir create failed", map[string]interface{}{"error": err.Error()})
		return
	}
	entry := map[string]any{
		"artifact_id": id,
		"owner_id":    ownerID,
		"reason":      reason,
		"content":     string(raw),
		"time":        time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.MarshalIndent(entry, "", "  ")
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.json", id, time.Now().UnixNano()))
	if err := atomicWrite(path, data); err != nil {
		s.log.Error("quarantine write failed", map[string]interface{}{
			"artifact": id, "error": err.Error(),
		})
	}
}

func ruleBasedArtifactSummary(meta ArtifactMeta, tokens int) string {
	topic := meta.Topic
	if topic == "" {
		topic = "an unspecified topic"
	}
	kind := meta.Type
	if kind == "" {
		kind = "artifact"
	}
	return fmt.Sprintf("Generated %s on %s (~%d tokens).", kind, topic, tokens)
}

func restrictFields(content map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := content[f]; ok {
			out[f] = v
		}
	}
	return out
}
