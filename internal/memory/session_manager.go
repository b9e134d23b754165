package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the process-wide entry point: it owns the per-owner
// SessionManager map, the process instance id, and the shared
// collaborators. Construct one at process start and pass it by handle.
//
// One logical writer per owner at a time is assumed; the registry's locks
// do not extend across processes.
type Registry struct {
	cfg        Config
	gen        TextGenerator
	cold       ObjectStore
	log        *Logger
	instanceID string

	mu       sync.RWMutex
	managers map[string]*SessionManager
}

func NewRegistry(cfg Config, gen TextGenerator, cold ObjectStore, logger *Logger) *Registry {
	cfg = cfg.normalized()
	if logger == nil {
		logger = NewLogger(nil)
	}
	return &Registry{
		cfg:        cfg,
		gen:        gen,
		cold:       cold,
		log:        logger,
		instanceID: NewInstanceID(),
		managers:   make(map[string]*SessionManager),
	}
}

func (r *Registry) InstanceID() string { return r.instanceID }

func (r *Registry) Config() Config { return r.cfg }

// Manager returns the owner's SessionManager, creating it on first access.
// Fast path is an unlocked-read (RLock) lookup; the write lock re-checks
// before constructing so concurrent first access yields one instance.
func (r *Registry) Manager(ownerID string) *SessionManager {
	r.mu.RLock()
	m, ok := r.managers[ownerID]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[ownerID]; ok {
		return m
	}
	m = &SessionManager{
		reg:   r,
		owner: ownerID,
		comp:  NewCompactor(r.cfg, r.gen, r.log),
	}
	r.managers[ownerID] = m
	return m
}

// ListSessions summarizes every session sidecar for an owner, newest
// activity first.
func (r *Registry) ListSessions(ownerID string) ([]Session, error) {
	dir := ownerDir(r.cfg, ownerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		sess, err := LoadSession(r.cfg, ownerID, strings.TrimSuffix(name, ".meta.json"))
		if err != nil {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	return out, nil
}

// Cleanup hard-deletes one session's files. This is the only path that
// removes history; everything else copies out.
func (r *Registry) Cleanup(ownerID, sessionID string) error {
	m := r.Manager(ownerID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.sess.ID == sessionID {
		m.active = nil
	}
	dir := ownerDir(r.cfg, ownerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), sessionID+".") {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// SessionManager serializes all session mutation for one owner. Concurrent
// turns for the same owner queue on mu; different owners proceed
// independently.
type SessionManager struct {
	reg   *Registry
	owner string
	comp  *Compactor

	mu     sync.Mutex
	active *SessionLog
}

// StartOrContinue decides which session a message belongs to:
//
//  1. explicit session id: force-bind, archiving stale-instance files;
//  2. no active session: restore if the instance marker allows, else new;
//  3. "start over" intent: roll over;
//  4. inactivity past the ceiling: roll over;
//  5. otherwise continue the active session.
func (m *SessionManager) StartOrContinue(ctx context.Context, message string, now time.Time, explicitSessionID string) (*SessionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if explicitSessionID != "" {
		return m.bindExplicit(ctx, explicitSessionID, now)
	}

	if m.active == nil {
		if l, ok := RestoreSessionLog(m.reg.cfg, m.comp, m.reg.cold, m.reg.log, m.owner, m.reg.instanceID); ok {
			m.active = l
		} else {
			return m.startNew(ctx, now, nil)
		}
	}

	if m.matchesStartOver(message) {
		return m.rollOver(ctx, now)
	}
	if now.Sub(m.active.sess.LastActivity) > m.reg.cfg.InactivityCeiling() {
		return m.rollOver(ctx, now)
	}
	return m.active, nil
}

// AppendTurn appends under the owner's lock. Compaction triggered inside
// Append runs to completion before the lock is released.
func (m *SessionManager) AppendTurn(ctx context.Context, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return fmt.Errorf("owner %s: no active session", m.owner)
	}
	return m.active.Append(ctx, turn)
}

// Active returns the current session log, which may be nil before the
// first StartOrContinue.
func (m *SessionManager) Active() *SessionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *SessionManager) bindExplicit(ctx context.Context, sessionID string, now time.Time) (*SessionLog, error) {
	sess, err := LoadSession(m.reg.cfg, m.owner, sessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return m.startWithID(sessionID, now, nil)
	case err != nil:
		return nil, err
	}

	if sess.InstanceID != m.reg.instanceID {
		// Stale instance: set the old files aside and restart under the
		// same id with reset counters.
		stale, err := openSessionLog(m.reg.cfg, m.comp, m.reg.cold, m.reg.log, sess)
		if err == nil {
			if err := stale.ArchiveRename("instance mismatch on explicit bind"); err != nil {
				return nil, err
			}
		}
		return m.startWithID(sessionID, now, nil)
	}

	l, err := openSessionLog(m.reg.cfg, m.comp, m.reg.cold, m.reg.log, sess)
	if err != nil {
		return nil, err
	}
	l.ReconcileTurnCount()
	m.active = l
	return l, nil
}

func (m *SessionManager) rollOver(ctx context.Context, now time.Time) (*SessionLog, error) {
	outgoing := m.active
	inherited := m.buildInherited(ctx, outgoing)
	if err := outgoing.Finalize(ctx); err != nil {
		m.reg.log.Warn("finalize on rollover failed", map[string]interface{}{
			"session": outgoing.sess.ID, "error": err.Error(),
		})
	}
	return m.startNew(ctx, now, inherited)
}

func (m *SessionManager) startNew(ctx context.Context, now time.Time, inherited *InheritedContext) (*SessionLog, error) {
	return m.startWithID(NewSessionID(now), now, inherited)
}

func (m *SessionManager) startWithID(sessionID string, now time.Time, inherited *InheritedContext) (*SessionLog, error) {
	sess := &Session{
		ID:           sessionID,
		OwnerID:      m.owner,
		Status:       StatusActive,
		CreatedAt:    now,
		LastActivity: now,
		InstanceID:   m.reg.instanceID,
		Inherited:    inherited,
	}
	if inherited != nil {
		sess.PredecessorID = inherited.PredecessorID
		sess.Topics = append(sess.Topics, inherited.Topics...)
	}
	l, err := NewSessionLog(m.reg.cfg, m.comp, m.reg.cold, m.reg.log, sess)
	if err != nil {
		return nil, err
	}
	m.active = l
	m.reg.log.Info("session started", map[string]interface{}{
		"owner": m.owner, "session": sessionID, "inherited": inherited != nil,
	})
	return l, nil
}

// buildInherited condenses the outgoing session for its successor: a
// narrative summary (LLM with rule-based fallback), the topic list, the
// last few artifact references, and a synthesized continuation sentence.
func (m *SessionManager) buildInherited(ctx context.Context, outgoing *SessionLog) *InheritedContext {
	sess := outgoing.sess
	sum := m.comp.NarrativeSummary(ctx, outgoing.turns)

	inh := &InheritedContext{
		PredecessorID: sess.ID,
		Summary:       sum.Narrative,
		Topics:        append([]string(nil), sess.Topics...),
		CreatedAt:     time.Now().UTC(),
	}

	notes := sess.Artifacts
	if len(notes) > 3 {
		notes = notes[len(notes)-3:]
	}
	for _, note := range notes {
		inh.ArtifactRefs = append(inh.ArtifactRefs, Reference{
			OwnerID:   sess.OwnerID,
			SessionID: sess.ID,
			StepID:    note.ID,
			Location:  LocationLocal,
			Key:       sess.OwnerID + "/" + note.ID,
		})
	}

	if sess.LastTopic != "" {
		inh.Continuation = fmt.Sprintf("The previous session covered %s over %d turns; pick up from %s if the learner continues that thread.",
			strings.Join(sess.Topics, ", "), sess.TurnCount, sess.LastTopic)
	} else if sess.TurnCount > 0 {
		inh.Continuation = fmt.Sprintf("The previous session ran %d turns; no dominant topic was recorded.", sess.TurnCount)
	}
	return inh
}

func (m *SessionManager) matchesStartOver(message string) bool {
	msg := strings.ToLower(strings.TrimSpace(message))
	if msg == "" {
		return false
	}
	for _, phrase := range m.reg.cfg.StartOverPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
