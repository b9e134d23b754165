package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SessionLog owns one session's on-disk representation: the primary log
// file (header, stacked summary blocks, verbatim turn tail), the metadata
// sidecar, and its numbered archive files.
//
// The sidecar is the authoritative source of counters; the log text is the
// human-inspectable record and the best-effort recovery input.
type SessionLog struct {
	cfg  Config
	sess *Session
	comp *Compactor
	est  Estimator
	cold ObjectStore
	log  *Logger

	header    string
	summaries []CompactionSummary
	turns     []Turn
}

func ownerDir(cfg Config, ownerID string) string {
	return filepath.Join(cfg.Root, "sessions", ownerID)
}

func logPath(cfg Config, ownerID, sessionID string) string {
	return filepath.Join(ownerDir(cfg, ownerID), sessionID+".log")
}

func sidecarPath(cfg Config, ownerID, sessionID string) string {
	return filepath.Join(ownerDir(cfg, ownerID), sessionID+".meta.json")
}

func archiveName(sessionID string, n int) string {
	return fmt.Sprintf("%s.archive-%d.log", sessionID, n)
}

// NewSessionLog creates the log and sidecar files for a fresh session.
func NewSessionLog(cfg Config, comp *Compactor, cold ObjectStore, logger *Logger, sess *Session) (*SessionLog, error) {
	l := &SessionLog{
		cfg:    cfg,
		sess:   sess,
		comp:   comp,
		est:    NewEstimator(cfg.CharsPerToken),
		cold:   cold,
		log:    logger,
		header: buildHeader(sess),
	}
	if err := l.rewriteLog(); err != nil {
		return nil, err
	}
	if err := l.writeSidecar(); err != nil {
		return nil, err
	}
	return l, nil
}

func buildHeader(sess *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# session %s\n", sess.ID)
	fmt.Fprintf(&b, "owner: %s\n", sess.OwnerID)
	fmt.Fprintf(&b, "created: %s\n", sess.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "instance: %s\n", sess.InstanceID)
	if inh := sess.Inherited; inh != nil {
		fmt.Fprintf(&b, "\ninherited from %s:\n", inh.PredecessorID)
		b.WriteString(escapeMarkers(inh.Summary))
		b.WriteString("\n")
		if len(inh.Topics) > 0 {
			fmt.Fprintf(&b, "topics: %s\n", strings.Join(inh.Topics, ", "))
		}
		for _, ref := range inh.ArtifactRefs {
			fmt.Fprintf(&b, "artifact: %s (%s)\n", ref.StepID, ref.Location)
		}
		if inh.Continuation != "" {
			fmt.Fprintf(&b, "continue: %s\n", escapeMarkers(inh.Continuation))
		}
	}
	return b.String()
}

func (l *SessionLog) Session() Session { return *l.sess }

func (l *SessionLog) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

func (l *SessionLog) Summaries() []CompactionSummary {
	out := make([]CompactionSummary, len(l.summaries))
	copy(out, l.summaries)
	return out
}

func (l *SessionLog) LogPath() string { return logPath(l.cfg, l.sess.OwnerID, l.sess.ID) }

// Append serializes the turn into the log, updates counters and the
// sidecar, and evaluates compaction triggers synchronously before
// returning. Callers must already hold the owner's append lock.
func (l *SessionLog) Append(ctx context.Context, turn Turn) error {
	if l.sess.Status != StatusActive {
		return fmt.Errorf("session %s is %s", l.sess.ID, l.sess.Status)
	}
	turn.Ordinal = l.sess.TurnCount + 1
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	if turn.Kind == "" {
		if turn.Response != nil {
			turn.Kind = turn.Response.Kind()
		} else {
			turn.Kind = KindGeneric
		}
	}

	if err := l.appendToFile(RenderTurn(turn)); err != nil {
		return fmt.Errorf("append turn %d: %w", turn.Ordinal, err)
	}

	l.turns = append(l.turns, turn)
	l.sess.TurnCount = turn.Ordinal
	l.sess.LastActivity = turn.Timestamp
	if topic := strings.TrimSpace(turn.Meta.Topic); topic != "" {
		l.sess.LastTopic = topic
		if !containsString(l.sess.Topics, topic) {
			l.sess.Topics = append(l.sess.Topics, topic)
		}
	}
	if skill := strings.TrimSpace(turn.Meta.Skill); skill != "" {
		if l.sess.SkillCounts == nil {
			l.sess.SkillCounts = map[string]int{}
		}
		l.sess.SkillCounts[skill]++
	}

	if err := l.writeSidecar(); err != nil {
		// Counters will be reconciled from the log on next load.
		l.log.Warn("sidecar write failed", map[string]interface{}{
			"session": l.sess.ID, "error": err.Error(),
		})
	}

	l.maybeCompact(ctx)
	return nil
}

// RecordArtifact notes a generated artifact in the sidecar so summaries and
// inherited context can mention it without loading payloads.
func (l *SessionLog) RecordArtifact(note ArtifactNote) {
	for i := range l.sess.Artifacts {
		if l.sess.Artifacts[i].ID == note.ID {
			l.sess.Artifacts[i] = note
			return
		}
	}
	l.sess.Artifacts = append(l.sess.Artifacts, note)
	if err := l.writeSidecar(); err != nil {
		l.log.Warn("sidecar write failed", map[string]interface{}{
			"session": l.sess.ID, "error": err.Error(),
		})
	}
}

// Compact evaluates compaction triggers outside the append path, for
// sessions reopened with a backlog of verbatim turns.
func (l *SessionLog) Compact(ctx context.Context) {
	l.maybeCompact(ctx)
}

// maybeCompact runs the compaction triggers. The turn-count archival runs
// first (cheap, deterministic); token-driven narrative collapse applies
// only to what remains if utilization is still over the hard threshold.
func (l *SessionLog) maybeCompact(ctx context.Context) {
	plan := l.comp.Plan(len(l.turns), l.sess.TurnCount, l.sess.LastCompactionTurn, l.contextTokens())
	if !plan.Any() {
		return
	}

	if plan.ArchiveTurns > 0 {
		sum := l.comp.RuleBasedSummary(l.turns[:plan.ArchiveTurns])
		if err := l.fold(plan.ArchiveTurns, sum); err != nil {
			l.log.Error("turn-count compaction failed", map[string]interface{}{
				"session": l.sess.ID, "error": err.Error(),
			})
			return
		}
	}

	if plan.Collapse {
		// Re-check after archival; it may have freed enough already.
		utilization := float64(l.contextTokens()) / float64(l.cfg.TokenBudget)
		keep := l.cfg.KeepRecentTurns
		if utilization >= l.cfg.HardThreshold && len(l.turns) > keep {
			n := len(l.turns) - keep
			sum := l.comp.NarrativeSummary(ctx, l.turns[:n])
			if err := l.fold(n, sum); err != nil {
				l.log.Error("token-driven compaction failed", map[string]interface{}{
					"session": l.sess.ID, "error": err.Error(),
				})
			}
		}
	}
}

// fold moves the oldest n verbatim turns into a new numbered archive file
// and replaces them in the hot log with the summary block. Archived text is
// the turns' verbatim rendering; archives are never deleted.
func (l *SessionLog) fold(n int, sum CompactionSummary) error {
	archived := l.turns[:n]
	name := archiveName(l.sess.ID, l.sess.ArchiveCount+1)

	var b strings.Builder
	fmt.Fprintf(&b, "# archive %d of session %s\n\n", l.sess.ArchiveCount+1, l.sess.ID)
	for _, t := range archived {
		b.WriteString(RenderTurn(t))
	}
	if err := os.MkdirAll(ownerDir(l.cfg, l.sess.OwnerID), 0o755); err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(ownerDir(l.cfg, l.sess.OwnerID), name), []byte(b.String())); err != nil {
		return err
	}

	sum.ArchiveFile = name
	l.summaries = append(l.summaries, sum)
	l.turns = l.turns[n:]
	l.sess.ArchiveCount++
	l.sess.CompactedThrough = archived[len(archived)-1].Ordinal
	l.sess.LastCompactionTurn = l.sess.TurnCount

	if err := l.rewriteLog(); err != nil {
		return err
	}
	if err := l.writeSidecar(); err != nil {
		l.log.Warn("sidecar write failed", map[string]interface{}{
			"session": l.sess.ID, "error": err.Error(),
		})
	}
	l.log.Info("compacted session history", map[string]interface{}{
		"session": l.sess.ID, "archived": n, "archive_file": name,
	})
	return nil
}

// contextTokens estimates the hot log's token footprint.
func (l *SessionLog) contextTokens() int {
	return l.est.EstimateText(l.renderHot(l.turns))
}

func (l *SessionLog) renderHot(turns []Turn) string {
	var b strings.Builder
	b.WriteString(l.header)
	b.WriteString("\n")
	for _, s := range l.summaries {
		b.WriteString(RenderSummaryBlock(s))
	}
	for _, t := range turns {
		b.WriteString(RenderTurn(t))
	}
	return b.String()
}

// ContextWindow returns the prompt-facing history. Above the soft
// utilization threshold the verbatim tail is pruned; the durable log is
// never modified by this.
func (l *SessionLog) ContextWindow() string {
	turns := l.turns
	utilization := float64(l.contextTokens()) / float64(l.cfg.TokenBudget)
	if utilization >= l.cfg.SoftThreshold {
		turns = l.comp.PruneTurns(turns)
	}
	return l.renderHot(turns)
}

// Finalize appends a terminal human-readable summary, marks the session
// completed, and best-effort syncs the log and sidecar to cold storage.
// The files stay on disk.
func (l *SessionLog) Finalize(ctx context.Context) error {
	if l.sess.Status == StatusCompleted {
		return nil
	}
	sum := l.comp.RuleBasedSummary(l.turns)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", closedMarker, time.Now().UTC().Format(time.RFC3339))
	b.WriteString(sum.Narrative)
	b.WriteString("\n")
	if err := l.appendToFile(b.String()); err != nil {
		return err
	}
	l.sess.Status = StatusCompleted
	if err := l.writeSidecar(); err != nil {
		l.log.Warn("sidecar write failed", map[string]interface{}{
			"session": l.sess.ID, "error": err.Error(),
		})
	}
	l.backupToCold(ctx)
	return nil
}

// backupToCold ships the log and sidecar to the cold tier when one is
// configured. Failures are logged and never propagate.
func (l *SessionLog) backupToCold(ctx context.Context) {
	if l.cold == nil || !l.cold.Available() {
		return
	}
	for _, f := range []struct{ path, key string }{
		{l.LogPath(), fmt.Sprintf("backup/%s/%s.log", l.sess.OwnerID, l.sess.ID)},
		{sidecarPath(l.cfg, l.sess.OwnerID, l.sess.ID), fmt.Sprintf("backup/%s/%s.meta.json", l.sess.OwnerID, l.sess.ID)},
	} {
		data, err := os.ReadFile(f.path)
		if err != nil {
			continue
		}
		if _, err := l.cold.Put(ctx, f.key, data, "text/plain"); err != nil {
			l.log.Warn("cold backup failed", map[string]interface{}{
				"session": l.sess.ID, "key": f.key, "error": err.Error(),
			})
		}
	}
}

// ArchiveRename sets the session's files aside under a timestamp suffix,
// used when an explicit rebind finds a stale-instance session in the way.
func (l *SessionLog) ArchiveRename(reason string) error {
	suffix := time.Now().UTC().Format("20060102T150405")
	lp := l.LogPath()
	sp := sidecarPath(l.cfg, l.sess.OwnerID, l.sess.ID)
	if err := os.Rename(lp, lp+"."+suffix+".archived"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(sp, sp+"."+suffix+".archived"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	l.log.Info("archived session files", map[string]interface{}{
		"session": l.sess.ID, "reason": reason,
	})
	return nil
}

func (l *SessionLog) appendToFile(block string) error {
	path := l.LogPath()
	// Recreate the directory defensively on every write attempt.
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (l *SessionLog) rewriteLog() error {
	path := l.LogPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWrite(path, []byte(l.renderHot(l.turns)))
}

func (l *SessionLog) writeSidecar() error {
	path := sidecarPath(l.cfg, l.sess.OwnerID, l.sess.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l.sess, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

// RestoreSessionLog locates the owner's most recently modified session
// sidecar and resumes it only if the session is active, under the size and
// turn-count ceilings, and was written by this process instance. Otherwise
// it returns false and the caller starts fresh.
func RestoreSessionLog(cfg Config, comp *Compactor, cold ObjectStore, logger *Logger, ownerID, instanceID string) (*SessionLog, bool) {
	dir := ownerDir(cfg, ownerID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}
	type candidate struct {
		id  string
		mod time.Time
	}
	var cands []candidate
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".meta.json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{
			id:  strings.TrimSuffix(name, ".meta.json"),
			mod: info.ModTime(),
		})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mod.After(cands[j].mod) })

	for _, c := range cands {
		sess, err := LoadSession(cfg, ownerID, c.id)
		if err != nil || sess.Status != StatusActive {
			continue
		}
		if sess.InstanceID != instanceID {
			// A restart invalidates resumption.
			return nil, false
		}
		if sess.TurnCount > cfg.MaxRestoreTurns {
			return nil, false
		}
		if info, err := os.Stat(logPath(cfg, ownerID, c.id)); err != nil || info.Size() > cfg.MaxRestoreBytes {
			return nil, false
		}
		l, err := openSessionLog(cfg, comp, cold, logger, sess)
		if err != nil {
			return nil, false
		}
		return l, true
	}
	return nil, false
}

// LoadSession reads a session's sidecar by id.
func LoadSession(cfg Config, ownerID, sessionID string) (*Session, error) {
	data, err := os.ReadFile(sidecarPath(cfg, ownerID, sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session %s sidecar corrupt: %v", sessionID, err)
	}
	return &sess, nil
}

// openSessionLog reconstructs in-memory state from the log text. Blocks the
// parser cannot place are skipped for structural purposes but stay in the
// file untouched.
func openSessionLog(cfg Config, comp *Compactor, cold ObjectStore, logger *Logger, sess *Session) (*SessionLog, error) {
	data, err := os.ReadFile(logPath(cfg, sess.OwnerID, sess.ID))
	if err != nil {
		return nil, err
	}
	parsed := parseLog(string(data))
	if parsed.Skipped > 0 {
		logger.Warn("log blocks excluded from reconstruction", map[string]interface{}{
			"session": sess.ID, "skipped": parsed.Skipped,
		})
	}
	l := &SessionLog{
		cfg:       cfg,
		sess:      sess,
		comp:      comp,
		est:       NewEstimator(cfg.CharsPerToken),
		cold:      cold,
		log:       logger,
		header:    parsed.Header + "\n",
		summaries: parsed.Summaries,
		turns:     parsed.Turns,
	}
	return l, nil
}

// ReconcileTurnCount aligns the sidecar's turn counter with the log text.
// On mismatch the log count wins.
func (l *SessionLog) ReconcileTurnCount() {
	logCount := l.sess.CompactedThrough
	if len(l.turns) > 0 {
		logCount = l.turns[len(l.turns)-1].Ordinal
	}
	if logCount != l.sess.TurnCount {
		l.log.Warn("turn counter mismatch, log count wins", map[string]interface{}{
			"session": l.sess.ID, "sidecar": l.sess.TurnCount, "log": logCount,
		})
		l.sess.TurnCount = logCount
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
