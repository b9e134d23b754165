package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Session is the metadata sidecar for one conversation. The turn text itself
// lives in the session's log file; everything the manager needs to make
// continuity decisions without re-reading the log lives here.
type Session struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`

	TurnCount int `json:"turn_count"`
	// CompactedThrough is the highest turn ordinal folded into a summary
	// block (and moved to an archive file). Turns above it are verbatim.
	CompactedThrough int `json:"compacted_through,omitempty"`
	// LastCompactionTurn is the TurnCount at which compaction last ran.
	LastCompactionTurn int `json:"last_compaction_turn,omitempty"`
	ArchiveCount       int `json:"archive_count,omitempty"`

	Topics      []string       `json:"topics,omitempty"`
	LastTopic   string         `json:"last_topic,omitempty"`
	SkillCounts map[string]int `json:"skill_counts,omitempty"`

	Artifacts []ArtifactNote `json:"artifacts,omitempty"`

	// PredecessorID points at the session this one rolled over from.
	PredecessorID string            `json:"predecessor_id,omitempty"`
	Inherited     *InheritedContext `json:"inherited,omitempty"`

	// InstanceID records which process instance wrote this session. A
	// restart changes the instance id and invalidates resumption.
	InstanceID string `json:"instance_id"`
}

// ArtifactNote is the session-side record of a generated artifact: enough to
// mention it in summaries and inherited context without loading the payload.
type ArtifactNote struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	Summary string `json:"summary,omitempty"`
}

type ResponseKind string

const (
	KindExplanation ResponseKind = "explanation"
	KindQuiz        ResponseKind = "quiz"
	KindFlashcard   ResponseKind = "flashcard"
	KindNotes       ResponseKind = "notes"
	KindMindmap     ResponseKind = "mindmap"
	KindBundle      ResponseKind = "bundle"
	KindTool        ResponseKind = "tool"
	KindGeneric     ResponseKind = "generic"
)

// TurnMeta carries generation metadata recorded alongside each turn.
type TurnMeta struct {
	TokensIn  int           `json:"tokens_in,omitempty"`
	TokensOut int           `json:"tokens_out,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Model     string        `json:"model,omitempty"`
	Skill     string        `json:"skill,omitempty"`
	Topic     string        `json:"topic,omitempty"`
}

// Turn is one user-query/agent-response exchange. Immutable once appended;
// compaction moves turns into archives, it never rewrites them.
type Turn struct {
	Ordinal    int
	Query      string
	Kind       ResponseKind
	Response   ResponsePayload
	Timestamp  time.Time
	Meta       TurnMeta
	ArtifactID string
}

// CompactionSummary replaces a contiguous range of turns in the hot log.
// Summaries stack oldest-first ahead of the verbatim tail and are never
// re-summarized.
type CompactionSummary struct {
	FromOrdinal   int
	ToOrdinal     int
	Narrative     string
	Topics        []string
	Skills        map[string]int
	SampleQueries []string
	ArchiveFile   string
	CreatedAt     time.Time
}

// Reference is a small resolvable pointer standing in for offloaded content.
type Reference struct {
	OwnerID   string   `json:"owner_id"`
	SessionID string   `json:"session_id"`
	StepID    string   `json:"step_id"`
	Location  string   `json:"location"` // "local" or "cold"
	Key       string   `json:"key"`
	Locator   string   `json:"locator,omitempty"`
	ByteSize  int64    `json:"byte_size,omitempty"`
	Fields    []string `json:"fields,omitempty"`
}

const (
	LocationLocal = "local"
	LocationCold  = "cold"
)

// StorageOutcome reports what Save did with an artifact.
type StorageOutcome struct {
	ArtifactID string
	Offloaded  bool
	// Ephemeral marks an artifact that could not be persisted this turn.
	// The content is still returned to the caller.
	Ephemeral bool
	Reference *Reference
	Content   map[string]any
}

// ArtifactMeta is caller-supplied metadata for Save.
type ArtifactMeta struct {
	SessionID string
	Type      string
	Topic     string
	TurnIndex int
}

// ArtifactRecord is the store's full view of one artifact. Exactly one of
// Inline and Ref is set.
type ArtifactRecord struct {
	ID        string
	Type      string
	Topic     string
	TurnIndex int
	Inline    map[string]any
	Ref       *Reference
	Summary   string
	CreatedAt time.Time
}

// IndexEntry is the lightweight projection of an artifact used for listing
// and search without touching payloads.
type IndexEntry struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Topic         string    `json:"topic,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	TokenEstimate int       `json:"token_estimate,omitempty"`
	Offloaded     bool      `json:"offloaded"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IndexQuery filters are AND-combined; empty fields match everything.
// Topic is a case-insensitive substring match.
type IndexQuery struct {
	SessionID string
	Topic     string
	Type      string
}

// InheritedContext is the condensed carry-over handed from an outgoing
// session to its successor. Written into the successor's header once and
// not mutated afterward.
type InheritedContext struct {
	PredecessorID string      `json:"predecessor_id"`
	Summary       string      `json:"summary"`
	Topics        []string    `json:"topics,omitempty"`
	ArtifactRefs  []Reference `json:"artifact_refs,omitempty"`
	Continuation  string      `json:"continuation,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewSessionID returns a time-derived, collision-resistant session id.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// NewArtifactID derives an id from the artifact's type and topic plus a
// random and a time component.
func NewArtifactID(artifactType, topic string, now time.Time) string {
	slug := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		s = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
				return r
			default:
				return '-'
			}
		}, s)
		s = strings.Trim(s, "-")
		if s == "" {
			s = "misc"
		}
		if len(s) > 24 {
			s = s[:24]
		}
		return s
	}
	return fmt.Sprintf("%s-%s-%s-%d", slug(artifactType), slug(topic), uuid.NewString()[:8], now.Unix())
}

// NewInstanceID identifies one process lifetime. Generated once when the
// registry is constructed.
func NewInstanceID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}
