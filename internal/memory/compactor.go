package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// compactionTranscriptChars caps the transcript handed to the text
// generator for narrative summarization.
const compactionTranscriptChars = 24000

const narrativePrompt = `Summarize this tutoring conversation segment concisely, preserving the topics covered, decisions made, and anything needed to continue coherently. Plain prose, no preamble.

%s`

// Compactor reduces turn history: pruning under soft token pressure,
// narrative collapse under hard pressure, and turn-count-driven archival
// independent of token pressure.
type Compactor struct {
	cfg Config
	est Estimator
	gen TextGenerator
	log *Logger
}

func NewCompactor(cfg Config, gen TextGenerator, logger *Logger) *Compactor {
	return &Compactor{
		cfg: cfg,
		est: NewEstimator(cfg.CharsPerToken),
		gen: gen,
		log: logger,
	}
}

// CompactionPlan is the pure decision half of compaction. ArchiveTurns is
// the number of oldest verbatim turns the turn-count trigger moves to an
// archive file; Collapse is the token-driven narrative fold.
type CompactionPlan struct {
	Prune        bool
	Collapse     bool
	ArchiveTurns int
}

func (p CompactionPlan) Any() bool {
	return p.Prune || p.Collapse || p.ArchiveTurns > 0
}

// Plan evaluates both triggers. verbatimTurns is the hot log's verbatim
// tail length, turnCount/lastCompactionTurn come from the sidecar, and
// tokensUsed is the current estimate for the hot log.
func (c *Compactor) Plan(verbatimTurns, turnCount, lastCompactionTurn, tokensUsed int) CompactionPlan {
	var plan CompactionPlan

	if verbatimTurns >= c.cfg.CompressTriggerTurns &&
		turnCount-lastCompactionTurn >= c.cfg.CompressTriggerTurns-c.cfg.KeepRecentTurns {
		plan.ArchiveTurns = verbatimTurns - c.cfg.KeepRecentTurns
	}

	utilization := float64(tokensUsed) / float64(c.cfg.TokenBudget)
	if utilization >= c.cfg.SoftThreshold {
		plan.Prune = true
	}
	if utilization >= c.cfg.HardThreshold && verbatimTurns > c.cfg.KeepRecentTurns {
		plan.Collapse = true
	}
	return plan
}

// PruneTurns returns a pruned copy of turns for context assembly: verbose
// tool payloads become placeholders, assistant payloads drop auxiliary
// data. The durable log is not touched.
func (c *Compactor) PruneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		if t.Response != nil {
			t.Response = t.Response.Pruned(c.cfg.PruneCutoffChars)
		}
		out[i] = t
	}
	return out
}

// NarrativeSummary folds turns into one summary through the text
// generator, falling back to the rule-based summary when the collaborator
// is unavailable or errors. Never fails.
func (c *Compactor) NarrativeSummary(ctx context.Context, turns []Turn) CompactionSummary {
	sum := c.RuleBasedSummary(turns)
	if c.gen == nil || len(turns) == 0 {
		return sum
	}
	transcript := buildTranscript(turns, compactionTranscriptChars)
	res, err := c.gen.Generate(ctx, GenerateRequest{
		Prompt:      fmt.Sprintf(narrativePrompt, transcript),
		Format:      FormatText,
		Temperature: 0.3,
		MaxTokens:   600,
	})
	if err != nil || strings.TrimSpace(res.Content) == "" {
		if err != nil {
			c.log.Warn("narrative summary failed, using rule-based fallback", map[string]interface{}{
				"turns": len(turns), "error": err.Error(),
			})
		}
		return sum
	}
	sum.Narrative = strings.TrimSpace(res.Content)
	return sum
}

// RuleBasedSummary is the deterministic, LLM-free summary: ordinal range,
// turn count, topic list, skill tally, and a few sample queries.
func (c *Compactor) RuleBasedSummary(turns []Turn) CompactionSummary {
	sum := CompactionSummary{
		Skills:    map[string]int{},
		CreatedAt: time.Now().UTC(),
	}
	if len(turns) == 0 {
		sum.Narrative = "No turns covered."
		return sum
	}
	sum.FromOrdinal = turns[0].Ordinal
	sum.ToOrdinal = turns[len(turns)-1].Ordinal

	seen := map[string]bool{}
	for _, t := range turns {
		if topic := strings.TrimSpace(t.Meta.Topic); topic != "" && !seen[topic] {
			seen[topic] = true
			sum.Topics = append(sum.Topics, topic)
		}
		if skill := strings.TrimSpace(t.Meta.Skill); skill != "" {
			sum.Skills[skill]++
		}
		if len(sum.SampleQueries) < 3 && strings.TrimSpace(t.Query) != "" {
			sum.SampleQueries = append(sum.SampleQueries, truncate(t.Query, 120))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Covered %d turns (%d-%d).", len(turns), sum.FromOrdinal, sum.ToOrdinal)
	if len(sum.Topics) > 0 {
		fmt.Fprintf(&b, " Topics: %s.", strings.Join(sum.Topics, ", "))
	}
	if len(sum.Skills) > 0 {
		fmt.Fprintf(&b, " Skills used: %s.", formatSkillTally(sum.Skills))
	}
	sum.Narrative = b.String()
	return sum
}

// buildTranscript renders turns into a role-tagged transcript, truncating
// long entries and capping total size so summarization prompts stay cheap.
func buildTranscript(turns []Turn, maxChars int) string {
	const perEntry = 1000
	var b strings.Builder
	for _, t := range turns {
		entry := fmt.Sprintf("[USER]\n%s\n[ASSISTANT]\n%s\n", truncate(t.Query, perEntry), truncate(renderResponse(t), perEntry))
		if b.Len()+len(entry) > maxChars {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

func renderResponse(t Turn) string {
	if t.Response == nil {
		return ""
	}
	return t.Response.Render()
}

func formatSkillTally(skills map[string]int) string {
	names := make([]string, 0, len(skills))
	for name := range skills {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s x%d", name, skills[name]))
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
