package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testCompactorConfig() Config {
	cfg := DefaultConfig()
	cfg.TokenBudget = 1000
	cfg.KeepRecentTurns = 10
	cfg.CompressTriggerTurns = 30
	return cfg
}

func TestPlanBelowSoftThresholdIsNoop(t *testing.T) {
	c := NewCompactor(testCompactorConfig(), nil, NewLogger(nil))
	plan := c.Plan(5, 5, 0, 600) // 60% utilization
	if plan.Any() {
		t.Fatalf("plan = %+v, want no-op", plan)
	}
}

func TestPlanSoftThresholdPrunesOnly(t *testing.T) {
	c := NewCompactor(testCompactorConfig(), nil, NewLogger(nil))
	plan := c.Plan(15, 15, 0, 750) // 75%
	if !plan.Prune || plan.Collapse || plan.ArchiveTurns != 0 {
		t.Fatalf("plan = %+v, want prune only", plan)
	}
}

func TestPlanHardThresholdCollapses(t *testing.T) {
	c := NewCompactor(testCompactorConfig(), nil, NewLogger(nil))
	plan := c.Plan(15, 15, 0, 950) // 95%
	if !plan.Prune || !plan.Collapse {
		t.Fatalf("plan = %+v, want prune+collapse", plan)
	}
}

func TestPlanHardThresholdWithFewTurnsDoesNotCollapse(t *testing.T) {
	c := NewCompactor(testCompactorConfig(), nil, NewLogger(nil))
	// Nothing older than the keep window exists to collapse.
	plan := c.Plan(8, 8, 0, 950)
	if plan.Collapse {
		t.Fatalf("plan = %+v, collapse with only 8 verbatim turns", plan)
	}
}

func TestPlanTurnCountTrigger(t *testing.T) {
	c := NewCompactor(testCompactorConfig(), nil, NewLogger(nil))

	if plan := c.Plan(29, 29, 0, 0); plan.ArchiveTurns != 0 {
		t.Fatalf("trigger fired at 29 turns: %+v", plan)
	}
	if plan := c.Plan(35, 35, 0, 0); plan.ArchiveTurns != 25 {
		t.Fatalf("ArchiveTurns = %d, want 25", plan.ArchiveTurns)
	}
	// Not enough new turns since the last compaction.
	if plan := c.Plan(30, 40, 25, 0); plan.ArchiveTurns != 0 {
		t.Fatalf("trigger fired with only 15 turns since last compaction: %+v", plan)
	}
}

func TestPruneTurnsReplacesVerboseToolOutput(t *testing.T) {
	cfg := testCompactorConfig()
	c := NewCompactor(cfg, nil, NewLogger(nil))
	turns := []Turn{
		{Ordinal: 1, Kind: KindTool, Response: ToolPayload{Name: "lookup", Output: strings.Repeat("z", cfg.PruneCutoffChars+1)}},
		{Ordinal: 2, Kind: KindExplanation, Response: ExplanationPayload{Text: "keep", Aux: map[string]any{"big": "blob"}}},
	}
	pruned := c.PruneTurns(turns)

	tool := pruned[0].Response.(ToolPayload)
	if !strings.Contains(tool.Output, "retrieve on demand") {
		t.Fatalf("tool output not pruned: %q", tool.Output)
	}
	exp := pruned[1].Response.(ExplanationPayload)
	if exp.Text != "keep" || exp.Aux != nil {
		t.Fatalf("explanation pruning wrong: %+v", exp)
	}
	// Originals untouched.
	if turns[0].Response.(ToolPayload).Output == tool.Output {
		t.Fatal("pruning mutated the original turn")
	}
}

func TestRuleBasedSummaryContents(t *testing.T) {
	c := NewCompactor(testCompactorConfig(), nil, NewLogger(nil))
	turns := []Turn{
		{Ordinal: 4, Query: "what is a derivative", Meta: TurnMeta{Topic: "calculus", Skill: "explain"}},
		{Ordinal: 5, Query: "quiz me on derivatives", Meta: TurnMeta{Topic: "calculus", Skill: "quiz"}},
		{Ordinal: 6, Query: "now integrals", Meta: TurnMeta{Topic: "integrals", Skill: "explain"}},
	}
	sum := c.RuleBasedSummary(turns)

	if sum.FromOrdinal != 4 || sum.ToOrdinal != 6 {
		t.Fatalf("range = %d-%d", sum.FromOrdinal, sum.ToOrdinal)
	}
	if len(sum.Topics) != 2 {
		t.Fatalf("topics = %v", sum.Topics)
	}
	if sum.Skills["explain"] != 2 || sum.Skills["quiz"] != 1 {
		t.Fatalf("skills = %v", sum.Skills)
	}
	if len(sum.SampleQueries) != 3 {
		t.Fatalf("samples = %v", sum.SampleQueries)
	}
	if !strings.Contains(sum.Narrative, "3 turns") {
		t.Fatalf("narrative = %q", sum.Narrative)
	}
}

func TestNarrativeSummaryUsesGenerator(t *testing.T) {
	gen := &stubGen{content: "They worked through calculus fundamentals."}
	c := NewCompactor(testCompactorConfig(), gen, NewLogger(nil))
	turns := []Turn{{Ordinal: 1, Query: "derivatives", Response: ExplanationPayload{Text: "slope of a curve"}, Meta: TurnMeta{Topic: "calculus"}}}

	sum := c.NarrativeSummary(context.Background(), turns)
	if sum.Narrative != "They worked through calculus fundamentals." {
		t.Fatalf("narrative = %q", sum.Narrative)
	}
	if gen.calls != 1 {
		t.Fatalf("generator calls = %d", gen.calls)
	}
	// Structured fields still come from the rule-based pass.
	if sum.FromOrdinal != 1 || len(sum.Topics) != 1 {
		t.Fatalf("summary structure = %+v", sum)
	}
}

func TestNarrativeSummaryFallsBackOnGeneratorError(t *testing.T) {
	gen := &stubGen{err: errors.New("timeout")}
	c := NewCompactor(testCompactorConfig(), gen, NewLogger(nil))
	turns := []Turn{{Ordinal: 1, Query: "derivatives", Meta: TurnMeta{Topic: "calculus"}}}

	sum := c.NarrativeSummary(context.Background(), turns)
	if !strings.Contains(sum.Narrative, "Covered 1 turns") {
		t.Fatalf("fallback narrative = %q", sum.Narrative)
	}
}

func TestBuildTranscriptCapsSize(t *testing.T) {
	turns := make([]Turn, 0, 200)
	for i := 0; i < 200; i++ {
		turns = append(turns, Turn{
			Ordinal:  i + 1,
			Query:    strings.Repeat("q", 1200),
			Response: ExplanationPayload{Text: strings.Repeat("a", 1200)},
		})
	}
	transcript := buildTranscript(turns, compactionTranscriptChars)
	if transcript == "" {
		t.Fatal("transcript empty")
	}
	if len(transcript) > compactionTranscriptChars {
		t.Fatalf("transcript %d chars exceeds cap %d", len(transcript), compactionTranscriptChars)
	}
	if !strings.Contains(transcript, "[USER]") || !strings.Contains(transcript, "[ASSISTANT]") {
		t.Fatal("transcript missing role tags")
	}
}
