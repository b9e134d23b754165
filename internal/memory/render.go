package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ResponsePayload is the tagged union over known response kinds. Each
// variant knows how to render itself into the log's block format and how to
// reduce itself when history is pruned for token pressure.
type ResponsePayload interface {
	Kind() ResponseKind
	Render() string
	// Pruned returns the payload as it should appear in a pruned context
	// window. cutoff is the verbose-payload character cutoff.
	Pruned(cutoff int) ResponsePayload
}

type ExplanationPayload struct {
	Text string
	// Aux carries large auxiliary data (citations, raw model output) that
	// pruning drops.
	Aux map[string]any
}

func (p ExplanationPayload) Kind() ResponseKind { return KindExplanation }

func (p ExplanationPayload) Render() string {
	var b strings.Builder
	b.WriteString(p.Text)
	if len(p.Aux) > 0 {
		b.WriteString("\naux: ")
		b.WriteString(compactJSON(p.Aux))
	}
	return b.String()
}

func (p ExplanationPayload) Pruned(cutoff int) ResponsePayload {
	return ExplanationPayload{Text: p.Text}
}

type QuizQuestion struct {
	Prompt  string
	Options []string
	Answer  string
}

type QuizPayload struct {
	Questions []QuizQuestion
}

func (p QuizPayload) Kind() ResponseKind { return KindQuiz }

func (p QuizPayload) Render() string {
	var b strings.Builder
	for i, q := range p.Questions {
		fmt.Fprintf(&b, "Q%d. %s\n", i+1, q.Prompt)
		for j, opt := range q.Options {
			fmt.Fprintf(&b, "  %c) %s\n", 'a'+j, opt)
		}
		if q.Answer != "" {
			fmt.Fprintf(&b, "  answer: %s\n", q.Answer)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p QuizPayload) Pruned(cutoff int) ResponsePayload { return p }

type Flashcard struct {
	Front string
	Back  string
}

type FlashcardPayload struct {
	Cards []Flashcard
}

func (p FlashcardPayload) Kind() ResponseKind { return KindFlashcard }

func (p FlashcardPayload) Render() string {
	var b strings.Builder
	for i, c := range p.Cards {
		fmt.Fprintf(&b, "card %d: %s | %s\n", i+1, c.Front, c.Back)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p FlashcardPayload) Pruned(cutoff int) ResponsePayload { return p }

type NoteSection struct {
	Heading string
	Body    string
}

type NotesPayload struct {
	Title    string
	Sections []NoteSection
}

func (p NotesPayload) Kind() ResponseKind { return KindNotes }

func (p NotesPayload) Render() string {
	var b strings.Builder
	if p.Title != "" {
		fmt.Fprintf(&b, "# %s\n", p.Title)
	}
	for _, s := range p.Sections {
		fmt.Fprintf(&b, "## %s\n%s\n", s.Heading, s.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p NotesPayload) Pruned(cutoff int) ResponsePayload { return p }

type MindmapBranch struct {
	Label    string
	Children []string
}

type MindmapPayload struct {
	Root     string
	Branches []MindmapBranch
}

func (p MindmapPayload) Kind() ResponseKind { return KindMindmap }

func (p MindmapPayload) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", p.Root)
	for _, br := range p.Branches {
		fmt.Fprintf(&b, "- %s\n", br.Label)
		for _, c := range br.Children {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p MindmapPayload) Pruned(cutoff int) ResponsePayload { return p }

type BundlePayload struct {
	Parts []ResponsePayload
}

func (p BundlePayload) Kind() ResponseKind { return KindBundle }

func (p BundlePayload) Render() string {
	parts := make([]string, 0, len(p.Parts))
	for _, part := range p.Parts {
		parts = append(parts, fmt.Sprintf("[%s]\n%s", part.Kind(), part.Render()))
	}
	return strings.Join(parts, "\n")
}

func (p BundlePayload) Pruned(cutoff int) ResponsePayload {
	out := BundlePayload{Parts: make([]ResponsePayload, 0, len(p.Parts))}
	for _, part := range p.Parts {
		out.Parts = append(out.Parts, part.Pruned(cutoff))
	}
	return out
}

type ToolPayload struct {
	Name   string
	Output string
}

func (p ToolPayload) Kind() ResponseKind { return KindTool }

func (p ToolPayload) Render() string {
	return fmt.Sprintf("tool %s:\n%s", p.Name, p.Output)
}

func (p ToolPayload) Pruned(cutoff int) ResponsePayload {
	if len(p.Output) <= cutoff {
		return p
	}
	return ToolPayload{
		Name:   p.Name,
		Output: fmt.Sprintf("[%d chars, retrieve on demand]", len(p.Output)),
	}
}

// GenericPayload is the fallback variant for unknown kinds and for turns
// reconstructed from log text.
type GenericPayload struct {
	Raw  string
	Data map[string]any
}

func (p GenericPayload) Kind() ResponseKind { return KindGeneric }

func (p GenericPayload) Render() string {
	if p.Raw != "" {
		return p.Raw
	}
	return compactJSON(p.Data)
}

func (p GenericPayload) Pruned(cutoff int) ResponsePayload { return p }

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Log file block format. The sidecar is authoritative for counters; this
// text form exists for human archival fidelity and best-effort recovery.
const (
	turnMarkerPrefix    = "--- turn "
	blockEnd            = "--- end"
	summaryMarkerPrefix = "=== summary "
	summaryEnd          = "=== end"
	closedMarker        = "=== closed"
)

var turnMarkerRe = regexp.MustCompile(`^--- turn (\d+) \[([a-z]+)\] (\S+)$`)

// RenderTurn converts a turn into its log block. The format is parsed back
// by parseLog, so marker lines must stay on their own lines.
func RenderTurn(t Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d [%s] %s\n", turnMarkerPrefix, t.Ordinal, t.Kind, t.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "user: %s\n", escapeMarkers(t.Query))
	b.WriteString("agent:\n")
	if t.Response != nil {
		b.WriteString(escapeMarkers(t.Response.Render()))
		b.WriteString("\n")
	}
	meta := renderMeta(t)
	if meta != "" {
		fmt.Fprintf(&b, "meta: %s\n", meta)
	}
	b.WriteString(blockEnd + "\n\n")
	return b.String()
}

func renderMeta(t Turn) string {
	var parts []string
	if t.Meta.Model != "" {
		parts = append(parts, "model="+t.Meta.Model)
	}
	if t.Meta.Skill != "" {
		parts = append(parts, "skill="+t.Meta.Skill)
	}
	if t.Meta.Topic != "" {
		parts = append(parts, "topic="+t.Meta.Topic)
	}
	if t.Meta.TokensIn > 0 || t.Meta.TokensOut > 0 {
		parts = append(parts, fmt.Sprintf("tokens=%d/%d", t.Meta.TokensIn, t.Meta.TokensOut))
	}
	if t.Meta.Duration > 0 {
		parts = append(parts, "duration="+t.Meta.Duration.String())
	}
	if t.ArtifactID != "" {
		parts = append(parts, "artifact="+t.ArtifactID)
	}
	return strings.Join(parts, " ")
}

// escapeMarkers keeps user and agent text from being mistaken for block
// markers during recovery.
func escapeMarkers(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "--- ") || strings.HasPrefix(line, "=== ") {
			lines[i] = "\\" + line
		}
	}
	return strings.Join(lines, "\n")
}

func unescapeMarkers(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "\\--- ") || strings.HasPrefix(line, "\\=== ") {
			lines[i] = line[1:]
		}
	}
	return strings.Join(lines, "\n")
}

// RenderSummaryBlock converts a compaction summary into its log block.
func RenderSummaryBlock(s CompactionSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%d-%d", summaryMarkerPrefix, s.FromOrdinal, s.ToOrdinal)
	if s.ArchiveFile != "" {
		fmt.Fprintf(&b, " archive=%s", s.ArchiveFile)
	}
	fmt.Fprintf(&b, " %s\n", s.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString(escapeMarkers(s.Narrative))
	b.WriteString("\n")
	if len(s.Topics) > 0 {
		fmt.Fprintf(&b, "topics: %s\n", strings.Join(s.Topics, ", "))
	}
	if len(s.SampleQueries) > 0 {
		fmt.Fprintf(&b, "samples: %s\n", strings.Join(s.SampleQueries, " | "))
	}
	b.WriteString(summaryEnd + "\n\n")
	return b.String()
}

type parsedLog struct {
	Header    string
	Summaries []CompactionSummary
	Turns     []Turn
	// Skipped counts blocks that did not match the expected markers and
	// were excluded from reconstruction.
	Skipped int
}

var summaryMarkerRe = regexp.MustCompile(`^=== summary (\d+)-(\d+)(?: archive=(\S+))? (\S+)$`)

// parseLog partitions log text into header, summary blocks, and turn
// blocks. Recovery is best-effort: blocks that do not match the marker
// grammar, or whose ordinals are not strictly increasing, are counted as
// skipped and excluded, never deleted from the file.
func parseLog(content string) parsedLog {
	var out parsedLog
	lines := strings.Split(content, "\n")

	i := 0
	var header []string
	for i < len(lines) {
		if strings.HasPrefix(lines[i], turnMarkerPrefix) || strings.HasPrefix(lines[i], summaryMarkerPrefix) || strings.HasPrefix(lines[i], closedMarker) {
			break
		}
		header = append(header, lines[i])
		i++
	}
	out.Header = strings.TrimRight(strings.Join(header, "\n"), "\n")

	lastOrdinal := 0
	for i < len(lines) {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, summaryMarkerPrefix):
			block, next := collectBlock(lines, i+1, summaryEnd)
			sum, ok := parseSummary(line, block)
			if ok {
				out.Summaries = append(out.Summaries, sum)
			} else {
				out.Skipped++
			}
			i = next
		case strings.HasPrefix(line, turnMarkerPrefix):
			block, next := collectBlock(lines, i+1, blockEnd)
			turn, ok := parseTurn(line, block)
			if ok && turn.Ordinal > lastOrdinal {
				out.Turns = append(out.Turns, turn)
				lastOrdinal = turn.Ordinal
			} else {
				out.Skipped++
			}
			i = next
		case strings.HasPrefix(line, closedMarker):
			// Terminal summary; structural parsing stops here.
			return out
		default:
			i++
		}
	}
	return out
}

// collectBlock gathers lines until the end marker, returning the block body
// and the index after the marker.
func collectBlock(lines []string, start int, endMarker string) ([]string, int) {
	for j := start; j < len(lines); j++ {
		if lines[j] == endMarker {
			return lines[start:j], j + 1
		}
	}
	return lines[start:], len(lines)
}

func parseSummary(marker string, body []string) (CompactionSummary, bool) {
	m := summaryMarkerRe.FindStringSubmatch(marker)
	if m == nil {
		return CompactionSummary{}, false
	}
	from, _ := strconv.Atoi(m[1])
	to, _ := strconv.Atoi(m[2])
	created, _ := time.Parse(time.RFC3339, m[4])
	sum := CompactionSummary{
		FromOrdinal: from,
		ToOrdinal:   to,
		ArchiveFile: m[3],
		CreatedAt:   created,
	}
	var narrative []string
	for _, line := range body {
		switch {
		case strings.HasPrefix(line, "topics: "):
			sum.Topics = splitList(strings.TrimPrefix(line, "topics: "), ",")
		case strings.HasPrefix(line, "samples: "):
			sum.SampleQueries = splitList(strings.TrimPrefix(line, "samples: "), "|")
		default:
			narrative = append(narrative, line)
		}
	}
	sum.Narrative = unescapeMarkers(strings.TrimSpace(strings.Join(narrative, "\n")))
	return sum, true
}

func parseTurn(marker string, body []string) (Turn, bool) {
	m := turnMarkerRe.FindStringSubmatch(marker)
	if m == nil {
		return Turn{}, false
	}
	ordinal, err := strconv.Atoi(m[1])
	if err != nil || ordinal <= 0 {
		return Turn{}, false
	}
	ts, _ := time.Parse(time.RFC3339, m[3])
	turn := Turn{
		Ordinal:   ordinal,
		Kind:      ResponseKind(m[2]),
		Timestamp: ts,
	}
	var agent []string
	inAgent := false
	for _, line := range body {
		switch {
		case strings.HasPrefix(line, "user: ") && !inAgent:
			turn.Query = unescapeMarkers(strings.TrimPrefix(line, "user: "))
		case line == "agent:":
			inAgent = true
		case strings.HasPrefix(line, "meta: "):
			inAgent = false
			turn.Meta, turn.ArtifactID = parseMeta(strings.TrimPrefix(line, "meta: "))
		case inAgent:
			agent = append(agent, line)
		}
	}
	turn.Response = GenericPayload{Raw: unescapeMarkers(strings.TrimRight(strings.Join(agent, "\n"), "\n"))}
	return turn, true
}

func parseMeta(s string) (TurnMeta, string) {
	var meta TurnMeta
	var artifactID string
	for _, part := range strings.Fields(s) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "model":
			meta.Model = v
		case "skill":
			meta.Skill = v
		case "topic":
			meta.Topic = v
		case "tokens":
			in, out, ok := strings.Cut(v, "/")
			if ok {
				meta.TokensIn, _ = strconv.Atoi(in)
				meta.TokensOut, _ = strconv.Atoi(out)
			}
		case "duration":
			meta.Duration, _ = time.ParseDuration(v)
		case "artifact":
			artifactID = v
		}
	}
	return meta, artifactID
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
