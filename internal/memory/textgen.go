package memory

import "context"

type ResponseFormat string

const (
	FormatText ResponseFormat = "text"
	FormatJSON ResponseFormat = "json"
)

type GenerateRequest struct {
	Prompt      string
	Format      ResponseFormat
	Temperature float64
	MaxTokens   int
}

type GenerateResult struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// TextGenerator is the external text-generation collaborator used for
// narrative summarization and artifact compression. Implementations live in
// the enclosing application; failures must be catchable and are always
// non-fatal to the core.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
}
