package memory

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Estimator approximates token counts from character counts.
//
// This is not a tokenizer; it is only used for offload and compaction
// thresholds, and every threshold built on it tolerates large error. We
// intentionally lean high so compaction triggers early rather than late.
type Estimator struct {
	// CharsPerToken is the empirical ratio. Mixed-language text lands
	// around 3-4 chars per token for BPE vocabularies.
	CharsPerToken float64
}

const defaultCharsPerToken = 3.5

func NewEstimator(charsPerToken float64) Estimator {
	if charsPerToken < 1 {
		charsPerToken = defaultCharsPerToken
	}
	if charsPerToken > 16 {
		charsPerToken = 16
	}
	return Estimator{CharsPerToken: charsPerToken}
}

// EstimateText returns an approximate token count for text. Total and
// deterministic; never fails.
func (e Estimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio < 1 {
		ratio = defaultCharsPerToken
	}
	byBytes := int(float64(len(text)) / ratio)
	// Bound by runes/2 so short mostly-ASCII strings do not undercount.
	byRunes := utf8.RuneCountInString(text) / 2
	if byRunes > byBytes {
		return byRunes
	}
	return byBytes
}

// EstimateValue serializes structured content to its canonical JSON form
// and estimates that. Unserializable values fall back to their fmt
// rendering so the function stays total.
func (e Estimator) EstimateValue(v any) int {
	if v == nil {
		return 0
	}
	if s, ok := v.(string); ok {
		return e.EstimateText(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return e.EstimateText(fmt.Sprint(v))
	}
	return e.EstimateText(string(data))
}
