package llm

import (
	"regexp"
	"strings"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

// ComplexityAnalyzer scores a request between 0 and 1. Scores above the
// configured threshold route to the cloud provider; everything else stays
// local. The heuristic is intentionally cheap: it runs on every request that
// survives the earlier routing rules.
type ComplexityAnalyzer struct {
	codeFence   *regexp.Regexp
	multiStep   *regexp.Regexp
	heavyWords  []string
	casualWords []string
}

// NewComplexityAnalyzer builds the analyzer with its static vocabularies.
func NewComplexityAnalyzer() *ComplexityAnalyzer {
	return &ComplexityAnalyzer{
		codeFence: regexp.MustCompile("```"),
		multiStep: regexp.MustCompile(`(?i)\b(first|then|after that|finally|step \d)\b`),
		heavyWords: []string{
			"refactor", "architecture", "concurrency", "deadlock", "distributed",
			"migration", "optimize", "debug", "implement", "design", "analyze",
			"transaction", "protocol", "algorithm",
		},
		casualWords: []string{
			"hi", "hello", "thanks", "what is", "who is", "define", "meaning of",
		},
	}
}

// Score computes the complexity of the request's latest user text plus a few
// structural signals from the conversation.
func (a *ComplexityAnalyzer) Score(req *entity.Request) float64 {
	text := strings.ToLower(req.LastUserText())
	if text == "" {
		return 0
	}

	score := 0.0

	// Length: 0 at ~0 chars, saturating at 2000.
	length := float64(len(text))
	if length > 2000 {
		length = 2000
	}
	score += 0.25 * (length / 2000)

	if a.codeFence.MatchString(text) {
		score += 0.2
	}
	if a.multiStep.MatchString(text) {
		score += 0.15
	}

	for _, w := range a.heavyWords {
		if strings.Contains(text, w) {
			score += 0.1
			if score >= 0.45 {
				break
			}
		}
	}
	for _, w := range a.casualWords {
		if strings.HasPrefix(text, w) {
			score -= 0.2
			break
		}
	}

	// Long conversations accumulate context a small model handles poorly.
	if len(req.Messages) > 10 {
		score += 0.1
	}
	if req.ToolCount() > 0 {
		score += 0.1
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
