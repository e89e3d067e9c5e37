package usecase

import (
	"regexp"
	"strings"
)

// Prompt shrinking thresholds. Limits are in estimated tokens unless noted.
const (
	// veryLargeChars routes a prompt through the extraction pass instead of
	// sentence reduction.
	veryLargeChars = 20000
	// hardCapTokens is the circuit breaker: an assembled context estimated
	// above this forces an aggressive cap regardless of earlier checks.
	hardCapTokens = 25000

	// promptTooLongRatio is the fraction of the context window that counts
	// as "too long".
	promptTooLongRatio = 0.8

	// truncationMarker joins the kept head and tail of a halved prompt.
	truncationMarker = "\n...[content truncated]...\n"
	ellipsisMarker   = "..."

	// lastSentencesKept is how many trailing sentences survive reduction,
	// in addition to the first.
	lastSentencesKept = 3
)

// EstimateTokenCount approximates token usage as ceil(len/4). Close enough
// for admission decisions without shipping a tokenizer per provider.
func EstimateTokenCount(text string) int {
	return (len(text) + 3) / 4
}

// IsPromptTooLong reports whether text's estimated tokens exceed 80% of the
// provider's context window.
func IsPromptTooLong(text string, contextWindow int) bool {
	return float64(EstimateTokenCount(text)) > float64(contextWindow)*promptTooLongRatio
}

// relevantLine matches the content worth keeping in an extraction pass:
// prices, ratings, and short fact-style lines.
var (
	priceLine  = regexp.MustCompile(`[$€£]\s?\d|\d+\s?(USD|EUR|GBP)\b`)
	ratingLine = regexp.MustCompile(`(?i)\b\d(\.\d)?\s*(/\s*5|/\s*10|stars?|rating)`)
)

// OptimizePrompt shrinks text until its token estimate fits maxTokens.
// Deterministic and idempotent: output always satisfies the limit, so a
// second pass returns it unchanged. Text already within the limit is
// returned as-is.
func OptimizePrompt(text string, maxTokens int) string {
	if maxTokens <= 0 || EstimateTokenCount(text) <= maxTokens {
		return text
	}

	if len(text) >= veryLargeChars {
		if extracted := extractRelevantLines(text); extracted != "" && EstimateTokenCount(extracted) <= maxTokens {
			return extracted
		}
		return keepHeadAndTail(text, maxTokens)
	}

	reduced := keepFirstAndLastSentences(text)
	if EstimateTokenCount(reduced) <= maxTokens {
		return reduced
	}
	return truncateByWords(reduced, maxTokens)
}

// extractRelevantLines keeps only lines carrying extractable facts.
func extractRelevantLines(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if priceLine.MatchString(trimmed) || ratingLine.MatchString(trimmed) || shortFactLine(trimmed) {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, "\n")
}

// shortFactLine matches compact "key: value"-style lines with a digit.
func shortFactLine(line string) bool {
	return len(line) <= 100 && strings.Contains(line, ":") && strings.ContainsAny(line, "0123456789")
}

// keepHeadAndTail keeps the first and last portion of text within the token
// budget, joined by an explicit truncation marker.
func keepHeadAndTail(text string, maxTokens int) string {
	budget := maxTokens*4 - len(truncationMarker)
	if budget <= 0 {
		return truncateByWords(text, maxTokens)
	}
	head := budget / 2
	tail := budget - head
	if head+tail >= len(text) {
		return text
	}
	return text[:head] + truncationMarker + text[len(text)-tail:]
}

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// keepFirstAndLastSentences keeps the first sentence plus the trailing three.
func keepFirstAndLastSentences(text string) string {
	sentences := splitSentences(text)
	if len(sentences) <= lastSentencesKept+1 {
		return text
	}
	kept := append([]string{sentences[0]}, sentences[len(sentences)-lastSentencesKept:]...)
	return strings.Join(kept, " ")
}

func splitSentences(text string) []string {
	var sentences []string
	rest := text
	for {
		loc := sentenceEnd.FindStringIndex(rest)
		if loc == nil {
			break
		}
		sentences = append(sentences, strings.TrimSpace(rest[:loc[1]]))
		rest = rest[loc[1]:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// truncateByWords drops trailing words until the estimate fits, then appends
// an ellipsis. The ellipsis is part of the budget so the result still fits.
func truncateByWords(text string, maxTokens int) string {
	budget := maxTokens*4 - len(ellipsisMarker)
	if budget <= 0 {
		return ellipsisMarker
	}

	words := strings.Fields(text)
	var b strings.Builder
	for _, w := range words {
		add := len(w)
		if b.Len() > 0 {
			add++
		}
		if b.Len()+add > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String() + ellipsisMarker
}
