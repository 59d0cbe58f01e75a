package index

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultSummaryBudget is the default character budget for Summarize, per
// spec.md §4.4.
const DefaultSummaryBudget = 150

var sentenceSplitRE = regexp.MustCompile(`(?s)[^.!?]+[.!?]+|[^.!?]+$`)

var entityRE = regexp.MustCompile(
	`\b[A-Z][a-zA-Z]*(?:\s+[A-Z][a-zA-Z]*)+\b|` + // capitalized multiword
		`https?://\S+|` + // URL
		`[\w.+-]+@[\w-]+\.[\w.-]+|` + // e-mail
		`(?:/[\w.\-]+)+`, // file path
)

// signalWords are terms that, when present, mark a sentence as carrying a
// durable preference or decision worth preserving in a summary.
var signalWords = []string{
	"prefer", "prefers", "preferred", "decided", "decision", "always",
	"never", "must", "should", "important", "remember",
}

type scoredSentence struct {
	text     string
	position int
	score    float64
}

// Summarize produces a deterministic, lossy extractive summary of content
// within budget characters (the default is DefaultSummaryBudget). Sentences
// are scored by position (boosting the first and last), entity presence,
// a preferred-length bracket, and signal-word presence; the highest-scoring
// sentences are greedily selected until the budget is filled, then
// re-ordered by their original position in content.
func Summarize(content string, budget int) string {
	if budget <= 0 {
		budget = DefaultSummaryBudget
	}
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}
	if len(content) <= budget {
		return strings.TrimSpace(content)
	}

	scored := make([]scoredSentence, len(sentences))
	last := len(sentences) - 1
	for i, s := range sentences {
		scored[i] = scoredSentence{text: s, position: i, score: scoreSentence(s, i, last)}
	}

	ranked := append([]scoredSentence(nil), scored...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var selected []scoredSentence
	used := 0
	for _, s := range ranked {
		trimmed := strings.TrimSpace(s.text)
		if trimmed == "" {
			continue
		}
		if used > 0 && used+1+len(trimmed) > budget {
			continue
		}
		selected = append(selected, s)
		used += len(trimmed) + 1
		if used >= budget {
			break
		}
	}
	if len(selected) == 0 {
		trimmed := strings.TrimSpace(sentences[0].text)
		if len(trimmed) > budget {
			return strings.TrimSpace(trimmed[:budget])
		}
		return trimmed
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].position < selected[j].position })

	parts := make([]string, 0, len(selected))
	for _, s := range selected {
		parts = append(parts, strings.TrimSpace(s.text))
	}
	out := strings.Join(parts, " ")
	if len(out) > budget {
		out = strings.TrimSpace(out[:budget])
	}
	return out
}

func splitSentences(content string) []string {
	matches := sentenceSplitRE.FindAllString(content, -1)
	var out []string
	for _, m := range matches {
		if strings.TrimSpace(m) != "" {
			out = append(out, m)
		}
	}
	return out
}

const preferredMinLen = 40
const preferredMaxLen = 120

func scoreSentence(s string, position, last int) float64 {
	var score float64

	if position == 0 {
		score += 0.3
	}
	if position == last {
		score += 0.2
	}

	if entityRE.MatchString(s) {
		score += 0.25
	}

	length := len(strings.TrimSpace(s))
	if length >= preferredMinLen && length <= preferredMaxLen {
		score += 0.2
	}

	lower := strings.ToLower(s)
	for _, w := range signalWords {
		if strings.Contains(lower, w) {
			score += 0.15
			break
		}
	}

	return score
}
