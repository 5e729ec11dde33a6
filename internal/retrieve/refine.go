package retrieve

import (
	"fmt"
	"strings"
)

// followupHints are markers, including multi-word Indonesian phrases, that
// suggest a question is a short follow-up referring back to prior context
// rather than a self-contained query.
var followupHints = []string{
	"itu", "tersebut", "ini", "nya", "lebih lanjut", "selanjutnya",
	"bagaimana dengan", "terus", "lalu", "kalau", "that", "it", "more",
	"further", "continue", "and",
}

var docLabelFields = []string{"title", "document_name", "original_filename", "subject", "heading"}

// isFollowup reports whether question looks like a short follow-up to a
// prior turn: it contains a pronoun-style hint, or carries three or fewer
// non-stopword tokens.
func isFollowup(question string) bool {
	lower := strings.ToLower(question)
	for _, hint := range followupHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return len(contentTokens(tokenize(question))) <= 3
}

// RefineQuestion expands a short or pronoun-heavy follow-up question with
// hints drawn from the top retrieved documents' titles, falling back to
// mined PRF terms, per §4.5.4. Questions that don't look like follow-ups
// are returned unchanged.
func RefineQuestion(question string, results []Result, prfTerms []string, maxHints int) string {
	if !isFollowup(question) {
		return question
	}

	var hints []string
	seen := map[string]struct{}{}
	addHint := func(v string) bool {
		v = strings.TrimSpace(v)
		if v == "" {
			return false
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		hints = append(hints, v)
		return len(hints) >= maxHints
	}

	top := results
	if len(top) > 3 {
		top = top[:3]
	}
docLoop:
	for _, r := range top {
		for _, field := range docLabelFields {
			if v, ok := r.DocumentMetadata[field].(string); ok && v != "" {
				if addHint(v) {
					break docLoop
				}
				break
			}
		}
	}

	for _, term := range prfTerms {
		if len(hints) >= maxHints {
			break
		}
		addHint(term)
	}

	if len(hints) == 0 {
		return question
	}

	stem := strings.TrimRight(strings.TrimSpace(question), "?")
	joined := strings.Join(hints, ", ")
	if strings.HasSuffix(strings.TrimSpace(question), "?") {
		return fmt.Sprintf("%s terkait %s?", stem, joined)
	}
	return fmt.Sprintf("%s terkait %s", question, joined)
}
