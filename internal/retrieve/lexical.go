package retrieve

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

// stopwords mirrors the original's mixed Indonesian/English common-word
// list, used to keep PRF term mining from surfacing filler words.
var stopwords = map[string]struct{}{
	"yang": {}, "untuk": {}, "dengan": {}, "dari": {}, "dan": {}, "atau": {},
	"pada": {}, "adalah": {}, "ini": {}, "itu": {}, "ke": {}, "di": {},
	"apa": {}, "bagaimana": {}, "kenapa": {}, "mengapa": {}, "siapa": {},
	"kapan": {}, "berapa": {}, "tolong": {}, "mohon": {}, "bisa": {},
	"the": {}, "a": {}, "an": {}, "of": {}, "for": {}, "and": {}, "or": {},
	"is": {}, "are": {}, "to": {}, "in": {}, "on": {}, "what": {}, "how": {},
	"why": {}, "who": {}, "when": {}, "please": {}, "can": {}, "you": {},
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// tokenize lowercases and splits text into alphanumeric runs, the exact
// tokenization rule BM25 and the echo filter's coverage checks both rely
// on.
func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

func contentTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, skip := stopwords[t]; !skip {
			out = append(out, t)
		}
	}
	return out
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// extractPRFTerms mines pseudo-relevance-feedback terms from the top
// maxDocs candidates: a term's score is its document-frequency ratio across
// the candidates that yielded any tokens, boosted by its total count relative
// to the mean number of counted tokens per candidate, with a further boost
// for tokens containing a digit (product codes, part numbers).
func extractPRFTerms(candidates []vectorindex.Candidate, question string, maxDocs, maxTerms int) []string {
	if len(candidates) > maxDocs {
		candidates = candidates[:maxDocs]
	}
	questionTokens := map[string]struct{}{}
	for _, t := range tokenize(question) {
		questionTokens[t] = struct{}{}
	}

	docFreq := map[string]int{}
	totalFreq := map[string]int{}
	usedDocs := 0
	sumFreq := 0
	for _, c := range candidates {
		toks := contentTokens(tokenize(c.Content))
		if len(toks) == 0 {
			continue
		}
		usedDocs++
		seen := map[string]struct{}{}
		for _, t := range toks {
			if len(t) < 3 {
				continue
			}
			totalFreq[t]++
			sumFreq++
			if _, ok := seen[t]; !ok {
				docFreq[t]++
				seen[t] = struct{}{}
			}
		}
	}
	if usedDocs == 0 {
		return nil
	}

	meanFreq := float64(sumFreq) / float64(usedDocs)
	if meanFreq < 1 {
		meanFreq = 1
	}

	type scored struct {
		term  string
		score float64
	}
	var terms []scored
	for term, df := range docFreq {
		if _, inQuestion := questionTokens[term]; inQuestion {
			continue
		}
		docFreqRatio := float64(df) / float64(usedDocs)
		tfNormalized := float64(totalFreq[term]) / meanFreq
		score := docFreqRatio * (1 + tfNormalized)
		if hasDigit(term) {
			score *= 1.15
		}
		terms = append(terms, scored{term, score})
	}

	sort.Slice(terms, func(i, j int) bool { return terms[i].score > terms[j].score })
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = t.term
	}
	return out
}

// bm25Scores scores every candidate's content against queryTokens with
// Okapi BM25 (k1=1.5, b=0.75, add-one IDF smoothing), min-max normalized to
// [0,1] so it can be linearly fused with the already-[0,1] vector score.
func bm25Scores(candidates []vectorindex.Candidate, queryTokens []string) []float64 {
	const (
		k1 = 1.5
		b  = 0.75
		maxContentLen = 5000
	)

	n := len(candidates)
	scores := make([]float64, n)
	if n == 0 || len(queryTokens) == 0 {
		return scores
	}

	docTokens := make([][]string, n)
	docLen := make([]int, n)
	var totalLen int
	for i, c := range candidates {
		content := c.Content
		if len(content) > maxContentLen {
			content = content[:maxContentLen]
		}
		docTokens[i] = tokenize(content)
		docLen[i] = len(docTokens[i])
		totalLen += docLen[i]
	}
	avgDocLen := float64(totalLen) / float64(n)
	if avgDocLen == 0 {
		avgDocLen = 1
	}

	termDocFreq := map[string]int{}
	for _, toks := range docTokens {
		seen := map[string]struct{}{}
		for _, t := range toks {
			if _, ok := seen[t]; !ok {
				termDocFreq[t]++
				seen[t] = struct{}{}
			}
		}
	}

	idf := map[string]float64{}
	for _, term := range queryTokens {
		if _, done := idf[term]; done {
			continue
		}
		nq := float64(termDocFreq[term])
		idf[term] = math.Log((float64(n)-nq+0.5)/(nq+0.5) + 1)
	}

	for i, toks := range docTokens {
		termFreq := map[string]int{}
		for _, t := range toks {
			termFreq[t]++
		}
		var score float64
		for _, term := range queryTokens {
			tf := float64(termFreq[term])
			if tf == 0 {
				continue
			}
			numerator := tf * (k1 + 1)
			denominator := tf + k1*(1-b+b*float64(docLen[i])/avgDocLen)
			score += idf[term] * numerator / denominator
		}
		scores[i] = score
	}

	return minMaxNormalize(scores)
}

func minMaxNormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if max-min < 1e-12 {
		for i := range values {
			if values[i] > 0 {
				out[i] = 1
			}
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - min) / (max - min)
	}
	return out
}
