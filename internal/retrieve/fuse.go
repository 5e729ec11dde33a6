package retrieve

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

// docKey identifies the underlying document a chunk belongs to for dedup
// purposes, preferring the stored filename, then the document source
// label, then falling back to the document ID so chunks of two unrelated
// documents never collide.
func docKey(c vectorindex.Candidate) string {
	if name, ok := c.Metadata["stored_filename"].(string); ok && name != "" {
		return "f:" + name
	}
	if c.DocumentSource != "" {
		return "s:" + c.DocumentSource
	}
	return "d:" + c.DocumentID.String()
}

// dedupeByDocKey collapses candidates that belong to the same document down
// to the single highest-similarity chunk.
func dedupeByDocKey(candidates []vectorindex.Candidate) []vectorindex.Candidate {
	best := map[string]vectorindex.Candidate{}
	order := []string{}
	for _, c := range candidates {
		key := docKey(c)
		existing, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = c
			continue
		}
		if c.Similarity > existing.Similarity {
			best[key] = c
		}
	}
	out := make([]vectorindex.Candidate, 0, len(order))
	for _, key := range order {
		out = append(out, best[key])
	}
	return out
}

func normalizeForOverlap(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// sequenceMatcherRatio approximates Python's difflib.SequenceMatcher.ratio()
// using go-diff's Myers-diff engine: sum the lengths of the equal-content
// runs as M and return 2*M/(len(a)+len(b)), the same ratio formula difflib
// uses. The underlying diff algorithms differ (Myers vs. gestalt pattern
// matching) so this is an approximation, not a byte-for-byte port, but it
// converges to the same value for the near-duplicate/substring cases the
// echo filter cares about.
func sequenceMatcherRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	var matching int
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			matching += len(d.Text)
		}
	}
	return 2 * float64(matching) / float64(len(a)+len(b))
}

// isQuestionEcho reports whether a candidate's content is substantially the
// question restated rather than an answer, per §4.5.3 Step C: a tagged
// echo segment, a high sequence-similarity ratio on a length-bounded
// snippet, or high token coverage relative to the question.
func isQuestionEcho(c vectorindex.Candidate, normalizedQuestion string, questionTokenCount int) bool {
	if segType, ok := c.Metadata["segment_type"].(string); ok && segType == "question_echo" {
		return true
	}

	snippet := normalizeForOverlap(c.Content)
	if len(snippet) > 1024 {
		snippet = snippet[:1024]
	}
	question := normalizedQuestion
	if len(question) > 1024 {
		question = question[:1024]
	}

	ratio := sequenceMatcherRatio(snippet, question)
	if ratio >= 0.92 && len(snippet) <= len(question)+60 {
		return true
	}

	docTokens := tokenize(c.Content)
	questionTokenSet := map[string]struct{}{}
	for _, t := range tokenize(normalizedQuestion) {
		questionTokenSet[t] = struct{}{}
	}
	if len(docTokens) > 0 && len(questionTokenSet) > 0 {
		var covered int
		seen := map[string]struct{}{}
		for _, t := range docTokens {
			if _, already := seen[t]; already {
				continue
			}
			seen[t] = struct{}{}
			if _, inQuestion := questionTokenSet[t]; inQuestion {
				covered++
			}
		}
		coverage := float64(covered) / float64(len(questionTokenSet))
		if coverage >= 0.90 && len(docTokens) <= questionTokenCount+3 {
			return true
		}
		if coverage >= 0.85 && len(snippet) <= int(1.2*float64(len(question))) {
			return true
		}
	}

	return false
}

// filterEchoes drops candidates that look like the question restated back
// at the caller instead of genuine answer content.
func filterEchoes(candidates []vectorindex.Candidate, question string) []vectorindex.Candidate {
	normalizedQuestion := normalizeForOverlap(question)
	questionTokenCount := len(tokenize(question))

	out := make([]vectorindex.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !isQuestionEcho(c, normalizedQuestion, questionTokenCount) {
			out = append(out, c)
		}
	}
	return out
}

// jaccardSimilarity is the MMR diversity proxy: token-set overlap between
// two chunks' content.
func jaccardSimilarity(a, b string) float64 {
	setA := map[string]struct{}{}
	for _, t := range tokenize(a) {
		setA[t] = struct{}{}
	}
	setB := map[string]struct{}{}
	for _, t := range tokenize(b) {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	var intersection int
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

const mmrLambda = 0.5

// mmrPad fills merged out to minWanted candidates from the original dense
// candidate pool, selecting at each step the remaining candidate that
// maximizes relevance minus similarity to what has already been picked
// (Maximal Marginal Relevance), per §4.5.3 Step D.
func mmrPad(all, merged []vectorindex.Candidate, minWanted int) []vectorindex.Candidate {
	if len(merged) >= minWanted {
		return merged
	}

	picked := map[string]struct{}{}
	for _, c := range merged {
		picked[docKey(c)] = struct{}{}
	}

	result := append([]vectorindex.Candidate{}, merged...)
	remaining := make([]vectorindex.Candidate, 0, len(all))
	for _, c := range all {
		if _, already := picked[docKey(c)]; !already {
			remaining = append(remaining, c)
		}
	}

	for len(result) < minWanted && len(remaining) > 0 {
		bestIdx := -1
		bestScore := -1.0
		for i, cand := range remaining {
			maxSim := 0.0
			for _, r := range result {
				if sim := jaccardSimilarity(cand.Content, r.Content); sim > maxSim {
					maxSim = sim
				}
			}
			score := mmrLambda*cand.Similarity - (1-mmrLambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx == -1 {
			break
		}
		result = append(result, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return result
}

// rerankHybrid fuses each candidate's dense similarity with a BM25 lexical
// score computed over the candidate set expanded with PRF terms, then
// drops anything below the similarity floor, per §4.5.3 Steps E-H.
func rerankHybrid(candidates []vectorindex.Candidate, question string, prfTerms []string, vectorWeight, similarityFloor float64) []Result {
	if len(candidates) == 0 {
		return nil
	}

	rawVec := make([]float64, len(candidates))
	for i, c := range candidates {
		rawVec[i] = c.Similarity
	}
	// minMaxNormalize already special-cases identical inputs into a binary
	// 1.0/0.0 split, matching rerank_hybrid's behavior when every raw score
	// ties (division by a zero range is otherwise undefined).
	normVec := minMaxNormalize(rawVec)

	queryTokens := contentTokens(tokenize(question))
	queryTokens = append(queryTokens, prfTerms...)
	normLex := bm25Scores(candidates, queryTokens)

	results := make([]Result, 0, len(candidates))
	for i, c := range candidates {
		if rawVec[i] < similarityFloor {
			continue
		}
		combined := vectorWeight*normVec[i] + (1-vectorWeight)*normLex[i]
		if combined > 1 {
			combined = 1
		}
		if combined < 0 {
			combined = 0
		}
		results = append(results, Result{
			ChunkID:          c.ChunkID,
			DocumentID:       c.DocumentID,
			Content:          c.Content,
			DocumentName:     c.DocumentName,
			DocumentSource:   c.DocumentSource,
			SourceType:       c.SourceType,
			Metadata:         c.Metadata,
			DocumentMetadata: c.DocumentMetadata,
			Score:            combined,
			VectorSimilarity: rawVec[i],
			LexicalScore:     normLex[i],
			CombinedScore:    combined,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].CombinedScore > results[j].CombinedScore })
	return results
}
