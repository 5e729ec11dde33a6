package retrieve

import (
	"testing"

	"github.com/google/uuid"

	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

func TestTokenize(t *testing.T) {
	got := tokenize("Widget-200, PN A1234!")
	want := []string{"widget", "200", "pn", "a1234"}
	if len(got) != len(want) {
		t.Fatalf("tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tokenize[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestContentTokensDropsStopwords(t *testing.T) {
	got := contentTokens(tokenize("apa itu widget yang terbaik"))
	for _, t2 := range got {
		if t2 == "apa" || t2 == "itu" || t2 == "yang" {
			t.Errorf("expected stopword %q to be dropped, got %v", t2, got)
		}
	}
	found := false
	for _, t2 := range got {
		if t2 == "widget" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected content token 'widget' to survive, got %v", got)
	}
}

func chunk(id string, content string) vectorindex.Candidate {
	return vectorindex.Candidate{
		ChunkID:    uuid.New(),
		DocumentID: uuid.New(),
		Content:    content,
		Similarity: 0.5,
		Metadata:   map[string]any{"stored_filename": id},
	}
}

func TestBM25ScoresFavorsTermFrequency(t *testing.T) {
	candidates := []vectorindex.Candidate{
		chunk("a", "widget specification widget widget torque rating"),
		chunk("b", "completely unrelated content about shipping boxes"),
	}
	scores := bm25Scores(candidates, []string{"widget"})
	if scores[0] <= scores[1] {
		t.Errorf("expected doc mentioning 'widget' repeatedly to score higher: %v", scores)
	}
}

func TestBM25ScoresEmptyQuery(t *testing.T) {
	candidates := []vectorindex.Candidate{chunk("a", "some content")}
	scores := bm25Scores(candidates, nil)
	if scores[0] != 0 {
		t.Errorf("expected zero score for empty query, got %v", scores[0])
	}
}

func TestExtractPRFTermsSkipsQuestionTokensAndStopwords(t *testing.T) {
	candidates := []vectorindex.Candidate{
		chunk("a", "torque specification for widget assembly torque value"),
		chunk("b", "torque specification listed in the widget manual torque value"),
	}
	terms := extractPRFTerms(candidates, "what is the widget spec", 12, 6)
	for _, term := range terms {
		if term == "widget" || term == "what" || term == "the" {
			t.Errorf("expected question/stopword term %q excluded from PRF terms, got %v", term, terms)
		}
	}
	found := false
	for _, term := range terms {
		if term == "torque" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'torque' to be mined as a PRF term, got %v", terms)
	}
}

func TestMinMaxNormalizeIdenticalValuesSplitBinary(t *testing.T) {
	got := minMaxNormalize([]float64{0.4, 0.4, 0.4})
	for _, v := range got {
		if v != 1 {
			t.Errorf("expected identical positive values to normalize to 1.0, got %v", got)
		}
	}

	got = minMaxNormalize([]float64{0, 0})
	for _, v := range got {
		if v != 0 {
			t.Errorf("expected identical zero values to normalize to 0.0, got %v", got)
		}
	}
}

func TestMinMaxNormalizeRange(t *testing.T) {
	got := minMaxNormalize([]float64{1, 2, 3})
	if got[0] != 0 || got[2] != 1 {
		t.Errorf("got = %v, want first=0 last=1", got)
	}
}
