package retrieve

import (
	"strings"
	"testing"
)

func TestIsFollowupDetectsPronounHint(t *testing.T) {
	if !isFollowup("bagaimana dengan itu") {
		t.Error("expected pronoun-bearing question to be detected as a follow-up")
	}
}

func TestIsFollowupDetectsShortQuestion(t *testing.T) {
	if !isFollowup("berapa harganya") {
		t.Error("expected a short, low-content-token question to be detected as a follow-up")
	}
}

func TestIsFollowupRejectsDetailedQuestion(t *testing.T) {
	if isFollowup("apa spesifikasi torque lengkap untuk widget model x200 pada kondisi beban penuh") {
		t.Error("expected a detailed, content-rich question to not be treated as a follow-up")
	}
}

func TestRefineQuestionAppendsDocHints(t *testing.T) {
	results := []Result{
		{DocumentMetadata: map[string]any{"title": "Widget X200 Torque Specification"}},
	}
	refined := RefineQuestion("bagaimana dengan itu?", results, nil, 3)
	if !strings.Contains(refined, "terkait") {
		t.Errorf("expected refined question to contain a 'terkait' clause, got %q", refined)
	}
	if !strings.Contains(refined, "Widget X200 Torque Specification") {
		t.Errorf("expected refined question to include the top document's title, got %q", refined)
	}
}

func TestRefineQuestionFallsBackToPRFTerms(t *testing.T) {
	refined := RefineQuestion("itu apa", nil, []string{"torque", "widget"}, 3)
	if !strings.Contains(refined, "torque") {
		t.Errorf("expected refined question to fall back to PRF terms, got %q", refined)
	}
}

func TestRefineQuestionLeavesDetailedQuestionUnchanged(t *testing.T) {
	question := "apa spesifikasi torque lengkap untuk widget model x200 pada kondisi beban penuh"
	if got := RefineQuestion(question, nil, []string{"torque"}, 3); got != question {
		t.Errorf("expected detailed question to be returned unchanged, got %q", got)
	}
}
