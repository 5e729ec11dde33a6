package retrieve

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

func TestLooksLikeProductCode(t *testing.T) {
	cases := map[string]bool{
		"what is the spec for AB1234":     true,
		"please quote the PRODUCT CODE":   true,
		"what is the maintenance schedule": false,
	}
	for q, want := range cases {
		if got := looksLikeProductCode(q); got != want {
			t.Errorf("looksLikeProductCode(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestDropSourceFallsBackWhenEmptied(t *testing.T) {
	got := dropSource([]catalog.SourceType{catalog.SourcePortal}, catalog.SourcePortal)
	want := []catalog.SourceType{catalog.SourceWebsite, catalog.SourceAdmin, catalog.SourceUser}
	if len(got) != len(want) {
		t.Fatalf("dropSource fallback = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dropSource[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResolveSourceTypesAdminUnrestricted(t *testing.T) {
	r := &Retriever{}
	sources, docIDs, restrict, err := r.resolveSourceTypes(context.Background(),
		UserContext{UserID: "admin-1", IsAdmin: true},
		[]catalog.SourceType{catalog.SourcePortal, catalog.SourceUser})
	if err != nil {
		t.Fatalf("resolveSourceTypes: %v", err)
	}
	if restrict || docIDs != nil {
		t.Errorf("expected admin to be unrestricted, got restrict=%v docIDs=%v", restrict, docIDs)
	}
	if len(sources) != 2 {
		t.Errorf("expected admin's requested sources to pass through, got %v", sources)
	}
}

func TestResolveSourceTypesNonPortalRequestPassesThrough(t *testing.T) {
	r := &Retriever{}
	sources, _, restrict, err := r.resolveSourceTypes(context.Background(),
		UserContext{UserID: "u1", IsAdmin: false, IsPortalUser: true},
		[]catalog.SourceType{catalog.SourceWebsite, catalog.SourceUser})
	if err != nil {
		t.Fatalf("resolveSourceTypes: %v", err)
	}
	if restrict {
		t.Error("expected no portal restriction when portal wasn't requested")
	}
	if len(sources) != 2 {
		t.Errorf("expected requested sources unchanged, got %v", sources)
	}
}

func TestResolveSourceTypesNonPortalUserDropsPortal(t *testing.T) {
	r := &Retriever{}
	sources, docIDs, restrict, err := r.resolveSourceTypes(context.Background(),
		UserContext{UserID: "u2", IsAdmin: false, IsPortalUser: false},
		[]catalog.SourceType{catalog.SourcePortal})
	if err != nil {
		t.Fatalf("resolveSourceTypes: %v", err)
	}
	if restrict || docIDs != nil {
		t.Errorf("expected a plain drop, not a restriction, got restrict=%v docIDs=%v", restrict, docIDs)
	}
	for _, st := range sources {
		if st == catalog.SourcePortal {
			t.Errorf("expected portal dropped for a non-portal user, got %v", sources)
		}
	}
}

// fakeEmbedder returns a deterministic low-dimension vector so dense search
// exercises real cosine distance without calling an embedding provider.
type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	for i, r := range text {
		vec[i%f.dim] += float32(r % 7)
	}
	vec[0] += 1
	return vec, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f fakeEmbedder) Dimension() int { return f.dim }
func (f fakeEmbedder) Model() string  { return "fake-test-embedder" }

// testStore connects to a live Postgres instance named by KB_TEST_POSTGRES_DSN.
func testStore(t *testing.T) *catalog.Store {
	t.Helper()
	dsn := os.Getenv("KB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("KB_TEST_POSTGRES_DSN not set, skipping retrieve integration test")
	}
	cat, err := catalog.Connect(context.Background(), dsn, 4, 8)
	if err != nil {
		t.Fatalf("catalog.Connect failed: %v", err)
	}
	t.Cleanup(cat.Close)
	return cat
}

func TestRetrievePermissionScopingRestrictsPortalGrants(t *testing.T) {
	cat := testStore(t)
	ctx := context.Background()

	portalDoc := &catalog.Document{
		ID:               uuid.New(),
		SourceType:       catalog.SourcePortal,
		OriginalFilename: "granted.pdf",
		StoredFilename:   uuid.New().String() + ".pdf",
		StoragePath:      "/data/documents/portal/x.pdf",
		MimeType:         "application/pdf",
		Metadata:         map[string]any{},
	}
	if err := cat.Create(ctx, portalDoc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	userID := uuid.New().String()
	if err := cat.GrantUser(ctx, userID, portalDoc.ID); err != nil {
		t.Fatalf("GrantUser: %v", err)
	}

	r := &Retriever{catalog: cat}
	sources, docIDs, restrict, err := r.resolveSourceTypes(ctx,
		UserContext{UserID: userID, IsAdmin: false, IsPortalUser: true},
		[]catalog.SourceType{catalog.SourcePortal, catalog.SourceWebsite})
	if err != nil {
		t.Fatalf("resolveSourceTypes: %v", err)
	}
	if !restrict {
		t.Fatal("expected portal restriction to engage for a granted portal user")
	}
	if len(docIDs) != 1 || docIDs[0] != portalDoc.ID {
		t.Errorf("expected the granted document id, got %v", docIDs)
	}
	if len(sources) != 2 {
		t.Errorf("expected both requested sources to remain, got %v", sources)
	}
}

func TestRetrieveEndToEnd(t *testing.T) {
	cat := testStore(t)
	ctx := context.Background()
	vi := vectorindex.New(cat.Pool())

	doc := &catalog.Document{
		ID:               uuid.New(),
		SourceType:       catalog.SourceAdmin,
		OriginalFilename: "torque-spec.pdf",
		StoredFilename:   uuid.New().String() + ".pdf",
		StoragePath:      "/data/documents/admin/y.pdf",
		MimeType:         "application/pdf",
		Metadata:         map[string]any{},
	}
	if err := cat.Create(ctx, doc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	embedder := fakeEmbedder{dim: 8}
	vec, _ := embedder.Embed(ctx, "torque spec for widget x200 is 15 newton meters")
	chunkRow := &vectorindex.Chunk{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		ChunkIndex: 0,
		Content:    "torque spec for widget x200 is 15 newton meters, verified during QA",
		Embedding:  vec,
		Metadata:   map[string]any{"stored_filename": doc.StoredFilename},
	}
	if err := vi.Upsert(ctx, chunkRow); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	r := New(vi, cat, embedder, nil, config.RetrieveConfig{
		VectorDocMinScore:              0.0,
		VectorSimilarityFloor:          0.0,
		HybridVectorWeight:             0.6,
		ProductCodeSimilarityThreshold: 0.0,
		AttachmentSimilarityThreshold:  0.0,
	})

	results, err := r.Retrieve(ctx, "torque spec for widget x200", UserContext{UserID: "admin-1", IsAdmin: true}, Options{K: 3})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].DocumentID != doc.ID {
		t.Errorf("expected the seeded document to be retrieved, got %v", results[0].DocumentID)
	}
}
