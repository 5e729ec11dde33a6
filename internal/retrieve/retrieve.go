// Package retrieve implements hybrid retrieval over the Vector Index: dense
// similarity search blended with a lexical BM25 re-rank, permission
// scoping, question echo filtering, and result caching.
package retrieve

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/cache"
	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/embed"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
	"github.com/knowledgebase/kbsubsystem/internal/vectorindex"
)

// Result is one ranked retrieval hit, the fields a caller needs to cite and
// display the source document alongside its score breakdown.
type Result struct {
	ChunkID           uuid.UUID
	DocumentID        uuid.UUID
	Content           string
	DocumentName      string
	DocumentSource    string
	SourceType        catalog.SourceType
	Metadata          map[string]any
	DocumentMetadata  map[string]any
	Score             float64
	VectorSimilarity  float64
	LexicalScore      float64
	CombinedScore     float64
}

// UserContext describes the caller the retrieval is scoped to, per §4.5.5.
// IsPortalUser distinguishes external portal accounts, whose access to
// portal-sourced documents is governed by explicit users_documents grants,
// from regular internal accounts, which never see portal documents at all.
type UserContext struct {
	UserID       string
	IsAdmin      bool
	IsPortalUser bool
}

// Retriever runs hybrid search against the vector index, with a BM25 lexical
// re-rank, echo filtering, PRF-expanded term mining, and a result cache.
type Retriever struct {
	index    *vectorindex.Store
	catalog  *catalog.Store
	embedder embed.Embedder
	cache    *cache.Cache
	logger   zerolog.Logger

	cfgMu sync.RWMutex
	cfg   config.RetrieveConfig
}

// UpdateConfig swaps the retrieval tuning knobs in place, letting a
// config file reload take effect without
// reconstructing the Retriever (and therefore without dropping its
// in-flight request handling).
func (r *Retriever) UpdateConfig(cfg config.RetrieveConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
}

func (r *Retriever) config() config.RetrieveConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// New constructs a Retriever. cache may be nil to disable result caching.
func New(index *vectorindex.Store, cat *catalog.Store, embedder embed.Embedder, resultCache *cache.Cache, cfg config.RetrieveConfig) *Retriever {
	return &Retriever{
		index:    index,
		catalog:  cat,
		embedder: embedder,
		cache:    resultCache,
		cfg:      cfg,
		logger:   observability.Logger("retrieve"),
	}
}

var productCodePattern = regexp.MustCompile(`\b[A-Z]{2,}\d{1,4}\b`)

// looksLikeProductCode reports whether question appears to be asking about a
// specific product code, per §4.5.2's lowered-threshold override.
func looksLikeProductCode(question string) bool {
	upper := strings.ToUpper(question)
	if strings.Contains(upper, "PRODUCT CODE") {
		return true
	}
	return productCodePattern.MatchString(upper)
}

// resolveSourceTypes applies §4.5.5's permission scoping: admins see every
// requested source unrestricted; non-admin portal users requesting portal
// documents are limited to their explicit users_documents grants, with
// portal dropped entirely when they hold none; non-admin non-portal users
// always drop portal regardless of what they requested; an empty allowed
// set after filtering falls back to the always-available non-portal
// sources.
func (r *Retriever) resolveSourceTypes(ctx context.Context, user UserContext, requested []catalog.SourceType) (allowed []catalog.SourceType, allowedDocIDs []uuid.UUID, restrictPortal bool, err error) {
	if len(requested) == 0 {
		requested = []catalog.SourceType{catalog.SourcePortal, catalog.SourceWebsite, catalog.SourceAdmin, catalog.SourceUser}
	}
	if user.IsAdmin {
		return requested, nil, false, nil
	}

	wantsPortal := false
	for _, st := range requested {
		if st == catalog.SourcePortal {
			wantsPortal = true
			break
		}
	}
	if !wantsPortal {
		return requested, nil, false, nil
	}
	if !user.IsPortalUser {
		return dropSource(requested, catalog.SourcePortal), nil, false, nil
	}

	grantedIDs, err := r.catalog.ListDocumentIDsForUser(ctx, user.UserID)
	if err != nil {
		return nil, nil, false, err
	}
	if len(grantedIDs) == 0 {
		return dropSource(requested, catalog.SourcePortal), nil, false, nil
	}
	return requested, grantedIDs, true, nil
}

func dropSource(sources []catalog.SourceType, drop catalog.SourceType) []catalog.SourceType {
	out := make([]catalog.SourceType, 0, len(sources))
	for _, st := range sources {
		if st != drop {
			out = append(out, st)
		}
	}
	if len(out) == 0 {
		return []catalog.SourceType{catalog.SourceWebsite, catalog.SourceAdmin, catalog.SourceUser}
	}
	return out
}

func sortedSourceNames(sources []catalog.SourceType) []string {
	names := make([]string, len(sources))
	for i, st := range sources {
		names[i] = string(st)
	}
	sort.Strings(names)
	return names
}

// Options configures a single Retrieve call.
type Options struct {
	K                   int
	SourceTypes         []catalog.SourceType
	SimilarityThreshold float64 // 0 selects the configured default, overridden by the product-code heuristic
}

// Retrieve runs the full §4.5.3 hybrid search pipeline: over-fetch dense
// candidates (falling back to a combined dense+lexical query when dense
// search is empty), dedupe by document, filter question echoes, pad with
// MMR-selected candidates when too few survive, mine PRF terms, BM25
// re-rank, fuse with the dense scores, and drop anything below the
// similarity floor.
func (r *Retriever) Retrieve(ctx context.Context, question string, user UserContext, opts Options) ([]Result, error) {
	cfg := r.config()
	if opts.K <= 0 {
		opts.K = 5
	}
	threshold := opts.SimilarityThreshold
	if threshold == 0 {
		threshold = cfg.VectorDocMinScore
	}
	if looksLikeProductCode(question) {
		threshold = cfg.ProductCodeSimilarityThreshold
	}

	sources, allowedDocIDs, restrictPortal, err := r.resolveSourceTypes(ctx, user, opts.SourceTypes)
	if err != nil {
		return nil, err
	}

	cacheKey := cache.ResultKey{
		UserID:          user.UserID,
		NormalizedQuery: cache.NormalizeQuery(question),
		K:               opts.K,
		Threshold:       threshold,
		SortedSources:   sortedSourceNames(sources),
	}
	if r.cache != nil {
		var cached []Result
		if hit, err := r.cache.GetResults(ctx, cacheKey, &cached); err != nil {
			r.logger.Warn().Err(err).Msg("result cache read failed, falling through to live search")
		} else if hit {
			return cached, nil
		}
	}

	queryEmbedding, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Embedding, err, "embedding query")
	}

	baseK := opts.K * 5
	if baseK > 80 {
		baseK = 80
	}

	searchOpts := vectorindex.SearchOptions{
		K:                    baseK,
		SimilarityThreshold:  threshold,
		AllowedSourceTypes:   sources,
		AllowedDocumentIDs:   allowedDocIDs,
		RestrictPortalToDocs: restrictPortal,
	}

	candidates, err := r.index.Search(ctx, queryEmbedding, searchOpts)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "dense search")
	}
	if len(candidates) == 0 {
		candidates, err = r.index.HybridCandidates(ctx, queryEmbedding, question, searchOpts)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "hybrid candidate fallback")
		}
	}

	merged := dedupeByDocKey(candidates)
	merged = filterEchoes(merged, question)

	minWanted := opts.K
	if minWanted < 5 {
		minWanted = 5
	}
	if len(merged) < minWanted {
		padded := mmrPad(candidates, merged, minWanted)
		merged = filterEchoes(padded, question)
	}

	prfTerms := extractPRFTerms(merged, question, 12, 6)
	results := rerankHybrid(merged, question, prfTerms, cfg.HybridVectorWeight, cfg.VectorSimilarityFloor)

	sort.Slice(results, func(i, j int) bool { return results[i].CombinedScore > results[j].CombinedScore })
	if len(results) > opts.K {
		results = results[:opts.K]
	}

	if r.cache != nil {
		if err := r.cache.PutResults(ctx, cacheKey, results); err != nil {
			r.logger.Warn().Err(err).Msg("failed to cache results")
		}
	}

	return results, nil
}
