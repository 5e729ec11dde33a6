package retrieve

import (
	"context"

	"github.com/google/uuid"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
)

// AttachmentOptions configures a RetrieveAttachments call.
type AttachmentOptions struct {
	ChatID      uuid.UUID
	SourceTypes []catalog.SourceType
	KPerFile    int
	Embeddable  bool // whether the attachment chunks were embedded at ingestion time
}

// RetrieveAttachments returns every chunk attached to a chat, per §4.5.6:
// when the attachment was embedded, candidates are scored by cosine
// similarity above the configured attachment threshold; otherwise every
// chunk is returned in storage order with a synthetic top score, since
// there is no similarity signal to rank by.
func (r *Retriever) RetrieveAttachments(ctx context.Context, question string, opts AttachmentOptions) ([]Result, error) {
	kPerFile := opts.KPerFile
	if kPerFile <= 0 {
		kPerFile = 50
	}
	limit := kPerFile * 10
	if limit < 50 {
		limit = 50
	}

	var queryEmbedding []float32
	if opts.Embeddable {
		var err error
		queryEmbedding, err = r.embedder.Embed(ctx, question)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Embedding, err, "embedding attachment query")
		}
	}

	candidates, err := r.index.AttachmentCandidates(ctx, opts.ChatID, opts.SourceTypes, queryEmbedding, r.config().AttachmentSimilarityThreshold, limit)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.Storage, err, "listing attachment candidates")
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		score := c.Similarity
		if !opts.Embeddable {
			score = 1.0
		}
		results[i] = Result{
			ChunkID:          c.ChunkID,
			DocumentID:       c.DocumentID,
			Content:          c.Content,
			DocumentName:     c.DocumentName,
			DocumentSource:   c.DocumentSource,
			SourceType:       c.SourceType,
			Metadata:         c.Metadata,
			DocumentMetadata: c.DocumentMetadata,
			Score:            score,
			VectorSimilarity: score,
			CombinedScore:    score,
		}
	}
	return results, nil
}
