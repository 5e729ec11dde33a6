// Package upload implements the Upload Handler: the synchronous ingestion
// path for admin-uploaded documents and user chat attachments, as opposed to
// the asynchronous portal/website pulls.
package upload

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/ingest"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

// Request describes a single admin or user-chat upload.
type Request struct {
	SourceType       catalog.SourceType // catalog.SourceAdmin or catalog.SourceUser
	OriginalFilename string
	MimeType         string
	UploadedBy       string
	ChatID           *uuid.UUID // non-nil for a chat attachment
	Content          io.Reader
}

// Handler validates and routes uploads into the Ingestion Pipeline.
type Handler struct {
	pipeline *ingest.Pipeline
	cfg      config.UploadConfig
	logger   zerolog.Logger
}

// New constructs a Handler from an ingest.Pipeline and config.UploadConfig.
func New(pipeline *ingest.Pipeline, cfg config.UploadConfig) *Handler {
	return &Handler{
		pipeline: pipeline,
		cfg:      cfg,
		logger:   observability.Logger("sourceadapter.upload"),
	}
}

// Upload validates req against the allowed extension list and (for chat
// attachments) the attachment size limit and feature flag, then runs it
// through the Ingestion Pipeline.
func (h *Handler) Upload(ctx context.Context, req Request) (*ingest.Result, error) {
	if req.SourceType != catalog.SourceAdmin && req.SourceType != catalog.SourceUser {
		return nil, kberrors.New(kberrors.BadInput, "upload source type must be admin or user, got %q", req.SourceType)
	}

	isAttachment := req.ChatID != nil
	if isAttachment && !h.cfg.AttachmentEnabled {
		return nil, kberrors.New(kberrors.Forbidden, "chat attachments are disabled")
	}

	ext := strings.ToLower(filepath.Ext(req.OriginalFilename))
	if ext == "" && req.MimeType != "" {
		if guessed := ingest.DetectExtension(req.MimeType); guessed != "" {
			ext = guessed
			req.OriginalFilename += ext
		}
	}
	if !h.extensionAllowed(ext) {
		return nil, kberrors.New(kberrors.BadInput, "file extension %q is not allowed", ext)
	}

	content := req.Content
	if isAttachment && h.cfg.AttachmentMaxSizeMB > 0 {
		limit := h.cfg.AttachmentMaxSizeMB*1024*1024 + 1
		data, err := io.ReadAll(io.LimitReader(req.Content, limit))
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Storage, err, "reading attachment %s", req.OriginalFilename)
		}
		if int64(len(data)) > h.cfg.AttachmentMaxSizeMB*1024*1024 {
			return nil, kberrors.New(kberrors.BadInput, "attachment %s exceeds the %d MB limit", req.OriginalFilename, h.cfg.AttachmentMaxSizeMB)
		}
		content = bytes.NewReader(data)
	}

	result, err := h.pipeline.Ingest(ctx, ingest.Input{
		SourceType:       req.SourceType,
		OriginalFilename: req.OriginalFilename,
		MimeType:         req.MimeType,
		UploadedBy:       req.UploadedBy,
		ChatID:           req.ChatID,
		Content:          content,
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("filename", req.OriginalFilename).Msg("upload ingestion failed")
		return nil, err
	}

	h.logger.Info().
		Str("document_id", result.DocumentID.String()).
		Int("chunk_count", result.ChunkCount).
		Bool("attachment", isAttachment).
		Msg("upload ingested")
	return result, nil
}

func (h *Handler) extensionAllowed(ext string) bool {
	if len(h.cfg.AllowedExtensions) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedExtensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}
