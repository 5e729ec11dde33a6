package upload

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/config"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
)

func TestUploadRejectsBadSourceType(t *testing.T) {
	h := New(nil, config.UploadConfig{AttachmentEnabled: true})
	_, err := h.Upload(context.Background(), Request{
		SourceType:       catalog.SourceWebsite,
		OriginalFilename: "a.pdf",
		Content:          strings.NewReader("x"),
	})
	if !kberrors.IsKind(err, kberrors.BadInput) {
		t.Fatalf("expected BadInput, got %v", err)
	}
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	h := New(nil, config.UploadConfig{AllowedExtensions: []string{".pdf"}})
	_, err := h.Upload(context.Background(), Request{
		SourceType:       catalog.SourceAdmin,
		OriginalFilename: "a.exe",
		Content:          strings.NewReader("x"),
	})
	if !kberrors.IsKind(err, kberrors.BadInput) {
		t.Fatalf("expected BadInput, got %v", err)
	}
}

func TestUploadRejectsAttachmentWhenDisabled(t *testing.T) {
	chatID := uuid.New()
	h := New(nil, config.UploadConfig{AttachmentEnabled: false, AllowedExtensions: []string{".pdf"}})
	_, err := h.Upload(context.Background(), Request{
		SourceType:       catalog.SourceUser,
		OriginalFilename: "a.pdf",
		ChatID:           &chatID,
		Content:          strings.NewReader("x"),
	})
	if !kberrors.IsKind(err, kberrors.Forbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestUploadRejectsOversizedAttachment(t *testing.T) {
	chatID := uuid.New()
	h := New(nil, config.UploadConfig{
		AttachmentEnabled:   true,
		AttachmentMaxSizeMB: 1,
		AllowedExtensions:   []string{".bin"},
	})

	big := strings.NewReader(strings.Repeat("a", 2*1024*1024))
	_, err := h.Upload(context.Background(), Request{
		SourceType:       catalog.SourceUser,
		OriginalFilename: "big.bin",
		ChatID:           &chatID,
		Content:          big,
	})
	if !kberrors.IsKind(err, kberrors.BadInput) {
		t.Fatalf("expected BadInput for oversized attachment, got %v", err)
	}
}

func TestUploadFillsExtensionFromMimeTypeWhenFilenameHasNone(t *testing.T) {
	h := New(nil, config.UploadConfig{AllowedExtensions: []string{".pdf"}})
	_, err := h.Upload(context.Background(), Request{
		SourceType:       catalog.SourceAdmin,
		OriginalFilename: "note",
		MimeType:         "text/plain",
		Content:          strings.NewReader("x"),
	})
	if !kberrors.IsKind(err, kberrors.BadInput) || !strings.Contains(err.Error(), ".txt") {
		t.Fatalf("expected BadInput mentioning the mime-derived .txt extension, got %v", err)
	}
}

func TestExtensionAllowedIsCaseInsensitiveAndPermissiveWhenUnset(t *testing.T) {
	h := New(nil, config.UploadConfig{})
	if !h.extensionAllowed(".ANYTHING") {
		t.Error("expected empty allow-list to permit any extension")
	}

	h2 := New(nil, config.UploadConfig{AllowedExtensions: []string{".PDF"}})
	if !h2.extensionAllowed(".pdf") {
		t.Error("expected case-insensitive extension match")
	}
}
