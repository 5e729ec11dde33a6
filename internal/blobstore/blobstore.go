// Package blobstore implements the filesystem-backed Blob Store: the
// source-typed document tree under the configured data directory, holding
// file bytes independent of catalog metadata and embeddings.
package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
)

// Store places and removes document blobs under a root directory, laid out
// as <root>/<source_type>/<stored_filename>.
type Store struct {
	root string
}

// New returns a Store rooted at documentsDir (config.Config.DocumentsDir()).
func New(documentsDir string) *Store {
	return &Store{root: documentsDir}
}

// EnsureLayout creates the four source-typed subdirectories.
func (s *Store) EnsureLayout() error {
	for _, st := range []catalog.SourceType{catalog.SourceAdmin, catalog.SourceUser, catalog.SourcePortal, catalog.SourceWebsite} {
		if err := os.MkdirAll(filepath.Join(s.root, string(st)), 0700); err != nil {
			return kberrors.Wrap(kberrors.Storage, err, "creating blob directory for %s", st)
		}
	}
	return nil
}

// NewStoredName generates a collision-resistant stored filename, preserving
// the original extension so extractors can still dispatch on it.
func NewStoredName(originalFilename string) string {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	return uuid.New().String() + ext
}

// Path returns the on-disk path for a stored filename under a source type,
// matching the documents.storage_path column's contract.
func (s *Store) Path(sourceType catalog.SourceType, storedFilename string) string {
	return filepath.Join(s.root, string(sourceType), storedFilename)
}

// Put writes content to the blob path for (sourceType, storedFilename),
// failing if the destination already exists (stored filenames are meant to
// be unique per document).
func (s *Store) Put(sourceType catalog.SourceType, storedFilename string, content io.Reader) (path string, size int64, err error) {
	path = s.Path(sourceType, storedFilename)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", 0, kberrors.Wrap(kberrors.Storage, err, "creating blob parent directory")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", 0, kberrors.Wrap(kberrors.Storage, err, "creating blob file %s", path)
	}
	defer f.Close()

	written, err := io.Copy(f, content)
	if err != nil {
		os.Remove(path)
		return "", 0, kberrors.Wrap(kberrors.Storage, err, "writing blob file %s", path)
	}

	return path, written, nil
}

// Open opens a stored blob for reading.
func (s *Store) Open(sourceType catalog.SourceType, storedFilename string) (*os.File, error) {
	path := s.Path(sourceType, storedFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kberrors.New(kberrors.NotFound, "blob %s not found", path)
		}
		return nil, kberrors.Wrap(kberrors.Storage, err, "opening blob %s", path)
	}
	return f, nil
}

// Exists reports whether a stored blob is present on disk, used by source
// adapters to detect a catalog row whose file has gone missing underneath it.
func (s *Store) Exists(sourceType catalog.SourceType, storedFilename string) bool {
	_, err := os.Stat(s.Path(sourceType, storedFilename))
	return err == nil
}

// Remove deletes a stored blob. Missing files are not treated as an error,
// since the compensating rollback path may race with a manual cleanup.
func (s *Store) Remove(sourceType catalog.SourceType, storedFilename string) error {
	path := s.Path(sourceType, storedFilename)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return kberrors.Wrap(kberrors.Storage, err, "removing blob %s", path)
	}
	return nil
}

// List returns the stored filenames present under a source type's directory,
// used by the reconciler to find orphan files with no catalog row.
func (s *Store) List(sourceType catalog.SourceType) ([]string, error) {
	dir := filepath.Join(s.root, string(sourceType))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kberrors.Wrap(kberrors.Storage, err, "listing blob directory %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
