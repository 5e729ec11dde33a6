package blobstore

import (
	"os"
	"strings"
	"testing"

	"github.com/knowledgebase/kbsubsystem/internal/catalog"
)

func TestEnsureLayout(t *testing.T) {
	root := t.TempDir()
	s := New(root)

	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}

	for _, st := range []catalog.SourceType{catalog.SourceAdmin, catalog.SourceUser, catalog.SourcePortal, catalog.SourceWebsite} {
		info, err := os.Stat(s.Path(st, ""))
		if err != nil {
			t.Fatalf("expected directory for %s: %v", st, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", st)
		}
	}
}

func TestNewStoredNamePreservesExtension(t *testing.T) {
	name := NewStoredName("Quarterly Report.PDF")
	if !strings.HasSuffix(name, ".pdf") {
		t.Errorf("NewStoredName should lowercase and preserve extension, got %s", name)
	}
}

func TestPutOpenRemove(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}

	stored := NewStoredName("handbook.pdf")
	path, size, err := s.Put(catalog.SourceAdmin, stored, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size != int64(len("hello world")) {
		t.Errorf("size = %d, want %d", size, len("hello world"))
	}
	if path != s.Path(catalog.SourceAdmin, stored) {
		t.Errorf("path mismatch: %s", path)
	}

	f, err := s.Open(catalog.SourceAdmin, stored)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	f.Close()

	names, err := s.List(catalog.SourceAdmin)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, n := range names {
		if n == stored {
			found = true
		}
	}
	if !found {
		t.Errorf("List did not include %s: %v", stored, names)
	}

	if err := s.Remove(catalog.SourceAdmin, stored); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if _, err := s.Open(catalog.SourceAdmin, stored); err == nil {
		t.Error("expected error opening removed blob")
	}
}

func TestPutRejectsDuplicate(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}

	stored := NewStoredName("file.txt")
	if _, _, err := s.Put(catalog.SourceUser, stored, strings.NewReader("a")); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if _, _, err := s.Put(catalog.SourceUser, stored, strings.NewReader("b")); err == nil {
		t.Error("expected error writing to an existing stored filename")
	}
}

func TestRemoveMissingIsNotAnError(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}

	if err := s.Remove(catalog.SourceAdmin, "does-not-exist.pdf"); err != nil {
		t.Errorf("Remove of a missing blob should not error, got %v", err)
	}
}

func TestListEmptyDirectory(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}

	names, err := s.List(catalog.SourceWebsite)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty list, got %v", names)
	}
}

func TestExists(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}

	stored := NewStoredName("portal-doc.pdf")
	if s.Exists(catalog.SourcePortal, stored) {
		t.Error("Exists should be false before Put")
	}

	if _, _, err := s.Put(catalog.SourcePortal, stored, strings.NewReader("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !s.Exists(catalog.SourcePortal, stored) {
		t.Error("Exists should be true after Put")
	}

	if err := s.Remove(catalog.SourcePortal, stored); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if s.Exists(catalog.SourcePortal, stored) {
		t.Error("Exists should be false after Remove")
	}
}
