package extract

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeZip(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for entryName, content := range files {
		entry, err := w.Create(entryName)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", entryName, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry %s: %v", entryName, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return path
}

func TestTextExtractorValidUTF8(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}

	e := NewTextExtractor()
	got, err := e.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got != "hello world" {
		t.Errorf("Extract = %q", got)
	}
}

func TestTextExtractorLatin1Fallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.txt")
	// 0xE9 is 'é' in Latin-1, invalid as a standalone UTF-8 byte.
	if err := os.WriteFile(path, []byte("caf\xe9"), 0644); err != nil {
		t.Fatal(err)
	}

	e := NewTextExtractor()
	got, err := e.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got != "café" {
		t.Errorf("Extract = %q, want café", got)
	}
}

func TestDOCXExtractor(t *testing.T) {
	dir := t.TempDir()
	documentXML := `<?xml version="1.0"?>
<w:document xmlns:w="ns"><w:body><w:p><w:r><w:t>Hello</w:t></w:r></w:p>
<w:p><w:r><w:t>World</w:t></w:r></w:p></w:body></w:document>`
	path := writeZip(t, dir, "doc.docx", map[string]string{"word/document.xml": documentXML})

	e := NewDOCXExtractor()
	got, err := e.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !bytes.Contains([]byte(got), []byte("Hello")) || !bytes.Contains([]byte(got), []byte("World")) {
		t.Errorf("Extract = %q, want both Hello and World", got)
	}
}

func TestXLSXExtractor(t *testing.T) {
	dir := t.TempDir()
	sharedStrings := `<?xml version="1.0"?>
<sst><si><t>Name</t></si><si><t>Alice</t></si></sst>`
	sheet1 := `<?xml version="1.0"?>
<worksheet><sheetData>
<row><c t="s"><v>0</v></c><c><v>30</v></c></row>
<row><c t="s"><v>1</v></c><c><v>31</v></c></row>
</sheetData></worksheet>`
	path := writeZip(t, dir, "book.xlsx", map[string]string{
		"xl/sharedStrings.xml":   sharedStrings,
		"xl/worksheets/sheet1.xml": sheet1,
	})

	e := NewXLSXExtractor()
	got, err := e.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !bytes.Contains([]byte(got), []byte("Name")) || !bytes.Contains([]byte(got), []byte("Alice")) {
		t.Errorf("Extract = %q, want resolved shared strings Name and Alice", got)
	}
}

func TestPPTXExtractor(t *testing.T) {
	dir := t.TempDir()
	slide1 := `<?xml version="1.0"?>
<p:sld xmlns:a="ns"><a:t>First slide</a:t></p:sld>`
	slide2 := `<?xml version="1.0"?>
<p:sld xmlns:a="ns"><a:t>Second slide</a:t></p:sld>`
	path := writeZip(t, dir, "deck.pptx", map[string]string{
		"ppt/slides/slide1.xml": slide1,
		"ppt/slides/slide2.xml": slide2,
	})

	e := NewPPTXExtractor()
	got, err := e.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !bytes.Contains([]byte(got), []byte("First slide")) || !bytes.Contains([]byte(got), []byte("Second slide")) {
		t.Errorf("Extract = %q, want both slide texts", got)
	}
}

func TestImageExtractorUnavailableWithoutTesseract(t *testing.T) {
	e := &ImageExtractor{} // toolPath empty, simulating tesseract not on PATH
	if e.Available() {
		t.Fatal("Available should be false with no tool path")
	}
	if _, err := e.Extract("anything.png"); err == nil {
		t.Fatal("expected error when tesseract is not available")
	}
}

func TestExtractorRegistryDispatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readme.md")
	if err := os.WriteFile(path, []byte("# Title"), 0644); err != nil {
		t.Fatal(err)
	}

	registry := NewExtractorRegistry(Options{})
	got, err := registry.Extract(path)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got != "# Title" {
		t.Errorf("Extract = %q", got)
	}
}

func TestParseUintSafe(t *testing.T) {
	cases := map[string]int{"0": 0, "12": 12, "": -1, "1a": -1}
	for in, want := range cases {
		if got := parseUintSafe(in); got != want {
			t.Errorf("parseUintSafe(%q) = %d, want %d", in, got, want)
		}
	}
}
