package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.SocketPath == "" {
		t.Error("SocketPath should not be empty")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel should be 'info', got %s", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat should be 'json', got %s", cfg.LogFormat)
	}
}

func TestDefaultConfig_APIDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout should be 30s, got %v", cfg.API.ReadTimeout)
	}
	if cfg.API.WriteTimeout != 10*time.Minute {
		t.Errorf("WriteTimeout should be 10m, got %v", cfg.API.WriteTimeout)
	}
	if cfg.API.IdleTimeout != 120*time.Second {
		t.Errorf("IdleTimeout should be 120s, got %v", cfg.API.IdleTimeout)
	}
}

func TestDefaultConfig_IngestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Ingest.MaxFileSizeMB != 50 {
		t.Errorf("MaxFileSizeMB should be 50, got %d", cfg.Ingest.MaxFileSizeMB)
	}
	if cfg.Ingest.ChunkSize != 1200 {
		t.Errorf("ChunkSize should be 1200, got %d", cfg.Ingest.ChunkSize)
	}
	if cfg.Ingest.ChunkOverlap != 200 {
		t.Errorf("ChunkOverlap should be 200, got %d", cfg.Ingest.ChunkOverlap)
	}
	if cfg.Ingest.EmbedBatchSize != 1000 {
		t.Errorf("EmbedBatchSize should be 1000, got %d", cfg.Ingest.EmbedBatchSize)
	}
}

func TestDefaultConfig_ExtractDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Extract.PDFRenderScale != 2.0 {
		t.Errorf("PDFRenderScale should be 2.0, got %f", cfg.Extract.PDFRenderScale)
	}
	if cfg.Extract.TesseractConfig != "--oem 3 --psm 3" {
		t.Errorf("TesseractConfig mismatch, got %s", cfg.Extract.TesseractConfig)
	}
	if cfg.Extract.OCRLanguage != "eng+ind" {
		t.Errorf("OCRLanguage should be 'eng+ind', got %s", cfg.Extract.OCRLanguage)
	}
}

func TestDefaultConfig_EmbedDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Embed.Model != "text-embedding-3-small" {
		t.Errorf("Embed.Model mismatch, got %s", cfg.Embed.Model)
	}
	if cfg.Embed.Dimension != 1536 {
		t.Errorf("Embed.Dimension should be 1536, got %d", cfg.Embed.Dimension)
	}
}

func TestDefaultConfig_RetrieveDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Retrieve.VectorDocMinScore != 0.1 {
		t.Errorf("VectorDocMinScore should be 0.1, got %f", cfg.Retrieve.VectorDocMinScore)
	}
	if cfg.Retrieve.VectorSimilarityFloor != 0.15 {
		t.Errorf("VectorSimilarityFloor should be 0.15, got %f", cfg.Retrieve.VectorSimilarityFloor)
	}
	if cfg.Retrieve.HybridVectorWeight != 0.6 {
		t.Errorf("HybridVectorWeight should be 0.6, got %f", cfg.Retrieve.HybridVectorWeight)
	}
	if cfg.Retrieve.ProductCodeSimilarityThreshold != 0.05 {
		t.Errorf("ProductCodeSimilarityThreshold should be 0.05, got %f", cfg.Retrieve.ProductCodeSimilarityThreshold)
	}
}

func TestDefaultConfig_SyncDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.JobName != "portal_documents_sync" {
		t.Errorf("Sync.JobName mismatch, got %s", cfg.Sync.JobName)
	}
}

func TestDefaultConfig_PortalDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Portal.DownloadTimeout != 60*time.Second {
		t.Errorf("Portal.DownloadTimeout should be 60s, got %v", cfg.Portal.DownloadTimeout)
	}
	if cfg.Portal.MaxRetries != 3 {
		t.Errorf("Portal.MaxRetries should be 3, got %d", cfg.Portal.MaxRetries)
	}
}

func TestDefaultConfig_WebsiteDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Website.MaxPagesPerSite != 200 {
		t.Errorf("MaxPagesPerSite should be 200, got %d", cfg.Website.MaxPagesPerSite)
	}
	if len(cfg.Website.Sites) == 0 {
		t.Error("Sites should not be empty")
	}
}

func TestConfig_LogPath(t *testing.T) {
	cfg := DefaultConfig()

	logPath := cfg.LogPath()
	if !strings.HasSuffix(logPath, "kbd.log") {
		t.Errorf("LogPath should end with 'kbd.log', got %s", logPath)
	}
	if !strings.Contains(logPath, cfg.DataDir) {
		t.Errorf("LogPath should be within DataDir")
	}
}

func TestConfig_DocumentsDir(t *testing.T) {
	cfg := DefaultConfig()

	docsDir := cfg.DocumentsDir()
	if !strings.HasSuffix(docsDir, "documents") {
		t.Errorf("DocumentsDir should end with 'documents', got %s", docsDir)
	}
}

func TestConfig_EnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{DataDir: tmpDir}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	expectedDirs := []string{
		tmpDir,
		cfg.DocumentsDir(),
		filepath.Join(cfg.DocumentsDir(), "admin"),
		filepath.Join(cfg.DocumentsDir(), "user"),
		filepath.Join(cfg.DocumentsDir(), "portal"),
		filepath.Join(cfg.DocumentsDir(), "website"),
	}

	for _, dir := range expectedDirs {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("Directory %s not created: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestConfig_EnsureDirectories_Permissions(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &Config{DataDir: tmpDir}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	info, err := os.Stat(cfg.DocumentsDir())
	if err != nil {
		t.Fatalf("Failed to stat DocumentsDir: %v", err)
	}

	perm := info.Mode().Perm()
	if perm&0077 != 0 {
		t.Errorf("Documents directory should not be world-readable, got %o", perm)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.LogLevel == "" {
		t.Error("LogLevel should have default value")
	}
}

// TestLoad_FromYAMLFixture writes a kbsubsystem.yaml fixture with yaml.v3 and
// confirms Load() picks up values from the current-directory search path.
func TestLoad_FromYAMLFixture(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	defer os.Chdir(cwd)

	fixture := map[string]any{
		"log_level":  "debug",
		"log_format": "console",
	}
	data, err := yaml.Marshal(fixture)
	if err != nil {
		t.Fatalf("yaml.Marshal failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "kbsubsystem.yaml"), data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "console")
	}
	if cfg.ConfigFilePath() == "" {
		t.Error("ConfigFilePath should be set once a config file was found")
	}
}

func TestExpandPath(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Cannot determine home directory")
	}

	tests := []struct {
		input    string
		expected string
	}{
		{"~/.kbsubsystem", filepath.Join(homeDir, ".kbsubsystem")},
		{"~/", homeDir},
		{"~", homeDir},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		result := expandPath(tt.input)
		if result != tt.expected {
			t.Errorf("expandPath(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}
