// Package config handles configuration loading for the ingestion and retrieval subsystem.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	if path == "~" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return homeDir
	}
	return path
}

// Config holds all subsystem configuration, per spec.md §6's enumerated knobs.
type Config struct {
	DataDir    string `mapstructure:"data_dir"`
	SocketPath string `mapstructure:"socket"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	API      APIConfig      `mapstructure:"api"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Embed    EmbedConfig    `mapstructure:"embed"`
	Retrieve RetrieveConfig `mapstructure:"retrieve"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Portal   PortalConfig   `mapstructure:"portal"`
	Website  WebsiteConfig  `mapstructure:"website"`
	Upload   UploadConfig   `mapstructure:"upload"`

	// configFilePath is the file Load() actually read, if any. It is unset
	// (no mapstructure tag) and exists only to let WatchConfigFile find the
	// same file without re-running viper's search path logic.
	configFilePath string
}

// ConfigFilePath returns the file Load() read this Config from, or "" if
// none was found and only defaults/env vars applied.
func (c *Config) ConfigFilePath() string {
	return c.configFilePath
}

// APIConfig holds the daemon's thin HTTP surface timeouts.
type APIConfig struct {
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// PostgresConfig configures the catalog + vector index connection.
type PostgresConfig struct {
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AppName     string `mapstructure:"app_name"`
}

// RedisConfig configures the result/metadata cache (§4.5.7).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// IngestConfig holds Ingestion Pipeline knobs (§4.2).
type IngestConfig struct {
	MaxFileSizeMB  int64         `mapstructure:"max_file_size_mb"`
	MinFileSizeB   int64         `mapstructure:"min_file_size_bytes"`
	ChunkSize      int           `mapstructure:"chunk_size"`
	ChunkOverlap   int           `mapstructure:"chunk_overlap"`
	EmbedBatchSize int           `mapstructure:"embed_batch_size"`
	ModelTimeout   time.Duration `mapstructure:"model_timeout"`
}

// ExtractConfig holds Text Extractor knobs (§4.1, §6).
type ExtractConfig struct {
	PDFRenderScale  float64 `mapstructure:"pdf_render_scale"`
	TesseractCmd    string  `mapstructure:"tesseract_cmd"`
	TesseractConfig string  `mapstructure:"tesseract_config"`
	OCRLanguage     string  `mapstructure:"ocr_language"`
}

// EmbedConfig holds Embedder knobs (§6).
type EmbedConfig struct {
	Provider      string `mapstructure:"provider"` // "ollama" or "openai"
	Model         string `mapstructure:"model"`
	Dimension     int    `mapstructure:"dimension"`
	OllamaHost    string `mapstructure:"ollama_host"`
	OpenAIKey     string `mapstructure:"openai_api_key"`
	OpenAIBaseURL string `mapstructure:"openai_base_url"`
	BatchSize     int    `mapstructure:"batch_size"`
}

// RetrieveConfig holds hybrid retrieval knobs (§4.5, §6).
type RetrieveConfig struct {
	VectorDocMinScore              float64 `mapstructure:"vector_doc_min_score"`
	VectorSimilarityFloor          float64 `mapstructure:"vector_similarity_floor"`
	HybridVectorWeight             float64 `mapstructure:"hybrid_vector_weight"`
	ProductCodeSimilarityThreshold float64 `mapstructure:"product_code_similarity_threshold"`
	AttachmentSimilarityThreshold  float64 `mapstructure:"attachment_similarity_threshold"`
	ResultCacheTTL                 time.Duration `mapstructure:"result_cache_ttl"`
}

// SyncConfig holds Sync Job Manager knobs (§4.4, §6).
type SyncConfig struct {
	JobName       string        `mapstructure:"job_name"`
	WaitForDBMax  int           `mapstructure:"wait_for_db_max_attempts"`
	WaitForDBStep time.Duration `mapstructure:"wait_for_db_retry_delay"`
}

// PortalConfig holds Portal Puller knobs (§4.3.1, §6).
type PortalConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ListEndpoint    string        `mapstructure:"list_endpoint"`
	AuthToken       string        `mapstructure:"auth_token"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// WebsiteConfig holds Website Crawler knobs (§4.3.2, §6).
type WebsiteConfig struct {
	Sites          []string `mapstructure:"sites"`
	MaxPagesPerSite int     `mapstructure:"max_pages_per_site"`
}

// UploadConfig holds Upload Handler knobs (§4.3.3, §6).
type UploadConfig struct {
	AttachmentEnabled     bool     `mapstructure:"attachment_enabled"`
	AttachmentMaxSizeMB   int64    `mapstructure:"attachment_max_size_mb"`
	AllowedExtensions     []string `mapstructure:"allowed_extensions"`
}

// DefaultConfig returns the default configuration with spec.md §6's stated defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".kbsubsystem")

	return &Config{
		DataDir:    dataDir,
		SocketPath: filepath.Join(dataDir, "kbd.sock"),
		LogLevel:   "info",
		LogFormat:  "json",

		API: APIConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Minute,
			IdleTimeout:  120 * time.Second,
		},

		Postgres: PostgresConfig{
			DSN:      "postgres://localhost:5432/kb?sslmode=disable",
			MaxConns: 10,
			AppName:  "kb-subsystem",
		},

		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},

		Ingest: IngestConfig{
			MaxFileSizeMB:  50,
			MinFileSizeB:   50,
			ChunkSize:      1200,
			ChunkOverlap:   200,
			EmbedBatchSize: 1000,
			ModelTimeout:   60 * time.Second,
		},

		Extract: ExtractConfig{
			PDFRenderScale:  2.0,
			TesseractCmd:    "tesseract",
			TesseractConfig: "--oem 3 --psm 3",
			OCRLanguage:     "eng+ind",
		},

		Embed: EmbedConfig{
			Provider:   "ollama",
			Model:      "text-embedding-3-small",
			Dimension:  1536,
			OllamaHost: "http://localhost:11434",
			BatchSize:  10,
		},

		Retrieve: RetrieveConfig{
			VectorDocMinScore:              0.1,
			VectorSimilarityFloor:          0.15,
			HybridVectorWeight:             0.6,
			ProductCodeSimilarityThreshold: 0.05,
			AttachmentSimilarityThreshold:  0.2,
			ResultCacheTTL:                 10 * time.Minute,
		},

		Sync: SyncConfig{
			JobName:       "portal_documents_sync",
			WaitForDBMax:  30,
			WaitForDBStep: 2 * time.Second,
		},

		Portal: PortalConfig{
			BaseURL:         "https://portal.combiphar.com",
			ListEndpoint:    "/Documents/GetDocumentList",
			DownloadTimeout: 60 * time.Second,
			MaxRetries:      3,
		},

		Website: WebsiteConfig{
			Sites:           []string{"combiphar.com"},
			MaxPagesPerSite: 200,
		},

		Upload: UploadConfig{
			AttachmentEnabled:   true,
			AttachmentMaxSizeMB: 25,
			AllowedExtensions: []string{
				".pdf", ".docx", ".doc", ".xlsx", ".xlsm", ".pptx",
				".txt", ".md", ".log", ".jpg", ".jpeg", ".png", ".bmp", ".tiff", ".gif",
			},
		},
	}
}

// Load loads configuration from files and environment, layered over DefaultConfig.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("kbsubsystem")
	v.SetConfigType("yaml")

	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".kbsubsystem"))
	v.AddConfigPath("/etc/kbsubsystem")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.SocketPath = expandPath(cfg.SocketPath)
	cfg.configFilePath = v.ConfigFileUsed()

	return cfg, nil
}

// EnsureDirectories creates the blob store's source-typed directories (§2 item 1, §6).
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.DocumentsDir(),
		filepath.Join(c.DocumentsDir(), "admin"),
		filepath.Join(c.DocumentsDir(), "user"),
		filepath.Join(c.DocumentsDir(), "portal"),
		filepath.Join(c.DocumentsDir(), "website"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	return nil
}

// DocumentsDir returns the root of the blob store's document tree.
func (c *Config) DocumentsDir() string {
	return filepath.Join(c.DataDir, "documents")
}

// LogPath returns the path to the log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "kbd.log")
}
