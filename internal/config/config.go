package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr      = ":8000"
	defaultMaxUploadBytes  = 20 << 20
	defaultTopK            = 3
	defaultMaxContextChars = 8000
	defaultEmbedTimeout    = 30 * time.Second
	defaultGenerateTimeout = 60 * time.Second
	defaultVectorDBPath    = "./chromemdb"
	defaultCatalogPath     = "./catalog.db"
	defaultArchiveURL      = "file://localhost/tmp/document-rag/uploads"
	defaultHashDimension   = 256
	defaultStrategy        = "openai"
)

// environment overrides
const (
	EnvAPIKey         = "LLM_API_KEY"
	EnvOpenAIKey      = "OPENAI_API_KEY"
	EnvVectorDBPath   = "VECTOR_DB_PATH"
	EnvAllowedOrigins = "ALLOWED_ORIGINS"
	EnvListenAddr     = "LISTEN_ADDR"
	EnvConfigPath     = "CONFIG_PATH"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	EmbedLLM EmbedConfig    `yaml:"embed_llm"`
	RAG      RAGConfig      `yaml:"rag"`
	VectorDB VectorDBConfig `yaml:"vector_db"`
	Database DatabaseConfig `yaml:"database"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// LLMConfig configures the answer generation model.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	Key     string        `yaml:"key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbedConfig lists the embedding strategies that may be selected per request.
type EmbedConfig struct {
	Default string        `yaml:"default"`
	Timeout time.Duration `yaml:"timeout"`
	OpenAI  *OpenAIEmbed  `yaml:"openai,omitempty"`
	Ollama  *OllamaEmbed  `yaml:"ollama,omitempty"`
	Hashing *HashingEmbed `yaml:"hashing,omitempty"`
}

type OpenAIEmbed struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type OllamaEmbed struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type HashingEmbed struct {
	Dimension int `yaml:"dimension"`
}

type RAGConfig struct {
	TopK            int     `yaml:"top_k"`
	MaxContextChars int     `yaml:"max_context_chars"`
	MinSimilarity   float32 `yaml:"min_similarity"`
	EncryptionKey   string  `yaml:"encryption_key"`
}

// VectorDBConfig selects the vector store backend: "chromem" or "postgres".
type VectorDBConfig struct {
	Type     string `yaml:"type"`
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Driver   string `yaml:"driver"` // pgdriver or pq
	Debug    bool   `yaml:"debug"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads the yaml file at path, applies defaults and environment
// overrides. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate reports configuration the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.Key) == "" {
		return fmt.Errorf("missing API key: set %s", EnvAPIKey)
	}
	switch c.VectorDB.Type {
	case "chromem":
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres vector store")
		}
	default:
		return fmt.Errorf("unknown vector_db.type %q", c.VectorDB.Type)
	}
	if c.RAG.TopK <= 0 {
		return errors.New("rag.top_k must be > 0")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.LLM.Key = v
	} else if v := os.Getenv(EnvOpenAIKey); v != "" && cfg.LLM.Key == "" {
		cfg.LLM.Key = v
	}
	if v := os.Getenv(EnvVectorDBPath); v != "" {
		cfg.VectorDB.Path = v
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv(EnvListenAddr); v != "" {
		cfg.Server.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultListenAddr
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 60 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "google/gemini-2.0-flash-001"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = defaultGenerateTimeout
	}
	if cfg.EmbedLLM.Timeout == 0 {
		cfg.EmbedLLM.Timeout = defaultEmbedTimeout
	}
	if cfg.EmbedLLM.OpenAI == nil && cfg.EmbedLLM.Ollama == nil && cfg.EmbedLLM.Hashing == nil {
		cfg.EmbedLLM.OpenAI = &OpenAIEmbed{}
		cfg.EmbedLLM.Hashing = &HashingEmbed{}
	}
	if cfg.EmbedLLM.OpenAI != nil {
		if cfg.EmbedLLM.OpenAI.BaseURL == "" {
			cfg.EmbedLLM.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.EmbedLLM.OpenAI.Model == "" {
			cfg.EmbedLLM.OpenAI.Model = "text-embedding-3-small"
		}
	}
	if cfg.EmbedLLM.Ollama != nil {
		if cfg.EmbedLLM.Ollama.BaseURL == "" {
			cfg.EmbedLLM.Ollama.BaseURL = "http://localhost:11434"
		}
		if cfg.EmbedLLM.Ollama.Model == "" {
			cfg.EmbedLLM.Ollama.Model = "nomic-embed-text"
		}
	}
	if cfg.EmbedLLM.Hashing != nil && cfg.EmbedLLM.Hashing.Dimension == 0 {
		cfg.EmbedLLM.Hashing.Dimension = defaultHashDimension
	}
	if cfg.EmbedLLM.Default == "" {
		cfg.EmbedLLM.Default = defaultStrategy
		if cfg.EmbedLLM.OpenAI == nil {
			switch {
			case cfg.EmbedLLM.Ollama != nil:
				cfg.EmbedLLM.Default = "ollama"
			case cfg.EmbedLLM.Hashing != nil:
				cfg.EmbedLLM.Default = "hashing"
			}
		}
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = defaultTopK
	}
	if cfg.RAG.MaxContextChars == 0 {
		cfg.RAG.MaxContextChars = defaultMaxContextChars
	}
	if cfg.VectorDB.Type == "" {
		cfg.VectorDB.Type = "chromem"
	}
	if cfg.VectorDB.Path == "" {
		cfg.VectorDB.Path = defaultVectorDBPath
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgdriver"
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = defaultCatalogPath
	}
	if cfg.Archive.BaseURL == "" {
		cfg.Archive.BaseURL = defaultArchiveURL
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
