package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is read when CONFIG_PATH is not set.
const DefaultConfigPath = "config.yaml"

// Config holds all configuration for ekaya-forensics.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// Document store (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Named-graph store written after every analysis
	TripleStore TripleStoreConfig `yaml:"triplestore"`

	// Regulatory knowledge service consulted by the classifier
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Optional fan-out of progress events
	Redis RedisConfig `yaml:"redis"`

	// Optional archive of raw LLM exchanges
	Archive ArchiveConfig `yaml:"archive"`

	// Reference data overrides; empty paths use the embedded tables
	Reference ReferenceConfig `yaml:"reference"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_forensics"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// URL builds a postgres connection URL from the individual fields.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// TripleStoreConfig configures the SPARQL 1.1 endpoint receiving analysis graphs.
type TripleStoreConfig struct {
	// QueryEndpoint is used by reconciliation health checks; UpdateEndpoint receives writes.
	QueryEndpoint  string        `yaml:"query_endpoint" env:"TRIPLESTORE_QUERY_ENDPOINT" env-default:""`
	UpdateEndpoint string        `yaml:"update_endpoint" env:"TRIPLESTORE_UPDATE_ENDPOINT" env-default:""`
	Username       string        `yaml:"username" env:"TRIPLESTORE_USERNAME" env-default:""`
	Password       string        `yaml:"-" env:"TRIPLESTORE_PASSWORD"` // Secret - not in YAML
	GraphBase      string        `yaml:"graph_base" env:"TRIPLESTORE_GRAPH_BASE" env-default:"https://forensics.ekaya.ai/graph"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"TRIPLESTORE_WRITE_TIMEOUT" env-default:"20s"`
	MaxRetries     int           `yaml:"max_retries" env:"TRIPLESTORE_MAX_RETRIES" env-default:"3"`
}

// IsConfigured reports whether graph writes are enabled.
func (c *TripleStoreConfig) IsConfigured() bool {
	return c.UpdateEndpoint != "" || c.QueryEndpoint != ""
}

// KnowledgeConfig selects the knowledge service backend.
// With an endpoint the classifier queries SPARQL; otherwise the static
// knowledge base (embedded, or StaticPath when set) answers the same queries.
type KnowledgeConfig struct {
	Endpoint     string        `yaml:"endpoint" env:"KNOWLEDGE_ENDPOINT" env-default:""`
	Username     string        `yaml:"username" env:"KNOWLEDGE_USERNAME" env-default:""`
	Password     string        `yaml:"-" env:"KNOWLEDGE_PASSWORD"` // Secret - not in YAML
	Namespace    string        `yaml:"namespace" env:"KNOWLEDGE_NAMESPACE" env-default:""`
	StaticPath   string        `yaml:"static_path" env:"KNOWLEDGE_STATIC_PATH" env-default:""`
	QueryTimeout time.Duration `yaml:"query_timeout" env:"KNOWLEDGE_QUERY_TIMEOUT" env-default:"15s"`
	MaxRetries   int           `yaml:"max_retries" env:"KNOWLEDGE_MAX_RETRIES" env-default:"3"`
}

// LLMConfig configures the extraction model.
type LLMConfig struct {
	// Model is "provider:model", e.g. "openai:gpt-4o" or "anthropic:claude-sonnet-4-5".
	Model      string        `yaml:"model" env:"LLM_MODEL" env-default:"openai:gpt-4o"`
	Endpoint   string        `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:""`
	APIKey     string        `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	MaxTokens  int           `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"4096"`
	Timeout    time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`
	MaxRetries int           `yaml:"max_retries" env:"LLM_MAX_RETRIES" env-default:"3"`
	// Consecutive transient failures before the shared circuit breaker opens; 0 disables it.
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold" env:"LLM_CIRCUIT_BREAKER_THRESHOLD" env-default:"5"`
}

// PipelineConfig tunes the analysis pipeline.
type PipelineConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold" env:"PIPELINE_CONFIDENCE_THRESHOLD" env-default:"0.6"`
	BatchConcurrency    int           `yaml:"batch_concurrency" env:"PIPELINE_BATCH_CONCURRENCY" env-default:"4"`
	DocumentTimeout     time.Duration `yaml:"document_timeout" env:"PIPELINE_DOCUMENT_TIMEOUT" env-default:"10s"`
	DocumentMaxRetries  int           `yaml:"document_max_retries" env:"PIPELINE_DOCUMENT_MAX_RETRIES" env-default:"3"`
	ReconcileLimit      int           `yaml:"reconcile_limit" env:"PIPELINE_RECONCILE_LIMIT" env-default:"100"`
	TerminalEventWait   time.Duration `yaml:"terminal_event_wait" env:"PIPELINE_TERMINAL_EVENT_WAIT" env-default:"2s"`
}

// RedisConfig holds Redis connection configuration.
// Progress fan-out is disabled when Host is empty.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ArchiveConfig configures the MinIO/S3 bucket receiving raw LLM exchanges.
// Archiving is disabled when Endpoint is empty.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint" env:"MINIO_ENDPOINT" env-default:""`
	AccessKey string `yaml:"access_key" env:"MINIO_ACCESS_KEY" env-default:""`
	SecretKey string `yaml:"-" env:"MINIO_SECRET_KEY"` // Secret - not in YAML
	Bucket    string `yaml:"bucket" env:"MINIO_BUCKET" env-default:"forensics-llm-exchanges"`
	UseSSL    bool   `yaml:"use_ssl" env:"MINIO_USE_SSL" env-default:"false"`
	QueueSize int    `yaml:"queue_size" env:"ARCHIVE_QUEUE_SIZE" env-default:"100"`
}

// IsConfigured reports whether the archive is enabled.
func (c *ArchiveConfig) IsConfigured() bool {
	return c.Endpoint != ""
}

// ReferenceConfig points at on-disk overrides of the embedded reference tables.
type ReferenceConfig struct {
	RequirementsPath      string `yaml:"requirements_path" env:"REFERENCE_REQUIREMENTS_PATH" env-default:""`
	MappingsPath          string `yaml:"mappings_path" env:"REFERENCE_MAPPINGS_PATH" env-default:""`
	EvidenceTemplatesPath string `yaml:"evidence_templates_path" env:"REFERENCE_EVIDENCE_TEMPLATES_PATH" env-default:""`
	VocabulariesPath      string `yaml:"vocabularies_path" env:"REFERENCE_VOCABULARIES_PATH" env-default:""`
}

// Load reads configuration from config.yaml (or CONFIG_PATH) with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pipeline.ConfidenceThreshold <= 0 || c.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.confidence_threshold must be in (0,1], got %v", c.Pipeline.ConfidenceThreshold)
	}
	if c.Pipeline.BatchConcurrency < 1 {
		return fmt.Errorf("pipeline.batch_concurrency must be at least 1, got %d", c.Pipeline.BatchConcurrency)
	}

	provider, _, found := strings.Cut(c.LLM.Model, ":")
	if !found {
		provider = "openai"
	}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("llm.model has unknown provider %q", provider)
	}

	if c.TripleStore.GraphBase != "" {
		u, err := url.Parse(c.TripleStore.GraphBase)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("triplestore.graph_base must be an absolute IRI, got %q", c.TripleStore.GraphBase)
		}
	}
	return nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}
