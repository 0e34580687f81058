package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"caseline/internal/domain"
)

const FileName = "caseline.yml"

// Config models caseline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	External   ExternalConfig   `yaml:"external"`
	Generation GenerationConfig `yaml:"generation"`
	Sync       SyncConfig       `yaml:"sync"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Export     struct {
		Bucket string `yaml:"bucket"`
	} `yaml:"export"`
	Logging struct {
		Mode string `yaml:"mode"`
	} `yaml:"logging"`
	Tracing  TracingConfig   `yaml:"tracing"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ExternalConfig struct {
	APIBaseURL   string        `yaml:"api_base_url"`
	ResourcesURL string        `yaml:"resources_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	// Token is normally supplied through CASELINE_EXTERNAL_TOKEN.
	Token string `yaml:"-"`
}

type GenerationConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Concurrency       int           `yaml:"concurrency"`
	Timeout           time.Duration `yaml:"timeout"`
	DefaultFrameworks []string      `yaml:"default_frameworks"`
}

type SyncConfig struct {
	LockBackend string        `yaml:"lock_backend"`
	RedisAddr   string        `yaml:"redis_addr"`
	LockTTL     time.Duration `yaml:"lock_ttl"`
	LockWait    time.Duration `yaml:"lock_wait"`
}

type ExtractionConfig struct {
	Provider    string `yaml:"provider"`
	ProjectID   string `yaml:"project_id"`
	Location    string `yaml:"location"`
	ProcessorID string `yaml:"processor_id"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.External.MaxRetries < 0 {
		return fmt.Errorf("config.external.max_retries must be >= 0")
	}
	if c.Generation.Concurrency < 1 {
		return fmt.Errorf("config.generation.concurrency must be >= 1")
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("config.generation.timeout must be positive")
	}
	for _, fw := range c.Generation.DefaultFrameworks {
		if !domain.ComplianceFramework(fw).Valid() {
			return fmt.Errorf("config.generation.default_frameworks: unknown framework %q", fw)
		}
	}
	switch c.Sync.LockBackend {
	case "local":
	case "redis":
		if strings.TrimSpace(c.Sync.RedisAddr) == "" {
			return fmt.Errorf("config.sync.redis_addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("config.sync.lock_backend must be local or redis")
	}
	switch c.Extraction.Provider {
	case "plain":
	case "documentai":
		if c.Extraction.ProjectID == "" || c.Extraction.ProcessorID == "" {
			return fmt.Errorf("config.extraction.project_id and processor_id are required for documentai")
		}
	default:
		return fmt.Errorf("config.extraction.provider must be plain or documentai")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config.tracing.sample_ratio must be within [0,1]")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Frameworks returns the configured default frameworks as domain values.
func (c *Config) Frameworks() []domain.ComplianceFramework {
	out := make([]domain.ComplianceFramework, 0, len(c.Generation.DefaultFrameworks))
	for _, fw := range c.Generation.DefaultFrameworks {
		out = append(out, domain.ComplianceFramework(fw))
	}
	return out
}

// ApplyEnv overlays secrets and addresses that only come from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("CASELINE_EXTERNAL_TOKEN")); v != "" {
		c.External.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("CASELINE_REDIS_ADDR")); v != "" {
		c.Sync.RedisAddr = v
		c.Sync.LockBackend = "redis"
	}
	if v := strings.TrimSpace(os.Getenv("CASELINE_GENERATION_ENDPOINT")); v != "" {
		c.Generation.Endpoint = v
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

external:
  api_base_url: https://api.atlassian.com/ex/jira
  resources_url: https://api.atlassian.com/oauth/token/accessible-resources
  timeout: 30s
  max_retries: 3

generation:
  # endpoint: https://generator.internal/v1/generate
  endpoint: ""
  concurrency: 4
  timeout: 2m
  default_frameworks: []

sync:
  lock_backend: local
  redis_addr: ""
  lock_ttl: 2m
  lock_wait: 10s

extraction:
  provider: plain
  project_id: ""
  location: us
  processor_id: ""

export:
  bucket: ""

logging:
  mode: development

tracing:
  enabled: false
  endpoint: ""
  insecure: true
  sample_ratio: 1

webhooks: []
`
