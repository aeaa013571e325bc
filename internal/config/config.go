package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Providers    []ProviderConfig   `json:"providers"`
	Experts      ExpertsConfig      `json:"experts"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Stream       StreamConfig       `json:"stream"`
	Persistence  PersistenceConfig  `json:"persistence"`
	Checkpoint   CheckpointConfig   `json:"checkpoint"`
	Database     DatabaseConfig     `json:"database"`
	Embedding    EmbeddingConfig    `json:"embedding"`
	Memory       MemoryConfig       `json:"memory"`
	MCP          MCPConfig          `json:"mcp"`
	Notify       NotifyConfig       `json:"notify"`
	Tracing      TracingConfig      `json:"tracing"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Default  bool              `json:"default,omitempty"`
}

// ExpertsConfig controls model substitution for expert configs.
type ExpertsConfig struct {
	DefaultModel        string   `json:"default_model"`
	AllowExternalModels bool     `json:"allow_external_models"`
	ExternalModels      []string `json:"external_models"`
}

// OrchestratorConfig holds the constants of the routing/planning/dispatch loop.
type OrchestratorConfig struct {
	DependencyOutputChars int `json:"dependency_output_chars"`
	PlannerAttempts       int `json:"planner_attempts"`
	PlannerBackoffMS      int `json:"planner_backoff_ms"`
	MemorySnippets        int `json:"memory_snippets"`
	FallbackChunkSize     int `json:"fallback_chunk_size"`
	MaxToolRounds         int `json:"max_tool_rounds"`
}

type StreamConfig struct {
	KeepaliveSeconds       int `json:"keepalive_seconds"`
	ForcedKeepaliveSeconds int `json:"forced_keepalive_seconds"`
	ReplayBuffer           int `json:"replay_buffer"`
	MaxThreads             int `json:"max_threads"`
	MirrorMaxLen           int `json:"mirror_max_len"`
}

type PersistenceConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

type CheckpointConfig struct {
	Backend  string `json:"backend"` // redis|memory
	TTLHours int    `json:"ttl_hours"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	EncryptKey string `json:"encrypt_key"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// MemoryConfig selects the long-term memory backend: qdrant, neo4j, local or none.
type MemoryConfig struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	PersistDir string `json:"persist_dir"`
}

type MCPConfig struct {
	Servers []MCPServerConfig `json:"servers"`
}

type MCPServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
	BaseURL string              `json:"base_url"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	ServiceName  string  `json:"service_name"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config after env substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// DefaultExternalModels are model names that some deployments cannot reach.
var DefaultExternalModels = []string{"gpt-4", "gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet", "claude-3-opus", "gemini-pro"}

// ApplyDefaults fills zero values with the service defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Experts.ExternalModels) == 0 {
		c.Experts.ExternalModels = DefaultExternalModels
	}

	o := &c.Orchestrator
	if o.DependencyOutputChars <= 0 {
		o.DependencyOutputChars = 500
	}
	if o.PlannerAttempts <= 0 {
		o.PlannerAttempts = 3
	}
	if o.PlannerBackoffMS <= 0 {
		o.PlannerBackoffMS = 1000
	}
	if o.MemorySnippets < 0 {
		o.MemorySnippets = 0
	} else if o.MemorySnippets == 0 {
		o.MemorySnippets = 3
	}
	if o.FallbackChunkSize <= 0 {
		o.FallbackChunkSize = 48
	}
	if o.MaxToolRounds <= 0 {
		o.MaxToolRounds = 1
	}

	s := &c.Stream
	if s.KeepaliveSeconds <= 0 {
		s.KeepaliveSeconds = 15
	}
	if s.ForcedKeepaliveSeconds <= s.KeepaliveSeconds {
		s.ForcedKeepaliveSeconds = s.KeepaliveSeconds * 3
	}
	if s.ReplayBuffer <= 0 {
		s.ReplayBuffer = 512
	}
	if s.MaxThreads <= 0 {
		s.MaxThreads = 1024
	}
	if s.MirrorMaxLen <= 0 {
		s.MirrorMaxLen = 2000
	}

	if c.Persistence.Workers <= 0 {
		c.Persistence.Workers = 4
	}
	if c.Persistence.QueueSize <= 0 {
		c.Persistence.QueueSize = 128
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "memory"
		if c.Database.Redis.URL != "" {
			c.Checkpoint.Backend = "redis"
		}
	}

	if c.Memory.Backend == "" {
		c.Memory.Backend = "none"
	}
	if c.Memory.Collection == "" {
		c.Memory.Collection = "user_memories"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "nuka-experts"
	}
}

// PlannerBackoff returns the fixed delay between planning attempts.
func (o OrchestratorConfig) PlannerBackoff() time.Duration {
	return time.Duration(o.PlannerBackoffMS) * time.Millisecond
}

// Keepalive returns the idle and forced keepalive intervals.
func (s StreamConfig) Keepalive() (idle, forced time.Duration) {
	return time.Duration(s.KeepaliveSeconds) * time.Second,
		time.Duration(s.ForcedKeepaliveSeconds) * time.Second
}

// CheckpointTTL returns zero when checkpoints never expire.
func (c CheckpointConfig) CheckpointTTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}
