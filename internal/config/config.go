package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sentinelstack/sentinel-agent/internal/utils"
)

// Config captures the settings required to boot the sentinel agent. It is
// immutable after Load and passed explicitly to each component.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Loop      LoopConfig      `yaml:"loop"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Kube      KubeConfig      `yaml:"kube"`
	Notify    NotifyConfig    `yaml:"notify"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig identifies the monitored target.
type AgentConfig struct {
	Target    string   `yaml:"target"`
	Namespace string   `yaml:"namespace"`
	Sections  []string `yaml:"sections"`
}

// LoopConfig controls iteration cadence and the safety policy.
type LoopConfig struct {
	Interval               time.Duration `yaml:"interval"`
	CooldownWindow         time.Duration `yaml:"cooldownWindow"`
	MaxRepeatsPerWindow    int           `yaml:"maxRepeatsPerWindow"`
	MaxConsecutiveFailures int           `yaml:"maxConsecutiveFailures"`
	FailureBackoff         time.Duration `yaml:"failureBackoff"`
	HaltOnDegraded         bool          `yaml:"haltOnDegraded"`
	ActionsPerMinute       float64       `yaml:"actionsPerMinute"`
	ActionBurst            int           `yaml:"actionBurst"`
}

// LLMConfig configures the reasoning backend.
type LLMConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding provider. The same provider and
// model must serve every record in one store instance.
type EmbeddingConfig struct {
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MemoryConfig selects and tunes the issue memory backend.
type MemoryConfig struct {
	Backend           string         `yaml:"backend"`
	Path              string         `yaml:"path"`
	TopK              int            `yaml:"topK"`
	MinSimilarity     float32        `yaml:"minSimilarity"`
	RecordEscalations bool           `yaml:"recordEscalations"`
	PruneMaxAge       time.Duration  `yaml:"pruneMaxAge"`
	Weaviate          WeaviateConfig `yaml:"weaviate"`
}

// WeaviateConfig configures the optional Weaviate memory backend.
type WeaviateConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Class    string        `yaml:"class"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ExecutorConfig controls the remediation allow-list policy.
type ExecutorConfig struct {
	AllowedVerbs      []string      `yaml:"allowedVerbs"`
	ForbiddenPatterns []string      `yaml:"forbiddenPatterns"`
	PolicyPath        string        `yaml:"policyPath"`
	Timeout           time.Duration `yaml:"timeout"`
}

// KubeConfig controls how cluster state is captured.
type KubeConfig struct {
	KubectlPath string        `yaml:"kubectlPath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NotifyConfig groups escalation channels. A channel is enabled by having
// its settings present.
type NotifyConfig struct {
	ChannelTimeout time.Duration `yaml:"channelTimeout"`
	Slack          SlackConfig   `yaml:"slack"`
	Teams          TeamsConfig   `yaml:"teams"`
	Email          EmailConfig   `yaml:"email"`
}

// SlackConfig configures the Slack webhook sink.
type SlackConfig struct {
	WebhookURL string `yaml:"webhookURL"`
}

// TeamsConfig configures the Microsoft Teams webhook sink.
type TeamsConfig struct {
	WebhookURL string `yaml:"webhookURL"`
}

// EmailConfig configures the SMTP sink.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	To       string `yaml:"to"`
}

// CacheConfig controls the Valkey-backed embedding cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	EmbeddingTTL time.Duration `yaml:"embeddingTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_AGENT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, utils.E("config.Load", utils.KindConfiguration, fmt.Sprintf("config file %s not found", path), err)
			}
			return nil, utils.E("config.Load", utils.KindConfiguration, "read config", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, utils.E("config.Load", utils.KindConfiguration, "parse config", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Target:    "default",
			Namespace: "default",
			Sections:  []string{"nodes", "pods", "events"},
		},
		Loop: LoopConfig{
			Interval:               5 * time.Minute,
			CooldownWindow:         15 * time.Minute,
			MaxRepeatsPerWindow:    1,
			MaxConsecutiveFailures: 3,
			FailureBackoff:         30 * time.Second,
			ActionsPerMinute:       2,
			ActionBurst:            1,
		},
		LLM: LLMConfig{
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    15 * time.Second,
		},
		Memory: MemoryConfig{
			Backend:           "sqlite",
			Path:              "data/issues.db",
			TopK:              3,
			MinSimilarity:     0.7,
			RecordEscalations: true,
			Weaviate: WeaviateConfig{
				Class:   "IssueRecord",
				Timeout: 5 * time.Second,
			},
		},
		Executor: ExecutorConfig{
			AllowedVerbs: []string{
				"rollout", "scale", "cordon", "uncordon", "drain",
				"annotate", "label", "taint",
			},
			ForbiddenPatterns: []string{"kube-system"},
			Timeout:           30 * time.Second,
		},
		Kube: KubeConfig{
			KubectlPath: "kubectl",
			Timeout:     20 * time.Second,
		},
		Notify: NotifyConfig{
			ChannelTimeout: 10 * time.Second,
			Email:          EmailConfig{Port: 587},
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			EmbeddingTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Metrics: MetricsConfig{Address: ":2112"},
	}
}

// Validate rejects startup parameters the loop cannot run safely with.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return utils.E("config.Validate", utils.KindConfiguration, msg, nil)
	}

	if c.Loop.Interval <= 0 {
		return fail("loop.interval must be positive")
	}
	if c.Loop.MaxRepeatsPerWindow < 1 {
		return fail("loop.maxRepeatsPerWindow must be at least 1")
	}
	if c.Loop.MaxConsecutiveFailures < 1 {
		return fail("loop.maxConsecutiveFailures must be at least 1")
	}
	if c.Loop.ActionsPerMinute <= 0 {
		return fail("loop.actionsPerMinute must be positive")
	}
	if c.Memory.TopK < 0 {
		return fail("memory.topK cannot be negative")
	}
	if c.Memory.MinSimilarity < 0 || c.Memory.MinSimilarity > 1 {
		return fail("memory.minSimilarity must be within [0,1]")
	}
	switch c.Memory.Backend {
	case "sqlite":
		if c.Memory.Path == "" {
			return fail("memory.path is required for the sqlite backend")
		}
	case "weaviate":
		if c.Memory.Weaviate.Endpoint == "" {
			return fail("memory.weaviate.endpoint is required for the weaviate backend")
		}
	default:
		return fail(fmt.Sprintf("unknown memory backend %q", c.Memory.Backend))
	}
	if c.Embedding.Model == "" {
		return fail("embedding.model is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fail("embedding.dimensions must be positive")
	}
	if len(c.Executor.AllowedVerbs) == 0 && c.Executor.PolicyPath == "" {
		return fail("executor requires an allow-list: set executor.allowedVerbs or executor.policyPath")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_AGENT_TARGET"); v != "" {
		cfg.Agent.Target = v
	}
	if v := os.Getenv("SENTINEL_AGENT_NAMESPACE"); v != "" {
		cfg.Agent.Namespace = v
	}
	if v := os.Getenv("SENTINEL_AGENT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Loop.Interval = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			cfg.Loop.Interval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("SENTINEL_AGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SENTINEL_AGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SENTINEL_AGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SENTINEL_AGENT_EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("SENTINEL_AGENT_EMBEDDING_DIMENSIONS"); v != "" {
		if dims, err := strconv.Atoi(v); err == nil {
			cfg.Embedding.Dimensions = dims
		}
	}
	if v := os.Getenv("SENTINEL_AGENT_MEMORY_BACKEND"); v != "" {
		cfg.Memory.Backend = v
	}
	if v := os.Getenv("SENTINEL_AGENT_MEMORY_PATH"); v != "" {
		cfg.Memory.Path = v
	}
	if v := os.Getenv("SENTINEL_AGENT_WEAVIATE_URL"); v != "" {
		cfg.Memory.Weaviate.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_AGENT_WEAVIATE_API_KEY"); v != "" {
		cfg.Memory.Weaviate.APIKey = v
	}
	if v := os.Getenv("SENTINEL_AGENT_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.Slack.WebhookURL = v
	}
	if v := os.Getenv("SENTINEL_AGENT_TEAMS_WEBHOOK_URL"); v != "" {
		cfg.Notify.Teams.WebhookURL = v
	}
	if v := os.Getenv("SENTINEL_AGENT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_AGENT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SENTINEL_AGENT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_AGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_AGENT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_AGENT_METRICS_ADDRESS"); v != "" {
		cfg.Metrics.Address = v
	}
	if v := os.Getenv("SENTINEL_AGENT_KUBECTL_PATH"); v != "" {
		cfg.Kube.KubectlPath = v
	}
}
