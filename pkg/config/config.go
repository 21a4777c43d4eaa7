package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	HTTP      HTTPConfig      `yaml:"http"`
	Queue     QueueConfig     `yaml:"queue"`
	State     StateConfig     `yaml:"state"`
	Policy    PolicyConfig    `yaml:"policy"`
	ToolAgent ToolAgentConfig `yaml:"tool_agent"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version,omitempty"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type QueueConfig struct {
	// Backend is "memory" or "nats".
	Backend string `yaml:"backend"`
	NATSURL string `yaml:"nats_url,omitempty"`
}

type StateConfig struct {
	Path        string `yaml:"path"`
	RetentionMs int64  `yaml:"retention_ms"`
}

// Retention converts the configured window to a duration.
func (s StateConfig) Retention() time.Duration {
	return time.Duration(s.RetentionMs) * time.Millisecond
}

type PolicyConfig struct {
	// Engine is "rules" or "script".
	Engine             string              `yaml:"engine"`
	ScriptPath         string              `yaml:"script_path,omitempty"`
	Bindings           map[string][]string `yaml:"bindings,omitempty"`
	DeniedCapabilities []string            `yaml:"denied_capabilities,omitempty"`
	DeniedLabels       []string            `yaml:"denied_labels,omitempty"`
	Profiles           []ProfileConfig     `yaml:"profiles,omitempty"`
	Cache              CacheConfig         `yaml:"cache"`
}

type ProfileConfig struct {
	Tool         string   `yaml:"tool"`
	Capabilities []string `yaml:"capabilities"`
	Description  string   `yaml:"description,omitempty"`
}

type CacheConfig struct {
	// Backend is "memory", "redis" or "none".
	Backend    string `yaml:"backend"`
	TTLMs      int64  `yaml:"ttl_ms"`
	MaxEntries int    `yaml:"max_entries,omitempty"`
	RedisAddr  string `yaml:"redis_addr,omitempty"`
}

// TTL converts the configured cache TTL to a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

type ToolAgentConfig struct {
	Target        string  `yaml:"target"`
	Insecure      bool    `yaml:"insecure,omitempty"`
	RootCAFile    string  `yaml:"root_ca_file,omitempty"`
	CertFile      string  `yaml:"cert_file,omitempty"`
	KeyFile       string  `yaml:"key_file,omitempty"`
	MaxAttempts   int     `yaml:"max_attempts,omitempty"`
	BaseDelayMs   int64   `yaml:"base_delay_ms,omitempty"`
	CallTimeoutMs int64   `yaml:"call_timeout_ms,omitempty"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty"`
}

func LoadConfig(path string) *Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		log.Fatalf("failed to decode config file: %v", err)
	}

	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "planrun"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "memory"
	}
	if c.State.Path == "" {
		c.State.Path = "planrun.db"
	}
	if c.State.RetentionMs == 0 {
		c.State.RetentionMs = (24 * time.Hour).Milliseconds()
	}
	if c.Policy.Engine == "" {
		c.Policy.Engine = "rules"
	}
	if c.Policy.Cache.Backend == "" {
		c.Policy.Cache.Backend = "memory"
	}
	if c.Policy.Cache.TTLMs == 0 {
		c.Policy.Cache.TTLMs = (5 * time.Minute).Milliseconds()
	}
}
