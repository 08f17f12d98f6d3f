// Package config provides the layered configuration service. Effective
// configuration is computed from four layers, low to high precedence:
// embedded defaults, the system file, the per-user file, and environment
// overrides. Snapshots are immutable once published; readers always observe a
// fully-merged view.
package config

import "time"

// Config is the fully-merged configuration snapshot. Values are immutable
// after publication; a new snapshot supersedes the old one atomically.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	API       APIConfig       `json:"api" yaml:"api"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	Chat      ChatConfig      `json:"chat" yaml:"chat"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Limits    LimitsConfig    `json:"limits" yaml:"limits"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
}

type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	DrainTimeout int    `json:"drain_timeout_seconds" yaml:"drain_timeout_seconds"`
	DataDir      string `json:"data_dir" yaml:"data_dir"`
	ConfigDir    string `json:"config_dir" yaml:"config_dir"`
}

// APIConfig describes the LLM provider endpoint. The key is secret-typed: it
// is accepted only from the environment, never from config patches.
type APIConfig struct {
	APIKey      string  `json:"api_key" yaml:"api_key"`
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	Model       string  `json:"model" yaml:"model"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSecs int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// AgentConfig is the user-facing persona.
type AgentConfig struct {
	Name         string `json:"name" yaml:"name"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

type ChatConfig struct {
	HistoryRounds int  `json:"history_rounds" yaml:"history_rounds"`
	Streaming     bool `json:"streaming" yaml:"streaming"`
	ToolHopsMax   int  `json:"tool_hops_max" yaml:"tool_hops_max"`
}

type SchedulerConfig struct {
	Workers         int `json:"workers" yaml:"workers"`
	QueueDepth      int `json:"queue_depth" yaml:"queue_depth"`
	MaxRetries      int `json:"max_retries" yaml:"max_retries"`
	RetryBaseMillis int `json:"retry_base_ms" yaml:"retry_base_ms"`
	AcquireWaitSecs int `json:"acquire_wait_seconds" yaml:"acquire_wait_seconds"`
	IdleReapSecs    int `json:"idle_reap_seconds" yaml:"idle_reap_seconds"`
}

type ToolsConfig struct {
	Allow           []string `json:"allow" yaml:"allow"`
	ConfirmRequired []string `json:"confirm_required" yaml:"confirm_required"`
	TimeoutSecs     int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	ConfirmTTLSecs  int      `json:"confirm_ttl_seconds" yaml:"confirm_ttl_seconds"`
	// RejectEndsTurn terminates the turn on a rejected confirmation instead
	// of resuming the model with the rejection as a tool result.
	RejectEndsTurn bool `json:"reject_ends_turn" yaml:"reject_ends_turn"`
}

type MemoryConfig struct {
	Enabled         bool        `json:"enabled" yaml:"enabled"`
	RecallEnabled   bool        `json:"recall_enabled" yaml:"recall_enabled"`
	RecallTimeoutMS int         `json:"recall_timeout_ms" yaml:"recall_timeout_ms"`
	MaintainMinutes int         `json:"maintain_minutes" yaml:"maintain_minutes"`
	IngestQueueSize int         `json:"ingest_queue_size" yaml:"ingest_queue_size"`
	Neo4j           Neo4jConfig `json:"neo4j" yaml:"neo4j"`
}

// Neo4jConfig holds graph store connection settings. Password is secret-typed.
type Neo4jConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	URI      string `json:"uri" yaml:"uri"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Database string `json:"database" yaml:"database"`
}

// AuthConfig holds token settings. JWTSecret is secret-typed.
type AuthConfig struct {
	JWTSecret      string `json:"jwt_secret" yaml:"jwt_secret"`
	TokenExpiryHrs int    `json:"token_expiry_hours" yaml:"token_expiry_hours"`
}

type LimitsConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int `json:"burst" yaml:"burst"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	Format     string `json:"format" yaml:"format"`
	UserLogDir string `json:"user_log_dir" yaml:"user_log_dir"`
}

type TracingConfig struct {
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
}

// Default returns the embedded lowest-precedence layer.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8010,
			DrainTimeout: 30,
			DataDir:      "data",
			ConfigDir:    "config",
		},
		API: APIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
			TimeoutSecs: 120,
		},
		Agent: AgentConfig{
			Name: "Promethea",
		},
		Chat: ChatConfig{
			HistoryRounds: 10,
			Streaming:     true,
			ToolHopsMax:   6,
		},
		Scheduler: SchedulerConfig{
			Workers:         8,
			QueueDepth:      32,
			MaxRetries:      3,
			RetryBaseMillis: 500,
			AcquireWaitSecs: 5,
			IdleReapSecs:    60,
		},
		Tools: ToolsConfig{
			Allow:           []string{"*"},
			ConfirmRequired: []string{"shell.exec"},
			TimeoutSecs:     30,
			ConfirmTTLSecs:  300,
		},
		Memory: MemoryConfig{
			Enabled:         false,
			RecallEnabled:   true,
			RecallTimeoutMS: 1500,
			MaintainMinutes: 10,
			IngestQueueSize: 128,
		},
		Auth: AuthConfig{
			TokenExpiryHrs: 72,
		},
		Limits: LimitsConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			UserLogDir: "logs",
		},
		Tracing: TracingConfig{
			SamplingRate: 1.0,
		},
	}
}

// Durations derived from the integer fields; keeps file formats simple.

func (c ServerConfig) Drain() time.Duration { return time.Duration(c.DrainTimeout) * time.Second }

func (c APIConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

func (c SchedulerConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseMillis) * time.Millisecond
}

func (c SchedulerConfig) AcquireWait() time.Duration {
	return time.Duration(c.AcquireWaitSecs) * time.Second
}

func (c SchedulerConfig) IdleReap() time.Duration {
	return time.Duration(c.IdleReapSecs) * time.Second
}

func (c ToolsConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSecs) * time.Second }

func (c ToolsConfig) ConfirmTTL() time.Duration {
	return time.Duration(c.ConfirmTTLSecs) * time.Second
}

func (c MemoryConfig) RecallTimeout() time.Duration {
	return time.Duration(c.RecallTimeoutMS) * time.Millisecond
}

func (c MemoryConfig) MaintainInterval() time.Duration {
	return time.Duration(c.MaintainMinutes) * time.Minute
}

func (c AuthConfig) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpiryHrs) * time.Hour
}
