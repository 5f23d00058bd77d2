// Package config loads warpgate configuration from YAML or TOML files with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"warpgate/internal/logging"
)

// Config holds all warpgate configuration.
type Config struct {
	Name string `yaml:"name" toml:"name"`

	Server       ServerConfig       `yaml:"server" toml:"server"`
	Store        StoreConfig        `yaml:"store" toml:"store"`
	Gate         GateConfig         `yaml:"gate" toml:"gate"`
	Dedup        DedupConfig        `yaml:"dedup" toml:"dedup"`
	Learning     LearningConfig     `yaml:"learning" toml:"learning"`
	Approval     ApprovalConfig     `yaml:"approval" toml:"approval"`
	Cycle        CycleConfig        `yaml:"cycle" toml:"cycle"`
	Integrations IntegrationsConfig `yaml:"integrations" toml:"integrations"`
	Logging      logging.Config     `yaml:"logging" toml:"logging"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Listen          string `yaml:"listen" toml:"listen"`
	ReadTimeout     string `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout" toml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// GateConfig configures the admission gate.
type GateConfig struct {
	// Operational hours, local time, [StartHour, EndHour). Wraps midnight
	// when StartHour > EndHour.
	StartHour     int    `yaml:"start_hour" toml:"start_hour"`
	EndHour       int    `yaml:"end_hour" toml:"end_hour"`
	SweepInterval string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// DedupConfig configures duplicate classification.
type DedupConfig struct {
	RecencyWindow     string  `yaml:"recency_window" toml:"recency_window"`
	SemanticThreshold float64 `yaml:"semantic_threshold" toml:"semantic_threshold"`
	SimilarThreshold  float64 `yaml:"similar_threshold" toml:"similar_threshold"`
	SemanticPenalty   float64 `yaml:"semantic_penalty" toml:"semantic_penalty"`
	SimilarPenalty    float64 `yaml:"similar_penalty" toml:"similar_penalty"`
}

// LearningConfig configures feedback pattern mining and confidence.
type LearningConfig struct {
	WindowDays     int     `yaml:"window_days" toml:"window_days"`
	TopK           int     `yaml:"top_k" toml:"top_k"`
	MatchTopN      int     `yaml:"match_top_n" toml:"match_top_n"`
	BaseConfidence float64 `yaml:"base_confidence" toml:"base_confidence"`
	SuccessBoost   float64 `yaml:"success_boost" toml:"success_boost"`
	MistakePenalty float64 `yaml:"mistake_penalty" toml:"mistake_penalty"`
}

// ApprovalConfig configures the approval state machine.
type ApprovalConfig struct {
	// MaxPendingPerAgent caps PENDING approvals per agent; 0 disables.
	MaxPendingPerAgent int    `yaml:"max_pending_per_agent" toml:"max_pending_per_agent"`
	// MaxDailyPerAgent caps submissions per agent in a trailing 24h; 0 disables.
	MaxDailyPerAgent   int    `yaml:"max_daily_per_agent" toml:"max_daily_per_agent"`
	BuildTimeout       string `yaml:"build_timeout" toml:"build_timeout"`
	PublishTimeout     string `yaml:"publish_timeout" toml:"publish_timeout"`
}

// CycleConfig configures the learning orchestration cycle.
type CycleConfig struct {
	Workers        int    `yaml:"workers" toml:"workers"`
	QueueSize      int    `yaml:"queue_size" toml:"queue_size"`
	MaxInsights    int    `yaml:"max_insights" toml:"max_insights"`
	MaxSuggestions int    `yaml:"max_suggestions" toml:"max_suggestions"`
	InsightTimeout string `yaml:"insight_timeout" toml:"insight_timeout"`
	UpdateTimeout  string `yaml:"update_timeout" toml:"update_timeout"`
}

// IntegrationsConfig configures external collaborators.
type IntegrationsConfig struct {
	Insights  ServiceIntegration `yaml:"insights" toml:"insights"`
	Applier   ServiceIntegration `yaml:"applier" toml:"applier"`
	Publisher ServiceIntegration `yaml:"publisher" toml:"publisher"`
	Builder   BuilderIntegration `yaml:"builder" toml:"builder"`
}

// ServiceIntegration configures one HTTP collaborator.
type ServiceIntegration struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Token   string `yaml:"token" toml:"token"`
	Timeout string `yaml:"timeout" toml:"timeout"`
}

// BuilderIntegration configures the command used to build an approved change.
type BuilderIntegration struct {
	Command []string `yaml:"command" toml:"command"`
	Dir     string   `yaml:"dir" toml:"dir"`
	Timeout string   `yaml:"timeout" toml:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "warpgate",

		Server: ServerConfig{
			Listen:          ":8085",
			ReadTimeout:     "15s",
			WriteTimeout:    "120s",
			ShutdownTimeout: "10s",
		},

		Store: StoreConfig{
			Path: "data/warpgate.db",
		},

		Gate: GateConfig{
			StartHour:     9,
			EndHour:       17,
			SweepInterval: "30s",
		},

		Dedup: DedupConfig{
			RecencyWindow:     "720h",
			SemanticThreshold: 0.8,
			SimilarThreshold:  0.7,
			SemanticPenalty:   0.2,
			SimilarPenalty:    0.1,
		},

		Learning: LearningConfig{
			WindowDays:     30,
			TopK:           5,
			MatchTopN:      3,
			BaseConfidence: 0.5,
			SuccessBoost:   0.1,
			MistakePenalty: 0.2,
		},

		Approval: ApprovalConfig{
			MaxPendingPerAgent: 5,
			MaxDailyPerAgent:   10,
			BuildTimeout:       "90s",
			PublishTimeout:     "90s",
		},

		Cycle: CycleConfig{
			Workers:        4,
			QueueSize:      64,
			MaxInsights:    10,
			MaxSuggestions: 5,
			InsightTimeout: "30s",
			UpdateTimeout:  "30s",
		},

		Integrations: IntegrationsConfig{
			Insights: ServiceIntegration{
				Enabled: true,
				BaseURL: "http://localhost:8090",
				Timeout: "30s",
			},
			Applier: ServiceIntegration{
				Enabled: true,
				BaseURL: "http://localhost:8091",
				Timeout: "30s",
			},
			Publisher: ServiceIntegration{
				Enabled: true,
				BaseURL: "http://localhost:8092",
				Timeout: "90s",
			},
			Builder: BuilderIntegration{
				Command: []string{"go", "build", "./..."},
				Dir:     ".",
				Timeout: "90s",
			},
		},

		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML or TOML file, chosen by extension.
// A missing file yields the defaults (with env overrides applied).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}
	return nil
}

// Save saves configuration, encoding by extension like Load.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(c); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		data = []byte(sb.String())
	} else {
		var err error
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("WARPGATE_DB"); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv("WARPGATE_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if url := os.Getenv("WARPGATE_INSIGHTS_URL"); url != "" {
		c.Integrations.Insights.BaseURL = url
	}
	if url := os.Getenv("WARPGATE_APPLIER_URL"); url != "" {
		c.Integrations.Applier.BaseURL = url
	}
	if url := os.Getenv("WARPGATE_PUBLISHER_URL"); url != "" {
		c.Integrations.Publisher.BaseURL = url
	}
	if token := os.Getenv("WARPGATE_PUBLISHER_TOKEN"); token != "" {
		c.Integrations.Publisher.Token = token
	}
	if level := os.Getenv("WARPGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := ValidateHours(c.Gate.StartHour, c.Gate.EndHour); err != nil {
		return err
	}
	if c.Dedup.SimilarThreshold <= 0 || c.Dedup.SimilarThreshold > c.Dedup.SemanticThreshold || c.Dedup.SemanticThreshold > 1 {
		return fmt.Errorf("invalid dedup thresholds: similar=%.2f semantic=%.2f (need 0 < similar <= semantic <= 1)",
			c.Dedup.SimilarThreshold, c.Dedup.SemanticThreshold)
	}
	if c.Learning.BaseConfidence < 0 || c.Learning.BaseConfidence > 1 {
		return fmt.Errorf("invalid base confidence %.2f (need 0..1)", c.Learning.BaseConfidence)
	}
	if c.Learning.TopK <= 0 {
		return fmt.Errorf("learning.top_k must be positive")
	}
	if c.Approval.MaxPendingPerAgent < 0 {
		return fmt.Errorf("approval.max_pending_per_agent must not be negative")
	}
	if c.Approval.MaxDailyPerAgent < 0 {
		return fmt.Errorf("approval.max_daily_per_agent must not be negative")
	}
	if c.Cycle.Workers <= 0 {
		return fmt.Errorf("cycle.workers must be positive")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// ValidateHours checks an operational-hours window.
func ValidateHours(start, end int) error {
	if start < 0 || start > 23 || end < 0 || end > 24 {
		return fmt.Errorf("invalid operational hours %d-%d (start 0..23, end 0..24)", start, end)
	}
	if start == end {
		return fmt.Errorf("invalid operational hours %d-%d (empty window)", start, end)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetReadTimeout returns the HTTP read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	return parseDuration(c.Server.ReadTimeout, 15*time.Second)
}

// GetWriteTimeout returns the HTTP write timeout.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDuration(c.Server.WriteTimeout, 120*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetSweepInterval returns the chaos expiry sweep interval.
func (c *Config) GetSweepInterval() time.Duration {
	return parseDuration(c.Gate.SweepInterval, 30*time.Second)
}

// GetRecencyWindow returns the similarity recency window.
func (c *Config) GetRecencyWindow() time.Duration {
	return parseDuration(c.Dedup.RecencyWindow, 30*24*time.Hour)
}

// GetBuildTimeout returns the build timeout.
func (c *Config) GetBuildTimeout() time.Duration {
	return parseDuration(c.Approval.BuildTimeout, 90*time.Second)
}

// GetPublishTimeout returns the publish timeout.
func (c *Config) GetPublishTimeout() time.Duration {
	return parseDuration(c.Approval.PublishTimeout, 90*time.Second)
}

// GetInsightTimeout returns the insight-gathering timeout.
func (c *Config) GetInsightTimeout() time.Duration {
	return parseDuration(c.Cycle.InsightTimeout, 30*time.Second)
}

// GetUpdateTimeout returns the code-update timeout.
func (c *Config) GetUpdateTimeout() time.Duration {
	return parseDuration(c.Cycle.UpdateTimeout, 30*time.Second)
}

// GetTimeout returns the service timeout with a fallback.
func (s ServiceIntegration) GetTimeout(fallback time.Duration) time.Duration {
	return parseDuration(s.Timeout, fallback)
}

// GetTimeout returns the build command timeout.
func (b BuilderIntegration) GetTimeout() time.Duration {
	return parseDuration(b.Timeout, 90*time.Second)
}
