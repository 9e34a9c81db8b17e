package autopilot

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/seopilot/autopilot/internal/brain"
)

// Config holds all seopilot server configuration.
type Config struct {
	DBPath               string          `yaml:"db_path"`
	MetricsDBPath        string          `yaml:"metrics_db_path"`
	MetricsRetentionDays int             `yaml:"metrics_retention_days"`
	Listen               string          `yaml:"listen"`
	LogFile              string          `yaml:"log_file"`
	LogLevel             string          `yaml:"log_level"`
	JWTSecret            string          `yaml:"jwt_secret"`
	SessionTTL           time.Duration   `yaml:"session_ttl"`
	Admin                AdminConfig     `yaml:"admin"`
	Quota                QuotaConfig     `yaml:"quota"`
	Policy               PolicyConfig    `yaml:"policy"`
	Scheduler            SchedulerConfig `yaml:"scheduler"`
	Synth                SynthConfig     `yaml:"synth"`
	Market               MarketConfig    `yaml:"market"`
	AgentAPI             AgentAPIConfig  `yaml:"agent_api"`
	NATS                 NATSConfig      `yaml:"nats"`
}

// AdminConfig seeds the first operator when none exists.
type AdminConfig struct {
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// QuotaConfig controls the daily energy ledger.
type QuotaConfig struct {
	DailyCeiling int      `yaml:"daily_ceiling"`
	ExemptTiers  []string `yaml:"exempt_tiers"`
	Timezone     string   `yaml:"timezone"`
}

// PolicyConfig holds the decision thresholds.
type PolicyConfig struct {
	DivergenceThreshold float64 `yaml:"divergence_threshold"`
	brain.Thresholds    `yaml:",inline"`
}

// SchedulerConfig controls the autopilot tick.
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Concurrency  int           `yaml:"concurrency"`
	SynthTimeout time.Duration `yaml:"synth_timeout"`
	RunAtStart   bool          `yaml:"run_at_start"`
	Disabled     bool          `yaml:"disabled"`
}

// SynthConfig selects and tunes the rule synthesizer.
type SynthConfig struct {
	Kind             string        `yaml:"kind"` // none, remote, gemini
	Endpoint         string        `yaml:"endpoint"`
	Token            string        `yaml:"token"`
	AllowPrivate     bool          `yaml:"allow_private"` // endpoint is a local sidecar
	Prompt           bool          `yaml:"prompt"` // remote: send a prompt instead of the JSON input
	Model            string        `yaml:"model"`
	APIKey           string        `yaml:"api_key"`
	Temperature      float32       `yaml:"temperature"`
	Retries          int           `yaml:"retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// MarketConfig selects the market volatility sensor.
type MarketConfig struct {
	Kind     string        `yaml:"kind"` // static, remote
	Value    float64       `yaml:"value"`
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	AllowPrivate bool          `yaml:"allow_private"`
}

// AgentAPIConfig rate-limits the manifest endpoint per site.
type AgentAPIConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// NATSConfig enables audit event fan-out.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "seopilot.db"
	}
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsRetentionDays <= 0 {
		c.MetricsRetentionDays = 30
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 7 * 24 * time.Hour
	}
	if c.Quota.DailyCeiling <= 0 {
		c.Quota.DailyCeiling = 50
	}
	if c.Quota.ExemptTiers == nil {
		c.Quota.ExemptTiers = []string{"enterprise"}
	}
	if c.Quota.Timezone == "" {
		c.Quota.Timezone = "UTC"
	}
	if c.Policy.DivergenceThreshold <= 0 {
		c.Policy.DivergenceThreshold = brain.DefaultDivergenceThreshold
	}
	if c.Policy.HighDropPct <= 0 {
		c.Policy.HighDropPct = brain.DefaultThresholds.HighDropPct
	}
	if c.Policy.LowDropPct <= 0 {
		c.Policy.LowDropPct = brain.DefaultThresholds.LowDropPct
	}
	if c.Policy.MarketElevated <= 0 {
		c.Policy.MarketElevated = brain.DefaultThresholds.MarketElevated
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = time.Hour
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.SynthTimeout <= 0 {
		c.Scheduler.SynthTimeout = 30 * time.Second
	}
	if c.Synth.Kind == "" {
		c.Synth.Kind = "none"
	}
	if c.Synth.Retries <= 0 {
		c.Synth.Retries = 2
	}
	if c.Synth.BreakerThreshold <= 0 {
		c.Synth.BreakerThreshold = 5
	}
	if c.Market.Kind == "" {
		c.Market.Kind = "static"
	}
	if c.Market.Timeout <= 0 {
		c.Market.Timeout = 5 * time.Second
	}
	if c.AgentAPI.RatePerSecond <= 0 {
		c.AgentAPI.RatePerSecond = 1
	}
	if c.AgentAPI.Burst <= 0 {
		c.AgentAPI.Burst = 5
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "seopilot.audit"
	}
}

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}
