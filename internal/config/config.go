// Package config loads orchestrator configuration from a YAML file with
// environment-variable overrides. Missing values fall back to defaults so a
// zero config file (or none at all) yields a runnable single-node setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Resource describes one schedulable capacity slot (typically one GPU).
type Resource struct {
	Name       string `yaml:"name"`
	CapacityMB int64  `yaml:"capacity_mb"`
}

// Config holds the full orchestrator configuration.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the Prometheus metrics bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// AdvertiseAddr is the address other replicas and clients use to reach
	// this replica. Written alongside the leader lock as a redirect hint.
	AdvertiseAddr string `yaml:"advertise_addr"`

	// DBPath is the SQLite database path for authoritative state.
	DBPath string `yaml:"db_path"`

	// RedisURL is the connection URL for the job transport and leader lock.
	RedisURL string `yaml:"redis_url"`

	// RedisPassword overrides the password in RedisURL when set.
	RedisPassword string `yaml:"redis_password"`

	// Resources is the static capacity inventory. Empty means: probe GPUs
	// at startup and fall back to CPU-only if none are found.
	Resources []Resource `yaml:"resources"`

	// AllowCPUFallback permits capacity-unbounded CPU leases when no GPU fits.
	AllowCPUFallback bool `yaml:"allow_cpu_fallback"`

	// JobTypes are the job streams this deployment serves. Workers consume
	// them; the reclaimer and metrics poller scan them.
	JobTypes []string `yaml:"job_types"`

	Lease      LeaseConfig      `yaml:"lease"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Pools      PoolsConfig      `yaml:"pools"`
	Reclaimer  ReclaimerConfig  `yaml:"reclaimer"`
	Election   ElectionConfig   `yaml:"election"`
	Admission  AdmissionConfig  `yaml:"admission"`
}

// LeaseConfig tunes the lease manager.
type LeaseConfig struct {
	// DefaultTTL applies when a request carries no TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// JobsConfig tunes job dispatch and retry.
type JobsConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	ClaimBlock     time.Duration `yaml:"claim_block"`
	RetryBase      time.Duration `yaml:"retry_base"`
	RetryMax       time.Duration `yaml:"retry_max"`
}

// PoolsConfig tunes worker pool lifecycle.
type PoolsConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ReclaimerConfig tunes the leader-only reclaim loop.
type ReclaimerConfig struct {
	Interval           time.Duration `yaml:"interval"`
	IdleThreshold      time.Duration `yaml:"idle_threshold"`
	RepublishThreshold time.Duration `yaml:"republish_threshold"`
	// MaxPerPass bounds work per reclaim pass so one pass never monopolizes
	// the store.
	MaxPerPass int `yaml:"max_per_pass"`
}

// ElectionConfig tunes leader election.
type ElectionConfig struct {
	LockName string        `yaml:"lock_name"`
	TTL      time.Duration `yaml:"ttl"`
	Renew    time.Duration `yaml:"renew"`
}

// AdmissionConfig tunes admission control.
type AdmissionConfig struct {
	AgentRate  float64 `yaml:"agent_rate"`
	AgentBurst int     `yaml:"agent_burst"`
	// UtilizationWatermark is the leased/total capacity fraction above which
	// new GPU lease requests are rejected.
	UtilizationWatermark float64 `yaml:"utilization_watermark"`
	// QueueDepthWatermark is the per-type stream depth above which new
	// submissions are rejected.
	QueueDepthWatermark int64 `yaml:"queue_depth_watermark"`
}

// Load reads the config file at path (optional), applies environment
// overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("WARDEN_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("WARDEN_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("WARDEN_ADVERTISE_ADDR"); v != "" {
		c.AdvertiseAddr = v
	}
	if v := os.Getenv("WARDEN_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("WARDEN_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("WARDEN_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("WARDEN_ALLOW_CPU_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AllowCPUFallback = b
		}
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = "localhost" + c.ListenAddr
	}
	if c.DBPath == "" {
		c.DBPath = "warden.db"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379"
	}
	if len(c.JobTypes) == 0 {
		c.JobTypes = []string{"inference", "model_preload"}
	}
	if c.Lease.DefaultTTL == 0 {
		c.Lease.DefaultTTL = time.Hour
	}
	if c.Jobs.MaxAttempts == 0 {
		c.Jobs.MaxAttempts = 3
	}
	if c.Jobs.ExecTimeout == 0 {
		c.Jobs.ExecTimeout = 10 * time.Minute
	}
	if c.Jobs.ClaimBlock == 0 {
		c.Jobs.ClaimBlock = 5 * time.Second
	}
	if c.Jobs.RetryBase == 0 {
		c.Jobs.RetryBase = time.Second
	}
	if c.Jobs.RetryMax == 0 {
		c.Jobs.RetryMax = 60 * time.Second
	}
	if c.Pools.DrainTimeout == 0 {
		c.Pools.DrainTimeout = 2 * time.Minute
	}
	if c.Reclaimer.Interval == 0 {
		c.Reclaimer.Interval = 15 * time.Second
	}
	if c.Reclaimer.IdleThreshold == 0 {
		c.Reclaimer.IdleThreshold = 60 * time.Second
	}
	if c.Reclaimer.RepublishThreshold == 0 {
		c.Reclaimer.RepublishThreshold = 60 * time.Second
	}
	if c.Reclaimer.MaxPerPass == 0 {
		c.Reclaimer.MaxPerPass = 100
	}
	if c.Election.LockName == "" {
		c.Election.LockName = "warden:leader"
	}
	if c.Election.TTL == 0 {
		c.Election.TTL = 15 * time.Second
	}
	if c.Election.Renew == 0 {
		c.Election.Renew = c.Election.TTL / 3
	}
	if c.Admission.AgentRate == 0 {
		c.Admission.AgentRate = 5
	}
	if c.Admission.AgentBurst == 0 {
		c.Admission.AgentBurst = 10
	}
	if c.Admission.UtilizationWatermark == 0 {
		c.Admission.UtilizationWatermark = 0.9
	}
	if c.Admission.QueueDepthWatermark == 0 {
		c.Admission.QueueDepthWatermark = 1000
	}
}
