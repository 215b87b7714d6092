package scheduler

import (
	"time"

	"github.com/smallbiznis/workspace/internal/config"
)

const (
	JobPurgeSessions     = "purge_sessions"
	JobExpireInvitations = "expire_invitations"
	JobRelayOutbox       = "relay_outbox"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	JobTimeout       time.Duration
	BatchSize        int
	SessionRetention time.Duration
	EnabledJobs      []string
	StreamKey        string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		JobTimeout:       30 * time.Second,
		BatchSize:        200,
		SessionRetention: 7 * 24 * time.Hour,
		StreamKey:        "workspace:organization_events",
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:      time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
		BatchSize:        cfg.Scheduler.BatchSize,
		SessionRetention: time.Duration(cfg.Scheduler.SessionRetentionSeconds) * time.Second,
		EnabledJobs:      cfg.Scheduler.EnabledJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.SessionRetention <= 0 {
		c.SessionRetention = defaults.SessionRetention
	}
	if c.StreamKey == "" {
		c.StreamKey = defaults.StreamKey
	}
	return c
}
