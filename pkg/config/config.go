// Package config loads the TOML configuration shared by the ingest binaries.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dukex/ingest/pkg/queue"
	"github.com/dukex/ingest/pkg/retention"
	"github.com/dukex/ingest/pkg/scheduler"
	"github.com/dukex/ingest/pkg/watchdog"
	"github.com/dukex/ingest/pkg/worker"
)

// Config represents the application configuration
type Config struct {
	Processing        ProcessingConfig `toml:"processing"`
	Queue             QueueConfig      `toml:"queue"`
	Worker            WorkerConfig     `toml:"worker"`
	IntegrationTypes  []TypeConfig     `toml:"integration_types"`
	MicroserviceTypes []TypeConfig     `toml:"microservice_types"`
}

// ProcessingConfig holds retry and retention limits
type ProcessingConfig struct {
	MaxRetries        int           `toml:"max_retries"`
	WebhookMaxRetries int           `toml:"webhook_max_retries"`
	RetentionMonths   int           `toml:"retention_months"`
	StuckThreshold    time.Duration `toml:"stuck_threshold"`
}

// QueueConfig names the worker and delay queues
type QueueConfig struct {
	WorkerQueue        string        `toml:"worker_queue"`
	DelayQueue         string        `toml:"delay_queue"`
	NativeDelayCeiling time.Duration `toml:"native_delay_ceiling"`
	RelayPollInterval  time.Duration `toml:"relay_poll_interval"`
}

// WorkerConfig holds consumer loop settings
type WorkerConfig struct {
	MaxInFlight         int           `toml:"max_in_flight"`
	OnboardingExitDelay time.Duration `toml:"onboarding_exit_delay"`
	RetryDelay          time.Duration `toml:"retry_delay"`
}

// TypeConfig is the check cadence of one integration platform or microservice type
type TypeConfig struct {
	Type               string        `toml:"type"`
	TicksBetweenChecks int           `toml:"ticks_between_checks"`
	JitterBuckets      int           `toml:"jitter_buckets"`
	JitterSpan         time.Duration `toml:"jitter_span"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Processing: ProcessingConfig{
			MaxRetries:        worker.DefaultMaxRetries,
			WebhookMaxRetries: worker.DefaultWebhookMaxRetries,
			RetentionMonths:   retention.DefaultMonths,
			StuckThreshold:    watchdog.DefaultStuckThreshold,
		},
		Queue: QueueConfig{
			WorkerQueue:        "nodejs-worker",
			DelayQueue:         "nodejs-worker-delayable",
			NativeDelayCeiling: queue.MaxNativeDelay,
			RelayPollInterval:  time.Second,
		},
		Worker: WorkerConfig{
			MaxInFlight:         worker.DefaultMaxInFlight,
			OnboardingExitDelay: worker.DefaultOnboardingExitDelay,
			RetryDelay:          worker.DefaultRetryDelay,
		},
		IntegrationTypes: []TypeConfig{
			{Type: "github", TicksBetweenChecks: 60},
			{Type: "slack", TicksBetweenChecks: 60},
			{Type: "discord", TicksBetweenChecks: 60, JitterBuckets: 3, JitterSpan: 90 * time.Minute},
			{Type: "devto", TicksBetweenChecks: 20},
			{Type: "hackernews", TicksBetweenChecks: 20},
			{Type: "reddit", TicksBetweenChecks: 60},
			{Type: "linkedin", TicksBetweenChecks: 1440},
			{Type: "twitter", TicksBetweenChecks: 30},
		},
		MicroserviceTypes: []TypeConfig{
			{Type: "twitter_followers", TicksBetweenChecks: 1440},
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Arrays of tables replace the defaults instead of appending to them.
	config.IntegrationTypes = nil
	config.MicroserviceTypes = nil

	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	defaults := DefaultConfig()
	if !meta.IsDefined("integration_types") {
		config.IntegrationTypes = defaults.IntegrationTypes
	}

	if !meta.IsDefined("microservice_types") {
		config.MicroserviceTypes = defaults.MicroserviceTypes
	}

	return config, nil
}

// LoadConfig returns the defaults when configPath is empty, the parsed file otherwise.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	return LoadFromFile(configPath)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Processing.MaxRetries < 1 {
		return fmt.Errorf("processing max_retries must be positive")
	}
	if c.Processing.WebhookMaxRetries < 1 {
		return fmt.Errorf("processing webhook_max_retries must be positive")
	}
	if c.Processing.RetentionMonths < 1 {
		return fmt.Errorf("processing retention_months must be positive")
	}
	if c.Processing.StuckThreshold <= 0 {
		return fmt.Errorf("processing stuck_threshold must be positive")
	}

	if c.Queue.WorkerQueue == "" {
		return fmt.Errorf("queue worker_queue must be specified")
	}
	if c.Queue.DelayQueue == "" {
		return fmt.Errorf("queue delay_queue must be specified")
	}
	if c.Queue.WorkerQueue == c.Queue.DelayQueue {
		return fmt.Errorf("queue worker_queue and delay_queue must differ")
	}
	if c.Queue.NativeDelayCeiling < time.Second || c.Queue.NativeDelayCeiling > queue.MaxNativeDelay {
		return fmt.Errorf("queue native_delay_ceiling must be between 1s and %s", queue.MaxNativeDelay)
	}
	if c.Queue.RelayPollInterval <= 0 {
		return fmt.Errorf("queue relay_poll_interval must be positive")
	}

	if c.Worker.MaxInFlight < 1 {
		return fmt.Errorf("worker max_in_flight must be positive")
	}
	if c.Worker.OnboardingExitDelay < 0 || c.Worker.RetryDelay < 0 {
		return fmt.Errorf("worker delays must not be negative")
	}

	if err := validateTypes("integration_types", c.IntegrationTypes); err != nil {
		return err
	}

	return validateTypes("microservice_types", c.MicroserviceTypes)
}

func validateTypes(section string, types []TypeConfig) error {
	seen := make(map[string]bool, len(types))

	for i, t := range types {
		if t.Type == "" {
			return fmt.Errorf("%s[%d] type must be specified", section, i)
		}
		if seen[t.Type] {
			return fmt.Errorf("%s type %s is declared twice", section, t.Type)
		}
		seen[t.Type] = true

		if t.JitterBuckets < 0 {
			return fmt.Errorf("%s type %s jitter_buckets must not be negative", section, t.Type)
		}
		if t.JitterBuckets > 1 && t.JitterSpan <= 0 {
			return fmt.Errorf("%s type %s jitter_span must be positive when jitter_buckets > 1", section, t.Type)
		}
	}

	return nil
}

// Schedules returns the tick schedules of every integration and microservice type.
func (c *Config) Schedules() []scheduler.TypeSchedule {
	schedules := make([]scheduler.TypeSchedule, 0, len(c.IntegrationTypes)+len(c.MicroserviceTypes))

	for _, t := range c.IntegrationTypes {
		schedules = append(schedules, t.schedule(scheduler.KindIntegration))
	}

	for _, t := range c.MicroserviceTypes {
		schedules = append(schedules, t.schedule(scheduler.KindMicroservice))
	}

	return schedules
}

func (t TypeConfig) schedule(kind scheduler.TargetKind) scheduler.TypeSchedule {
	return scheduler.TypeSchedule{
		Kind:               kind,
		Type:               t.Type,
		TicksBetweenChecks: t.TicksBetweenChecks,
		JitterBuckets:      t.JitterBuckets,
		JitterSpan:         t.JitterSpan,
	}
}

// WorkerOptions returns the processing limits of the run and webhook processors.
func (c *Config) WorkerOptions() worker.Config {
	cfg := worker.DefaultConfig()
	cfg.MaxRetries = c.Processing.MaxRetries
	cfg.WebhookMaxRetries = c.Processing.WebhookMaxRetries
	cfg.OnboardingExitDelay = c.Worker.OnboardingExitDelay
	cfg.RetryDelay = c.Worker.RetryDelay

	return cfg
}

// WatchdogOptions returns the watchdog thresholds.
func (c *Config) WatchdogOptions() watchdog.Config {
	cfg := watchdog.DefaultConfig()
	cfg.StuckThreshold = c.Processing.StuckThreshold
	cfg.MaxRetries = c.Processing.MaxRetries
	cfg.WebhookMaxRetries = c.Processing.WebhookMaxRetries

	return cfg
}
