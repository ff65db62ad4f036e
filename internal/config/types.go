package config

import (
	"time"
)

// Config is the whole primed configuration document.
//
// One YAML file per deployment. The schedule (timezone + jobs) lives in the
// same document as daemon settings so a single fsnotify watch covers both.
type Config struct {
	// Timezone is the global IANA timezone for cron evaluation.
	// Jobs may override it per-job; empty means UTC.
	Timezone string `yaml:"timezone,omitempty"`

	Settings SettingsConfig `yaml:"settings,omitempty"`
	Logging  LoggingConfig  `yaml:"logging,omitempty"`
	Server   ServerConfig   `yaml:"server,omitempty"`
	Storage  *StorageConfig `yaml:"storage,omitempty"`

	// Processor configures the external command processor invoked for each run.
	Processor ProcessorConfig `yaml:"processor,omitempty"`

	Jobs []JobConfig `yaml:"jobs"`
}

// SettingsConfig holds scheduler-wide knobs.
//
// Defaults (when fields are omitted/zero):
//   - tick_seconds: 30
//   - default_timeout_seconds: 300
type SettingsConfig struct {
	TickSeconds           int `yaml:"tick_seconds,omitempty"`
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds,omitempty"`
}

func (s SettingsConfig) TickInterval() time.Duration {
	if s.TickSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TickSeconds) * time.Second
}

func (s SettingsConfig) DefaultTimeout() time.Duration {
	if s.DefaultTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.DefaultTimeoutSeconds) * time.Second
}

type LoggingConfig struct {
	Level   string `yaml:"level,omitempty"`
	Console *bool  `yaml:"console,omitempty"`
	File    struct {
		Enabled bool   `yaml:"enabled,omitempty"`
		Path    string `yaml:"path,omitempty"`
	} `yaml:"file,omitempty"`
}

// ConsoleEnabled defaults to true when omitted.
func (l LoggingConfig) ConsoleEnabled() bool {
	if l.Console == nil {
		return true
	}
	return *l.Console
}

type ServerConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Address string `yaml:"address,omitempty"`
}

func (s ServerConfig) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

func (s ServerConfig) ListenAddress() string {
	if s.Address == "" {
		return "127.0.0.1:8787"
	}
	return s.Address
}

// StorageConfig configures run-record persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If the section is omitted or Driver is empty/"none", persistence is disabled.
type StorageConfig struct {
	Driver        string `yaml:"driver,omitempty"`
	Path          string `yaml:"path,omitempty"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms,omitempty"`
}

type ProcessorConfig struct {
	// Binary is the executable invoked per run. The job command and arguments
	// are passed through verbatim; primed does not interpret them.
	Binary string `yaml:"binary,omitempty"`

	// BaseArgs are prepended before the job command on every invocation.
	BaseArgs []string `yaml:"base_args,omitempty"`

	// WorkDir is the shared workspace the processor mutates. Runs are
	// serialized against it via the run lock.
	WorkDir string `yaml:"workdir,omitempty"`
}

// JobConfig is one schedule entry, loaded verbatim from YAML.
//
// Validation (cron syntax, duplicate ids, overlap/queue_max combinations)
// happens in the schedule registry so one bad job never blocks the others.
type JobConfig struct {
	ID        string `yaml:"id"`
	Command   string `yaml:"command"`
	Arguments string `yaml:"arguments,omitempty"`
	Cron      string `yaml:"cron"`

	// Overlap is "skip" (default) or "queue".
	Overlap string `yaml:"overlap,omitempty"`

	// QueueMax bounds pending runs when overlap=queue. Defaults to 1.
	QueueMax *int `yaml:"queue_max,omitempty"`

	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"`
	MaxBudgetUSD   float64 `yaml:"max_budget_usd,omitempty"`
	Model          string  `yaml:"model,omitempty"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`

	UseVaultLock bool `yaml:"use_vault_lock,omitempty"`

	// Timezone optionally overrides the global timezone for this job.
	Timezone string `yaml:"timezone,omitempty"`
}

func (j JobConfig) IsEnabled() bool {
	if j.Enabled == nil {
		return true
	}
	return *j.Enabled
}

func (j JobConfig) QueueLimit() int {
	if j.QueueMax == nil {
		return 1
	}
	return *j.QueueMax
}
