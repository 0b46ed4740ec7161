// Package config provides configuration types and defaults for the
// orchestration core. The configuration is loaded once at process start and
// treated as frozen; tests build overrides from Defaults() rather than
// mutating a singleton.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/orchestrate/internal/log"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "ORCHESTRATION"

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "none", "file", "stdout", "otlp"
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// Config holds all configuration options for the orchestration core.
type Config struct {
	// CommFile is the path of the shared communications document.
	CommFile string `mapstructure:"comm_file"`

	// PollInterval is the generic wait between unblock re-checks.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// BreakpointCheckInterval is how often a lifecycle loop polls its
	// agent's comm record for a breakpoint.
	BreakpointCheckInterval time.Duration `mapstructure:"breakpoint_check_interval"`

	// MaxRetries bounds per-agent retry accounting before the loop exits.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryInterval is the wait between unblock retries when no CI event
	// arrives.
	RetryInterval time.Duration `mapstructure:"retry_interval"`

	// PRMergeTimeout bounds waits for a pull request to merge.
	PRMergeTimeout time.Duration `mapstructure:"pr_merge_timeout"`

	// ProcessTimeout bounds a single agent subprocess run.
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`

	// IntegrationBranch is the long-lived branch agent branches merge into.
	IntegrationBranch string `mapstructure:"integration_branch"`

	// MaxConcurrentAgents caps simultaneously active lifecycle loops.
	MaxConcurrentAgents int `mapstructure:"max_concurrent_agents"`

	// SnapshotDir receives per-spawn context snapshot files.
	SnapshotDir string `mapstructure:"snapshot_dir"`

	// SandboxBaseDir is the parent of per-agent sandbox directories.
	SandboxBaseDir string `mapstructure:"sandbox_base_dir"`

	// StateDir holds provider PR descriptors and the run ledger.
	StateDir string `mapstructure:"state_dir"`

	// WatcherDebounce is the comm-file change debounce window.
	WatcherDebounce time.Duration `mapstructure:"watcher_debounce"`

	// EventHistoryLimit bounds the CI event history ring.
	EventHistoryLimit int `mapstructure:"event_history_limit"`

	// AgentCommand is the external agent program and its leading arguments.
	AgentCommand []string `mapstructure:"agent_command"`

	// RepoDir is the git repository the agents operate on. Empty means the
	// current working directory.
	RepoDir string `mapstructure:"repo_dir"`

	Tracing TracingConfig `mapstructure:"tracing"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		CommFile:                "orchestration/comms.json",
		PollInterval:            5 * time.Second,
		BreakpointCheckInterval: 2 * time.Second,
		MaxRetries:              100,
		RetryInterval:           10 * time.Second,
		PRMergeTimeout:          600 * time.Second,
		ProcessTimeout:          300 * time.Second,
		IntegrationBranch:       "integration",
		MaxConcurrentAgents:     5,
		SnapshotDir:             "orchestration/snapshots",
		SandboxBaseDir:          "orchestration/sandboxes",
		StateDir:                "orchestration/state",
		WatcherDebounce:         100 * time.Millisecond,
		EventHistoryLimit:       100,
		AgentCommand:            []string{"claude", "--print", "--dangerously-skip-permissions"},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "orchestrate",
		},
	}
}

// minWatcherDebounce is the floor for the change debounce window.
const minWatcherDebounce = 20 * time.Millisecond

// Load reads configuration from the optional config file plus environment
// overrides and returns the frozen result.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	cfg := Defaults()

	v.SetDefault("comm_file", cfg.CommFile)
	v.SetDefault("integration_branch", cfg.IntegrationBranch)
	v.SetDefault("snapshot_dir", cfg.SnapshotDir)
	v.SetDefault("sandbox_base_dir", cfg.SandboxBaseDir)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("agent_command", cfg.AgentCommand)
	v.SetDefault("repo_dir", cfg.RepoDir)
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.exporter", cfg.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", cfg.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".orchestrate")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return cfg, err
		}
		// No config file anywhere - run on defaults plus env
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}

	ApplyEnv(&cfg, os.LookupEnv)
	cfg.Clamp()
	return cfg, nil
}

// ApplyEnv applies ORCHESTRATION_* environment overrides to cfg. Numeric
// values use a locale-independent decimal point; unparseable values keep the
// value already present. Durations are expressed in milliseconds.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	envString(lookup, "COMM_FILE", &cfg.CommFile)
	envString(lookup, "INTEGRATION_BRANCH", &cfg.IntegrationBranch)
	envString(lookup, "SNAPSHOT_DIR", &cfg.SnapshotDir)
	envString(lookup, "SANDBOX_BASE_DIR", &cfg.SandboxBaseDir)
	envDuration(lookup, "POLL_INTERVAL", &cfg.PollInterval)
	envDuration(lookup, "BREAKPOINT_CHECK_INTERVAL", &cfg.BreakpointCheckInterval)
	envDuration(lookup, "RETRY_INTERVAL", &cfg.RetryInterval)
	envDuration(lookup, "PR_MERGE_TIMEOUT", &cfg.PRMergeTimeout)
	envDuration(lookup, "PROCESS_TIMEOUT", &cfg.ProcessTimeout)
	envInt(lookup, "MAX_RETRIES", &cfg.MaxRetries)
	envInt(lookup, "MAX_CONCURRENT_AGENTS", &cfg.MaxConcurrentAgents)
}

// Clamp enforces lower bounds on tunables that would otherwise spin or
// starve (a zero MaxRetries is legal and means fail after the first error).
func (c *Config) Clamp() {
	if c.WatcherDebounce < minWatcherDebounce {
		c.WatcherDebounce = minWatcherDebounce
	}
	if c.MaxConcurrentAgents < 1 {
		c.MaxConcurrentAgents = 1
	}
	if c.EventHistoryLimit < 1 {
		c.EventHistoryLimit = Defaults().EventHistoryLimit
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Defaults().PollInterval
	}
}

func envString(lookup func(string) (string, bool), key string, dst *string) {
	if val, ok := lookup(EnvPrefix + "_" + key); ok && val != "" {
		*dst = val
	}
}

func envInt(lookup func(string) (string, bool), key string, dst *int) {
	val, ok := lookup(EnvPrefix + "_" + key)
	if !ok {
		return
	}
	n, err := parseNumber(val)
	if err != nil {
		log.Warn(log.CatConfig, "unparseable env value, keeping default", "key", key, "value", val)
		return
	}
	*dst = int(n)
}

func envDuration(lookup func(string) (string, bool), key string, dst *time.Duration) {
	val, ok := lookup(EnvPrefix + "_" + key)
	if !ok {
		return
	}
	ms, err := parseNumber(val)
	if err != nil {
		log.Warn(log.CatConfig, "unparseable env value, keeping default", "key", key, "value", val)
		return
	}
	*dst = time.Duration(ms * float64(time.Millisecond))
}

// parseNumber parses an integer or float with a '.' decimal point regardless
// of locale.
func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n), nil
	}
	return strconv.ParseFloat(s, 64)
}
