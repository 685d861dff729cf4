// Package syncconfig holds the tunables of spec.md §6, registered into a
// viper instance the way the teacher's internal/config package registers
// bd's CLI/daemon settings (Initialize + RegisterXDefaults + typed getters).
package syncconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Save policy names (spec.md §4.5).
type SavePolicy string

const (
	SaveLocalFirst  SavePolicy = "localFirst"
	SaveRemoteFirst SavePolicy = "remoteFirst"
)

// Load policy names (spec.md §4.5).
type LoadPolicy string

const (
	LoadLocalOnly       LoadPolicy = "localOnly"
	LoadLocalThenRemote LoadPolicy = "localThenRemote"
	LoadRemoteFirst     LoadPolicy = "remoteFirst"
)

// Config is the fully resolved set of tunables enumerated in spec.md §6.
type Config struct {
	DefaultSavePolicy SavePolicy
	DefaultLoadPolicy LoadPolicy

	ForegroundQueueConcurrency int
	BackgroundQueueConcurrency int
	LoadQueueConcurrency       int

	MaxForegroundQueueCapacity int
	MaxLoadQueueCapacity       int
	MaxBackgroundQueueCapacity int

	ForegroundQueueCapacityTimeout time.Duration
	LoadQueueCapacityTimeout       time.Duration
	BackgroundQueueCapacityTimeout time.Duration

	QueueCapacityCheckInterval time.Duration

	ForegroundPollInterval time.Duration
	BackgroundPollInterval time.Duration

	MaxAttempts int
}

// Key constants for the backing viper instance, namespaced "sync.*" the way
// the teacher namespaces decision config under "decision.*"
// (internal/config/decision.go).
const (
	KeyDefaultSavePolicy = "sync.policy.save-default"
	KeyDefaultLoadPolicy = "sync.policy.load-default"

	KeyForegroundConcurrency = "sync.queues.foreground.concurrency"
	KeyBackgroundConcurrency = "sync.queues.background.concurrency"
	KeyLoadConcurrency       = "sync.queues.load.concurrency"

	KeyForegroundCapacity = "sync.queues.foreground.capacity"
	KeyLoadCapacity       = "sync.queues.load.capacity"
	KeyBackgroundCapacity = "sync.queues.background.capacity"

	KeyForegroundTimeout = "sync.queues.foreground.admission-timeout"
	KeyLoadTimeout       = "sync.queues.load.admission-timeout"
	KeyBackgroundTimeout = "sync.queues.background.admission-timeout"

	KeyCapacityCheckInterval = "sync.queues.capacity-check-interval"

	KeyForegroundPollInterval = "sync.retry.foreground-poll-interval"
	KeyBackgroundPollInterval = "sync.retry.background-poll-interval"

	KeyMaxAttempts = "sync.retry.max-attempts"
)

// RegisterDefaults installs the spec.md §6 defaults into v. Called once at
// Initialize, mirroring RegisterDecisionDefaults in the teacher's config
// package.
func RegisterDefaults(v *viper.Viper) {
	v.SetDefault(KeyDefaultSavePolicy, string(SaveLocalFirst))
	v.SetDefault(KeyDefaultLoadPolicy, string(LoadLocalThenRemote))

	v.SetDefault(KeyForegroundConcurrency, 1)
	v.SetDefault(KeyBackgroundConcurrency, 1)
	v.SetDefault(KeyLoadConcurrency, 1)

	v.SetDefault(KeyForegroundCapacity, 50)
	v.SetDefault(KeyLoadCapacity, 50)
	v.SetDefault(KeyBackgroundCapacity, 50)

	v.SetDefault(KeyForegroundTimeout, 100*time.Millisecond)
	v.SetDefault(KeyLoadTimeout, 100*time.Millisecond)
	v.SetDefault(KeyBackgroundTimeout, 100*time.Millisecond)

	v.SetDefault(KeyCapacityCheckInterval, 10*time.Millisecond)

	v.SetDefault(KeyForegroundPollInterval, 5*time.Second)
	v.SetDefault(KeyBackgroundPollInterval, 60*time.Second)

	v.SetDefault(KeyMaxAttempts, 10)
}

// New creates a viper instance with defaults registered, optionally
// overlaying a YAML config file at path (if non-empty) and environment
// variables prefixed SYNQUILL_ (e.g. SYNQUILL_SYNC_RETRY_MAX_ATTEMPTS).
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	RegisterDefaults(v)

	v.SetEnvPrefix("SYNQUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("syncconfig: reading %s: %w", path, err)
		}
	}

	return v, nil
}

// Load resolves a Config from v, validating the invariants spec.md §6
// implies (all concurrency/capacity values >= 1, maxAttempts >= 1).
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DefaultSavePolicy: SavePolicy(v.GetString(KeyDefaultSavePolicy)),
		DefaultLoadPolicy: LoadPolicy(v.GetString(KeyDefaultLoadPolicy)),

		ForegroundQueueConcurrency: v.GetInt(KeyForegroundConcurrency),
		BackgroundQueueConcurrency: v.GetInt(KeyBackgroundConcurrency),
		LoadQueueConcurrency:       v.GetInt(KeyLoadConcurrency),

		MaxForegroundQueueCapacity: v.GetInt(KeyForegroundCapacity),
		MaxLoadQueueCapacity:       v.GetInt(KeyLoadCapacity),
		MaxBackgroundQueueCapacity: v.GetInt(KeyBackgroundCapacity),

		ForegroundQueueCapacityTimeout: v.GetDuration(KeyForegroundTimeout),
		LoadQueueCapacityTimeout:       v.GetDuration(KeyLoadTimeout),
		BackgroundQueueCapacityTimeout: v.GetDuration(KeyBackgroundTimeout),

		QueueCapacityCheckInterval: v.GetDuration(KeyCapacityCheckInterval),

		ForegroundPollInterval: v.GetDuration(KeyForegroundPollInterval),
		BackgroundPollInterval: v.GetDuration(KeyBackgroundPollInterval),

		MaxAttempts: v.GetInt(KeyMaxAttempts),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DefaultSavePolicy {
	case SaveLocalFirst, SaveRemoteFirst:
	default:
		return fmt.Errorf("syncconfig: invalid default save policy %q", c.DefaultSavePolicy)
	}
	switch c.DefaultLoadPolicy {
	case LoadLocalOnly, LoadLocalThenRemote, LoadRemoteFirst:
	default:
		return fmt.Errorf("syncconfig: invalid default load policy %q", c.DefaultLoadPolicy)
	}
	for name, v := range map[string]int{
		"foreground concurrency": c.ForegroundQueueConcurrency,
		"background concurrency": c.BackgroundQueueConcurrency,
		"load concurrency":       c.LoadQueueConcurrency,
		"foreground capacity":    c.MaxForegroundQueueCapacity,
		"load capacity":          c.MaxLoadQueueCapacity,
		"background capacity":    c.MaxBackgroundQueueCapacity,
	} {
		if v < 1 {
			return fmt.Errorf("syncconfig: %s must be >= 1, got %d", name, v)
		}
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("syncconfig: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	return nil
}

// Default returns a Config with every spec.md §6 default applied, without
// needing a viper instance. Convenient for tests and embedding callers.
func Default() *Config {
	v := viper.New()
	RegisterDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		// Defaults are constructed to always validate; a failure here is a
		// programming error in RegisterDefaults.
		panic(fmt.Sprintf("syncconfig: default config failed validation: %v", err))
	}
	return cfg
}
