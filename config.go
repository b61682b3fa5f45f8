package connpool

import (
	"os"
	"time"

	"github.com/go-i2p/go-connpool/store"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// DefaultAcquireTimeout is how long a queued Acquire waits when AcquireTimeout is zero
const DefaultAcquireTimeout = 10 * time.Second

// PoolConfig contains the capacity and health policy of a Pool.
// Every field except AcquireTimeout, ProbeTimeout and StatsInterval is required.
type PoolConfig struct {
	// MinConnections is the number of resources created eagerly and kept by the health monitor
	MinConnections int `yaml:"min_connections" mapstructure:"min_connections"`

	// MaxConnections is the hard upper bound on tracked resources
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// IdleTimeout is how long a surplus idle resource above MinConnections may live
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`

	// MaxLifetime is the absolute age limit of any resource regardless of use
	MaxLifetime time.Duration `yaml:"max_lifetime" mapstructure:"max_lifetime"`

	// HealthCheckInterval is the cadence of the health monitor
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`

	// MaxErrors is the error count at which a resource is condemned
	MaxErrors int `yaml:"max_errors" mapstructure:"max_errors"`

	// AcquireTimeout bounds how long a queued Acquire waits
	// Default: DefaultAcquireTimeout (applied when zero)
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`

	// ProbeTimeout bounds a single liveness probe
	// Default: the smaller of HealthCheckInterval and half the acquire timeout (applied when zero)
	ProbeTimeout time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout"`

	// StatsInterval is how often pool statistics are logged
	// Default: 0 (disabled)
	StatsInterval time.Duration `yaml:"stats_interval" mapstructure:"stats_interval"`
}

// NewPoolConfig creates a PoolConfig with the given capacity bounds. The health
// policy fields must still be set with the With* methods before use.
func NewPoolConfig(minConns, maxConns int) *PoolConfig {
	return &PoolConfig{
		MinConnections: minConns,
		MaxConnections: maxConns,
		AcquireTimeout: DefaultAcquireTimeout,
	}
}

// WithIdleTimeout sets how long surplus idle resources may live.
func (c *PoolConfig) WithIdleTimeout(timeout time.Duration) *PoolConfig {
	c.IdleTimeout = timeout
	return c
}

// WithMaxLifetime sets the absolute age limit of a resource.
func (c *PoolConfig) WithMaxLifetime(lifetime time.Duration) *PoolConfig {
	c.MaxLifetime = lifetime
	return c
}

// WithHealthCheckInterval sets the cadence of the health monitor.
func (c *PoolConfig) WithHealthCheckInterval(interval time.Duration) *PoolConfig {
	c.HealthCheckInterval = interval
	return c
}

// WithMaxErrors sets the error count at which a resource is condemned.
func (c *PoolConfig) WithMaxErrors(maxErrors int) *PoolConfig {
	c.MaxErrors = maxErrors
	return c
}

// WithAcquireTimeout sets how long a queued Acquire waits.
func (c *PoolConfig) WithAcquireTimeout(timeout time.Duration) *PoolConfig {
	c.AcquireTimeout = timeout
	return c
}

// WithProbeTimeout sets the deadline of a single liveness probe.
func (c *PoolConfig) WithProbeTimeout(timeout time.Duration) *PoolConfig {
	c.ProbeTimeout = timeout
	return c
}

// WithStatsInterval sets how often statistics are logged. Zero disables it.
func (c *PoolConfig) WithStatsInterval(interval time.Duration) *PoolConfig {
	c.StatsInterval = interval
	return c
}

// Validate checks if the configuration is valid and complete.
// Returns an error with context if validation fails.
func (c *PoolConfig) Validate() error {
	if err := c.validateCapacity(); err != nil {
		return err
	}
	if err := c.validateDurations(); err != nil {
		return err
	}
	if c.MaxErrors < 1 {
		return invalidConfigError("max_errors", c.MaxErrors, "must be at least 1")
	}
	return nil
}

// validateCapacity checks the min/max connection bounds.
func (c *PoolConfig) validateCapacity() error {
	if c.MaxConnections < 1 {
		return invalidConfigError("max_connections", c.MaxConnections, "must be at least 1")
	}
	if c.MinConnections < 0 {
		return invalidConfigError("min_connections", c.MinConnections, "cannot be negative")
	}
	if c.MinConnections > c.MaxConnections {
		return invalidConfigError("min_connections", c.MinConnections, "cannot exceed max_connections")
	}
	return nil
}

// validateDurations checks that required durations are set and optional ones are not negative.
func (c *PoolConfig) validateDurations() error {
	required := []struct {
		field string
		value time.Duration
	}{
		{"idle_timeout", c.IdleTimeout},
		{"max_lifetime", c.MaxLifetime},
		{"health_check_interval", c.HealthCheckInterval},
	}
	for _, r := range required {
		if r.value <= 0 {
			return invalidConfigError(r.field, r.value.String(), "must be positive")
		}
	}

	optional := []struct {
		field string
		value time.Duration
	}{
		{"acquire_timeout", c.AcquireTimeout},
		{"probe_timeout", c.ProbeTimeout},
		{"stats_interval", c.StatsInterval},
	}
	for _, o := range optional {
		if o.value < 0 {
			return invalidConfigError(o.field, o.value.String(), "cannot be negative")
		}
	}
	return nil
}

// effectiveAcquireTimeout returns AcquireTimeout with its default applied
func (c *PoolConfig) effectiveAcquireTimeout() time.Duration {
	if c.AcquireTimeout == 0 {
		return DefaultAcquireTimeout
	}
	return c.AcquireTimeout
}

// effectiveProbeTimeout returns ProbeTimeout with its default applied. The default
// stays below the acquire timeout so a probe cannot outlast a queued request.
func (c *PoolConfig) effectiveProbeTimeout() time.Duration {
	if c.ProbeTimeout == 0 {
		return min(c.HealthCheckInterval, c.effectiveAcquireTimeout()/2)
	}
	return c.ProbeTimeout
}

// policy returns the eviction policy the health monitor applies
func (c *PoolConfig) policy() store.Policy {
	return store.Policy{
		MinConnections: c.MinConnections,
		IdleTimeout:    c.IdleTimeout,
		MaxLifetime:    c.MaxLifetime,
		MaxErrors:      c.MaxErrors,
	}
}

// LoadConfig reads a YAML pool configuration from path.
// ${VAR} references are replaced with environment variable values before parsing.
func LoadConfig(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.
			Code("CONFIG_READ_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "failed to read config file")
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML pool configuration.
func ParseConfig(data []byte) (*PoolConfig, error) {
	cfg := &PoolConfig{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, oops.
			Code("CONFIG_PARSE_FAILED").
			In("config").
			Wrapf(err, "failed to parse YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
