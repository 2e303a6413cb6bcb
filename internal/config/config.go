// Package config defines the daemon configuration tree and the persisted
// runtime state that must survive restarts.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Images     ImagesConfig     `yaml:"images"`
	Queues     QueuesConfig     `yaml:"queues"`
	Safety     SafetyConfig     `yaml:"safety"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Autofocus  AutofocusConfig  `yaml:"autofocus"`
	Processing ProcessingConfig `yaml:"processing"`
	Cache      CacheConfig      `yaml:"cache"`
	Status     StatusConfig     `yaml:"status"`
	Location   LocationConfig   `yaml:"location"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

// ServerConfig points the daemon at the task-dispatch service.
type ServerConfig struct {
	BaseURL         string `yaml:"base_url"`
	Token           string `yaml:"token"` // overridden by CITRASCOPE_API_TOKEN
	TelescopeID     string `yaml:"telescope_id"`
	GroundStationID string `yaml:"ground_station_id"`
	PollIntervalS   int    `yaml:"poll_interval_s"`
	TimeoutS        int    `yaml:"timeout_s"`
}

type ImagesConfig struct {
	Root       string  `yaml:"root"`
	KeepImages bool    `yaml:"keep_images"`
	ExposureS  float64 `yaml:"exposure_s"`
}

type QueuesConfig struct {
	ProcessingWorkers int     `yaml:"processing_workers"`
	UploadWorkers     int     `yaml:"upload_workers"`
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelayS     float64 `yaml:"initial_delay_s"`
	MaxDelayS         float64 `yaml:"max_delay_s"`
}

type SafetyConfig struct {
	StateDir           string  `yaml:"state_dir"`
	WatchdogIntervalS  float64 `yaml:"watchdog_interval_s"`
	TimePauseOffsetS   float64 `yaml:"time_pause_offset_s"`
	AltAzMount         bool    `yaml:"altaz_mount"`
	CableSoftLimitDeg  float64 `yaml:"cable_soft_limit_deg"`
	CableHardLimitDeg  float64 `yaml:"cable_hard_limit_deg"`
	CableSlewMarginDeg float64 `yaml:"cable_slew_margin_deg"`
}

type SchedulerConfig struct {
	AutomatedScheduling bool `yaml:"automated_scheduling"`
	RunnerIntervalMs    int  `yaml:"runner_interval_ms"`
}

// AutofocusConfig controls both operator-requested and scheduled autofocus.
// Target selects a named preset; "custom" uses CustomRA/CustomDec when both
// are set and falls back to DefaultPreset otherwise.
type AutofocusConfig struct {
	ScheduledEnabled bool             `yaml:"scheduled_enabled"`
	IntervalS        int              `yaml:"interval_s"`
	Target           string           `yaml:"target"`
	CustomRA         *float64         `yaml:"custom_ra"`
	CustomDec        *float64         `yaml:"custom_dec"`
	DefaultPreset    string           `yaml:"default_preset"`
	Presets          map[string]RADec `yaml:"presets"`
}

type RADec struct {
	RA  float64 `yaml:"ra"`
	Dec float64 `yaml:"dec"`
}

type ProcessingConfig struct {
	Chain              []string `yaml:"chain"`
	RequiredKeywords   []string `yaml:"required_keywords"`
	PlateSolveTimeoutS int      `yaml:"plate_solve_timeout_s"`
}

type CacheConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "redis"
	RedisAddr string `yaml:"redis_addr"`
	TTLS      int    `yaml:"ttl_s"`
}

type StatusConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Altitude  float64 `yaml:"altitude"`
	Mobile    bool    `yaml:"mobile"`
}

type SimulatorConfig struct {
	Enabled      bool    `yaml:"enabled"`
	SlewRateDegS float64 `yaml:"slew_rate_deg_s"`
	ExposureS    float64 `yaml:"exposure_s"`
}

// Load reads a YAML config file, applies defaults, and resolves the API
// token from the environment when present.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()

	if token := os.Getenv("CITRASCOPE_API_TOKEN"); token != "" {
		cfg.Server.Token = token
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.PollIntervalS == 0 {
		c.Server.PollIntervalS = 30
	}
	if c.Server.TimeoutS == 0 {
		c.Server.TimeoutS = 30
	}
	if c.Images.Root == "" {
		c.Images.Root = "images"
	}
	if c.Queues.ProcessingWorkers == 0 {
		c.Queues.ProcessingWorkers = 1
	}
	if c.Queues.UploadWorkers == 0 {
		c.Queues.UploadWorkers = 1
	}
	if c.Images.ExposureS == 0 {
		c.Images.ExposureS = 1
	}
	if c.Queues.MaxRetries == 0 {
		c.Queues.MaxRetries = 3
	}
	if c.Queues.InitialDelayS == 0 {
		c.Queues.InitialDelayS = 10
	}
	if c.Queues.MaxDelayS == 0 {
		c.Queues.MaxDelayS = 300
	}
	if c.Safety.StateDir == "" {
		c.Safety.StateDir = "state"
	}
	if c.Safety.WatchdogIntervalS == 0 {
		c.Safety.WatchdogIntervalS = 1
	}
	if c.Safety.TimePauseOffsetS == 0 {
		c.Safety.TimePauseOffsetS = 1
	}
	if c.Safety.CableSoftLimitDeg == 0 {
		c.Safety.CableSoftLimitDeg = 180
	}
	if c.Safety.CableHardLimitDeg == 0 {
		c.Safety.CableHardLimitDeg = 270
	}
	if c.Safety.CableSlewMarginDeg == 0 {
		c.Safety.CableSlewMarginDeg = 10
	}
	if c.Scheduler.RunnerIntervalMs == 0 {
		c.Scheduler.RunnerIntervalMs = 1000
	}
	if c.Autofocus.IntervalS == 0 {
		c.Autofocus.IntervalS = 6 * 3600
	}
	if c.Autofocus.DefaultPreset == "" {
		c.Autofocus.DefaultPreset = "zenith"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTLS == 0 {
		c.Cache.TTLS = 6 * 3600
	}
	if c.Status.ListenAddr == "" {
		c.Status.ListenAddr = ":7624"
	}
	if c.Simulator.SlewRateDegS == 0 {
		c.Simulator.SlewRateDegS = 4
	}
	if c.Simulator.ExposureS == 0 {
		c.Simulator.ExposureS = 1
	}
	if len(c.Processing.Chain) == 0 {
		c.Processing.Chain = []string{"headercheck"}
	}
	if c.Processing.PlateSolveTimeoutS == 0 {
		c.Processing.PlateSolveTimeoutS = 120
	}
}

func (c *Config) validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if c.Server.TelescopeID == "" {
		return fmt.Errorf("server.telescope_id is required")
	}
	return nil
}

// PollInterval returns the dispatch poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Server.PollIntervalS) * time.Second
}

// RunnerInterval returns the scheduler runner cadence.
func (c *Config) RunnerInterval() time.Duration {
	return time.Duration(c.Scheduler.RunnerIntervalMs) * time.Millisecond
}

// WatchdogInterval returns the safety watchdog cadence.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Safety.WatchdogIntervalS * float64(time.Second))
}

// HTTPTimeout returns the dispatch client timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutS) * time.Second
}

// RetryInitialDelay returns the first retry backoff step.
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.Queues.InitialDelayS * float64(time.Second))
}

// RetryMaxDelay returns the retry backoff ceiling.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Queues.MaxDelayS * float64(time.Second))
}

// CacheTTL returns the external-data cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLS) * time.Second
}
