package main

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"runbox/internal/common/cache"
	"runbox/internal/common/http/middleware"
	"runbox/internal/common/mq"
	"runbox/internal/executor/sandbox"
	"runbox/internal/executor/sandbox/adapter"
	"runbox/internal/executor/sandbox/engine"
	"runbox/internal/executor/sandbox/profile"
	"runbox/internal/executor/sandbox/security"
	"runbox/internal/executor/sandbox/spec"
	"runbox/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultWorkRoot        = "/var/lib/runbox/work"
	defaultSweepInterval   = time.Minute
	defaultSweepTTL        = 10 * time.Minute
	defaultEventTopic      = "runbox.run.finished"
	defaultMetricsPath     = "/metrics"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
}

// LimitsConfig holds resource limits and admission settings.
type LimitsConfig struct {
	spec.ResourceLimits `yaml:",inline"`
	MaxSourceBytes      int           `yaml:"maxSourceBytes"`
	MaxStdinBytes       int           `yaml:"maxStdinBytes"`
	MaxConcurrent       int64         `yaml:"maxConcurrentExecutions"`
	EventTimeout        time.Duration `yaml:"eventTimeout"`
}

// WorkspaceConfig holds scoped directory settings.
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	SweepTTL      time.Duration `yaml:"sweepTTL"`
}

// SandboxConfig holds sandbox engine settings. Isolation layers default to on;
// turning one off requires Insecure.
type SandboxConfig struct {
	CgroupRoot       string                     `yaml:"cgroupRoot"`
	HelperPath       string                     `yaml:"helperPath"`
	EnableSeccomp    *bool                      `yaml:"enableSeccomp"`
	EnableCgroup     *bool                      `yaml:"enableCgroup"`
	EnableNamespaces *bool                      `yaml:"enableNamespaces"`
	Isolation        *security.IsolationProfile `yaml:"isolation"`
	BindMounts       []spec.MountSpec           `yaml:"bindMounts"`
	CPUPollInterval  time.Duration              `yaml:"cpuPollInterval"`
	Insecure         bool                       `yaml:"insecure"`
}

// LanguageConfig holds language definitions layered over the built-in table.
type LanguageConfig struct {
	DisableDefaults bool                   `yaml:"disableDefaults"`
	Languages       []profile.LanguageSpec `yaml:"languages"`
}

// KafkaConfig holds run event publishing settings.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks string        `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
	Async        bool          `yaml:"async"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig holds runbox server config.
type AppConfig struct {
	Server    ServerConfig               `yaml:"server"`
	Logger    logger.Config              `yaml:"logger"`
	Limits    LimitsConfig               `yaml:"limits"`
	Workspace WorkspaceConfig            `yaml:"workspace"`
	Sandbox   SandboxConfig              `yaml:"sandbox"`
	Languages LanguageConfig             `yaml:"languages"`
	RateLimit middleware.RateLimitPolicy `yaml:"rateLimit"`
	CORS      *middleware.CORSConfig     `yaml:"cors"`
	Redis     cache.RedisConfig          `yaml:"redis"`
	Kafka     KafkaConfig                `yaml:"kafka"`
	Metrics   MetricsConfig              `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	// Keys left out of a partial isolation block keep their secure defaults.
	isolation := security.Default()
	cfg := AppConfig{Sandbox: SandboxConfig{Isolation: &isolation}}
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
	cfg.Limits.ResourceLimits = cfg.Limits.ResourceLimits.WithDefaults()
	if cfg.Limits.MaxSourceBytes <= 0 {
		cfg.Limits.MaxSourceBytes = adapter.DefaultMaxSourceBytes
	}
	if cfg.Limits.MaxStdinBytes <= 0 {
		cfg.Limits.MaxStdinBytes = adapter.DefaultMaxStdinBytes
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		// JSON escaping can double the payload.
		cfg.Server.MaxBodyBytes = int64(2*(cfg.Limits.MaxSourceBytes+cfg.Limits.MaxStdinBytes)) + 4096
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = defaultWorkRoot
	}
	if cfg.Workspace.SweepInterval == 0 {
		cfg.Workspace.SweepInterval = defaultSweepInterval
	}
	if cfg.Workspace.SweepTTL == 0 {
		cfg.Workspace.SweepTTL = defaultSweepTTL
	}
	cfg.Sandbox.EnableSeccomp = boolOrTrue(cfg.Sandbox.EnableSeccomp)
	cfg.Sandbox.EnableCgroup = boolOrTrue(cfg.Sandbox.EnableCgroup)
	cfg.Sandbox.EnableNamespaces = boolOrTrue(cfg.Sandbox.EnableNamespaces)
	if cfg.Sandbox.Isolation == nil {
		isolation := security.Default()
		cfg.Sandbox.Isolation = &isolation
	}
	if cfg.CORS == nil {
		cors := middleware.DefaultCORSConfig()
		cfg.CORS = &cors
	}
	if cfg.RateLimit.Backend == "" {
		cfg.RateLimit.Backend = middleware.BackendLocal
	}
	cfg.Redis.ApplyDefaults()
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEventTopic
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func boolOrTrue(v *bool) *bool {
	if v != nil {
		return v
	}
	enabled := true
	return &enabled
}

func validateConfig(cfg *AppConfig) error {
	if cfg.Limits.MaxConcurrent < 0 {
		return fmt.Errorf("limits.maxConcurrentExecutions must not be negative")
	}
	if disabled := cfg.Sandbox.disabledIsolation(); len(disabled) > 0 && !cfg.Sandbox.Insecure {
		return fmt.Errorf("sandbox isolation disabled (%s); set sandbox.insecure to run without it", strings.Join(disabled, ", "))
	}
	// A run holds its dir for at most a compile and an execute step, each under
	// the wall limit scaled for its language.
	if maxRun := 2 * cfg.maxScaledWall(); cfg.Workspace.SweepTTL <= maxRun {
		return fmt.Errorf("workspace.sweepTTL (%s) must exceed twice the largest scaled wall limit (%s)", cfg.Workspace.SweepTTL, maxRun/2)
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if cfg.RateLimit.Enabled && cfg.RateLimit.RPS <= 0 {
		return fmt.Errorf("rateLimit.rps must be positive when rate limiting is enabled")
	}
	switch cfg.RateLimit.Backend {
	case middleware.BackendLocal:
	case middleware.BackendRedis:
		if cfg.RateLimit.Enabled && cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rateLimit.backend %q", cfg.RateLimit.Backend)
	}
	if cfg.Sandbox.Isolation != nil && cfg.Sandbox.Isolation.RootFS != "" && !strings.HasPrefix(cfg.Sandbox.Isolation.RootFS, "/") {
		return fmt.Errorf("sandbox.isolation.rootFS must be an absolute path")
	}
	if len(cfg.languageTable()) == 0 {
		return fmt.Errorf("no languages configured")
	}
	return nil
}

func (c *AppConfig) languageTable() []profile.LanguageSpec {
	if c.Languages.DisableDefaults {
		return c.Languages.Languages
	}
	return profile.Merge(profile.Defaults(), c.Languages.Languages)
}

// maxScaledWall is the largest per-step wall limit across configured languages.
func (c *AppConfig) maxScaledWall() time.Duration {
	limit := c.Limits.WallTimeMs
	for _, lang := range c.languageTable() {
		if lang.TimeMultiplier > 1 {
			if scaled := int64(math.Ceil(float64(c.Limits.WallTimeMs) * lang.TimeMultiplier)); scaled > limit {
				limit = scaled
			}
		}
	}
	return time.Duration(limit) * time.Millisecond
}

func (c *AppConfig) inputLimits() adapter.InputLimits {
	return adapter.InputLimits{
		MaxSourceBytes: c.Limits.MaxSourceBytes,
		MaxStdinBytes:  c.Limits.MaxStdinBytes,
	}
}

func (c *AppConfig) dispatcherConfig() sandbox.Config {
	return sandbox.Config{
		MaxConcurrent: c.Limits.MaxConcurrent,
		Limits:        c.Limits.ResourceLimits,
		EventTimeout:  c.Limits.EventTimeout,
	}
}

// disabledIsolation names the isolation layers the config turns off.
func (s SandboxConfig) disabledIsolation() []string {
	var disabled []string
	if !enabled(s.EnableNamespaces) {
		disabled = append(disabled, "enableNamespaces")
	}
	if !enabled(s.EnableCgroup) {
		disabled = append(disabled, "enableCgroup")
	}
	if !enabled(s.EnableSeccomp) {
		disabled = append(disabled, "enableSeccomp")
	}
	if s.Isolation != nil && !s.Isolation.DisableNetwork {
		disabled = append(disabled, "isolation.disableNetwork")
	}
	if s.Isolation != nil && !s.Isolation.ReadOnlyRoot {
		disabled = append(disabled, "isolation.readOnlyRoot")
	}
	return disabled
}

func enabled(v *bool) bool {
	return v == nil || *v
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	isolation := security.Default()
	if s.Isolation != nil {
		isolation = *s.Isolation
	}
	return engine.Config{
		CgroupRoot:       s.CgroupRoot,
		HelperPath:       s.HelperPath,
		EnableSeccomp:    enabled(s.EnableSeccomp),
		EnableCgroup:     enabled(s.EnableCgroup),
		EnableNamespaces: enabled(s.EnableNamespaces),
		Isolation:        isolation,
		BindMounts:       s.BindMounts,
		CPUPollInterval:  s.CPUPollInterval,
		Insecure:         s.Insecure,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: parseRequiredAcks(k.RequiredAcks),
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		Async:        k.Async,
		Compression:  parseCompression(k.Compression),
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
	}
}

func parseRequiredAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none", "0":
		return kafka.RequireNone
	case "all", "-1":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
