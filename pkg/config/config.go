package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Orchestrator backends
const (
	OrchestratorKubernetes = "kubernetes"
	OrchestratorMemory     = "memory"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kubernetes   KubernetesConfig
	Orchestrator OrchestratorConfig
	Pipeline     PipelineConfig
	Lock         LockConfig
	Rollback     RollbackConfig
	Approval     ApprovalConfig
	Notify       NotifyConfig
	Prometheus   PrometheusConfig
	Registry     RegistryConfig
	Scanner      ScannerConfig
	Source       SourceConfig
	Worker       WorkerConfig
	Tracing      TracingConfig
	Auth         AuthConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	LogLevel     string
	// RateLimit is requests per second per client; zero disables limiting
	RateLimit float64
	RateBurst int
	// AllowedOrigins lists browser origins allowed by CORS; "*" allows any
	AllowedOrigins []string
}

// DatabaseConfig holds PostgreSQL or SQLite configuration
type DatabaseConfig struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration. An empty URL selects in-process locks and synchronous runs.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// KubernetesConfig selects the cluster
type KubernetesConfig struct {
	Kubeconfig  string
	Context     string
	ServicePort int
	TargetPort  int
}

// OrchestratorConfig selects the workload backend
type OrchestratorConfig struct {
	Mode string
}

// PipelineConfig holds run settings
type PipelineConfig struct {
	EnvironmentsFile string
	GateBackoff      time.Duration
	// Async queues API-submitted runs for the worker instead of running them in the API process
	Async bool
}

// LockConfig tunes the Redis lease
type LockConfig struct {
	TTL     time.Duration
	Refresh time.Duration
}

// RollbackConfig tunes snapshots and restores
type RollbackConfig struct {
	MaxHistory int
	Strategy   string
}

// ApprovalConfig tunes manual gates
type ApprovalConfig struct {
	PollInterval time.Duration
	// Validity is how long a granted approval satisfies the approval policy rule
	Validity time.Duration
}

// NotifyConfig configures the outgoing webhook
type NotifyConfig struct {
	WebhookURL       string
	Template         string
	Timeout          time.Duration
	FailureThreshold int
	OpenTimeout      time.Duration
}

// PrometheusConfig points the canary error-rate signal at a Prometheus server
type PrometheusConfig struct {
	Address string
	Query   string
}

// RegistryConfig holds container registry configuration
type RegistryConfig struct {
	Type     string
	Host     string
	Username string
	Password string
}

// ScannerConfig holds Trivy configuration
type ScannerConfig struct {
	Path          string
	IgnoreUnfixed bool
	Timeout       time.Duration
}

// SourceConfig locates the git checkout used to detect the source branch
type SourceConfig struct {
	RepoPath string
}

// WorkerConfig holds orchestrator worker configuration
type WorkerConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	SweepInterval time.Duration
	// OrphanAfter is how long a claimed job may sit in the processing
	// hash before startup recovery puts it back on the queue.
	OrphanAfter time.Duration
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Insecure       bool
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Enabled            bool
	JWTSecret          string
	JWTExpirationHours int
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile loads configuration from path, or from config.yaml in the usual
// locations when path is empty. Environment variables override both, with
// dots replaced by underscores (SERVER_PORT overrides server.port).
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Set defaults
	setDefaults(v)

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars only
	}

	// Override with environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			LogLevel:       v.GetString("server.log_level"),
			RateLimit:      v.GetFloat64("server.rate_limit"),
			RateBurst:      v.GetInt("server.rate_burst"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kubernetes: KubernetesConfig{
			Kubeconfig:  v.GetString("kubernetes.kubeconfig"),
			Context:     v.GetString("kubernetes.context"),
			ServicePort: v.GetInt("kubernetes.service_port"),
			TargetPort:  v.GetInt("kubernetes.target_port"),
		},
		Orchestrator: OrchestratorConfig{
			Mode: v.GetString("orchestrator.mode"),
		},
		Pipeline: PipelineConfig{
			EnvironmentsFile: v.GetString("pipeline.environments_file"),
			GateBackoff:      v.GetDuration("pipeline.gate_backoff"),
			Async:            v.GetBool("pipeline.async"),
		},
		Lock: LockConfig{
			TTL:     v.GetDuration("lock.ttl"),
			Refresh: v.GetDuration("lock.refresh"),
		},
		Rollback: RollbackConfig{
			MaxHistory: v.GetInt("rollback.max_history"),
			Strategy:   v.GetString("rollback.strategy"),
		},
		Approval: ApprovalConfig{
			PollInterval: v.GetDuration("approval.poll_interval"),
			Validity:     v.GetDuration("approval.validity"),
		},
		Notify: NotifyConfig{
			WebhookURL:       v.GetString("notify.webhook_url"),
			Template:         v.GetString("notify.template"),
			Timeout:          v.GetDuration("notify.timeout"),
			FailureThreshold: v.GetInt("notify.failure_threshold"),
			OpenTimeout:      v.GetDuration("notify.open_timeout"),
		},
		Prometheus: PrometheusConfig{
			Address: v.GetString("prometheus.address"),
			Query:   v.GetString("prometheus.query"),
		},
		Registry: RegistryConfig{
			Type:     v.GetString("registry.type"),
			Host:     v.GetString("registry.host"),
			Username: v.GetString("registry.username"),
			Password: v.GetString("registry.password"),
		},
		Scanner: ScannerConfig{
			Path:          v.GetString("scanner.path"),
			IgnoreUnfixed: v.GetBool("scanner.ignore_unfixed"),
			Timeout:       v.GetDuration("scanner.timeout"),
		},
		Source: SourceConfig{
			RepoPath: v.GetString("source.repo_path"),
		},
		Worker: WorkerConfig{
			Concurrency:   v.GetInt("worker.concurrency"),
			PollInterval:  v.GetDuration("worker.poll_interval"),
			SweepInterval: v.GetDuration("worker.sweep_interval"),
			OrphanAfter:   v.GetDuration("worker.orphan_after"),
		},
		Tracing: TracingConfig{
			Enabled:        v.GetBool("tracing.enabled"),
			ServiceName:    v.GetString("tracing.service_name"),
			ServiceVersion: v.GetString("tracing.service_version"),
			Environment:    v.GetString("tracing.environment"),
			OTLPEndpoint:   v.GetString("tracing.otlp_endpoint"),
			SampleRate:     v.GetFloat64("tracing.sample_rate"),
			Insecure:       v.GetBool("tracing.insecure"),
		},
		Auth: AuthConfig{
			Enabled:            v.GetBool("auth.enabled"),
			JWTSecret:          v.GetString("auth.jwt_secret"),
			JWTExpirationHours: v.GetInt("auth.jwt_expiration_hours"),
		},
	}

	// DATABASE_URL takes precedence over the individual fields
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.Driver = "postgres"
		config.Database.Path = dbURL
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the services cannot start with
func (c *Config) Validate() error {
	switch c.Orchestrator.Mode {
	case OrchestratorKubernetes, OrchestratorMemory:
	default:
		return fmt.Errorf("orchestrator.mode must be %s or %s, got %q", OrchestratorKubernetes, OrchestratorMemory, c.Orchestrator.Mode)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if c.Pipeline.Async && c.Redis.URL == "" {
		return errors.New("pipeline.async requires redis.url")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "release_gate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "release_gate")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "release-gate.db")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	// Redis defaults
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Kubernetes defaults
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.context", "")
	v.SetDefault("kubernetes.service_port", 80)
	v.SetDefault("kubernetes.target_port", 8080)

	v.SetDefault("orchestrator.mode", OrchestratorKubernetes)

	// Pipeline defaults
	v.SetDefault("pipeline.environments_file", "environments.yaml")
	v.SetDefault("pipeline.gate_backoff", 10*time.Second)
	v.SetDefault("pipeline.async", false)

	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.refresh", 10*time.Second)

	v.SetDefault("rollback.max_history", 10)
	v.SetDefault("rollback.strategy", "recreate")

	v.SetDefault("approval.poll_interval", 5*time.Second)
	v.SetDefault("approval.validity", 24*time.Hour)

	// Notification defaults
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.template", "generic")
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.failure_threshold", 3)
	v.SetDefault("notify.open_timeout", time.Minute)

	v.SetDefault("prometheus.address", "")
	v.SetDefault("prometheus.query", "")

	// Registry defaults
	v.SetDefault("registry.type", "none")
	v.SetDefault("registry.host", "")

	v.SetDefault("scanner.path", "")
	v.SetDefault("scanner.ignore_unfixed", false)
	v.SetDefault("scanner.timeout", 5*time.Minute)

	v.SetDefault("source.repo_path", "")

	// Worker defaults
	v.SetDefault("worker.concurrency", 3)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.sweep_interval", time.Minute)
	v.SetDefault("worker.orphan_after", 2*time.Minute)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "release-gate")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_expiration_hours", 24)
}

// GetDatabaseDSN returns the PostgreSQL connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}
