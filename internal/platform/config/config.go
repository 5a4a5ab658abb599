// Package config loads service configuration from an optional config.yaml and
// SPENDCTL_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

// Config holds the full service configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Store      StoreConfig      `mapstructure:"store"`
	Log        LogConfig        `mapstructure:"log"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Payroll    PayrollConfig    `mapstructure:"payroll"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Deductions DeductionsConfig `mapstructure:"deductions"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig configures the HTTP and gRPC listeners.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // postgres | memory
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// NATSConfig configures the notification sink. An empty URL disables publishing.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Stream        string        `mapstructure:"stream"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// IdentityConfig configures approver role resolution.
type IdentityConfig struct {
	GRPCAddr string        `mapstructure:"grpc_addr"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// StaticRoles is "user=role1|role2,user2=role3", used when no identity
	// service is configured.
	StaticRoles string `mapstructure:"static_roles"`
}

// PayrollConfig configures the payroll calendar collaborator.
type PayrollConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PayDay         int           `mapstructure:"pay_day"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ArtifactsConfig configures proof-of-payment storage.
type ArtifactsConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxBytes   int64  `mapstructure:"max_bytes"`
}

// EscalationConfig configures the escalation workflow.
type EscalationConfig struct {
	TierFile       string        `mapstructure:"tier_file"`
	Expiry         time.Duration `mapstructure:"expiry"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize int           `mapstructure:"sweep_batch_size"`
	RetryBatchSize int           `mapstructure:"retry_batch_size"`
}

// ComplianceConfig configures the compliance lock.
type ComplianceConfig struct {
	AutoLockInterval  time.Duration `mapstructure:"auto_lock_interval"`
	AutoLockBatchSize int           `mapstructure:"auto_lock_batch_size"`
}

// DeductionsConfig controls who may process or reverse salary deductions.
type DeductionsConfig struct {
	CancelRoles   []string `mapstructure:"cancel_roles"`
	ProcessActors []string `mapstructure:"process_actors"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SPENDCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "spend-controls")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")

	v.SetDefault("server.port", 8086)
	v.SetDefault("server.grpc_port", 9086)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "spend_controls")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", 30*time.Minute)
	v.SetDefault("database.max_idle_time", 5*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")

	// Empty defaults register keys so SPENDCTL_* env vars reach Unmarshal.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "SPEND_NOTIFICATIONS")
	v.SetDefault("nats.subject_prefix", "notifications.spend")
	v.SetDefault("nats.timeout", 5*time.Second)

	v.SetDefault("identity.grpc_addr", "")
	v.SetDefault("identity.timeout", 5*time.Second)
	v.SetDefault("identity.static_roles", "")

	v.SetDefault("payroll.base_url", "")
	v.SetDefault("payroll.pay_day", 25)
	v.SetDefault("payroll.requests_per_sec", 5.0)
	v.SetDefault("payroll.timeout", 10*time.Second)

	v.SetDefault("artifacts.sqlite_path", "artifacts.db")
	v.SetDefault("artifacts.max_bytes", 10<<20)

	v.SetDefault("escalation.tier_file", "")
	v.SetDefault("escalation.expiry", 7*24*time.Hour)
	v.SetDefault("escalation.sweep_interval", 5*time.Minute)
	v.SetDefault("escalation.sweep_batch_size", 200)
	v.SetDefault("escalation.retry_batch_size", 50)

	v.SetDefault("compliance.auto_lock_interval", 15*time.Minute)
	v.SetDefault("compliance.auto_lock_batch_size", 500)

	v.SetDefault("deductions.cancel_roles", []string{"fc", "ceo"})
	v.SetDefault("deductions.process_actors", []string{"payroll", "system"})
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Escalation.Expiry <= 0 {
		return eris.New("config: escalation.expiry must be positive")
	}
	if c.Payroll.PayDay < 1 || c.Payroll.PayDay > 28 {
		return eris.Errorf("config: payroll.pay_day must be within 1..28, got %d", c.Payroll.PayDay)
	}
	return nil
}
