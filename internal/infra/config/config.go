package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "AUTHCORE"

type AppConfig struct {
	App           AppSettings           `mapstructure:"app"`
	Storage       StorageSettings       `mapstructure:"storage"`
	Postgres      PostgresSettings      `mapstructure:"postgres"`
	Redis         RedisSettings         `mapstructure:"redis"`
	Kafka         KafkaSettings         `mapstructure:"kafka"`
	JWT           JWTSettings           `mapstructure:"jwt"`
	Argon2        Argon2Settings        `mapstructure:"argon2"`
	Password      PasswordSettings      `mapstructure:"password"`
	Lockout       LockoutSettings       `mapstructure:"lockout"`
	MFA           MFASettings           `mapstructure:"mfa"`
	PasswordReset PasswordResetSettings `mapstructure:"password_reset"`
	APIKey        APIKeySettings        `mapstructure:"api_key"`
	Session       SessionSettings       `mapstructure:"session"`
	OAuth         OAuthSettings         `mapstructure:"oauth"`
	Telemetry     TelemetrySettings     `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// StorageSettings selects the record store backing the services.
type StorageSettings struct {
	Driver string `mapstructure:"driver"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	MigrateOnStart    bool          `mapstructure:"migrate_on_start"`
	ConnectRetries    uint          `mapstructure:"connect_retries"`
}

// RedisSettings configures Redis connection and TLS
type RedisSettings struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	DB             int    `mapstructure:"db"`
	Password       string `mapstructure:"password"`
	TLSEnabled     bool   `mapstructure:"tls_enabled"`
	KeyPrefix      string `mapstructure:"key_prefix"`
	ConnectRetries uint   `mapstructure:"connect_retries"`
}

// KafkaSettings configures the event producer. An empty broker list selects the logging publisher.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// Argon2Settings configures Argon2id password hashing parameters
type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

type JWTSettings struct {
	KeyDirectory    string        `mapstructure:"key_directory"`
	Issuer          string        `mapstructure:"issuer"`
	Audience        []string      `mapstructure:"audience"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
	ClockSkew       time.Duration `mapstructure:"clock_skew"`
}

type PasswordSettings struct {
	MinLength           int  `mapstructure:"min_length"`
	MaxLength           int  `mapstructure:"max_length"`
	MinCharacterClasses int  `mapstructure:"min_character_classes"`
	MinStrengthScore    int  `mapstructure:"min_strength_score"`
	ForbidIdentity      bool `mapstructure:"forbid_identity"`
}

type LockoutSettings struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	Duration  time.Duration `mapstructure:"duration"`
}

type MFASettings struct {
	Issuer               string        `mapstructure:"issuer"`
	Skew                 uint          `mapstructure:"skew"`
	BackupCodeCount      int           `mapstructure:"backup_code_count"`
	ChallengeTTL         time.Duration `mapstructure:"challenge_ttl"`
	ChallengeMaxAttempts int           `mapstructure:"challenge_max_attempts"`
}

type PasswordResetSettings struct {
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	RequestWindow time.Duration `mapstructure:"request_window"`
	MaxRequests   int           `mapstructure:"max_requests"`
}

type APIKeySettings struct {
	Prefix        string        `mapstructure:"prefix"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	DefaultScopes []string      `mapstructure:"default_scopes"`
}

type SessionSettings struct {
	RevokeFamilyOnReuse bool `mapstructure:"revoke_family_on_reuse"`
}

type OAuthSettings struct {
	Google OAuthProviderSettings `mapstructure:"google"`
	GitHub OAuthProviderSettings `mapstructure:"github"`
}

// OAuthProviderSettings holds client credentials for one provider. A provider without a client id is disabled.
type OAuthProviderSettings struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// Enabled reports whether the provider has credentials configured.
func (s OAuthProviderSettings) Enabled() bool {
	return strings.TrimSpace(s.ClientID) != ""
}

type TelemetrySettings struct {
	MetricsPort  int     `mapstructure:"metrics_port"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"storage.driver",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"postgres.migrate_on_start",
		"postgres.connect_retries",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.key_prefix",
		"redis.connect_retries",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"jwt.key_directory",
		"jwt.issuer",
		"jwt.audience",
		"jwt.access_token_ttl",
		"jwt.refresh_token_ttl",
		"jwt.clock_skew",
		"argon2.memory",
		"argon2.iterations",
		"argon2.parallelism",
		"argon2.salt_length",
		"argon2.key_length",
		"password.min_length",
		"password.max_length",
		"password.min_character_classes",
		"password.min_strength_score",
		"password.forbid_identity",
		"lockout.threshold",
		"lockout.window",
		"lockout.duration",
		"mfa.issuer",
		"mfa.skew",
		"mfa.backup_code_count",
		"mfa.challenge_ttl",
		"mfa.challenge_max_attempts",
		"password_reset.token_ttl",
		"password_reset.request_window",
		"password_reset.max_requests",
		"api_key.prefix",
		"api_key.default_ttl",
		"api_key.default_scopes",
		"session.revoke_family_on_reuse",
		"oauth.google.client_id",
		"oauth.google.client_secret",
		"oauth.google.redirect_url",
		"oauth.google.scopes",
		"oauth.github.client_id",
		"oauth.github.client_secret",
		"oauth.github.redirect_url",
		"oauth.github.scopes",
		"telemetry.metrics_port",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.JWT.Issuer) == "" {
		errs = append(errs, errors.New("jwt.issuer is required"))
	}
	if c.JWT.AccessTokenTTL <= 0 || c.JWT.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("jwt token ttls must be positive"))
	}
	if c.JWT.AccessTokenTTL >= c.JWT.RefreshTokenTTL {
		errs = append(errs, errors.New("jwt.access_token_ttl must be shorter than jwt.refresh_token_ttl"))
	}
	if c.Lockout.Threshold <= 0 {
		errs = append(errs, errors.New("lockout.threshold must be positive"))
	}
	if c.Lockout.Window <= 0 || c.Lockout.Duration <= 0 {
		errs = append(errs, errors.New("lockout.window and lockout.duration must be positive"))
	}
	if c.MFA.BackupCodeCount <= 0 {
		errs = append(errs, errors.New("mfa.backup_code_count must be positive"))
	}
	if c.PasswordReset.TokenTTL <= 0 {
		errs = append(errs, errors.New("password_reset.token_ttl must be positive"))
	}
	if c.App.Env == "production" && strings.TrimSpace(c.JWT.KeyDirectory) == "" {
		errs = append(errs, errors.New("jwt.key_directory is required in production"))
	}

	return errors.Join(errs...)
}

// DSN renders the connection string for pgx.
func (p PostgresSettings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// Addr returns host:port for the Redis client.
func (r RedisSettings) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "identity-core")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "authcore")
	v.SetDefault("postgres.password", "authcore_password")
	v.SetDefault("postgres.database", "authcore")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.migrate_on_start", true)
	v.SetDefault("postgres.connect_retries", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.key_prefix", "authcore")
	v.SetDefault("redis.connect_retries", 5)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "authcore")
	v.SetDefault("kafka.async", true)

	v.SetDefault("jwt.key_directory", "")
	v.SetDefault("jwt.issuer", "identity-core")
	v.SetDefault("jwt.audience", []string{})
	v.SetDefault("jwt.access_token_ttl", "30m")
	v.SetDefault("jwt.refresh_token_ttl", "168h")
	v.SetDefault("jwt.clock_skew", "30s")

	v.SetDefault("argon2.memory", 65536) // 64 MB
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("password.min_length", 1)
	v.SetDefault("password.max_length", 256)
	v.SetDefault("password.min_character_classes", 0)
	v.SetDefault("password.min_strength_score", 0)
	v.SetDefault("password.forbid_identity", false)

	v.SetDefault("lockout.threshold", 5)
	v.SetDefault("lockout.window", "15m")
	v.SetDefault("lockout.duration", "15m")

	v.SetDefault("mfa.issuer", "identity-core")
	v.SetDefault("mfa.skew", 1)
	v.SetDefault("mfa.backup_code_count", 10)
	v.SetDefault("mfa.challenge_ttl", "5m")
	v.SetDefault("mfa.challenge_max_attempts", 5)

	v.SetDefault("password_reset.token_ttl", "1h")
	v.SetDefault("password_reset.request_window", "1h")
	v.SetDefault("password_reset.max_requests", 3)

	v.SetDefault("api_key.prefix", "ak_")
	v.SetDefault("api_key.default_ttl", "0s")
	v.SetDefault("api_key.default_scopes", []string{"read"})

	v.SetDefault("session.revoke_family_on_reuse", false)

	v.SetDefault("oauth.google.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("oauth.github.scopes", []string{"read:user", "user:email"})

	v.SetDefault("telemetry.metrics_port", 9090)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "identity-core")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envPrefix+"_"+envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
