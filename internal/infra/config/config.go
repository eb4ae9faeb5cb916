package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App           AppSettings          `mapstructure:"app"`
	Postgres      PostgresSettings     `mapstructure:"postgres"`
	Redis         RedisSettings        `mapstructure:"redis"`
	Kafka         KafkaSettings        `mapstructure:"kafka"`
	Notifications NotificationSettings `mapstructure:"notifications"`
	Cache         CacheSettings        `mapstructure:"cache"`
	Fetch         FetchSettings        `mapstructure:"fetch"`
	Access        AccessSettings       `mapstructure:"access"`
	Dashboard     DashboardSettings    `mapstructure:"dashboard"`
	Invalidation  InvalidationSettings `mapstructure:"invalidation"`
	JWT           JWTSettings          `mapstructure:"jwt"`
	RateLimit     RateLimitSettings    `mapstructure:"rate_limit"`
	Telemetry     TelemetrySettings    `mapstructure:"telemetry"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// AllowedOrigins enables CORS for browser portals; empty disables it.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
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
}

// RedisSettings configures Redis connection, TLS and the pub/sub channel namespace
type RedisSettings struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	DB            int    `mapstructure:"db"`
	Password      string `mapstructure:"password"`
	TLSEnabled    bool   `mapstructure:"tls_enabled"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// KafkaSettings configures the Kafka notification consumer
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	GroupPrefix string   `mapstructure:"group_prefix"`
}

// NotificationSettings selects the push channel backing cache invalidation.
type NotificationSettings struct {
	Backend string `mapstructure:"backend"`
}

type CacheSettings struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// FetchSettings configures the retrying fetcher shared by every sync unit.
type FetchSettings struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// AccessSettings configures access policy caching, debouncing and re-check cadence.
type AccessSettings struct {
	CacheTTL            time.Duration `mapstructure:"cache_ttl"`
	Debounce            time.Duration `mapstructure:"debounce"`
	GrantedRecheck      time.Duration `mapstructure:"granted_recheck"`
	DeniedRecheck       time.Duration `mapstructure:"denied_recheck"`
	ExpiryWarningWindow time.Duration `mapstructure:"expiry_warning_window"`
	TermWarningWindow   time.Duration `mapstructure:"term_warning_window"`
}

type DashboardSettings struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type InvalidationSettings struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// JWTSettings configures bearer token verification; an empty secret disables auth.
type JWTSettings struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// RateLimitSettings configures the sliding window guarding forced refresh endpoints
type RateLimitSettings struct {
	WindowDuration     time.Duration `mapstructure:"window_duration"`
	RefreshMaxAttempts int           `mapstructure:"refresh_max_attempts"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
}

type TelemetrySettings struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("PORTAL")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.allowed_origins",
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
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.channel_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.group_prefix",
		"notifications.backend",
		"cache.sweep_interval",
		"fetch.max_attempts",
		"fetch.retry_delay",
		"access.cache_ttl",
		"access.debounce",
		"access.granted_recheck",
		"access.denied_recheck",
		"access.expiry_warning_window",
		"access.term_warning_window",
		"dashboard.cache_ttl",
		"dashboard.max_concurrency",
		"invalidation.debounce",
		"jwt.secret",
		"jwt.issuer",
		"rate_limit.window_duration",
		"rate_limit.refresh_max_attempts",
		"rate_limit.key_prefix",
		"telemetry.tracing_enabled",
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

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "portal-sync")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.allowed_origins", []string{})

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "portal")
	v.SetDefault("postgres.password", "portal_password")
	v.SetDefault("postgres.database", "portal")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.channel_prefix", "portal:changes")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "portal")
	v.SetDefault("kafka.group_prefix", "portal-sync")

	// local | redis | kafka
	v.SetDefault("notifications.backend", "redis")

	v.SetDefault("cache.sweep_interval", "60s")

	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.retry_delay", "1s")

	v.SetDefault("access.cache_ttl", "2m")
	v.SetDefault("access.debounce", "1s")
	v.SetDefault("access.granted_recheck", "3m")
	v.SetDefault("access.denied_recheck", "5m")
	v.SetDefault("access.expiry_warning_window", "168h")
	v.SetDefault("access.term_warning_window", "336h")

	v.SetDefault("dashboard.cache_ttl", "5m")
	v.SetDefault("dashboard.max_concurrency", 4)

	v.SetDefault("invalidation.debounce", "1s")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "portal")

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.refresh_max_attempts", 10)
	v.SetDefault("rate_limit.key_prefix", "portal:rate-limit")

	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.service_name", "portal-sync")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "PORTAL_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
