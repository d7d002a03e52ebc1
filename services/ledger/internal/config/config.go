package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/AfshinJalili/rewardledger/libs/apikey"
	base "github.com/AfshinJalili/rewardledger/libs/config"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const AdminScope = "ledger:admin"

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	MaxConns    int32
	AutoMigrate bool
}

// DSN is the postgres:// URL for pgx and golang-migrate.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	PointsGrants string
	OrderEvents  string
	EntryEvents  string
	DeadLetter   string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	MaxAttempts   int
	RetryBackoff  time.Duration
	Topics        KafkaTopics
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type AuthConfig struct {
	JWTSecret []byte
	AdminKeys []apikey.Record
}

type SettingsConfig struct {
	DefaultFeeRate   decimal.Decimal
	MinFee           int64
	SettlementAssets []string
	RefreshInterval  time.Duration
}

type ReconcileConfig struct {
	Schedule string
	Timeout  time.Duration
}

type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type RateLimitConfig struct {
	Orders int
	Window time.Duration
}

type Config struct {
	App       base.AppConfig
	DB        DBConfig
	GRPC      GRPCConfig
	Kafka     KafkaConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Settings  SettingsConfig
	Reconcile ReconcileConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

func Load() (*Config, error) {
	v, err := base.NewViper(os.Getenv("LEDGER_CONFIG"))
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper builds the config from v; split from Load for tests.
func FromViper(v *viper.Viper) (*Config, error) {
	appCfg, err := base.LoadFrom(v)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	feeRate, err := decimal.NewFromString(strings.TrimSpace(v.GetString("settings.default_fee_rate")))
	if err != nil {
		return nil, fmt.Errorf("settings.default_fee_rate: %w", err)
	}
	adminKeys, err := parseAdminKeys(csv(v, "auth.admin_keys"), csv(v, "auth.admin_ip_whitelist"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:        v.GetString("db.host"),
			Port:        v.GetInt("db.port"),
			Name:        v.GetString("db.name"),
			User:        v.GetString("db.user"),
			Password:    v.GetString("db.password"),
			SSLMode:     v.GetString("db.sslmode"),
			MaxConns:    v.GetInt32("db.max_conns"),
			AutoMigrate: v.GetBool("db.auto_migrate"),
		},
		GRPC: GRPCConfig{
			Host: v.GetString("grpc.host"),
			Port: v.GetInt("grpc.port"),
		},
		Kafka: KafkaConfig{
			Enabled:       v.GetBool("kafka.enabled"),
			Brokers:       csv(v, "kafka.brokers"),
			ClientID:      v.GetString("kafka.client_id"),
			ConsumerGroup: v.GetString("kafka.consumer_group"),
			MaxAttempts:   v.GetInt("kafka.max_attempts"),
			RetryBackoff:  v.GetDuration("kafka.retry_backoff"),
			Topics: KafkaTopics{
				PointsGrants: v.GetString("kafka.topics.points_grants"),
				OrderEvents:  v.GetString("kafka.topics.order_events"),
				EntryEvents:  v.GetString("kafka.topics.entry_events"),
				DeadLetter:   v.GetString("kafka.topics.dead_letter"),
			},
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			CacheTTL: v.GetDuration("redis.cache_ttl"),
		},
		Auth: AuthConfig{
			JWTSecret: []byte(v.GetString("auth.jwt_secret")),
			AdminKeys: adminKeys,
		},
		Settings: SettingsConfig{
			DefaultFeeRate:   feeRate,
			MinFee:           v.GetInt64("settings.min_fee"),
			SettlementAssets: lo.Map(csv(v, "settings.settlement_assets"), func(a string, _ int) string { return strings.ToUpper(a) }),
			RefreshInterval:  v.GetDuration("settings.refresh_interval"),
		},
		Reconcile: ReconcileConfig{
			Schedule: v.GetString("reconcile.schedule"),
			Timeout:  v.GetDuration("reconcile.timeout"),
		},
		RateLimit: RateLimitConfig{
			Orders: v.GetInt("rate_limit.orders"),
			Window: v.GetDuration("rate_limit.window"),
		},
		Tracing: TracingConfig{
			Endpoint:    strings.TrimSpace(v.GetString("tracing.endpoint")),
			Insecure:    v.GetBool("tracing.insecure"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("grpc.port must be positive")
	}
	if len(c.Auth.JWTSecret) == 0 {
		return fmt.Errorf("auth.jwt_secret required")
	}
	if c.Settings.DefaultFeeRate.IsNegative() || c.Settings.DefaultFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("settings.default_fee_rate must be in [0, 1)")
	}
	if c.Settings.MinFee < 0 {
		return fmt.Errorf("settings.min_fee must not be negative")
	}
	if len(c.Settings.SettlementAssets) == 0 {
		return fmt.Errorf("settings.settlement_assets required")
	}
	if c.Settings.RefreshInterval <= 0 {
		return fmt.Errorf("settings.refresh_interval must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be in [0, 1]")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.PointsGrants == "" || c.Kafka.Topics.OrderEvents == "" {
			return fmt.Errorf("kafka points_grants and order_events topics required")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// The POSTGRES_* names are shared with the local compose stack.
	_ = v.BindEnv("db.host", "LEDGER_DB_HOST", "POSTGRES_HOST")
	_ = v.BindEnv("db.port", "LEDGER_DB_PORT", "POSTGRES_PORT")
	_ = v.BindEnv("db.name", "LEDGER_DB_NAME", "POSTGRES_DB")
	_ = v.BindEnv("db.user", "LEDGER_DB_USER", "POSTGRES_USER")
	_ = v.BindEnv("db.password", "LEDGER_DB_PASSWORD", "POSTGRES_PASSWORD")
	_ = v.BindEnv("db.sslmode", "LEDGER_DB_SSLMODE", "POSTGRES_SSLMODE")

	// The standard OTEL_* names work alongside LEDGER_TRACING_*.
	_ = v.BindEnv("tracing.endpoint", "LEDGER_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("tracing.sample_ratio", "LEDGER_TRACING_SAMPLE_RATIO", "OTEL_TRACES_SAMPLER_ARG")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "rewards_ledger")
	v.SetDefault("db.user", "ledger")
	v.SetDefault("db.password", "ledger")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.auto_migrate", false)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9091)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.client_id", "rewards-ledger")
	v.SetDefault("kafka.consumer_group", "rewards-ledger")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.retry_backoff", "500ms")
	v.SetDefault("kafka.topics.points_grants", "points.grants")
	v.SetDefault("kafka.topics.order_events", "trade_orders.events")
	v.SetDefault("kafka.topics.entry_events", "ledger.entries")
	v.SetDefault("kafka.topics.dead_letter", "ledger.dlq")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "30s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.admin_keys", "")
	v.SetDefault("auth.admin_ip_whitelist", "")

	v.SetDefault("settings.default_fee_rate", "0.05")
	v.SetDefault("settings.min_fee", 0)
	v.SetDefault("settings.settlement_assets", "POINTS,DIAMONDS")
	v.SetDefault("settings.refresh_interval", "30s")

	v.SetDefault("reconcile.schedule", "@every 10m")
	v.SetDefault("reconcile.timeout", "2m")

	v.SetDefault("rate_limit.orders", 20)
	v.SetDefault("rate_limit.window", "1m")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// parseAdminKeys reads "operator:sha256hex" pairs.
func parseAdminKeys(pairs, whitelist []string) ([]apikey.Record, error) {
	if err := apikey.ValidateIPWhitelist(whitelist); err != nil {
		return nil, fmt.Errorf("auth.admin_ip_whitelist: %w", err)
	}
	records := make([]apikey.Record, 0, len(pairs))
	for _, pair := range pairs {
		operator, hash, ok := strings.Cut(pair, ":")
		if !ok || operator == "" || len(hash) != 64 {
			return nil, fmt.Errorf("auth.admin_keys: malformed entry for %q", operator)
		}
		records = append(records, apikey.Record{
			ID:          operator,
			Operator:    operator,
			KeyHash:     strings.ToLower(hash),
			Scopes:      []string{AdminScope},
			IPWhitelist: whitelist,
		})
	}
	return records, nil
}

// csv accepts either a yaml list or a comma separated string.
func csv(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = v.GetStringSlice(key)
	}
	return lo.Compact(lo.Map(raw, func(s string, _ int) string { return strings.TrimSpace(s) }))
}
