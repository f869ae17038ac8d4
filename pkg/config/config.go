package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	Admin     AdminConfig
	Finance   FinanceConfig
	Risk      RiskConfig
	Trust     TrustConfig
	Payout    PayoutConfig
	Reconcile ReconcileConfig
	Jobs      JobsConfig
	Segments  SegmentsConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
	BigQuery  BigQueryConfig
	Outbox    OutboxConfig
	Payments  PaymentsConfig
	Stripe    StripeConfig
	Square    SquareConfig
	MonCash   MonCashConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if _, err := cfg.Finance.Commission(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"SELLERFIN_APP_ENV" required:"true"`
	Port         string `envconfig:"SELLERFIN_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"SELLERFIN_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"SELLERFIN_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"SELLERFIN_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"SELLERFIN_DB_DSN"`
	Driver string `envconfig:"SELLERFIN_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"SELLERFIN_DB_HOST"`
	LegacyPort     int    `envconfig:"SELLERFIN_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"SELLERFIN_DB_USER"`
	LegacyPassword string `envconfig:"SELLERFIN_DB_PASSWORD"`
	LegacyName     string `envconfig:"SELLERFIN_DB_NAME"`
	LegacySSLMode  string `envconfig:"SELLERFIN_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"SELLERFIN_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"SELLERFIN_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"SELLERFIN_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"SELLERFIN_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	AutoMigrate     bool          `envconfig:"SELLERFIN_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"SELLERFIN_REDIS_URL"`
	Address      string        `envconfig:"SELLERFIN_REDIS_ADDR"`
	Password     string        `envconfig:"SELLERFIN_REDIS_PASSWORD"`
	DB           int           `envconfig:"SELLERFIN_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"SELLERFIN_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"SELLERFIN_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"SELLERFIN_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"SELLERFIN_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"SELLERFIN_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// AdminConfig guards the server-to-server admin routes.
type AdminConfig struct {
	Token string `envconfig:"SELLERFIN_ADMIN_TOKEN" required:"true"`
}

type FinanceConfig struct {
	CommissionRate string `envconfig:"SELLERFIN_COMMISSION_RATE" default:"0.10"`
}

// Commission parses the platform commission rate as a fraction of the order total.
func (f FinanceConfig) Commission() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(f.CommissionRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", EnvCommissionRate, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s must be within [0,1], got %s", EnvCommissionRate, rate)
	}
	return rate, nil
}

type RiskConfig struct {
	FreezeDuration         time.Duration `envconfig:"SELLERFIN_RISK_FREEZE_DURATION" default:"72h"`
	RulesCacheTTL          time.Duration `envconfig:"SELLERFIN_RISK_RULES_CACHE_TTL" default:"5m"`
	PreviewRateLimit       int64         `envconfig:"SELLERFIN_RISK_PREVIEW_RATE_LIMIT" default:"30"`
	PreviewGlobalRateLimit int64         `envconfig:"SELLERFIN_RISK_PREVIEW_GLOBAL_RATE_LIMIT" default:"120"`
	PreviewRateWindow      time.Duration `envconfig:"SELLERFIN_RISK_PREVIEW_RATE_WINDOW" default:"1m"`
}

type TrustConfig struct {
	UpgradeStableDays int `envconfig:"SELLERFIN_TRUST_UPGRADE_STABLE_DAYS" default:"7"`
}

type PayoutConfig struct {
	MinimumThresholdCents int64   `envconfig:"SELLERFIN_PAYOUT_MIN_THRESHOLD_CENTS" default:"50000"`
	AlertSkipRatio        float64 `envconfig:"SELLERFIN_PAYOUT_ALERT_SKIP_RATIO" default:"0.5"`
}

type ReconcileConfig struct {
	Lookback    time.Duration `envconfig:"SELLERFIN_RECONCILE_LOOKBACK" default:"48h"`
	MinAge      time.Duration `envconfig:"SELLERFIN_RECONCILE_MIN_AGE" default:"10m"`
	Concurrency int           `envconfig:"SELLERFIN_RECONCILE_CONCURRENCY" default:"5"`
	Budget      time.Duration `envconfig:"SELLERFIN_RECONCILE_BUDGET" default:"4m"`
	Limit       int           `envconfig:"SELLERFIN_RECONCILE_LIMIT" default:"500"`
}

type JobsConfig struct {
	TickInterval time.Duration `envconfig:"SELLERFIN_JOBS_TICK_INTERVAL" default:"1m"`
	FanOut       int           `envconfig:"SELLERFIN_JOBS_FAN_OUT" default:"5"`
	PageSize     int           `envconfig:"SELLERFIN_JOBS_PAGE_SIZE" default:"200"`
	Budget       time.Duration `envconfig:"SELLERFIN_JOBS_BUDGET" default:"20m"`
	LeaseTTL     time.Duration `envconfig:"SELLERFIN_JOBS_LEASE_TTL" default:"30m"`
	ReportSink   bool          `envconfig:"SELLERFIN_JOBS_REPORT_SINK" default:"false"`
}

type SegmentsConfig struct {
	VIPSpendCents int64 `envconfig:"SELLERFIN_SEGMENTS_VIP_SPEND_CENTS" default:"5000000"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"SELLERFIN_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"SELLERFIN_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"SELLERFIN_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	FinanceTopic string `envconfig:"SELLERFIN_PUBSUB_FINANCE_TOPIC" default:"sellerfin-finance-events"`
}

type BigQueryConfig struct {
	Dataset         string `envconfig:"SELLERFIN_BIGQUERY_DATASET" default:"sellerfin"`
	JobReportsTable string `envconfig:"SELLERFIN_BIGQUERY_JOB_REPORTS_TABLE" default:"job_reports"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"SELLERFIN_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"SELLERFIN_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"SELLERFIN_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"SELLERFIN_OUTBOX_RETENTION_DAYS" default:"30"`
	// PublishTimeout bounds one publish round trip.
	PublishTimeout time.Duration `envconfig:"SELLERFIN_OUTBOX_PUBLISH_TIMEOUT" default:"15s"`
	// MetricsAddr serves the relay's /metrics when set, e.g. ":9102".
	MetricsAddr string `envconfig:"SELLERFIN_OUTBOX_METRICS_ADDR"`
}

// PaymentsConfig bounds outbound provider calls and webhook replay memory.
type PaymentsConfig struct {
	ProviderRPS      float64       `envconfig:"SELLERFIN_PAYMENTS_PROVIDER_RPS" default:"10"`
	ProviderBurst    int           `envconfig:"SELLERFIN_PAYMENTS_PROVIDER_BURST" default:"5"`
	WebhookDedupeTTL time.Duration `envconfig:"SELLERFIN_PAYMENTS_WEBHOOK_DEDUPE_TTL" default:"72h"`
}

type StripeConfig struct {
	APIKey        string `envconfig:"SELLERFIN_STRIPE_API_KEY"`
	WebhookSecret string `envconfig:"SELLERFIN_STRIPE_WEBHOOK_SECRET"`
	Env           string `envconfig:"SELLERFIN_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SquareConfig struct {
	AccessToken         string `envconfig:"SELLERFIN_SQUARE_ACCESS_TOKEN"`
	Env                 string `envconfig:"SELLERFIN_SQUARE_ENV" default:"sandbox"`
	WebhookSignatureKey string `envconfig:"SELLERFIN_SQUARE_WEBHOOK_SIGNATURE_KEY"`
	WebhookURL          string `envconfig:"SELLERFIN_SQUARE_WEBHOOK_URL"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type MonCashConfig struct {
	BaseURL       string        `envconfig:"SELLERFIN_MONCASH_BASE_URL" default:"https://sandbox.moncashbutton.digicelgroup.com/Api"`
	ClientID      string        `envconfig:"SELLERFIN_MONCASH_CLIENT_ID"`
	ClientSecret  string        `envconfig:"SELLERFIN_MONCASH_CLIENT_SECRET"`
	Timeout       time.Duration `envconfig:"SELLERFIN_MONCASH_TIMEOUT" default:"10s"`
	WebhookSecret string        `envconfig:"SELLERFIN_MONCASH_WEBHOOK_SECRET"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
