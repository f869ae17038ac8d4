package config

const (
	EnvPrefix = "SELLERFIN"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv         = "SELLERFIN_APP_ENV"
	EnvPort           = "SELLERFIN_APP_PORT"
	EnvDBDSN          = "SELLERFIN_DB_DSN"
	EnvDBHost         = "SELLERFIN_DB_HOST"
	EnvDBUser         = "SELLERFIN_DB_USER"
	EnvDBName         = "SELLERFIN_DB_NAME"
	EnvRedisURL       = "SELLERFIN_REDIS_URL"
	EnvAdminToken     = "SELLERFIN_ADMIN_TOKEN"
	EnvCommissionRate = "SELLERFIN_COMMISSION_RATE"
	EnvPayoutMinimum  = "SELLERFIN_PAYOUT_MIN_THRESHOLD_CENTS"
	EnvRiskFreeze     = "SELLERFIN_RISK_FREEZE_DURATION"
	EnvReconcileAge   = "SELLERFIN_RECONCILE_MIN_AGE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
