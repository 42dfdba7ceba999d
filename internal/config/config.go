package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	LogLevel string

	OTLPEndpoint string
	OtelEnabled  bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string

	ObjectStoreDir       string
	ObjectStoreURLSecret string
	ObjectStoreBaseURL   string

	EnforceAppCheck     bool
	EncryptionMasterKey string

	RoundingStepHours float64
	RoundingMode      string

	AutoClockoutHours    int
	IdempotencyTTLHours  int
	SignedURLDefaultSecs int

	GeofenceClockInPolicy string

	SchedulerEnabled     bool
	AutoClockOutInterval time.Duration
	ProbeInterval        time.Duration
	CleanupHourUTC       int
}

// Load reads configuration from the environment and an optional .env file.
func Load() Config {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_SERVICE", "crewclock")
	v.SetDefault("APP_VERSION", "0.1.0")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_ENABLED", false)

	v.SetDefault("DATABASE_TYPE", "postgres")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", "5432")
	v.SetDefault("DATABASE_NAME", "crewclock")
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE_MAX_OPEN_CONN", 25)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", 300)

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")

	v.SetDefault("OBJECT_STORE_DIR", "./data/objects")
	v.SetDefault("OBJECT_STORE_URL_SECRET", "")
	v.SetDefault("OBJECT_STORE_BASE_URL", "http://localhost:8080")

	v.SetDefault("ENFORCE_APPCHECK", false)
	v.SetDefault("ENCRYPTION_MASTER_KEY", "")

	v.SetDefault("ROUNDING_STEP_HOURS", 0.25)
	v.SetDefault("ROUNDING_MODE", "nearest")
	v.SetDefault("AUTO_CLOCKOUT_HOURS", 12)
	v.SetDefault("IDEMPOTENCY_TTL_HOURS", 48)
	v.SetDefault("SIGNED_URL_DEFAULT_SECONDS", 604800)
	v.SetDefault("GEOFENCE_CLOCKIN_POLICY", "reject")

	v.SetDefault("SCHEDULER_ENABLED", true)
	v.SetDefault("AUTO_CLOCKOUT_INTERVAL", "5m")
	v.SetDefault("PROBE_INTERVAL", "5m")
	v.SetDefault("CLEANUP_HOUR_UTC", 2)

	return Config{
		AppName:     v.GetString("APP_SERVICE"),
		AppVersion:  v.GetString("APP_VERSION"),
		Environment: v.GetString("ENVIRONMENT"),
		HTTPAddr:    v.GetString("HTTP_ADDR"),

		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OTLPEndpoint: v.GetString("OTLP_ENDPOINT"),
		OtelEnabled:  v.GetBool("OTEL_ENABLED"),

		DBType:            v.GetString("DATABASE_TYPE"),
		DBHost:            v.GetString("DATABASE_HOST"),
		DBPort:            v.GetString("DATABASE_PORT"),
		DBName:            v.GetString("DATABASE_NAME"),
		DBUser:            v.GetString("DATABASE_USER"),
		DBPassword:        v.GetString("DATABASE_PASSWORD"),
		DBSSLMode:         v.GetString("DATABASE_SSLMODE"),
		DBMaxIdleConn:     v.GetInt("DATABASE_MAX_IDLE_CONN"),
		DBMaxOpenConn:     v.GetInt("DATABASE_MAX_OPEN_CONN"),
		DBConnMaxLifetime: v.GetInt("DATABASE_CONN_MAX_LIFETIME"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		ObjectStoreDir:       v.GetString("OBJECT_STORE_DIR"),
		ObjectStoreURLSecret: v.GetString("OBJECT_STORE_URL_SECRET"),
		ObjectStoreBaseURL:   strings.TrimRight(v.GetString("OBJECT_STORE_BASE_URL"), "/"),

		EnforceAppCheck:     v.GetBool("ENFORCE_APPCHECK"),
		EncryptionMasterKey: strings.TrimSpace(v.GetString("ENCRYPTION_MASTER_KEY")),

		RoundingStepHours: v.GetFloat64("ROUNDING_STEP_HOURS"),
		RoundingMode:      strings.ToLower(v.GetString("ROUNDING_MODE")),

		AutoClockoutHours:    v.GetInt("AUTO_CLOCKOUT_HOURS"),
		IdempotencyTTLHours:  v.GetInt("IDEMPOTENCY_TTL_HOURS"),
		SignedURLDefaultSecs: v.GetInt("SIGNED_URL_DEFAULT_SECONDS"),

		GeofenceClockInPolicy: strings.ToLower(v.GetString("GEOFENCE_CLOCKIN_POLICY")),

		SchedulerEnabled:     v.GetBool("SCHEDULER_ENABLED"),
		AutoClockOutInterval: v.GetDuration("AUTO_CLOCKOUT_INTERVAL"),
		ProbeInterval:        v.GetDuration("PROBE_INTERVAL"),
		CleanupHourUTC:       v.GetInt("CLEANUP_HOUR_UTC"),
	}
}
