package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverMemory = "memory"
	StoreDriverMySQL  = "mysql"
	StoreDriverSQLite = "sqlite"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	GRPC              ServerConfig
	Store             StoreConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Mpesa             MpesaConfig
	Mock              MockConfig
	Payments          PaymentsConfig
	Jobs              JobsConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type StoreConfig struct {
	Driver          string
	MySQLDSN        string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type MpesaConfig struct {
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	Environment       string
	BaseURL           string
	HTTPTimeout       time.Duration
	QueryEnabled      bool
	MinAmount         int64
	MaxAmount         int64
	TestFailPhone     string
	AccountRefPrefix  string
}

// placeholderCredentials are the values shipped in sample env files; treating
// them as unset keeps a fresh checkout on the mock gateway.
var placeholderCredentials = map[string]struct{}{
	"":                     {},
	"your-consumer-key":    {},
	"your-consumer-secret": {},
	"changeme":             {},
}

// HasCredentials reports whether real gateway credentials are configured.
func (c MpesaConfig) HasCredentials() bool {
	_, keyPlaceholder := placeholderCredentials[strings.TrimSpace(c.ConsumerKey)]
	_, secretPlaceholder := placeholderCredentials[strings.TrimSpace(c.ConsumerSecret)]
	return !keyPlaceholder && !secretPlaceholder
}

type MockConfig struct {
	ResolveAfter     time.Duration
	DeliverCallbacks bool
}

type PaymentsConfig struct {
	OrderFinalizeURL      string
	FinalizeMaxAttempts   int32
	FinalizeRetryInterval time.Duration
	FinalizeHTTPTimeout   time.Duration
	ReconcileStaleAfter   time.Duration
	ReconcileConcurrency  int
	JobBatchSize          int32
}

type JobsConfig struct {
	InProcess                bool
	ReconcileInterval        time.Duration
	FinalizeDispatchInterval time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	driver := strings.ToLower(getEnv("STORE_DRIVER", StoreDriverMemory))
	mysqlDSN := os.Getenv("MYSQL_DSN")
	switch driver {
	case StoreDriverMemory, StoreDriverSQLite:
	case StoreDriverMySQL:
		if mysqlDSN == "" {
			return nil, errors.New("MYSQL_DSN environment variable is required when STORE_DRIVER=mysql")
		}
	default:
		return nil, errors.New("STORE_DRIVER must be one of memory, mysql, sqlite")
	}

	environment := strings.ToLower(getEnv("MPESA_ENVIRONMENT", "sandbox"))
	if environment != "sandbox" && environment != "production" {
		return nil, errors.New("MPESA_ENVIRONMENT must be sandbox or production")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "mpesa-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		Store: StoreConfig{
			Driver:          driver,
			MySQLDSN:        mysqlDSN,
			SQLitePath:      getEnv("SQLITE_PATH", "mpesa.db"),
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", ""),
		},
		Mpesa: MpesaConfig{
			ConsumerKey:       getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret:    getEnv("MPESA_CONSUMER_SECRET", ""),
			BusinessShortCode: getEnv("MPESA_BUSINESS_SHORTCODE", "174379"),
			Passkey:           getEnv("MPESA_PASSKEY", ""),
			CallbackURL:       getEnv("MPESA_CALLBACK_URL", ""),
			Environment:       environment,
			BaseURL:           getEnv("MPESA_BASE_URL", ""),
			HTTPTimeout:       getSecondsEnv("MPESA_HTTP_TIMEOUT_SECONDS", 30*time.Second),
			QueryEnabled:      getBoolEnv("MPESA_QUERY_ENABLED", true),
			MinAmount:         int64(getIntEnv("MPESA_MIN_AMOUNT", 1)),
			MaxAmount:         int64(getIntEnv("MPESA_MAX_AMOUNT", 70000)),
			TestFailPhone:     getEnv("MPESA_TEST_FAIL_PHONE", "254708374148"),
			AccountRefPrefix:  getEnv("MPESA_ACCOUNT_REF_PREFIX", "StyleCo"),
		},
		Mock: MockConfig{
			ResolveAfter:     getSecondsEnv("MOCK_RESOLVE_AFTER_SECONDS", 5*time.Second),
			DeliverCallbacks: getBoolEnv("MOCK_DELIVER_CALLBACKS", true),
		},
		Payments: PaymentsConfig{
			OrderFinalizeURL:      getEnv("PAYMENTS_ORDER_FINALIZE_URL", ""),
			FinalizeMaxAttempts:   int32(getIntEnv("PAYMENTS_FINALIZE_MAX_ATTEMPTS", 10)),
			FinalizeRetryInterval: getMinutesEnv("PAYMENTS_FINALIZE_RETRY_INTERVAL_MINUTES", 5*time.Minute),
			FinalizeHTTPTimeout:   getSecondsEnv("PAYMENTS_FINALIZE_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			ReconcileStaleAfter:   getMinutesEnv("PAYMENTS_RECONCILE_STALE_AFTER_MINUTES", 2*time.Minute),
			ReconcileConcurrency:  getIntEnv("PAYMENTS_RECONCILE_CONCURRENCY", 4),
			JobBatchSize:          int32(getIntEnv("PAYMENTS_JOB_BATCH_SIZE", 100)),
		},
		Jobs: JobsConfig{
			InProcess:                getBoolEnv("JOBS_IN_PROCESS", true),
			ReconcileInterval:        getMinutesEnv("PAYMENTS_RECONCILE_INTERVAL_MINUTES", time.Minute),
			FinalizeDispatchInterval: getMinutesEnv("PAYMENTS_FINALIZE_DISPATCH_INTERVAL_MINUTES", time.Minute),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
