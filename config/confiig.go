package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Address  string `envconfig:"REDIS_ADDRESS" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type ParseConfig struct {
	ServerURL string        `envconfig:"PARSE_SERVER_URL" required:"true"`
	AppID     string        `envconfig:"PARSE_APP_ID" required:"true"`
	RESTKey   string        `envconfig:"PARSE_REST_KEY"`
	MasterKey string        `envconfig:"PARSE_MASTER_KEY"`
	Timeout   time.Duration `envconfig:"PARSE_TIMEOUT" default:"15s"`
}

type SMTPConfig struct {
	Host     string `envconfig:"SMTP_HOST"`
	Port     int    `envconfig:"SMTP_PORT" default:"587"`
	Username string `envconfig:"SMTP_USERNAME"`
	Password string `envconfig:"SMTP_PASSWORD"`
	From     string `envconfig:"SMTP_FROM"`
	UseSSL   bool   `envconfig:"SMTP_USE_SSL" default:"false"`
}

type FTPConfig struct {
	Host     string `envconfig:"FTP_HOST"`
	Port     int    `envconfig:"FTP_PORT" default:"2222"`
	Username string `envconfig:"FTP_USERNAME"`
	Password string `envconfig:"FTP_PASSWORD"`
	RootPath string `envconfig:"FTP_ROOT_PATH" default:"/"`
	// HostKey is an authorized_keys line; empty accepts any host key.
	HostKey string `envconfig:"FTP_HOST_KEY"`
}

// OllamaConfig drives the AI e-mail generation. When disabled, relances fall
// back to the built-in French templates.
type OllamaConfig struct {
	Enabled bool          `envconfig:"OLLAMA_ENABLED" default:"false"`
	Host    string        `envconfig:"OLLAMA_HOST" default:"https://ollama.com"`
	APIKey  string        `envconfig:"OLLAMA_API_KEY"`
	Model   string        `envconfig:"OLLAMA_MODEL" default:"mistral-large-3:675b-cloud"`
	Timeout time.Duration `envconfig:"OLLAMA_TIMEOUT" default:"60s"`
}

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	ServerPort  string `envconfig:"SERVER_PORT" default:"5000"`
	CORSOrigins string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
	PublicURL   string `envconfig:"PUBLIC_URL" default:"http://localhost:5000"`

	Parse ParseConfig

	DBHost         string `envconfig:"DB_HOST" default:"localhost"`
	DBPort         string `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"postgres"`
	DBPassword     string `envconfig:"DB_PASSWORD"`
	DBName         string `envconfig:"DB_NAME" default:"parse"`
	DBSSLMode      string `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxIdleConns int    `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`

	SMTP   SMTPConfig
	FTP    FTPConfig
	Redis  RedisConfig
	Ollama OllamaConfig

	EncryptionKey       string `envconfig:"ENCRYPTION_KEY" required:"true"`
	DownloadTokenSecret string `envconfig:"DOWNLOAD_TOKEN_SECRET"`

	RelanceCronInterval time.Duration `envconfig:"RELANCE_CRON_INTERVAL" default:"15m"`
	RelanceSendRate     float64       `envconfig:"RELANCE_SEND_RATE" default:"2"`
	RelanceSendBurst    int           `envconfig:"RELANCE_SEND_BURST" default:"5"`
	SyncCheckInterval   time.Duration `envconfig:"SYNC_CHECK_INTERVAL" default:"1h"`

	RateLimitTestEndpoints int `envconfig:"RATE_LIMIT_TEST_ENDPOINTS" default:"5"`

	SessionCookie  string `envconfig:"SESSION_COOKIE" default:"marki_session"`
	LoginRedirect  string `envconfig:"LOGIN_REDIRECT" default:"/dashboard"`
	RememberMeDays int    `envconfig:"REMEMBER_ME_DAYS" default:"30"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	SentryDSN string `envconfig:"SENTRY_DSN"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.DownloadTokenSecret == "" {
		cfg.DownloadTokenSecret = cfg.EncryptionKey
	}

	AppConfig = cfg
	logConfig()
	return nil
}

// Validate checks the values envconfig cannot express with tags.
func (c Config) Validate() error {
	switch len(c.EncryptionKey) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes long, got %d", len(c.EncryptionKey))
	}
	if !strings.HasPrefix(c.Parse.ServerURL, "http://") && !strings.HasPrefix(c.Parse.ServerURL, "https://") {
		return fmt.Errorf("PARSE_SERVER_URL must be an http(s) URL")
	}
	if c.Ollama.Enabled && !strings.HasPrefix(c.Ollama.Host, "http://") && !strings.HasPrefix(c.Ollama.Host, "https://") {
		return fmt.Errorf("OLLAMA_HOST must be an http(s) URL")
	}
	if c.Environment == "production" && c.Parse.MasterKey == "" {
		return fmt.Errorf("PARSE_MASTER_KEY is required in production")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowedOrigins splits CORS_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func InitLogger() {
	if AppConfig.LogFormat == "json" || AppConfig.IsProduction() {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(AppConfig.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func InitSentry() error {
	if AppConfig.SentryDSN == "" {
		logrus.Info("Sentry disabled (no SENTRY_DSN)")
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:              AppConfig.SentryDSN,
		Environment:      AppConfig.Environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.1,
	})
}

// ConnectDB opens the direct SQL connection to the database behind Parse Server.
func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := DSN(AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBUser, AppConfig.DBPassword, AppConfig.DBName, AppConfig.DBSSLMode)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	db, err := OpenPostgres(dsn, AppConfig.DBMaxIdleConns, AppConfig.DBMaxOpenConns)
	if err != nil {
		return err
	}
	DB = db

	logrus.Info("✅ Successfully connected to the database")
	return nil
}

func DSN(host, port, user, password, name, sslMode string) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, name, sslMode,
	)
}

// OpenPostgres is shared with the sync runner, which connects to external databases.
func OpenPostgres(dsn string, maxIdle, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment": AppConfig.Environment,
		"port":        AppConfig.ServerPort,
		"parse_url":   AppConfig.Parse.ServerURL,
		"parse_app":   AppConfig.Parse.AppID,
		"master_key":  AppConfig.Parse.MasterKey != "",
		"database":    fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"redis":       AppConfig.Redis.Enabled,
		"sftp":        AppConfig.FTP.Host != "",
		"ollama":      AppConfig.Ollama.Enabled,
	}).Info("🔧 Loaded configuration")
}
