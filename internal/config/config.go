package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv   string
	HTTPAddr string

	DBDriver string
	DBDSN    string

	JWTSecret     string
	JWTTTL        time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SMTPHost    string
	SMTPPort    int
	SMTPUser    string
	SMTPPass    string
	SMTPFrom    string
	FrontendURL string

	LogFile string

	// session lifecycle
	MaxMessagesPerSession int
	SessionTimeoutHours   int
	MinMessagesForSummary int
	SummaryTimeout        time.Duration
	SummaryMode           string // inline | async | queue
	SweepInterval         time.Duration
	WorkerConcurrency     int

	// AI provider
	AIProvider        string
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string

	// LINE
	LineAPIBaseURL     string
	LineContentBaseURL string

	// rabbitMQ
	RabbitURL      string
	RabbitQueue    string
	RabbitExchange string

	// object storage
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// automation forwarding
	ForwardWebhookURL string
	ForwardTimeout    time.Duration

	OTELEnabled  bool
	OTELEndpoint string
}

// Load reads an optional .env file and then the process environment.
func Load() Config {
	_ = godotenv.Load()

	// DSN demo：
	// app:apppass@tcp(127.0.0.1:3306)/line_summarizer?charset=utf8mb4&parseTime=true&loc=Local
	driver := strings.ToLower(getEnv("DB_DRIVER", "mysql"))
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		switch driver {
		case "postgres":
			dsn = "host=127.0.0.1 port=5432 user=app password=apppass dbname=line_summarizer sslmode=disable"
		case "sqlite":
			dsn = "line_summarizer.db"
		default:
			dsn = "app:apppass@tcp(127.0.0.1:3306)/line_summarizer?charset=utf8mb4&parseTime=true&loc=Local"
		}
	}

	smtpFrom := os.Getenv("SMTP_FROM")
	if smtpFrom == "" {
		smtpFrom = os.Getenv("SMTP_USER")
	}

	return Config{
		AppEnv:   getEnv("APP_ENV", "dev"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBDriver: driver,
		DBDSN:    dsn,

		JWTSecret:     getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTTTL:        time.Duration(getPositiveInt("JWT_TTL_HOURS", 24)) * time.Hour,
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SMTPHost:    os.Getenv("SMTP_HOST"),
		SMTPPort:    getInt("SMTP_PORT", 587),
		SMTPUser:    os.Getenv("SMTP_USER"),
		SMTPPass:    os.Getenv("SMTP_PASS"),
		SMTPFrom:    smtpFrom,
		FrontendURL: getEnv("FRONTEND_URL", "http://localhost:3000"),

		LogFile: getEnv("LOG_FILE", "./logs/app.log"),

		MaxMessagesPerSession: getPositiveInt("MAX_MESSAGES_PER_SESSION", 50),
		SessionTimeoutHours:   getPositiveInt("SESSION_TIMEOUT_HOURS", 24),
		MinMessagesForSummary: getPositiveInt("MIN_MESSAGES_FOR_SUMMARY", 1),
		SummaryTimeout:        time.Duration(getPositiveInt("SUMMARY_TIMEOUT_SECONDS", 10)) * time.Second,
		SummaryMode:           strings.ToLower(getEnv("SUMMARY_MODE", "async")),
		SweepInterval:         time.Duration(getPositiveInt("SESSION_SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		WorkerConcurrency:     min(getPositiveInt("WORKER_CONCURRENCY", 2), 50),

		AIProvider:        strings.ToLower(getEnv("AI_PROVIDER", "ollama")),
		OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:       getEnv("OLLAMA_MODEL", "llama3:latest"),
		OpenRouterBaseURL: getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterAPIKey:  os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:   getEnv("OPENROUTER_MODEL", "openrouter/auto"),
		OpenRouterSiteURL: os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterAppName: os.Getenv("OPENROUTER_APP_NAME"),

		LineAPIBaseURL:     getEnv("LINE_API_BASE_URL", "https://api.line.me"),
		LineContentBaseURL: getEnv("LINE_CONTENT_BASE_URL", "https://api-data.line.me"),

		RabbitURL:      os.Getenv("RABBIT_URL"),
		RabbitQueue:    getEnv("RABBIT_QUEUE", "summary_jobs"),
		RabbitExchange: getEnv("RABBIT_EXCHANGE", "linesum.events"),

		MinioEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "line-content"),
		MinioUseSSL:    getBool("MINIO_USE_SSL", false),

		ForwardWebhookURL: os.Getenv("FORWARD_WEBHOOK_URL"),
		ForwardTimeout:    time.Duration(getPositiveInt("FORWARD_TIMEOUT_SECONDS", 5)) * time.Second,

		OTELEnabled:  getBool("OTEL_ENABLED", false),
		OTELEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}
}

// SessionTimeout is the wall-clock age after which an active session closes.
func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getPositiveInt(key string, fallback int) int {
	n := getInt(key, fallback)
	if n <= 0 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
