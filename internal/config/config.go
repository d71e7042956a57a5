package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port          string
	AllowedOrigin string
	// OpenAI
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	STTModel      string
	// Dialogue
	DialogueFile    string
	DialogueVariant string
	ExtractorMode   string
	// Timeouts
	EngineTimeout     time.Duration
	TranscribeTimeout time.Duration
	SinkTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// Sessions
	SessionTTL     time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	CookieSecure   bool
	// Order archive: Postgres when DatabaseURL is set, JSON files otherwise
	DatabaseURL   string
	MigrationsDir string
	OrdersDir     string
	// Kitchen hand-off, disabled when empty
	AMQPURL string
	// Logging
	LogLevel  string
	LogFormat string
}

func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:              getEnvDefault("PORT", "8080"),
		AllowedOrigin:     getEnvDefault("ALLOWED_ORIGIN", "*"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     os.Getenv("OPENAI_BASE_URL"),
		Model:             getEnvDefault("OPENAI_MODEL", "gpt-4o-mini"),
		STTModel:          getEnvDefault("OPENAI_STT_MODEL", "whisper-1"),
		DialogueFile:      getEnvDefault("DIALOGUE_FILE", "configs/dialogue.yaml"),
		DialogueVariant:   getEnvDefault("DIALOGUE_VARIANT", "pizzapal"),
		ExtractorMode:     getEnvDefault("EXTRACTOR_MODE", "permissive"),
		EngineTimeout:     getEnvDurationDefault("ENGINE_TIMEOUT", 30*time.Second),
		TranscribeTimeout: getEnvDurationDefault("TRANSCRIBE_TIMEOUT", 60*time.Second),
		SinkTimeout:       getEnvDurationDefault("SINK_TIMEOUT", 5*time.Second),
		ShutdownTimeout:   getEnvDurationDefault("SHUTDOWN_TIMEOUT", 10*time.Second),
		SessionTTL:        getEnvDurationDefault("SESSION_TTL", 2*time.Hour),
		RateLimitRPS:      getEnvFloatDefault("RATE_LIMIT_RPS", 1),
		RateLimitBurst:    getEnvIntDefault("RATE_LIMIT_BURST", 5),
		CookieSecure:      getEnvBoolDefault("COOKIE_SECURE", false),
		DatabaseURL:       os.Getenv("DB_URL"),
		MigrationsDir:     getEnvDefault("MIGRATIONS_DIR", "migrations"),
		OrdersDir:         getEnvDefault("ORDERS_DIR", "data/orders"),
		AMQPURL:           os.Getenv("AMQP_URL"),
		LogLevel:          getEnvDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvDefault("LOG_FORMAT", "text"),
	}
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("value", c.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// Warn logs settings that leave the service degraded.
func (c Config) Warn(log logrus.FieldLogger) {
	if c.OpenAIAPIKey == "" {
		log.Warn("OPENAI_API_KEY is not set; engine calls will fail until provided")
	}
	if c.DatabaseURL == "" {
		log.WithField("dir", c.OrdersDir).Info("DB_URL not provided, archiving orders as JSON files")
	}
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDurationDefault accepts Go durations ("45s") or plain seconds ("45").
func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
