package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	DBMaxConns  int

	RedisAddr       string
	RedisPassword   string
	RedisTLS        bool
	HistoryCacheTTL time.Duration

	UseMemoryQueue       bool
	WorkerCount          int
	ConversationQueueURL string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Intent extraction
	ExtractorProvider string // openai, gemini, bedrock, scripted
	ExtractorFallback string
	ExtractorTimeout  time.Duration
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	GeminiAPIKey      string
	GeminiModel       string
	BedrockModelID    string
	ClinicName        string

	// Scheduling
	BookableTimes               []string
	DefaultDurationMinutes      int
	AdminDefaultDurationMinutes int
	ClinicTimezone              string
	ContextWindowDays           int
	AlternativesLimit           int
	BookingMaxRetries           int

	AdminJWTSecret      string
	CORSAllowedOrigins  []string
	TwilioAuthToken     string
	TwilioWebhookURL    string
	WebhookRateLimitRPS float64
	WebhookRateBurst    int

	// Staff notifications
	NotifyProvider    string // sendgrid, ses, or empty to disable
	NotifyRecipients  []string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBMaxConns:  getEnvAsInt("DB_MAX_CONNS", 10),

		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisTLS:        getEnvAsBool("REDIS_TLS", false),
		HistoryCacheTTL: getEnvAsDuration("HISTORY_CACHE_TTL", 24*time.Hour),

		UseMemoryQueue:       getEnvAsBool("USE_MEMORY_QUEUE", true),
		WorkerCount:          getEnvAsInt("WORKER_COUNT", 4),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		ExtractorProvider: strings.ToLower(strings.TrimSpace(getEnv("EXTRACTOR_PROVIDER", "openai"))),
		ExtractorFallback: strings.ToLower(strings.TrimSpace(getEnv("EXTRACTOR_FALLBACK", ""))),
		ExtractorTimeout:  getEnvAsDuration("EXTRACTOR_TIMEOUT", 20*time.Second),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:      getEnv("GEMINI_API_KEY", ""),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		BedrockModelID:    getEnv("BEDROCK_MODEL_ID", ""),
		ClinicName:        getEnv("CLINIC_NAME", "the clinic"),

		BookableTimes:               getEnvAsList("BOOKABLE_TIMES", []string{"09:30", "10:30", "11:30", "13:00", "14:00", "15:00", "16:00"}),
		DefaultDurationMinutes:      getEnvAsInt("DEFAULT_DURATION_MINUTES", 60),
		AdminDefaultDurationMinutes: getEnvAsInt("ADMIN_DEFAULT_DURATION_MINUTES", 30),
		ClinicTimezone:              getEnv("CLINIC_TIMEZONE", "America/Sao_Paulo"),
		ContextWindowDays:           getEnvAsInt("CONTEXT_WINDOW_DAYS", 30),
		AlternativesLimit:           getEnvAsInt("ALTERNATIVES_LIMIT", 3),
		BookingMaxRetries:           getEnvAsInt("BOOKING_MAX_RETRIES", 3),

		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWebhookURL:    getEnv("TWILIO_WEBHOOK_URL", ""),
		WebhookRateLimitRPS: getEnvAsFloat("WEBHOOK_RATE_LIMIT_RPS", 2),
		WebhookRateBurst:    getEnvAsInt("WEBHOOK_RATE_BURST", 10),

		NotifyProvider:    strings.ToLower(strings.TrimSpace(getEnv("NOTIFY_PROVIDER", ""))),
		NotifyRecipients:  getEnvAsList("NOTIFY_RECIPIENTS", nil),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Clinic Booking"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated variable, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
