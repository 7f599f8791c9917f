package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Calendar integration
	CalendarMode         string
	CalendarReadRequired bool
	CalendarBusyCacheTTL time.Duration
	CalendarBaseURL      string

	// Booking guardrails
	BookingFarDateConfirmDays int
	MaxAvailabilityRangeDays  int
	HoldTTL                   time.Duration
	HoldCleanupInterval       time.Duration

	// Feature switches
	FeatureSMS             bool
	FeatureVoice           bool
	FeatureVoiceWeb        bool
	FeatureCalendarBooking bool

	// Follow-up limits
	FollowupMaxPerBooking  int
	FollowupCooldown       time.Duration
	FollowupDedupeByEmail  bool
	SDKAuthRequired        bool
	AdminAPIToken          string
	SessionTokenSecret     string
	SessionTokenTTL        time.Duration
	SecretEncryptionKey    string
	EmailVerificationTTL   time.Duration
	EmailVerificationLimit int

	// Carrier (SMS) credentials
	CarrierAccountSID string
	CarrierAuthToken  string
	CarrierFromNumber string
	CarrierWebhookURL string
	SMSSimulator      bool
	SMSMaxAttempts    int
	SMSRetryBaseDelay time.Duration
	SMSRateLimitPerHr int
	OutboxBatchSize   int
	OutboxInterval    time.Duration

	// Quiet hours fallback when a tenant has none configured
	QuietHoursStart string
	QuietHoursEnd   string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	BedrockModelID      string

	// SendGrid Email Configuration
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		CalendarMode:         strings.ToLower(strings.TrimSpace(getEnv("CALENDAR_MODE", "mock"))),
		CalendarReadRequired: getEnvAsBool("CALENDAR_READ_REQUIRED", true),
		CalendarBusyCacheTTL: time.Duration(getEnvAsInt("CALENDAR_BUSY_CACHE_TTL_SECONDS", 30)) * time.Second,
		CalendarBaseURL:      getEnv("CALENDAR_BASE_URL", ""),

		BookingFarDateConfirmDays: getEnvAsInt("BOOKING_FAR_DATE_CONFIRM_DAYS", 30),
		MaxAvailabilityRangeDays:  getEnvAsInt("MAX_AVAILABILITY_RANGE_DAYS", 14),
		HoldTTL:                   getEnvAsDuration("HOLD_TTL", 5*time.Minute),
		HoldCleanupInterval:       time.Duration(getEnvAsInt("HOLD_CLEANUP_INTERVAL_MS", 60000)) * time.Millisecond,

		FeatureSMS:             getEnvAsBool("FEATURE_SMS", false),
		FeatureVoice:           getEnvAsBool("FEATURE_VOICE", false),
		FeatureVoiceWeb:        getEnvAsBool("FEATURE_VOICE_WEB", false),
		FeatureCalendarBooking: getEnvAsBool("FEATURE_CALENDAR_BOOKING", true),

		FollowupMaxPerBooking:  getEnvAsInt("FOLLOWUP_MAX_PER_BOOKING", 3),
		FollowupCooldown:       time.Duration(getEnvAsInt("FOLLOWUP_COOLDOWN_MINUTES", 30)) * time.Minute,
		FollowupDedupeByEmail:  getEnvAsBool("FOLLOWUP_DEDUPE_BY_EMAIL", true),
		SDKAuthRequired:        getEnvAsBool("SDK_AUTH_REQUIRED", false),
		AdminAPIToken:          getEnv("ADMIN_API_TOKEN", ""),
		SessionTokenSecret:     getEnv("SESSION_TOKEN_SECRET", ""),
		SessionTokenTTL:        time.Duration(getEnvAsInt("SESSION_TOKEN_TTL_SECONDS", 14400)) * time.Second,
		SecretEncryptionKey:    getEnv("SECRET_ENCRYPTION_KEY", ""),
		EmailVerificationTTL:   time.Duration(getEnvAsInt("EMAIL_VERIFICATION_TTL_MINUTES", 10)) * time.Minute,
		EmailVerificationLimit: getEnvAsInt("EMAIL_VERIFICATION_RATE_LIMIT", 5),

		CarrierAccountSID: getEnv("CARRIER_ACCOUNT_SID", ""),
		CarrierAuthToken:  getEnv("CARRIER_AUTH_TOKEN", ""),
		CarrierFromNumber: getEnv("CARRIER_FROM_NUMBER", ""),
		CarrierWebhookURL: getEnv("CARRIER_WEBHOOK_URL", ""),
		SMSSimulator:      getEnvAsBool("SMS_SIMULATOR", false),
		SMSMaxAttempts:    getEnvAsInt("SMS_MAX_ATTEMPTS", 5),
		SMSRetryBaseDelay: getEnvAsDuration("SMS_RETRY_BASE_DELAY", 5*time.Minute),
		SMSRateLimitPerHr: getEnvAsInt("SMS_RATE_LIMIT_PER_HOUR", 10),
		OutboxBatchSize:   getEnvAsInt("OUTBOX_BATCH_SIZE", 25),
		OutboxInterval:    getEnvAsDuration("OUTBOX_INTERVAL", 15*time.Second),

		QuietHoursStart: getEnv("QUIET_HOURS_START", "21:00"),
		QuietHoursEnd:   getEnv("QUIET_HOURS_END", "09:00"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),

		// SendGrid Email Configuration
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "AI Receptionist"),
	}
}

// IsProduction reports whether the process runs with production hardening
// (pilot and production both fail closed on webhook signatures).
func (c *Config) IsProduction() bool {
	switch strings.ToLower(c.Env) {
	case "production", "prod", "pilot":
		return true
	}
	return false
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
