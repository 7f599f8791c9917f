package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bridgetown-labs/ai-receptionist/internal/agent"
	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/availability"
	"github.com/bridgetown-labs/ai-receptionist/internal/booking"
	"github.com/bridgetown-labs/ai-receptionist/internal/calendar"
	"github.com/bridgetown-labs/ai-receptionist/internal/chat"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	appconfig "github.com/bridgetown-labs/ai-receptionist/internal/config"
	"github.com/bridgetown-labs/ai-receptionist/internal/customer"
	"github.com/bridgetown-labs/ai-receptionist/internal/events"
	"github.com/bridgetown-labs/ai-receptionist/internal/followup"
	"github.com/bridgetown-labs/ai-receptionist/internal/httpapi"
	"github.com/bridgetown-labs/ai-receptionist/internal/observability/metrics"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/policy"
	"github.com/bridgetown-labs/ai-receptionist/internal/risk"
	"github.com/bridgetown-labs/ai-receptionist/internal/secrets"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/internal/voice"
	"github.com/bridgetown-labs/ai-receptionist/internal/waitlist"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting ai-receptionist API server", "env", cfg.Env, "port", cfg.Port)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err.Error())
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres ping failed", "error", err.Error())
		os.Exit(1)
	}

	redisOptions := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(redisOptions)
	defer func() { _ = rdb.Close() }()

	clk := clock.New()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tenants := tenant.NewStore(pool)
	sessions := session.NewStore(pool)
	customers := customer.NewStore(pool)
	bookings := booking.NewStore(pool)
	outboxStore := outbox.NewStore(pool).WithClock(clk)
	optOuts := outbox.NewOptOutStore(pool, logger)
	followups := followup.NewStore(pool)
	waitlists := waitlist.NewStore(pool)
	auditor := audit.NewStore(pool, logger)

	// Calendar and availability.
	provider := calendarProvider(cfg, logger)
	busyCache := calendar.NewBusyCache(cfg.CalendarBusyCacheTTL)
	var availOpts []availability.Option
	if !cfg.CalendarReadRequired {
		availOpts = append(availOpts, availability.WithLenientReads())
	}
	if cfg.SecretEncryptionKey != "" {
		box, err := secrets.NewBox(cfg.SecretEncryptionKey)
		if err != nil {
			logger.Error("invalid secret encryption key", "error", err.Error())
			os.Exit(1)
		}
		availOpts = append(availOpts, availability.WithCredentialDecrypt(box.Decrypt))
	}
	engine := availability.NewEngine(provider, busyCache, bookings, clk, logger, availOpts...)

	// Booking service and lifecycle events.
	bus := events.NewBus(logger)
	bookingSvc := booking.NewService(bookings, busyCache, bus, provider, auditor, clk, logger)
	notifier := events.NewNotifier(outboxStore, policy.NewEngine(policy.DefaultRules()...),
		waitlists, followups, sessions, clk, logger)
	notifier.Register(bus)

	sweeper := booking.NewSweeper(bookings, bus, clk, cfg.HoldCleanupInterval, logger)
	go sweeper.Run(ctx)

	// Agent tool executor and the Bedrock converse loop above it.
	executor := agent.NewExecutor(engine, bookingSvc, risk.NewEngine(logger), followups,
		outboxStore, auditor, clk, logger,
		agent.Limits{
			MaxAvailabilityRangeDays: cfg.MaxAvailabilityRangeDays,
			FarDateConfirmDays:       cfg.BookingFarDateConfirmDays,
			FollowupMaxPerSession:    cfg.FollowupMaxPerBooking,
			FollowupCooldown:         cfg.FollowupCooldown,
		},
		agent.SMSMode{
			Enabled:           cfg.FeatureSMS,
			Simulator:         cfg.SMSSimulator,
			CarrierConfigured: carrierConfigured(cfg),
		}).WithMetrics(m).WithCustomerDirectory(customers, sessions)

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err.Error())
		os.Exit(1)
	}
	llm := agent.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	loop := agent.NewLoop(llm, executor, cfg.BedrockModelID, logger).WithMetrics(m)

	// Chat: OTP email verification plus the deterministic router.
	var mailer chat.Mailer
	if cfg.SendGridAPIKey != "" {
		mailer = chat.NewSendGridMailer(cfg.SendGridAPIKey, cfg.SendGridFromName, cfg.SendGridFromEmail)
	} else {
		logger.Warn("no SendGrid key configured, verification codes are logged only")
		mailer = chat.LogMailer{Log: logger}
	}
	otp := chat.NewOTPService(rdb, mailer, cfg.EmailVerificationTTL, cfg.EmailVerificationLimit, logger)
	chatRouter := chat.NewRouter(sessions, chat.NewFAQ(), otp, loop, true, clk, logger).WithMetrics(m)

	var signer *session.TokenSigner
	if cfg.SessionTokenSecret != "" {
		signer, err = session.NewTokenSigner(cfg.SessionTokenSecret, cfg.SessionTokenTTL, clk)
		if err != nil {
			logger.Error("invalid session token config", "error", err.Error())
			os.Exit(1)
		}
	} else if cfg.SDKAuthRequired {
		logger.Error("SDK_AUTH_REQUIRED is set but SESSION_TOKEN_SECRET is empty")
		os.Exit(1)
	}

	sig := httpapi.SignatureConfig{
		AuthToken: cfg.CarrierAuthToken,
		BaseURL:   webhookBaseURL(cfg),
		Enforce:   cfg.IsProduction(),
	}

	limiter := httpapi.NewRateLimiter(10, 30)
	defer limiter.Close()

	routerCfg := &httpapi.Config{
		Logger:         logger,
		Chat:           httpapi.NewChatHandler(tenants, sessions, chatRouter, signer, cfg.SDKAuthRequired, logger),
		Carrier:        httpapi.NewCarrierHandler(tenants, outboxStore, optOuts, sessions, chatRouter, auditor, sig, logger),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		RateLimiter:    limiter,
	}
	if cfg.FeatureVoice {
		manager := voice.NewManager(voice.NewCallStore(rdb), sessions, executor, outboxStore, auditor, clk, logger)
		routerCfg.Voice = httpapi.NewVoiceHandler(tenants, manager, sig, logger)
	}
	if cfg.AdminAPIToken != "" {
		routerCfg.Admin = httpapi.NewAdminHandler(tenants, customers, sessions, auditor, cfg.AdminAPIToken, logger)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.New(routerCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func calendarProvider(cfg *appconfig.Config, logger *logging.Logger) calendar.Provider {
	switch cfg.CalendarMode {
	case "external":
		return calendar.NewExternalProvider(cfg.CalendarBaseURL)
	default:
		logger.Info("using mock calendar provider", "mode", cfg.CalendarMode)
		return calendar.NewMockProvider()
	}
}

func carrierConfigured(cfg *appconfig.Config) bool {
	return cfg.CarrierAccountSID != "" && cfg.CarrierAuthToken != "" && cfg.CarrierFromNumber != ""
}

// webhookBaseURL is the externally visible origin carrier signatures are
// computed against.
func webhookBaseURL(cfg *appconfig.Config) string {
	if cfg.CarrierWebhookURL != "" {
		return cfg.CarrierWebhookURL
	}
	return cfg.PublicBaseURL
}

// loadAWSConfig centralizes AWS SDK initialization so LocalStack and
// production share the same wiring.
func loadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return aws.Config{}, err
	}
	if endpoint := cfg.AWSEndpointOverride; endpoint != "" {
		awsCfg.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(
			func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
				if service == bedrockruntime.ServiceID {
					return aws.Endpoint{
						URL:           endpoint,
						PartitionID:   "aws",
						SigningRegion: cfg.AWSRegion,
					}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			},
		)
	}
	return awsCfg, nil
}
