package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"

	firebase "firebase.google.com/go/v4"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/joho/godotenv"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-unitalert-service/internal/compose"
	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
	"github.com/tinywideclouds/go-unitalert-service/internal/fanout"
	"github.com/tinywideclouds/go-unitalert-service/internal/metrics"
	"github.com/tinywideclouds/go-unitalert-service/internal/platform/apns"
	"github.com/tinywideclouds/go-unitalert-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-unitalert-service/internal/registry"
	"github.com/tinywideclouds/go-unitalert-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-unitalert-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-unitalert-service/internal/storage/rtdb"
	"github.com/tinywideclouds/go-unitalert-service/internal/triggers"

	"github.com/tinywideclouds/go-unitalert-service/notificationservice"
	"github.com/tinywideclouds/go-unitalert-service/notificationservice/config"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

//go:embed local.yaml
var configFile []byte

func main() {
	// Local runs keep credentials in .env; deployed runs have none.
	_ = godotenv.Load()

	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-unitalert-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Error("Config mapping failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fbApp, err := firebase.NewApp(ctx, &firebase.Config{
		ProjectID:   cfg.ProjectID,
		DatabaseURL: cfg.Directory.DatabaseURL,
	})
	if err != nil {
		logger.Error("Failed to initialize Firebase App", "err", err)
		os.Exit(1)
	}

	// --- Directory Store (Decorated) ---
	var store directory.Store
	switch cfg.Directory.Backend {
	case config.BackendFirestore:
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			logger.Error("Firestore client failed", "err", err)
			os.Exit(1)
		}
		defer fsClient.Close()
		store = fsStore.NewUserStore(fsClient)
	default:
		dbClient, err := fbApp.Database(ctx)
		if err != nil {
			logger.Error("Realtime Database client failed", "err", err)
			os.Exit(1)
		}
		store = rtdb.NewUserStore(dbClient)
	}
	logger.Info("Directory initialized", "backend", cfg.Directory.Backend)

	var invalidator *cache.CachedUserStore
	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		invalidator = cache.NewCachedUserStore(store, redisClient, cfg.Redis.TTL, logger)
		store = invalidator
		logger.Info("Directory upgraded", "type", "redis_cached")
	}

	// --- Auth ---
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityURL, middleware.RSA256, logger)
	if err != nil {
		logger.Error("JWT discovery failed", "identity_url", cfg.IdentityURL, "err", err)
		os.Exit(1)
	}
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, logger)
	if err != nil {
		logger.Error("Auth middleware failed", "err", err)
		os.Exit(1)
	}

	// --- Transports ---

	// A. Gateway (FCM)
	fcmMessaging, err := fbApp.Messaging(ctx)
	if err != nil {
		logger.Error("Failed to create FCM messaging client", "err", err)
		os.Exit(1)
	}
	gateway := fcm.NewDispatcher(fcmMessaging, logger)

	// B. Native (APNs)
	var opener registry.Opener = apns.Unconfigured{}
	if cfg.APNs.Configured() {
		factory, err := apns.NewFactory(apns.Credentials{
			KeyID:        cfg.APNs.KeyID,
			TeamID:       cfg.APNs.TeamID,
			P8KeyContent: cfg.APNs.Key,
			KeyPath:      cfg.APNs.KeyPath,
		}, logger)
		if err != nil {
			logger.Error("Failed to load APNs credentials", "err", err)
			os.Exit(1)
		}
		opener = factory
	} else {
		logger.Warn("APNs credentials missing in configuration. Native pushes will fail.")
	}
	sessions := registry.New(opener, logger)
	defer sessions.ShutdownAll()

	// --- Triggers ---
	collector := metrics.NewCollector()
	dispatcher := fanout.New(gateway, sessions, compose.New(cfg.APNs.BundleID), fanout.Config{
		SendTimeout: cfg.Dispatch.SendTimeout,
		MaxParallel: cfg.Dispatch.MaxParallel,
	}, logger).WithRecorder(collector)

	promille := triggers.DefaultPromille()
	promille.Window = cfg.Triggers.Window
	trig := triggers.New(directory.New(store), dispatcher, triggers.Config{
		Threshold:   cfg.Triggers.Threshold,
		Promille:    promille,
		Audience:    cfg.Triggers.AnnouncementAudience,
		ReturnDelay: cfg.Triggers.ReturnDelay,
	}, logger).WithRecorder(collector)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	deps := notificationservice.Dependencies{
		Consumer:       consumer,
		Triggers:       trig,
		Sessions:       sessions,
		Metrics:        collector.Handler(),
		AuthMiddleware: authMiddleware,
	}
	if invalidator != nil {
		deps.Invalidator = invalidator
	}

	service, err := notificationservice.New(cfg, deps, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting service...")
		errCh <- service.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service shutdown with error", "err", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", "err", err)
	}
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.PubsubConsumerConfig.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")
	dlt := convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     dlt,
			MaxDeliveryAttempts: 5,
		},
		EnableMessageOrdering: false,
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub: %s", sub)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
