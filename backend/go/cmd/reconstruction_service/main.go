package main

import (
	"SceneGen/backend/go/internal/config"
	"SceneGen/backend/go/internal/database/kafka"
	"SceneGen/backend/go/internal/database/minio"
	"SceneGen/backend/go/internal/database/mongo"
	"SceneGen/backend/go/internal/database/mysql"
	"SceneGen/backend/go/internal/database/redis"
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/internal/reconstruction_service/api"
	"SceneGen/backend/go/internal/reconstruction_service/consumer"
	"SceneGen/backend/go/internal/reconstruction_service/media"
	"SceneGen/backend/go/internal/reconstruction_service/notifier"
	"SceneGen/backend/go/internal/reconstruction_service/orchestrator"
	"SceneGen/backend/go/internal/reconstruction_service/pipeline"
	"SceneGen/backend/go/internal/reconstruction_service/publisher"
	"SceneGen/backend/go/internal/reconstruction_service/reaper"
	"SceneGen/backend/go/internal/reconstruction_service/scheduler"
	"SceneGen/backend/go/internal/reconstruction_service/service"
	"SceneGen/backend/go/internal/reconstruction_service/store"
	"SceneGen/backend/go/internal/reconstruction_service/syncer"
	"SceneGen/backend/go/pkg/discovery/etcd"
	httpclient "SceneGen/backend/go/pkg/http"
	"SceneGen/backend/go/pkg/logger"
	"SceneGen/backend/go/pkg/ratelimiter"
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const defaultConfigPath = "backend/go/internal/config/config.yaml"

func main() {
	// Load configuration
	path := os.Getenv("SCENEGEN_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logLevel, err := logrus.ParseLevel(cfg.Logger.Level)
	if err != nil {
		log.Fatalf("Invalid logger level: %v", err)
	}
	logger.Init(logLevel)
	serviceLogger := logger.New("ReconstructionService")

	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Pipeline.AssetsDir, cfg.Pipeline.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to create working directory " + dir)
		}
	}

	taskStore := store.New(store.WithLogger(serviceLogger.WithComponent("store")))
	classifier := media.NewClassifier(cfg.Storage)
	adapter := pipeline.NewSubprocessAdapter(cfg.Pipeline, classifier, serviceLogger)

	// MinIO when enabled, otherwise the artifact is served by the download route
	var artifactPublisher publisher.Publisher = publisher.Local{BaseURL: cfg.Server.PublicURL}
	if cfg.Publisher.Enabled {
		minioClient, err := minio.GetClient(&cfg.Databases.MinIO)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to connect to MinIO")
		}
		artifactPublisher = publisher.NewMinioPublisher(minioClient, cfg.Databases.MinIO.Bucket, cfg.Publisher, serviceLogger)
	}

	var mailer notifier.Notifier = notifier.Noop{}
	if cfg.Notifier.Enabled {
		client := httpclient.NewClient(cfg.Middleware.CircuitBreaker, cfg.Notifier.Timeout.Duration)
		mailer = notifier.NewWebhookNotifier(client, cfg.Notifier)
	}
	dispatcher := notifier.NewDispatcher(mailer, cfg.Notifier.Timeout.Duration, serviceLogger)

	runner := orchestrator.NewRunner(taskStore, adapter, artifactPublisher, dispatcher, cfg.Orchestrator, serviceLogger)
	executor := scheduler.New(cfg.Orchestrator.MaxConcurrentTasks, runner.Run, runner.HandlePanic, serviceLogger)

	// Persistence sinks
	var kafkaClient *kafka.KafkaClient
	if cfg.Persistence.Kafka.Enabled || cfg.Ingest.Enabled {
		kafkaClient, err = kafka.GetClient(&cfg.Databases.Kafka, cfg.Persistence.Kafka.Target, cfg.Ingest.Topic)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to connect to Kafka")
		}
	}
	var sinks []syncer.Sink
	if cfg.Persistence.Mongo.Enabled {
		collection, err := mongo.Collection(&cfg.Databases.MongoDB, cfg.Persistence.Mongo.Target)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to connect to MongoDB")
		}
		sinks = append(sinks, syncer.NewMongoSink(collection))
	}
	if cfg.Persistence.MySQL.Enabled {
		db, err := mysql.GetDB(&cfg.Databases.MySQL)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to connect to MySQL")
		}
		sink, err := syncer.NewGormSink(db, cfg.Persistence.MySQL.Target)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to migrate MySQL table")
		}
		sinks = append(sinks, sink)
	}
	if cfg.Persistence.Redis.Enabled {
		rdb, err := redis.GetClient(&cfg.Databases.Redis)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to connect to Redis")
		}
		sinks = append(sinks, syncer.NewRedisSink(rdb, cfg.Persistence.Redis.Target, cfg.Persistence.RedisTTL.Duration))
	}
	var eventPublisher *kafka.EventPublisher
	if cfg.Persistence.Kafka.Enabled {
		eventPublisher = kafka.NewEventPublisher(kafkaClient, cfg.Persistence.Kafka.Target)
		sinks = append(sinks, syncer.NewKafkaSink(eventPublisher))
	}
	stateSyncer := syncer.New(cfg.Persistence, cfg.Middleware.CircuitBreaker, serviceLogger, sinks...)
	taskStore.Subscribe(stateSyncer)

	hub := service.NewConnectionManager(32, serviceLogger)
	taskStore.Subscribe(hub)

	taskService := service.NewTaskService(taskStore, executor, classifier, cfg.Orchestrator.MaxConcurrentTasks, serviceLogger,
		service.WithUploads(service.NewUploads(cfg.Storage, classifier, serviceLogger)),
		service.WithRemoteCleaner(artifactPublisher))

	ctx, cancel := context.WithCancel(context.Background())
	stateSyncer.Start()
	executor.Start(ctx)

	if cfg.Reaper.Enabled {
		r := reaper.New(taskStore, cfg.Reaper.Retention.Duration, cfg.Reaper.Interval.Duration, serviceLogger,
			reaper.WithRemoteCleanup(func(ctx context.Context, id string) {
				if err := artifactPublisher.Delete(ctx, id); err != nil {
					serviceLogger.WithTask(id).WithErr(err).Warn("Failed to remove published objects")
				}
			}))
		go r.Start(ctx)
	}

	var submitConsumer *consumer.SubmitConsumer
	if cfg.Ingest.Enabled {
		submitConsumer = consumer.NewSubmitConsumer(kafkaClient.NewReader(cfg.Ingest.Topic, cfg.Ingest.GroupID), taskService, serviceLogger)
		submitConsumer.Start(ctx)
		serviceLogger.Info("Kafka submit consumer started")
	}

	// Setup HTTP server
	var limiter *ratelimiter.KeyedLimiter
	if cfg.Middleware.RateLimiter.Enabled {
		limiter, err = ratelimiter.NewKeyedTokenBucket(cfg.Middleware.RateLimiter.Rate, cfg.Middleware.RateLimiter.Capacity, 10000, 10*time.Minute)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to create rate limiter")
		}
	}
	gin.SetMode(gin.ReleaseMode)
	handlers := api.NewAPI(taskService, hub, serviceLogger)
	if cfg.Publisher.Enabled {
		handlers.AddHealthCheck("minio", minio.HealthCheck)
	}
	if cfg.Persistence.Mongo.Enabled {
		handlers.AddHealthCheck("mongo", mongo.HealthCheck)
	}
	if cfg.Persistence.MySQL.Enabled {
		handlers.AddHealthCheck("mysql", mysql.HealthCheck)
	}
	if cfg.Persistence.Redis.Enabled {
		handlers.AddHealthCheck("redis", redis.HealthCheck)
	}
	if kafkaClient != nil {
		handlers.AddHealthCheck("kafka", kafkaClient.HealthCheck)
	}
	router := api.NewRouter(handlers, limiter, serviceLogger)
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	go func() {
		serviceLogger.Info("Starting HTTP server on " + srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serviceLogger.WithError(models.ErrorInfo{Message: err.Error()}).Fatal("HTTP server failed to start")
		}
	}()

	var registration *etcd.Registration
	var sd *etcd.ServiceDiscovery
	if cfg.Discovery.Enabled {
		sd, err = etcd.NewServiceDiscovery(cfg.Discovery.Endpoints)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to connect to etcd")
		}
		registration, err = sd.Register(ctx, cfg.Discovery.ServiceName, cfg.Server.PublicURL, cfg.Discovery.TTL)
		if err != nil {
			serviceLogger.WithErr(err).Fatal("Failed to register service")
		}
		serviceLogger.WithPayload(map[string]interface{}{"key": registration.Key}).Info("Registered in etcd")
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	serviceLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer shutdownCancel()
	if registration != nil {
		if err := registration.Deregister(shutdownCtx); err != nil {
			serviceLogger.WithErr(err).Warn("Failed to deregister from etcd")
		}
		sd.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		serviceLogger.WithErr(err).Error("Server forced to shutdown")
	}

	// Running tasks see their context cancelled and fail; queued ones stay PENDING.
	cancel()
	if submitConsumer != nil {
		submitConsumer.Wait()
		if err := submitConsumer.Close(); err != nil {
			serviceLogger.WithErr(err).Error("Error closing Kafka consumer")
		}
	}
	executor.Stop()
	runner.WaitRenders()
	dispatcher.Wait()

	syncCtx, syncCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer syncCancel()
	if err := stateSyncer.Stop(syncCtx); err != nil {
		serviceLogger.WithErr(err).WithPayload(map[string]interface{}{"pending": stateSyncer.Pending()}).Warn("Persistence sync did not drain")
	}

	if eventPublisher != nil {
		if err := eventPublisher.Close(); err != nil {
			serviceLogger.WithErr(err).Error("Error closing Kafka publisher")
		}
	}
	if kafkaClient != nil {
		kafkaClient.Close()
	}
	if cfg.Persistence.Mongo.Enabled {
		if err := mongo.Close(context.Background()); err != nil {
			serviceLogger.WithErr(err).Error("Error disconnecting from MongoDB")
		}
	}
	if cfg.Persistence.MySQL.Enabled {
		mysql.Close()
	}
	if cfg.Persistence.Redis.Enabled {
		redis.Close()
	}

	serviceLogger.Info("Server gracefully stopped")
}
