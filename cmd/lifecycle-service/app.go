package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/credentials"
	"courier/internal/delivery"
	"courier/internal/logger"
	"courier/internal/payload"
	"courier/internal/retryqueue"
	"courier/pkg/bootstrap"
	"courier/pkg/health"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/middleware"
	"courier/pkg/migrations"
	"courier/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	mongoClient    *mongo.Client
	redisClient    *redis.Client
	credService    *credentials.Service
	queueService   *retryqueue.Service
	scanner        *credentials.Scanner
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("lifecycle-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker("lifecycle-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initServices(ctx); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "lifecycle-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterCredentialMetrics()
	metrics.RegisterQueueMetrics()
	metrics.RegisterDeliveryMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	if err := a.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	mongoClient, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return err
	}
	if mongoClient == nil {
		return fmt.Errorf("mongodb uri is required")
	}
	a.mongoClient = mongoClient

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return err
	}
	a.redisClient = redisClient

	if a.Config.Database.RunMigrations {
		db := a.mongoClient.Database(a.Config.Database.MongoDB.Database)
		if err := migrations.EnsureQueueCollection(ctx, db); err != nil {
			return err
		}
		if err := migrations.EnsureCredentialCollection(ctx, db); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) initServices(ctx context.Context) error {
	mongoDB := a.mongoClient.Database(a.Config.Database.MongoDB.Database)

	notificationTopic := a.Config.Broker.Kafka.NotificationTopic
	if notificationTopic == "" {
		notificationTopic = constants.DefaultNotificationTopic
	}

	credRepo := credentials.NewRepository(mongoDB)
	secretStore := credentials.NewHTTPSecretStore(a.Config.Credentials.SecretStore)
	notifier := credentials.NewKafkaNotifier(a.Producer, notificationTopic)
	a.credService = credentials.NewService(credRepo, secretStore, notifier, nil, a.redisClient, a.Logger)

	objectStore, err := a.dbConnector.InitObjectStore(ctx)
	if err != nil {
		return err
	}
	if objectStore == nil {
		return fmt.Errorf("payload store endpoint is required")
	}
	payloadStore := payload.NewObjectStore(objectStore)

	transport := delivery.NewHTTPTransport(a.Config.Delivery)
	breaker := bootstrap.NewDeliveryBreaker(a.Config.CircuitBreaker)

	deliverySvc := delivery.NewService(
		a.credService,
		transport,
		payloadStore,
		breaker,
		a.Config.PayloadStore.DeleteOnSuccess,
		a.Logger,
	)

	queueRepo := retryqueue.NewRepository(mongoDB)
	a.queueService = retryqueue.NewService(queueRepo, deliverySvc, a.credService, retryqueue.DefaultPolicy(), a.Config.Queue.Parallelism, a.Logger)
	a.credService.SetDrainer(a.queueService)

	scanInterval := time.Duration(a.Config.Credentials.ScanIntervalSeconds) * time.Second
	a.scanner = credentials.NewScanner(a.credService, scanInterval, a.Logger)

	return nil
}

func (a *App) initHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.Config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("lifecycle-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	handler := credentials.NewHandler(a.credService, a.Logger)
	handler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	// Redis only caches access tokens here; losing it slows delivery down
	// without stopping it.
	healthRegistry.RegisterOptional(health.NewRedisChecker(a.redisClient))

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: router,
	}

	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.scanner.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		return a.runDrainLoop(gCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

// runDrainLoop periodically sweeps every identity with pending messages, so
// queues parked by transient failures recover without operator action.
func (a *App) runDrainLoop(ctx context.Context) error {
	interval := time.Duration(a.Config.Queue.DrainIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := a.queueService.DrainAll(ctx)
			if err != nil {
				a.Logger.ErrorwCtx(ctx, "Periodic drain failed", "error", err)
				continue
			}
			if result.Processed > 0 {
				a.Logger.InfowCtx(ctx, "Periodic drain completed",
					"processed", result.Processed,
					"succeeded", result.Succeeded,
					"failed", result.Failed,
				)
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, "lifecycle-service")
	a.Logger.InfowCtx(shutdownCtx, "Shutting down lifecycle service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			srvCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			if err := a.server.Shutdown(srvCtx); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redisClient, nil, a.mongoClient)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
