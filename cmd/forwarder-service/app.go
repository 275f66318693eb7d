package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

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
	"courier/pkg/migrations"
	"courier/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	mongoClient    *mongo.Client
	redisClient    *redis.Client
	handler        *delivery.Handler
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("forwarder-service")
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

	if err := a.InitBroker("forwarder-service"); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initHandler(ctx); err != nil {
		return fmt.Errorf("failed to initialize handler: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, "forwarder-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterDeliveryMetrics()
	metrics.RegisterQueueMetrics()
	metrics.RegisterCredentialMetrics()
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

func (a *App) initHandler(ctx context.Context) error {
	mongoDB := a.mongoClient.Database(a.Config.Database.MongoDB.Database)

	credRepo := credentials.NewRepository(mongoDB)
	secretStore := credentials.NewHTTPSecretStore(a.Config.Credentials.SecretStore)
	// The forwarder never renews or alerts; notifier and drainer stay inert.
	credSvc := credentials.NewService(credRepo, secretStore, credentials.NewKafkaNotifier(nil, ""), nil, a.redisClient, a.Logger)

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
		credSvc,
		transport,
		payloadStore,
		breaker,
		a.Config.PayloadStore.DeleteOnSuccess,
		a.Logger,
	)

	queueRepo := retryqueue.NewRepository(mongoDB)
	queueSvc := retryqueue.NewService(queueRepo, deliverySvc, credSvc, retryqueue.DefaultPolicy(), a.Config.Queue.Parallelism, a.Logger)

	a.handler = delivery.NewHandler(deliverySvc, queueSvc, a.Logger)
	return nil
}

func (a *App) initHTTPServer() error {
	mux := http.NewServeMux()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(health.NewMongoDBChecker(a.mongoClient))
	// Redis only caches access tokens here; losing it slows delivery down
	// without stopping it.
	healthRegistry.RegisterOptional(health.NewRedisChecker(a.redisClient))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := healthRegistry.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		fmt.Fprintf(w, `{"status":"%s","timestamp":"%s"}`, h.Status, h.Timestamp.Format(time.RFC3339))
	})

	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler: mux,
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

	forwardTopic := a.Config.Broker.Kafka.ForwardTopic
	if forwardTopic == "" {
		forwardTopic = constants.DefaultForwardTopic
	}
	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "Starting forward consumer", "topic", forwardTopic)
		return a.Consumer.Consume(gCtx, forwardTopic, a.handler.HandleForward)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Shutdown(context.Background())
		return err
	}
	return a.Shutdown(context.Background())
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, "forwarder-service")
	a.Logger.InfowCtx(shutdownCtx, "Shutting down forwarder service")

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
