/**
 * @description
 * This is the main entry point for the entitlement service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the M-Pesa gateway client, the message broker, the
 * rate limiter, repositories, the core application service, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Distributed rate limiting.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/mpesaclient: Client for the M-Pesa OpenAPI gateway.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/somolearn/entitlement-service/internal/api"
	"github.com/somolearn/entitlement-service/internal/app"
	"github.com/somolearn/entitlement-service/internal/config"
	"github.com/somolearn/entitlement-service/internal/store"
	"github.com/somolearn/entitlement-service/pkg/mpesaclient"
	rmrabbit "github.com/somolearn/entitlement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting entitlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish settlement events. The
	// broker being down degrades to a no-op publisher rather than blocking
	// boot; settlement itself never depends on it.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the M-Pesa OpenAPI client. Missing credentials are fatal:
	// a payment service that cannot charge is misdeployed.
	gateway, err := mpesaclient.NewClient(mpesaclient.Config{
		APIKey:              cfg.MpesaAPIKey,
		PublicKey:           cfg.MpesaPublicKey,
		ServiceProviderCode: cfg.MpesaServiceProviderCode,
		Address:             cfg.MpesaAddress,
		Environment:         cfg.MpesaEnvironment,
		Country:             cfg.MpesaCountry,
		Currency:            cfg.MpesaCurrency,
	})
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"mpesa client init failed\" err=%v", err)
	}

	// Rate limiting prefers Redis so limits hold across instances; a local
	// in-process limiter is the fallback.
	var limiter app.RateLimiter = app.NewLocalRateLimiter()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-process rate limiter\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-process rate limiter\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-process rate limiter\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	entitlementService := app.NewService(repository, gateway, producer, limiter, app.ServiceConfig{
		RateLimitWindow:            time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		RateLimitMax:               cfg.RateLimitMaxRequests,
		PaymentTimeout:             time.Duration(cfg.PaymentTimeoutMinutes) * time.Minute,
		PendingSubscriptionTimeout: time.Duration(cfg.PendingSubscriptionTimeoutMinutes) * time.Minute,
		DefaultCountryCode:         cfg.DefaultCountryCode,
	})

	// Start the background sweep that fails timed-out payments.
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go entitlementService.RunExpiryReaper(reaperCtx, time.Duration(cfg.ReaperIntervalMinutes)*time.Minute)

	// Initialize the API handlers and router.
	handlers := api.NewEntitlementHandlers(entitlementService)
	router := api.EntitlementRoutes(handlers, cfg.JWTSecret)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
