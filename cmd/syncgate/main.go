package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/scrapbird/syncgate/pkg/app/ratelimit"
	"github.com/scrapbird/syncgate/pkg/config"
	"github.com/scrapbird/syncgate/pkg/domain/quota"
	handlers "github.com/scrapbird/syncgate/pkg/handlers/http"
	"github.com/scrapbird/syncgate/pkg/infra/auth/jwt"
	infraLogger "github.com/scrapbird/syncgate/pkg/infra/logger"
	"github.com/scrapbird/syncgate/pkg/infra/limitstore"
	"github.com/scrapbird/syncgate/pkg/infra/prometheus"
	"github.com/scrapbird/syncgate/pkg/middleware"
	"github.com/scrapbird/syncgate/pkg/server"
	"github.com/scrapbird/syncgate/pkg/server/router"
)

func main() {
	ctx := context.Background()

	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	logger := infraLogger.NewLogger()

	if err := config.Load("./config"); err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	prometheus.Initialize()

	table, err := quota.NewTableFromSettings(cfg.RateLimits.Tiers)
	if err != nil {
		logger.Fatalf("invalid rate limit configuration: %v", err)
	}

	policy, err := ratelimit.ParseFallbackPolicy(cfg.Store.FallbackPolicy)
	if err != nil {
		logger.Fatalf("invalid store configuration: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"backend":  cfg.Store.Backend,
		"fallback": policy,
	}).Info("rate limiting initialized")

	store := limitstore.NewBreakerStore(
		buildStore(ctx, cfg, logger),
		cfg.Store.BreakerReset(),
		cfg.Store.BreakerMaxFailures,
	)
	limiter := ratelimit.NewLimiter(store, table, policy, cfg.Store.OperationTimeout(), logger)

	jwtManager := jwt.NewJwtManager(&cfg.Server)

	middlewareTransport := &middleware.Transport{
		AuthMiddleware:      middleware.NewAuthMiddleware(logger, jwtManager),
		RateLimitMiddleware: middleware.NewRateLimitMiddleware(logger, limiter),
	}
	handlerTransport := &handlers.HandlerTransport{
		RateLimitStatusHandler: handlers.NewRateLimitStatusHandler(logger, limiter, table),
		ProxyHandler:           handlers.NewProxyHandler(logger, cfg.Server.UpstreamTarget),
	}

	srv := server.NewBaseServer(cfg, logger).
		WithRouters(router.NewGatewayRouter(middlewareTransport, handlerTransport))

	go func() {
		if err := srv.Run(); err != nil {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.WithError(err).Error("shutdown failed")
	}
}

func buildStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) limitstore.Store {
	switch cfg.Store.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return limitstore.NewRedisStore(client, &limitstore.RedisStoreOpts{
			TTLGrace: cfg.Store.TTLGrace(),
		})
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoDB.Region))
		if err != nil {
			logger.Fatalf("failed to load AWS config: %v", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.DynamoDB.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.DynamoDB.Endpoint)
			}
		})
		return limitstore.NewDynamoDBStore(client, cfg.DynamoDB.Table, &limitstore.DynamoDBStoreOpts{
			TTLGrace: cfg.Store.TTLGrace(),
		})
	case "memory":
		logger.Warn("using in-memory rate limit store; counters are not shared across instances")
		return limitstore.NewMemoryStore(&limitstore.MemoryStoreOpts{
			TTLGrace: cfg.Store.TTLGrace(),
		})
	default:
		logger.Fatalf("unknown store backend %q", cfg.Store.Backend)
		return nil
	}
}
