package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"node-sale-service/config"
	"node-sale-service/internal/api"
	"node-sale-service/internal/broker"
	"node-sale-service/internal/chain"
	"node-sale-service/internal/redisclient"
	"node-sale-service/internal/service"
	"node-sale-service/internal/store"
	"node-sale-service/internal/util"
	"node-sale-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting node sale service")

	tp, err := util.InitTracer(cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer util.ShutdownTracer(tp)

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchase)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	signer := chain.NewRemoteSigner(cfg.Chain.SignerEndpoint)
	chainClient := chain.NewRPCClient(cfg.Chain.RPCEndpoint, cfg.Chain.Commitment, signer)

	saleService := service.NewSaleService(db, chainClient, redisClient, eventPublisher, service.Options{
		BackoffStart:    cfg.Sale.BackoffStart,
		BackoffCap:      cfg.Sale.BackoffCap,
		ConfirmDeadline: cfg.Sale.ConfirmDeadline,
	})

	ctx := context.Background()
	if saleCfg, err := db.GetSaleConfig(ctx); err != nil {
		logger.Warn("Failed to read sale config for cache warm-up", zap.Error(err))
	} else if err := redisClient.SyncAvailability(ctx, saleCfg.UnitPrice, saleCfg.Available()); err != nil {
		logger.Warn("Failed to warm availability cache", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	reconciler := service.NewReconciler(saleService, service.ReconcilerOptions{
		Interval:    cfg.Sale.RecoveryInterval,
		GracePeriod: cfg.Sale.RecoveryGrace,
	})
	go reconciler.Run(workerCtx)

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPurchase, cfg.Kafka.ConsumerGroup)
	compensationWorker := worker.NewCompensationWorker(consumer, db)
	go func() {
		if err := compensationWorker.Start(workerCtx); err != nil {
			logger.Error("Compensation worker stopped", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(saleService)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	compensationWorker.Stop()

	logger.Info("Server exited")
}
