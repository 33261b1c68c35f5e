package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/almasraf/blocking-service/internal/api"
	"github.com/almasraf/blocking-service/internal/config"
	"github.com/almasraf/blocking-service/internal/handler"
	"github.com/almasraf/blocking-service/internal/infrastructure/kafka"
	"github.com/almasraf/blocking-service/internal/infrastructure/redis"
	"github.com/almasraf/blocking-service/internal/observability"
	core "github.com/almasraf/blocking-service/internal/repository/postgres"
	service "github.com/almasraf/blocking-service/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()

	shutdown := observability.Setup("blocking-service")
	defer shutdown(context.Background())

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()

	transactionRepo := core.NewPostgresTransactionRepository(db)
	permissionRepo := core.NewPostgresPermissionRepository(db)
	userRepo := core.NewPostgresUserRepository(db)
	redisClient := redis.NewClient(cfg.RedisAddr)
	kafkaProducer := kafka.NewProducer(cfg.KafkaBrokers)
	defer kafkaProducer.Close()

	workflowService := service.NewWorkflowService(transactionRepo, kafkaProducer)
	permissionService := service.NewPermissionService(permissionRepo, redisClient)
	authService := service.NewAuthService(userRepo, redisClient, cfg.JWTSecret)

	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	ingestConsumer := kafka.NewConsumer(cfg.KafkaBrokers, "transactions", "blocking-service-group", transactionRepo)
	go ingestConsumer.Consume(consumerCtx)
	defer ingestConsumer.Close()
	defer cancelConsumer()

	h := handler.NewHandler(workflowService, permissionService, authService)
	router := api.SetupRouter(h, permissionService, userRepo, redisClient, cfg.JWTSecret)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}
