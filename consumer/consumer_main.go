package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/consumer/worker"
	infraPkg "github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/repository"
	"github.com/formanova/studio-core/service"
	"github.com/joho/godotenv"
)

func main() {
	err := godotenv.Load("../staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)
	ledger := service.NewBatchLedger(repo, infra.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	itemUpdateConsumer := worker.NewItemUpdateConsumer(infra.RabbitMQ.Channel, ledger, infra.Logger)
	if err := itemUpdateConsumer.Start(ctx); err != nil {
		infra.Logger.ErrorWithContextf(ctx, err, "Failed to start Item Update consumer: %v", err)
		log.Fatalf("Failed to start Item Update consumer: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	infra.Logger.InfoWithContextf(ctx, "Shutting down consumer...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	infra.Shutdown(shutdownCtx)

	log.Println("Consumer exited properly")
}
