package main

import (
	"context"
	"log"
	"time"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/http/controller"
	routes "github.com/formanova/studio-core/http/route"
	infraPkg "github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/repository"
	"github.com/joho/godotenv"
)

func main() {
	err := godotenv.Load("staging.env")
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		infra.Shutdown(ctx)
	}()

	repo := repository.InitRepository(infra)

	ctrl := controller.NewController(cfg, infra, repo)

	router := routes.SetupRouter(ctrl)

	addr := ":" + cfg.EnvConfig.HTTPPort
	log.Println("HTTP Server started on " + addr)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
