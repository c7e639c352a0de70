package controller

import (
	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/repository"
	"github.com/formanova/studio-core/service"
)

type Controller struct {
	Config     *config.Config
	Infra      *infra.Infra
	Repository *repository.Repository
	Service    *service.Services
}

func NewController(config *config.Config, infra *infra.Infra, repo *repository.Repository) *Controller {
	if repo == nil {
		panic("Failed to initialize Repository")
	}
	return &Controller{
		Config:     config,
		Infra:      infra,
		Repository: repo,
		Service:    service.InitServices(config, infra, repo),
	}
}
