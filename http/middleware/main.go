package middlewares

import (
	"github.com/formanova/studio-core/http/controller"
	"github.com/gin-gonic/gin"
)

type Middlewares struct {
	CORSMiddleware     gin.HandlerFunc
	AuthMiddleware     gin.HandlerFunc
	AdminMiddleware    gin.HandlerFunc
	PipelineMiddleware gin.HandlerFunc
}

func NewMiddlewares(ctrl *controller.Controller) (*Middlewares, error) {
	cors := CORSMiddleware(ctrl.Config.EnvConfig)
	auth := AuthMiddleware(ctrl.Config.EnvConfig)
	admin := AdminMiddleware(ctrl.Service.Admin, ctrl.Config.EnvConfig)
	pipeline := PipelineKeyMiddleware(ctrl.Config.EnvConfig)

	return &Middlewares{
		CORSMiddleware:     cors,
		AuthMiddleware:     auth,
		AdminMiddleware:    admin,
		PipelineMiddleware: pipeline,
	}, nil
}
