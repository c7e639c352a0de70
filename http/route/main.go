package routes

import (
	"github.com/formanova/studio-core/http/controller"
	middlewares "github.com/formanova/studio-core/http/middleware"
	"github.com/gin-gonic/gin"
)

func SetupRouter(ctrl *controller.Controller) *gin.Engine {
	r := gin.Default()
	middles, err := middlewares.NewMiddlewares(ctrl)
	if err != nil {
		panic(err)
	}
	r.Use(middles.CORSMiddleware)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	resultRoutes := r.Group("/results")
	{
		resultRoutes.GET("/:token", ctrl.GetResults)
		resultRoutes.GET("/:token/archive", ctrl.GetResultsArchive)
	}

	apiRoutes := r.Group("/api/v1")
	{
		batchRoutes := apiRoutes.Group("/batches")
		{
			batchRoutes.Use(middles.AuthMiddleware)
			batchRoutes.POST("/", ctrl.SubmitBatch)
			batchRoutes.GET("/", ctrl.ListMyBatches)
			batchRoutes.GET("/:id", ctrl.GetMyBatch)
			batchRoutes.GET("/:id/items/:item_id/download", ctrl.DownloadItem)
		}

		pipelineRoutes := apiRoutes.Group("/pipeline")
		{
			pipelineRoutes.Use(middles.PipelineMiddleware)
			pipelineRoutes.POST("/commands", ctrl.PipelineCommand)
		}

		adminRoutes := apiRoutes.Group("/admin")
		{
			adminRoutes.Use(middles.AdminMiddleware)
			adminRoutes.POST("/commands", ctrl.AdminCommand)
			adminRoutes.GET("/deliveries/:id/manifest", ctrl.ExportManifest)
		}
	}
	return r
}
