package controller

import (
	"net/http"

	"github.com/formanova/studio-core/http/controller/dto"
	"github.com/formanova/studio-core/infra/produce"
	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
)

func (ctrl *Controller) PipelineCommand(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.PipelineCommandRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Pipeline] Failed to bind command: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	if req.Action == "bulk_update" && req.Async {
		ctrl.queueItemUpdates(c, req.Updates)
		return
	}

	cmd, err := req.ToCommand()
	if err != nil {
		utils.JSON400(c, err.Error())
		return
	}

	out, err := ctrl.Service.Pipeline.Execute(ctx, cmd)
	if err != nil {
		ctrl.respondError(c, "Pipeline", err)
		return
	}
	utils.JSON200(c, gin.H{"data": out})
}

func (ctrl *Controller) queueItemUpdates(c *gin.Context, updates []produce.ItemUpdate) {
	ctx := c.Request.Context()
	if len(updates) == 0 {
		utils.JSON400(c, "updates is required")
		return
	}

	err := ctrl.Infra.Produce.ItemUpdateService.PublishItemUpdates(ctx, produce.ItemUpdateMessage{
		Updates: updates,
		Source:  "pipeline-api",
	})
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Pipeline] Failed to queue %d item updates: %v", len(updates), err)
		utils.JSON502(c, "Failed to queue updates")
		return
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Pipeline] Queued %d item updates", len(updates))
	c.JSON(http.StatusAccepted, gin.H{"queued": len(updates)})
}
