package controller

import (
	"fmt"

	"github.com/formanova/studio-core/http/controller/dto"
	"github.com/formanova/studio-core/service"
	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AdminCallerKey is where the admin middleware stores the authorized caller.
const AdminCallerKey = "admin_caller"

func adminCaller(c *gin.Context) service.AdminCaller {
	if v, ok := c.Get(AdminCallerKey); ok {
		if caller, ok := v.(service.AdminCaller); ok {
			return caller
		}
	}
	return service.AdminCaller{}
}

func (ctrl *Controller) AdminCommand(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.AdminCommandRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Admin] Failed to bind command: %v", err)
		utils.JSON400(c, "Invalid request payload")
		return
	}

	cmd, err := req.ToCommand()
	if err != nil {
		utils.JSON400(c, err.Error())
		return
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Admin] Running %s", req.Action)
	out, err := ctrl.Service.Admin.Execute(ctx, adminCaller(c), cmd)
	if err != nil {
		ctrl.respondError(c, "Admin", err)
		return
	}

	switch v := out.(type) {
	case []byte:
		c.Data(200, "text/csv; charset=utf-8", v)
	case nil:
		utils.JSON200(c, gin.H{"message": req.Action + " done"})
	default:
		utils.JSON200(c, gin.H{"data": v})
	}
}

// ExportManifest downloads a delivery's manifest as a CSV attachment.
func (ctrl *Controller) ExportManifest(c *gin.Context) {
	ctx := c.Request.Context()

	deliveryID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid delivery_id format")
		return
	}

	out, err := ctrl.Service.Admin.Execute(ctx, adminCaller(c), service.ExportManifest{DeliveryID: deliveryID})
	if err != nil {
		ctrl.respondError(c, "Admin", err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "delivery_"+deliveryID.String()+".csv"))
	c.Data(200, "text/csv; charset=utf-8", out.([]byte))
}
