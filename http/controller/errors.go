package controller

import (
	"errors"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/service"
	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
)

// respondError maps service errors onto HTTP statuses. Anything unknown is
// logged and reported as a 500 without its message.
func (ctrl *Controller) respondError(c *gin.Context, scope string, err error) {
	var verr *service.ValidationError
	var uploadErr *infra.UploadFailedError

	switch {
	case errors.As(err, &verr):
		utils.JSON422(c, verr.Error())
	case errors.Is(err, service.ErrUnauthorized):
		utils.JSON401(c, "Unauthorized")
	case errors.Is(err, service.ErrForbidden):
		utils.JSON403(c, "Forbidden")
	case errors.Is(err, service.ErrBatchNotFound),
		errors.Is(err, service.ErrItemNotFound),
		errors.Is(err, service.ErrDeliveryNotFound):
		utils.JSON404(c, err.Error())
	case errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrMissingResult),
		errors.Is(err, service.ErrNoRecipient),
		errors.Is(err, entity.ErrInvalidLocator):
		utils.JSON400(c, err.Error())
	case errors.Is(err, service.ErrNoDeliverableContent),
		errors.Is(err, service.ErrNoArchiveContent),
		errors.Is(err, service.ErrNoImagesAccepted):
		utils.JSON422(c, err.Error())
	case errors.Is(err, service.ErrArchiveInProgress),
		errors.Is(err, service.ErrAlreadyDelivered),
		errors.Is(err, service.ErrReconciliationConflict):
		utils.JSON409(c, err.Error())
	case errors.As(err, &uploadErr), errors.Is(err, service.ErrTransportFailed):
		ctrl.Infra.Logger.ErrorWithContextf(c.Request.Context(), err, "[%s] Upstream failure: %v", scope, err)
		utils.JSON502(c, "Upstream service failed")
	default:
		ctrl.Infra.Logger.ErrorWithContextf(c.Request.Context(), err, "[%s] Unexpected error: %v", scope, err)
		utils.JSON500(c, "Internal server error")
	}
}
