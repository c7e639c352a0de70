package controller

import (
	"net/http"

	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
)

// GetResults serves the public results page data for a delivery token.
func (ctrl *Controller) GetResults(c *gin.Context) {
	view, err := ctrl.Service.Delivery.ResultsForToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		ctrl.respondError(c, "Results", err)
		return
	}
	utils.JSON200(c, view)
}

// GetResultsArchive redirects to the delivery's ZIP, building it on first use.
func (ctrl *Controller) GetResultsArchive(c *gin.Context) {
	link, err := ctrl.Service.Delivery.ArchiveForToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		ctrl.respondError(c, "Results", err)
		return
	}
	if c.Query("format") == "json" {
		utils.JSON200(c, link)
		return
	}
	c.Redirect(http.StatusFound, link.URL)
}
