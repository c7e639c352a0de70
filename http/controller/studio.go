package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/http/controller/dto"
	"github.com/formanova/studio-core/repository"
	"github.com/formanova/studio-core/service"
	"github.com/formanova/studio-core/utils"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaxImageSize caps each uploaded image (20MB).
const MaxImageSize int64 = 20 * 1024 * 1024

func (ctrl *Controller) SubmitBatch(c *gin.Context) {
	ctx := c.Request.Context()
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Studio] user_id not found in context")
		utils.JSON401(c, "Unauthorized: user_id not found")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Studio] Invalid multipart form: %v", err)
		utils.JSON400(c, "Invalid multipart form")
		return
	}

	files := form.File["images"]
	if len(files) > service.MaxImagesPerBatch {
		utils.JSON400(c, fmt.Sprintf("At most %d images per batch", service.MaxImagesPerBatch))
		return
	}
	skinTones := form.Value["skin_tone"]
	classifications := form.Value["classification"]

	sub := service.Submission{
		UserID:            userID,
		Category:          strings.ToLower(strings.TrimSpace(c.PostForm("category"))),
		NotificationEmail: strings.TrimSpace(c.PostForm("notification_email")),
		ExternalURL:       strings.TrimSpace(c.PostForm("external_url")),
	}
	if sub.NotificationEmail == "" {
		sub.NotificationEmail = c.GetString("email")
	}

	for i, fh := range files {
		img, err := readImage(fh)
		if err != nil {
			ctrl.Infra.Logger.WarningWithContextf(ctx, "[Studio] Failed to read image %d: %v", i+1, err)
			utils.JSON400(c, fmt.Sprintf("Failed to read image %d: %v", i+1, err))
			return
		}
		if i < len(skinTones) {
			img.SkinTone = strings.ToLower(strings.TrimSpace(skinTones[i]))
		}
		if i < len(classifications) {
			if raw := strings.TrimSpace(classifications[i]); raw != "" {
				img.Classification = json.RawMessage(raw)
			}
		}
		sub.Images = append(sub.Images, img)
	}

	if inspiration := form.File["inspiration"]; len(inspiration) > 0 {
		img, err := readImage(inspiration[0])
		if err != nil {
			utils.JSON400(c, "Failed to read inspiration image: "+err.Error())
			return
		}
		sub.Inspiration = &img
	}

	result, err := ctrl.Service.Submission.Submit(ctx, sub)
	if err != nil {
		if errors.Is(err, service.ErrNoImagesAccepted) && result != nil {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error":    result.Message,
				"failures": result.Failures,
			})
			return
		}
		ctrl.respondError(c, "Studio", err)
		return
	}

	ctrl.Infra.Logger.InfoWithContextf(ctx, "[Studio] Batch %s submitted by %s: %s", result.BatchID, userID, result.Message)
	utils.JSON201(c, result)
}

func readImage(fh *multipart.FileHeader) (service.SubmissionImage, error) {
	if fh.Size > MaxImageSize {
		return service.SubmissionImage{}, fmt.Errorf("%s exceeds %d bytes", fh.Filename, MaxImageSize)
	}
	f, err := fh.Open()
	if err != nil {
		return service.SubmissionImage{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxImageSize+1))
	if err != nil {
		return service.SubmissionImage{}, err
	}
	if int64(len(data)) > MaxImageSize {
		return service.SubmissionImage{}, fmt.Errorf("%s exceeds %d bytes", fh.Filename, MaxImageSize)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return service.SubmissionImage{
		Filename:    fh.Filename,
		ContentType: contentType,
		Data:        data,
	}, nil
}

func (ctrl *Controller) ListMyBatches(c *gin.Context) {
	ctx := c.Request.Context()
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		utils.JSON401(c, "Unauthorized: user_id not found")
		return
	}

	var query dto.ListBatchesQueryDTO
	if err := c.ShouldBindQuery(&query); err != nil {
		utils.JSON400(c, "Invalid query parameters")
		return
	}

	batches, total, err := ctrl.Repository.BatchRepo.List(repository.BatchFilter{
		UserID:   &userID,
		Status:   entity.BatchStatus(query.Status),
		Page:     query.Page,
		PageSize: query.PageSize,
	})
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Studio] Failed to list batches of %s: %v", userID, err)
		utils.JSON500(c, "Failed to list batches")
		return
	}

	utils.JSON200(c, gin.H{
		"batches": batches,
		"total":   total,
	})
}

func (ctrl *Controller) GetMyBatch(c *gin.Context) {
	ctx := c.Request.Context()
	batch, ok := ctrl.ownedBatch(c)
	if !ok {
		return
	}

	items := ctrl.Service.Linker.ResolveItems(ctx, batch.Items, ctrl.Config.EnvConfig.Delivery.PreviewWindow)
	batch.Items = nil
	utils.JSON200(c, gin.H{
		"batch":  batch,
		"images": items,
	})
}

// DownloadItem redirects to a short-lived read URL for one finished result.
func (ctrl *Controller) DownloadItem(c *gin.Context) {
	ctx := c.Request.Context()
	batch, ok := ctrl.ownedBatch(c)
	if !ok {
		return
	}

	itemID, err := uuid.Parse(c.Param("item_id"))
	if err != nil {
		utils.JSON400(c, "Invalid item_id format")
		return
	}

	var item *entity.BatchItem
	for i := range batch.Items {
		if batch.Items[i].ID == itemID {
			item = &batch.Items[i]
			break
		}
	}
	if item == nil {
		utils.JSON404(c, "Image not found")
		return
	}
	if item.Status != entity.ItemStatusCompleted || item.ResultURL == nil {
		utils.JSON409(c, "Image has no result yet")
		return
	}

	signed, err := ctrl.Service.Linker.Resolve(*item.ResultURL, ctrl.Config.EnvConfig.Delivery.DownloadWindow)
	if err != nil {
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Studio] Failed to sign result of item %s: %v", itemID, err)
		utils.JSON500(c, "Failed to create download link")
		return
	}
	c.Redirect(http.StatusFound, signed)
}

// ownedBatch loads the :id batch and checks that the caller owns it.
func (ctrl *Controller) ownedBatch(c *gin.Context) (*entity.BatchJob, bool) {
	ctx := c.Request.Context()
	userID, err := utils.GetUserIDFromContext(c)
	if err != nil {
		utils.JSON401(c, "Unauthorized: user_id not found")
		return nil, false
	}

	batchID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.JSON400(c, "Invalid batch_id format")
		return nil, false
	}

	batch, err := ctrl.Repository.BatchRepo.FindByIDWithItems(batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.JSON404(c, "Batch not found")
			return nil, false
		}
		ctrl.Infra.Logger.ErrorWithContextf(ctx, err, "[Studio] Failed to load batch %s: %v", batchID, err)
		utils.JSON500(c, "Failed to load batch")
		return nil, false
	}

	if batch.UserID != userID {
		ctrl.Infra.Logger.WarningWithContextf(ctx, "[Studio] User %s attempted to read batch %s owned by %s", userID, batchID, batch.UserID)
		utils.JSON404(c, "Batch not found")
		return nil, false
	}
	return batch, true
}
