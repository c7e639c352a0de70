package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/formanova/studio-core/entity"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

const (
	MinImagesPerBatch = 1
	MaxImagesPerBatch = 10
)

// Uploader is implemented by infra.BlobGateway.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, path string) (entity.BlobLocator, error)
}

type SubmissionImage struct {
	Filename       string          `validate:"omitempty,max=255"`
	ContentType    string          `validate:"required,oneof=image/jpeg image/png image/webp"`
	Data           []byte          `validate:"min=1"`
	SkinTone       string          `validate:"omitempty,oneof=light fair medium olive brown dark"`
	Classification json.RawMessage `validate:"omitempty,json"`
}

type Submission struct {
	UserID            uuid.UUID         `validate:"required"`
	Category          string            `validate:"required,oneof=necklace ring earring bracelet watch"`
	NotificationEmail string            `validate:"omitempty,email"`
	ExternalURL       string            `validate:"omitempty,url"`
	Images            []SubmissionImage `validate:"min=1,max=10,dive"`
	Inspiration       *SubmissionImage  `validate:"omitempty"`
}

type SubmissionFailure struct {
	Sequence int    `json:"sequence"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error"`
}

type SubmissionResult struct {
	BatchID   uuid.UUID           `json:"batch_id"`
	ItemCount int                 `json:"item_count"`
	Submitted int                 `json:"submitted"`
	Failures  []SubmissionFailure `json:"failures,omitempty"`
	Message   string              `json:"message"`
}

// SubmissionService uploads a new batch's images and records the batch.
type SubmissionService struct {
	ledger      *BatchLedger
	uploader    Uploader
	logger      Logger
	validate    *validator.Validate
	concurrency int
}

func NewSubmissionService(ledger *BatchLedger, uploader Uploader, logger Logger, concurrency int) *SubmissionService {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &SubmissionService{
		ledger:      ledger,
		uploader:    uploader,
		logger:      logger,
		validate:    validator.New(),
		concurrency: concurrency,
	}
}

// Validate checks the submission boundary rules without uploading anything.
func (s *SubmissionService) Validate(sub Submission) error {
	err := s.validate.Struct(sub)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe.Namespace())] = describeRule(fe)
	}
	return &ValidationError{Fields: fields}
}

// Submit uploads every image independently. An image that fails to upload
// is reported and left out; the batch is created if at least one succeeded.
func (s *SubmissionService) Submit(ctx context.Context, sub Submission) (*SubmissionResult, error) {
	if err := s.Validate(sub); err != nil {
		return nil, err
	}

	batchID := uuid.New()
	items := make([]*NewBatchItem, len(sub.Images))
	var (
		mu       sync.Mutex
		failures []SubmissionFailure
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, img := range sub.Images {
		sequence := i + 1
		g.Go(func() error {
			path := fmt.Sprintf("inputs/%s/%02d_%s%s", batchID, sequence, uuid.NewString()[:8], extensionFor(img.ContentType))
			loc, err := s.uploader.Upload(gctx, img.Data, img.ContentType, path)
			if err != nil {
				s.logger.WarningWithContextf(gctx, "[Submission] Upload of image %d for batch %s failed: %v", sequence, batchID, err)
				mu.Lock()
				failures = append(failures, SubmissionFailure{Sequence: sequence, Filename: img.Filename, Error: err.Error()})
				mu.Unlock()
				return nil
			}
			item := &NewBatchItem{
				Sequence: sequence,
				InputURL: loc.String(),
				SkinTone: entity.SkinTone(img.SkinTone),
			}
			if len(img.Classification) > 0 {
				item.Classification = datatypes.JSON(img.Classification)
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	accepted := make([]NewBatchItem, 0, len(items))
	for _, item := range items {
		if item != nil {
			accepted = append(accepted, *item)
		}
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].Sequence < failures[j].Sequence })

	if len(accepted) == 0 {
		s.logger.ErrorWithContextf(ctx, nil, "[Submission] None of %d images for batch %s could be uploaded", len(sub.Images), batchID)
		return &SubmissionResult{
			Submitted: len(sub.Images),
			Failures:  failures,
			Message:   fmt.Sprintf("0 of %d images accepted", len(sub.Images)),
		}, ErrNoImagesAccepted
	}

	var inspirationURL string
	if sub.Inspiration != nil {
		path := fmt.Sprintf("inspiration/%s/%s%s", batchID, uuid.NewString()[:8], extensionFor(sub.Inspiration.ContentType))
		loc, err := s.uploader.Upload(ctx, sub.Inspiration.Data, sub.Inspiration.ContentType, path)
		if err != nil {
			s.logger.WarningWithContextf(ctx, "[Submission] Inspiration upload for batch %s failed: %v", batchID, err)
		} else {
			inspirationURL = loc.String()
		}
	}

	batch, err := s.ledger.CreateBatch(ctx, NewBatch{
		ID:                batchID,
		UserID:            sub.UserID,
		Category:          entity.JewelryCategory(sub.Category),
		NotificationEmail: strings.ToLower(sub.NotificationEmail),
		InspirationURL:    inspirationURL,
		ExternalURL:       sub.ExternalURL,
		Items:             accepted,
	})
	if err != nil {
		return nil, err
	}

	return &SubmissionResult{
		BatchID:   batch.ID,
		ItemCount: len(batch.Items),
		Submitted: len(sub.Images),
		Failures:  failures,
		Message:   fmt.Sprintf("%d of %d images accepted", len(batch.Items), len(sub.Images)),
	}, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// fieldPath drops the top-level struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param()
	case "max":
		return "must have at most " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "json":
		return "must be valid JSON"
	}
	return "is invalid"
}
