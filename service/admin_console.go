package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/repository"
	"github.com/formanova/studio-core/utils"
	"gorm.io/gorm"
)

// AdminPolicy decides who may use the admin console.
type AdminPolicy struct {
	Secret    string
	Allowlist []string
}

func NewAdminPolicy(secret string, allowlist []string) AdminPolicy {
	normalized := make([]string, 0, len(allowlist))
	for _, email := range allowlist {
		if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
			normalized = append(normalized, email)
		}
	}
	return AdminPolicy{Secret: secret, Allowlist: normalized}
}

// Authorize admits a caller presenting the shared secret, or one whose
// verified email is on the allowlist.
func (p AdminPolicy) Authorize(presentedSecret, email string) error {
	if presentedSecret != "" {
		if p.Secret != "" && utils.SecureCompare(presentedSecret, p.Secret) {
			return nil
		}
		return ErrUnauthorized
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ErrUnauthorized
	}
	for _, allowed := range p.Allowlist {
		if allowed == email {
			return nil
		}
	}
	return ErrForbidden
}

type BatchPage struct {
	Batches  []entity.BatchJob `json:"batches"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

type BatchDetail struct {
	Batch *entity.BatchJob `json:"batch"`
	Items []ResolvedItem   `json:"items"`
}

// AdminCaller is what a request presents to the admin console.
type AdminCaller struct {
	Secret string
	// Email comes from a verified bearer token, never from the request body.
	Email string
}

// AdminConsole runs admin commands against the ledger and the delivery coordinator.
type AdminConsole struct {
	policy        AdminPolicy
	repo          *repository.Repository
	ledger        *BatchLedger
	delivery      *DeliveryCoordinator
	linker        *AssetLinker
	previewWindow time.Duration
}

func NewAdminConsole(policy AdminPolicy, repo *repository.Repository, ledger *BatchLedger, delivery *DeliveryCoordinator, linker *AssetLinker, previewWindow time.Duration) *AdminConsole {
	return &AdminConsole{
		policy:        policy,
		repo:          repo,
		ledger:        ledger,
		delivery:      delivery,
		linker:        linker,
		previewWindow: previewWindow,
	}
}

func (a *AdminConsole) Authorize(caller AdminCaller) error {
	return a.policy.Authorize(caller.Secret, caller.Email)
}

// Execute authorizes caller and runs cmd.
func (a *AdminConsole) Execute(ctx context.Context, caller AdminCaller, cmd AdminCommand) (interface{}, error) {
	if err := a.Authorize(caller); err != nil {
		return nil, err
	}

	switch c := cmd.(type) {
	case ListBatches:
		return a.listBatches(c)
	case GetBatch:
		return a.batchDetail(ctx, c)
	case ForceStatus:
		return a.ledger.ForceStatus(ctx, c.BatchID, c.Status)
	case ReleaseOverride:
		return a.ledger.ReleaseOverride(ctx, c.BatchID)
	case DeleteOutput:
		return a.ledger.DeleteOutput(ctx, c.ItemID)
	case DeleteBatch:
		return nil, a.ledger.DeleteBatch(ctx, c.BatchID)
	case PackageBatch:
		return a.delivery.Package(ctx, c.BatchID, PackageOptions{Recipient: c.Recipient})
	case SendDelivery:
		return a.delivery.Send(ctx, c.DeliveryID)
	case DeliverReady:
		return a.delivery.DeliverReady(ctx)
	case DeleteDelivery:
		return nil, a.delivery.DeleteDelivery(ctx, c.DeliveryID)
	case ExportManifest:
		return a.delivery.ExportManifest(ctx, c.DeliveryID)
	default:
		return nil, fmt.Errorf("unsupported admin command %T", cmd)
	}
}

func (a *AdminConsole) listBatches(c ListBatches) (*BatchPage, error) {
	if c.Status != "" && !c.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, c.Status)
	}
	filter := repository.BatchFilter{
		Status:   c.Status,
		Category: c.Category,
		Email:    c.Email,
		Page:     c.Page,
		PageSize: c.PageSize,
	}
	batches, total, err := a.repo.BatchRepo.List(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	page, pageSize := filter.Paging()
	return &BatchPage{Batches: batches, Total: total, Page: page, PageSize: pageSize}, nil
}

// batchDetail loads a batch with its items resolved for preview.
func (a *AdminConsole) batchDetail(ctx context.Context, c GetBatch) (*BatchDetail, error) {
	batch, err := a.repo.BatchRepo.FindByIDWithItems(c.BatchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	items := a.linker.ResolveItems(ctx, batch.Items, a.previewWindow)
	batch.Items = nil
	return &BatchDetail{Batch: batch, Items: items}, nil
}
