package service

import (
	"context"
	"fmt"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const defaultLinkConcurrency = 16

// ReadURLMinter is implemented by infra.BlobGateway.
type ReadURLMinter interface {
	MintReadURL(loc entity.BlobLocator, perms utils.Permission, window time.Duration) (string, error)
}

// AssetLinker turns stored locators into time-limited read URLs.
type AssetLinker struct {
	minter      ReadURLMinter
	concurrency int
}

func NewAssetLinker(minter ReadURLMinter, concurrency int) *AssetLinker {
	if concurrency <= 0 {
		concurrency = defaultLinkConcurrency
	}
	return &AssetLinker{minter: minter, concurrency: concurrency}
}

// Resolve signs a read-only grant over the stored locator raw.
func (a *AssetLinker) Resolve(raw string, window time.Duration) (string, error) {
	loc, err := entity.ParseLocator(raw)
	if err != nil {
		return "", err
	}
	return a.minter.MintReadURL(loc, utils.PermissionRead, window)
}

// ResolveOptional passes a nil locator through as nil.
func (a *AssetLinker) ResolveOptional(raw *string, window time.Duration) (*string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	resolved, err := a.Resolve(*raw, window)
	if err != nil {
		return nil, err
	}
	return &resolved, nil
}

// ResolvedItem is a read-only view of a BatchItem with displayable URLs.
type ResolvedItem struct {
	ID             uuid.UUID         `json:"id"`
	Sequence       int               `json:"sequence"`
	Status         entity.ItemStatus `json:"status"`
	SkinTone       entity.SkinTone   `json:"skin_tone,omitempty"`
	InputURL       *string           `json:"input_url"`
	ResultURL      *string           `json:"result_url"`
	MaskURL        *string           `json:"mask_url"`
	ThumbnailURL   *string           `json:"thumbnail_url"`
	InspirationURL *string           `json:"inspiration_url"`
	ErrorMessage   *string           `json:"error_message,omitempty"`
	ResolveError   string            `json:"resolve_error,omitempty"`
}

// ResolveItems resolves every locator of items concurrently. The output keeps
// the input order and items are not modified. An item whose locators cannot
// be resolved carries ResolveError instead of failing the whole call.
func (a *AssetLinker) ResolveItems(ctx context.Context, items []entity.BatchItem, window time.Duration) []ResolvedItem {
	out := make([]ResolvedItem, len(items))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range items {
		item := items[i]
		g.Go(func() error {
			out[i] = a.resolveItem(item, window)
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (a *AssetLinker) resolveItem(item entity.BatchItem, window time.Duration) ResolvedItem {
	view := ResolvedItem{
		ID:           item.ID,
		Sequence:     item.Sequence,
		Status:       item.Status,
		SkinTone:     item.SkinTone,
		ErrorMessage: item.ErrorMessage,
	}

	input := item.InputURL
	fields := []struct {
		src *string
		dst **string
	}{
		{&input, &view.InputURL},
		{item.ResultURL, &view.ResultURL},
		{item.MaskURL, &view.MaskURL},
		{item.ThumbnailURL, &view.ThumbnailURL},
		{item.InspirationURL, &view.InspirationURL},
	}
	for _, f := range fields {
		resolved, err := a.ResolveOptional(f.src, window)
		if err != nil {
			view.ResolveError = err.Error()
			continue
		}
		*f.dst = resolved
	}
	return view
}

// ResolveAll resolves raw locators concurrently, keeping their order.
// It fails on the first locator that cannot be resolved.
func (a *AssetLinker) ResolveAll(ctx context.Context, raws []string, window time.Duration) ([]string, error) {
	out := make([]string, len(raws))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i := range raws {
		g.Go(func() error {
			resolved, err := a.Resolve(raws[i], window)
			if err != nil {
				return fmt.Errorf("failed to resolve locator %d: %w", i, err)
			}
			out[i] = resolved
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
