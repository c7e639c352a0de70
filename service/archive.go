package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const archiveLockTTL = 2 * time.Minute

func archiveKey(deliveryID uuid.UUID) string {
	return "deliveries/" + deliveryID.String() + ".zip"
}

func archiveURLCacheKey(token string) string {
	return "archive-url:" + token
}

func archiveLockKey(deliveryID uuid.UUID) string {
	return "archive-lock:" + deliveryID.String()
}

type ArchiveResult struct {
	Data     []byte
	Included int
	Skipped  int
}

// BuildArchive fetches the items' results with bounded parallelism and zips
// them in sequence order. Items that cannot be fetched are left out; the
// build only fails when none could be fetched.
func (d *DeliveryCoordinator) BuildArchive(ctx context.Context, items []entity.DeliveryItem) (*ArchiveResult, error) {
	ctx, span := d.telemetry.Tracer.Start(ctx, "delivery.build_archive", trace.WithAttributes(
		attribute.Int("archive.items", len(items)),
	))
	defer span.End()

	contents := make([][]byte, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.FetchConcurrency)
	for i := range items {
		g.Go(func() error {
			loc, err := entity.ParseLocator(items[i].ResultURL)
			if err != nil {
				d.logger.WarningWithContextf(gctx, "[Archive] Skipping %s: %v", items[i].Filename, err)
				return nil
			}
			data, err := d.fetcher.Fetch(gctx, loc, d.opts.ArchiveWindow)
			if err != nil {
				d.logger.WarningWithContextf(gctx, "[Archive] Skipping %s: %v", items[i].Filename, err)
				return nil
			}
			contents[i] = data
			return nil
		})
	}
	_ = g.Wait()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	result := &ArchiveResult{}
	for i, item := range items {
		if contents[i] == nil {
			result.Skipped++
			continue
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     item.Filename,
			Method:   zip.Deflate,
			Modified: d.now(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s to archive: %w", item.Filename, err)
		}
		if _, err := w.Write(contents[i]); err != nil {
			return nil, fmt.Errorf("failed to write %s to archive: %w", item.Filename, err)
		}
		result.Included++
	}

	if result.Included == 0 {
		return nil, ErrNoArchiveContent
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}

	result.Data = buf.Bytes()
	return result, nil
}

type ArchiveLink struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// ArchiveForToken returns a download link for the delivery's ZIP, building
// and storing it on first request. Concurrent first requests are serialized
// by a lock; the losers get ErrArchiveInProgress.
func (d *DeliveryCoordinator) ArchiveForToken(ctx context.Context, token string) (*ArchiveLink, error) {
	var cached ArchiveLink
	if token != "" {
		if err := d.cache.Get(ctx, archiveURLCacheKey(token), &cached); err == nil && cached.URL != "" {
			return &cached, nil
		}
	}

	record, err := d.findByToken(token)
	if err != nil {
		return nil, err
	}

	key := archiveKey(record.ID)
	filename := fmt.Sprintf("%s_results.zip", record.Category)

	exists, err := d.store.ArchiveExists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := d.buildAndStore(ctx, record, key); err != nil {
			return nil, err
		}
	}

	url, err := d.store.PresignArchive(ctx, key, filename, d.opts.ArchiveWindow)
	if err != nil {
		return nil, err
	}
	link := &ArchiveLink{URL: url, Filename: filename}
	if err := d.cache.Set(ctx, archiveURLCacheKey(token), link, d.opts.ArchiveWindow/2); err != nil {
		d.logger.WarningWithContextf(ctx, "[Archive] Failed to cache archive link of delivery %s: %v", record.ID, err)
	}
	return link, nil
}

func (d *DeliveryCoordinator) buildAndStore(ctx context.Context, record *entity.DeliveryRecord, key string) error {
	lockToken, acquired, err := d.cache.AcquireLock(ctx, archiveLockKey(record.ID), archiveLockTTL)
	if err != nil {
		return fmt.Errorf("failed to lock archive build: %w", err)
	}
	if !acquired {
		return ErrArchiveInProgress
	}
	defer func() {
		if err := d.cache.ReleaseLock(context.WithoutCancel(ctx), archiveLockKey(record.ID), lockToken); err != nil {
			d.logger.WarningWithContextf(ctx, "[Archive] Failed to release build lock of delivery %s: %v", record.ID, err)
		}
	}()

	// Another request may have finished the build while we waited for the lock.
	if exists, err := d.store.ArchiveExists(ctx, key); err == nil && exists {
		return nil
	}

	result, err := d.BuildArchive(ctx, record.Items)
	if err != nil {
		if errors.Is(err, ErrNoArchiveContent) {
			d.logger.WarningWithContextf(ctx, "[Archive] Delivery %s has zero images available", record.ID)
		}
		return err
	}

	if err := d.store.PutArchive(ctx, key, bytes.NewReader(result.Data), int64(len(result.Data))); err != nil {
		return err
	}
	d.telemetry.ArchiveBuilds.Add(ctx, 1)
	d.logger.InfoWithContextf(ctx, "[Archive] Stored archive of delivery %s: %d images, %d skipped", record.ID, result.Included, result.Skipped)
	return nil
}
