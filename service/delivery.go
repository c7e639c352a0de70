package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/infra/produce"
	"github.com/formanova/studio-core/repository"
	"github.com/formanova/studio-core/utils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
)

// tokenBytes is the entropy of a delivery token (256 bits).
const tokenBytes = 32

// Mailer is implemented by produce.EmailService. A nil error means the mail
// transport has accepted the message.
type Mailer interface {
	SendDeliveryEmail(ctx context.Context, email produce.DeliveryEmail) error
}

// BlobFetcher is implemented by infra.BlobGateway.
type BlobFetcher interface {
	Fetch(ctx context.Context, loc entity.BlobLocator, window time.Duration) ([]byte, error)
}

// ArchiveStore is implemented by infra.MinioClient.
type ArchiveStore interface {
	ArchiveExists(ctx context.Context, key string) (bool, error)
	PutArchive(ctx context.Context, key string, r io.Reader, size int64) error
	PresignArchive(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
	DeleteArchive(ctx context.Context, key string) error
}

// Cache is implemented by infra.RedisClient.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type DeliveryOptions struct {
	PublicBaseURL string
	// EmailWindow bounds the links a notification hands out.
	EmailWindow    time.Duration
	ResultsWindow  time.Duration
	ArchiveWindow  time.Duration
	ManifestWindow time.Duration
	// SendLease is how long a send claim blocks other senders.
	SendLease        time.Duration
	FetchConcurrency int
}

func DeliveryOptionsFromConfig(cfg *config.EnvConfig) DeliveryOptions {
	return DeliveryOptions{
		PublicBaseURL:    cfg.Delivery.PublicBaseURL,
		EmailWindow:      cfg.Delivery.EmailWindow,
		ResultsWindow:    cfg.Delivery.ResultsWindow,
		ArchiveWindow:    cfg.Delivery.ArchiveWindow,
		ManifestWindow:   cfg.Delivery.DownloadWindow,
		SendLease:        cfg.Delivery.SendLease,
		FetchConcurrency: cfg.Delivery.FetchConcurrency,
	}
}

type DeliveryDeps struct {
	Mailer    Mailer
	Fetcher   BlobFetcher
	Store     ArchiveStore
	Cache     Cache
	Logger    Logger
	Telemetry *infra.Telemetry
}

// DeliveryCoordinator packages finished batches and sends each package at
// most once.
type DeliveryCoordinator struct {
	repo      *repository.Repository
	linker    *AssetLinker
	mailer    Mailer
	fetcher   BlobFetcher
	store     ArchiveStore
	cache     Cache
	logger    Logger
	telemetry *infra.Telemetry
	opts      DeliveryOptions

	now      func() time.Time
	newToken func() (string, error)
}

func NewDeliveryCoordinator(repo *repository.Repository, linker *AssetLinker, deps DeliveryDeps, opts DeliveryOptions) *DeliveryCoordinator {
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = 8
	}
	if opts.SendLease <= 0 {
		opts.SendLease = 5 * time.Minute
	}
	opts.PublicBaseURL = strings.TrimSuffix(opts.PublicBaseURL, "/")
	telemetry := deps.Telemetry
	if telemetry == nil {
		telemetry = infra.NewNoopTelemetry()
	}
	return &DeliveryCoordinator{
		repo:      repo,
		linker:    linker,
		mailer:    deps.Mailer,
		fetcher:   deps.Fetcher,
		store:     deps.Store,
		cache:     deps.Cache,
		logger:    deps.Logger,
		telemetry: telemetry,
		opts:      opts,
		now:       time.Now,
		newToken:  newDeliveryToken,
	}
}

func newDeliveryToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate delivery token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ResultsURL is the public page a delivery token opens.
func (d *DeliveryCoordinator) ResultsURL(token string) string {
	return d.opts.PublicBaseURL + "/results/" + token
}

type PackageOptions struct {
	// Recipient overrides the batch's notification address.
	Recipient string
	// ItemIDs restricts the package to these items when non-empty.
	ItemIDs []uuid.UUID
	// Filenames holds caller-chosen export names by item id.
	Filenames map[uuid.UUID]string
}

// Package creates a delivery record over the batch's completed items that
// have a result.
func (d *DeliveryCoordinator) Package(ctx context.Context, batchID uuid.UUID, opts PackageOptions) (*entity.DeliveryRecord, error) {
	batch, err := d.repo.BatchRepo.FindByID(batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	if batch.Status == entity.BatchStatusDelivered {
		return nil, ErrAlreadyDelivered
	}
	if _, err := d.repo.DeliveryRepo.FindDeliveredByBatchID(batchID); err == nil {
		return nil, ErrAlreadyDelivered
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check earlier deliveries: %w", err)
	}

	items, err := d.repo.BatchItemRepo.FindDeliverable(batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliverable items: %w", err)
	}
	if len(opts.ItemIDs) > 0 {
		wanted := make(map[uuid.UUID]struct{}, len(opts.ItemIDs))
		for _, id := range opts.ItemIDs {
			wanted[id] = struct{}{}
		}
		filtered := items[:0]
		for _, item := range items {
			if _, ok := wanted[item.ID]; ok {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	if len(items) == 0 {
		d.logger.WarningWithContextf(ctx, "[Delivery] Batch %s has no deliverable content", batchID)
		return nil, ErrNoDeliverableContent
	}

	recipient := strings.TrimSpace(opts.Recipient)
	if recipient == "" {
		recipient = batch.NotificationEmail
	}
	if recipient == "" {
		return nil, ErrNoRecipient
	}

	record := &entity.DeliveryRecord{
		ID:             uuid.New(),
		BatchID:        batch.ID,
		Category:       batch.Category,
		RecipientEmail: strings.ToLower(recipient),
		DeliveryStatus: entity.DeliveryStatusCompleted,
	}

	used := make(map[string]struct{}, len(items))
	for _, item := range items {
		name := uniqueExportFilename(item, opts.Filenames[item.ID], used)
		used[name] = struct{}{}

		record.Items = append(record.Items, entity.DeliveryItem{
			ID:          uuid.New(),
			DeliveryID:  record.ID,
			BatchItemID: item.ID,
			Sequence:    item.Sequence,
			ResultURL:   *item.ResultURL,
			Filename:    name,
		})
	}

	if err := d.repo.DeliveryRepo.Create(record); err != nil {
		d.logger.ErrorWithContextf(ctx, err, "[Delivery] Failed to create delivery for batch %s: %v", batchID, err)
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}

	d.logger.InfoWithContextf(ctx, "[Delivery] Packaged %d images of batch %s as delivery %s", len(record.Items), batchID, record.ID)
	return record, nil
}

// exportFilename is the caller's name when usable, otherwise result_{n}.{ext}
// from the item's sequence.
func exportFilename(item entity.BatchItem, requested string) string {
	ext := resultExtension(*item.ResultURL)
	if name := path.Base(strings.ReplaceAll(strings.TrimSpace(requested), "\\", "/")); name != "" && name != "." && name != "/" {
		if path.Ext(name) == "" {
			name += ext
		}
		return name
	}
	return "result_" + strconv.Itoa(item.Sequence) + ext
}

// uniqueExportFilename falls back to the sequence name when the requested
// one is taken, then appends _2, _3, ... until the name is free.
func uniqueExportFilename(item entity.BatchItem, requested string, used map[string]struct{}) string {
	name := exportFilename(item, requested)
	if _, taken := used[name]; !taken {
		return name
	}
	name = exportFilename(item, "")
	if _, taken := used[name]; !taken {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for k := 2; ; k++ {
		candidate := base + "_" + strconv.Itoa(k) + ext
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}

func resultExtension(raw string) string {
	p := raw
	if loc, err := entity.ParseLocator(raw); err == nil {
		p = loc.Path
	}
	if ext := strings.ToLower(path.Ext(p)); ext != "" && len(ext) <= 6 {
		return ext
	}
	return ".jpg"
}

type SendStatus string

const (
	SendStatusSent    SendStatus = "sent"
	SendStatusFailed  SendStatus = "failed"
	SendStatusSkipped SendStatus = "skipped"
)

type SendResult struct {
	DeliveryID  uuid.UUID  `json:"delivery_id"`
	Status      SendStatus `json:"status"`
	Recipient   string     `json:"recipient"`
	Token       string     `json:"token,omitempty"`
	DeliveryURL string     `json:"delivery_url,omitempty"`
	Error       string     `json:"error,omitempty"`
	// Err is set when Status is failed and wraps ErrTransportFailed.
	Err error `json:"-"`
}

// Send notifies the recipient and marks the delivery and its batch delivered.
// A delivered record is skipped, as is one another sender currently holds.
// A transport failure leaves the record completed so the send can be retried;
// the returned error is reserved for ledger failures.
func (d *DeliveryCoordinator) Send(ctx context.Context, deliveryID uuid.UUID) (*SendResult, error) {
	ctx, span := d.telemetry.Tracer.Start(ctx, "delivery.send")
	defer span.End()

	record, err := d.repo.DeliveryRepo.FindByID(deliveryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}

	result := &SendResult{DeliveryID: record.ID, Recipient: record.RecipientEmail}
	logRecipient := d.redact(record.RecipientEmail)

	if record.DeliveryStatus == entity.DeliveryStatusDelivered {
		d.logger.InfoWithContextf(ctx, "[Delivery] Delivery %s already delivered, skipping", deliveryID)
		return d.outcome(ctx, result, SendStatusSkipped), nil
	}

	now := d.now()
	claim := uuid.NewString()
	claimed, err := d.claimSend(record, claim, now)
	if err != nil {
		return nil, fmt.Errorf("failed to claim delivery: %w", err)
	}
	if !claimed {
		d.logger.InfoWithContextf(ctx, "[Delivery] Batch of delivery %s is delivered or being sent elsewhere, skipping", deliveryID)
		return d.outcome(ctx, result, SendStatusSkipped), nil
	}

	token, err := d.newToken()
	if err == nil {
		err = d.notify(ctx, record, token, now)
	}
	if err != nil {
		if relErr := d.repo.DeliveryRepo.ReleaseSend(record.ID, claim); relErr != nil {
			d.logger.ErrorWithContextf(ctx, relErr, "[Delivery] Failed to release send claim on %s: %v", deliveryID, relErr)
		}
		d.logger.ErrorWithContextf(ctx, err, "[Delivery] Send of delivery %s to %s failed: %v", deliveryID, logRecipient, err)
		result.Err = fmt.Errorf("%w: %v", ErrTransportFailed, err)
		result.Error = result.Err.Error()
		span.RecordError(err)
		return d.outcome(ctx, result, SendStatusFailed), nil
	}

	sentAt := d.now()
	err = d.repo.Transaction(func(tx *repository.Repository) error {
		flipped, err := tx.DeliveryRepo.MarkDelivered(record.ID, claim, token, sentAt)
		if err != nil {
			return fmt.Errorf("failed to mark delivery delivered: %w", err)
		}
		if !flipped {
			return ErrReconciliationConflict
		}
		return markBatchDelivered(tx, record.BatchID, sentAt)
	})
	if err != nil {
		d.logger.ErrorWithContextf(ctx, err, "[Delivery] Delivery %s was sent to %s but could not be recorded: %v", deliveryID, logRecipient, err)
		d.telemetry.DeliveryOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "conflict")))
		return nil, err
	}

	result.Token = token
	result.DeliveryURL = d.ResultsURL(token)
	d.logger.InfoWithContextf(ctx, "[Delivery] Delivery %s sent to %s", deliveryID, logRecipient)
	return d.outcome(ctx, result, SendStatusSent), nil
}

// claimSend takes the record's send lease unless another record of the same
// batch is delivered or being sent. The batch row lock serializes claims
// across a batch's records.
func (d *DeliveryCoordinator) claimSend(record *entity.DeliveryRecord, claim string, now time.Time) (bool, error) {
	staleBefore := now.Add(-d.opts.SendLease)
	claimed := false
	err := d.repo.Transaction(func(tx *repository.Repository) error {
		if _, err := tx.BatchRepo.FindByIDForUpdate(record.BatchID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		blocked, err := tx.DeliveryRepo.SiblingBlocksSend(record.BatchID, record.ID, staleBefore)
		if err != nil || blocked {
			return err
		}
		claimed, err = tx.DeliveryRepo.ClaimSend(record.ID, claim, now, staleBefore)
		return err
	})
	return claimed, err
}

func (d *DeliveryCoordinator) notify(ctx context.Context, record *entity.DeliveryRecord, token string, now time.Time) error {
	raws := make([]string, len(record.Items))
	for i, item := range record.Items {
		raws[i] = item.ResultURL
	}
	urls, err := d.linker.ResolveAll(ctx, raws, d.opts.EmailWindow)
	if err != nil {
		return err
	}
	images := make([]produce.DeliveryImage, len(record.Items))
	for i, item := range record.Items {
		images[i] = produce.DeliveryImage{Filename: item.Filename, Url: urls[i]}
	}

	return d.mailer.SendDeliveryEmail(ctx, produce.DeliveryEmail{
		Recipient:  record.RecipientEmail,
		Category:   string(record.Category),
		ImageCount: len(record.Items),
		ActionUrl:  d.ResultsURL(token),
		ExpiresAt:  now.Add(d.opts.EmailWindow),
		Images:     images,
	})
}

// markBatchDelivered flips the originating batch. The batch reference is
// weak; a batch deleted in the meantime is not an error.
func markBatchDelivered(tx *repository.Repository, batchID uuid.UUID, at time.Time) error {
	batch, err := tx.BatchRepo.FindByIDForUpdate(batchID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	fields := map[string]interface{}{"status": entity.BatchStatusDelivered}
	if batch.CompletedAt == nil {
		fields["completed_at"] = at
	}
	if err := tx.BatchRepo.UpdateFields(batchID, fields); err != nil {
		return fmt.Errorf("failed to mark batch delivered: %w", err)
	}
	return nil
}

func (d *DeliveryCoordinator) outcome(ctx context.Context, result *SendResult, status SendStatus) *SendResult {
	result.Status = status
	d.telemetry.DeliveryOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(status))))
	return result
}

func (d *DeliveryCoordinator) redact(email string) string {
	if d.logger.Verbose() {
		return email
	}
	return utils.RedactEmail(email)
}

// RecipientCounts tallies send outcomes for one recipient.
type RecipientCounts struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

type DeliverReadyReport struct {
	Sent       int                         `json:"sent"`
	Failed     int                         `json:"failed"`
	Skipped    int                         `json:"skipped"`
	Recipients map[string]*RecipientCounts `json:"recipients"`
}

func (r *DeliverReadyReport) add(recipient string, status SendStatus) {
	if recipient == "" {
		recipient = "(none)"
	}
	counts, ok := r.Recipients[recipient]
	if !ok {
		counts = &RecipientCounts{}
		r.Recipients[recipient] = counts
	}
	switch status {
	case SendStatusSent:
		r.Sent++
		counts.Sent++
	case SendStatusFailed:
		r.Failed++
		counts.Failed++
	default:
		r.Skipped++
		counts.Skipped++
	}
}

// DeliverReady packages and sends every delivery-eligible batch that has not
// been delivered. A pending package from an earlier run is reused.
func (d *DeliveryCoordinator) DeliverReady(ctx context.Context) (*DeliverReadyReport, error) {
	batches, err := d.repo.BatchRepo.FindAwaitingDelivery()
	if err != nil {
		return nil, fmt.Errorf("failed to find batches awaiting delivery: %w", err)
	}

	report := &DeliverReadyReport{Recipients: map[string]*RecipientCounts{}}
	for _, batch := range batches {
		record, err := d.pendingOrNewPackage(ctx, batch)
		if err != nil {
			status := SendStatusFailed
			if errors.Is(err, ErrNoDeliverableContent) {
				status = SendStatusSkipped
			}
			d.logger.WarningWithContextf(ctx, "[Delivery] Batch %s not packaged: %v", batch.ID, err)
			report.add(batch.NotificationEmail, status)
			continue
		}

		result, err := d.Send(ctx, record.ID)
		if err != nil {
			d.logger.ErrorWithContextf(ctx, err, "[Delivery] Batch %s send failed: %v", batch.ID, err)
			report.add(record.RecipientEmail, SendStatusFailed)
			continue
		}
		report.add(result.Recipient, result.Status)
	}

	d.logger.InfoWithContextf(ctx, "[Delivery] Deliver ready: %d sent, %d failed, %d skipped", report.Sent, report.Failed, report.Skipped)
	return report, nil
}

func (d *DeliveryCoordinator) pendingOrNewPackage(ctx context.Context, batch entity.BatchJob) (*entity.DeliveryRecord, error) {
	records, err := d.repo.DeliveryRepo.FindByBatchID(batch.ID)
	if err != nil {
		return nil, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].DeliveryStatus == entity.DeliveryStatusCompleted {
			return &records[i], nil
		}
	}
	return d.Package(ctx, batch.ID, PackageOptions{})
}

// ResultImage is one delivered image as the public results page shows it.
type ResultImage struct {
	Sequence int    `json:"sequence"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type ResultsView struct {
	BatchID     uuid.UUID              `json:"batch_id"`
	Category    entity.JewelryCategory `json:"category"`
	BatchStatus entity.BatchStatus     `json:"batch_status,omitempty"`
	DeliveredAt *time.Time             `json:"delivered_at,omitempty"`
	ArchivePath string                 `json:"archive_path"`
	Images      []ResultImage          `json:"images"`
}

// ResultsForToken resolves a delivered package for the public results page.
func (d *DeliveryCoordinator) ResultsForToken(ctx context.Context, token string) (*ResultsView, error) {
	record, err := d.findByToken(token)
	if err != nil {
		return nil, err
	}

	raws := make([]string, len(record.Items))
	for i, item := range record.Items {
		raws[i] = item.ResultURL
	}
	urls, err := d.linker.ResolveAll(ctx, raws, d.opts.ResultsWindow)
	if err != nil {
		d.logger.ErrorWithContextf(ctx, err, "[Delivery] Failed to resolve results of delivery %s: %v", record.ID, err)
		return nil, err
	}

	view := &ResultsView{
		BatchID:     record.BatchID,
		Category:    record.Category,
		DeliveredAt: record.DeliveredAt,
		ArchivePath: "/results/" + token + "/archive",
		Images:      make([]ResultImage, len(record.Items)),
	}
	for i, item := range record.Items {
		view.Images[i] = ResultImage{Sequence: item.Sequence, Filename: item.Filename, URL: urls[i]}
	}
	if batch, err := d.repo.BatchRepo.FindByID(record.BatchID); err == nil {
		view.BatchStatus = batch.Status
	}
	return view, nil
}

// ExportManifest renders the delivery's line items as CSV rows in sequence order.
func (d *DeliveryCoordinator) ExportManifest(ctx context.Context, deliveryID uuid.UUID) ([]byte, error) {
	record, err := d.repo.DeliveryRepo.FindByID(deliveryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}

	raws := make([]string, len(record.Items))
	for i, item := range record.Items {
		raws[i] = item.ResultURL
	}
	urls, err := d.linker.ResolveAll(ctx, raws, d.opts.ManifestWindow)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"sequence", "filename", "url"})
	for i, item := range record.Items {
		_ = w.Write([]string{strconv.Itoa(item.Sequence), item.Filename, urls[i]})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// DeleteDelivery removes the record, its line items and any stored archive.
func (d *DeliveryCoordinator) DeleteDelivery(ctx context.Context, deliveryID uuid.UUID) error {
	record, err := d.repo.DeliveryRepo.FindByID(deliveryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeliveryNotFound
		}
		return err
	}

	if err := d.repo.DeliveryRepo.Delete(deliveryID); err != nil {
		return fmt.Errorf("failed to delete delivery: %w", err)
	}

	if err := d.store.DeleteArchive(ctx, archiveKey(record.ID)); err != nil {
		d.logger.WarningWithContextf(ctx, "[Delivery] Failed to delete archive of delivery %s: %v", deliveryID, err)
	}
	if record.Token != nil {
		_ = d.cache.Delete(ctx, archiveURLCacheKey(*record.Token))
	}

	d.logger.InfoWithContextf(ctx, "[Delivery] Deleted delivery %s", deliveryID)
	return nil
}

func (d *DeliveryCoordinator) findByToken(token string) (*entity.DeliveryRecord, error) {
	if token == "" {
		return nil, ErrDeliveryNotFound
	}
	record, err := d.repo.DeliveryRepo.FindByToken(token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return record, nil
}
