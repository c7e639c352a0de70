package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/utils"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func TestDelivery_PackageWithoutDeliverableContent(t *testing.T) {
	env := newTestEnv(t)
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusPending, entity.ItemStatusPending)

	_, err := env.delivery.Package(context.Background(), batch.ID, PackageOptions{})
	require.ErrorIs(t, err, ErrNoDeliverableContent)

	records, err := env.repo.DeliveryRepo.FindByBatchID(batch.ID)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDelivery_PackageErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.delivery.Package(ctx, uuid.New(), PackageOptions{})
	require.ErrorIs(t, err, ErrBatchNotFound)

	batch := env.seedBatch(t, "", entity.ItemStatusCompleted)
	_, err = env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.ErrorIs(t, err, ErrNoRecipient)
}

func TestDelivery_PackageSkipsUnfinishedAndNamesFiles(t *testing.T) {
	env := newTestEnv(t)
	batch := env.seedBatch(t, "Client@Example.com",
		entity.ItemStatusCompleted, entity.ItemStatusFailed, entity.ItemStatusCompleted, entity.ItemStatusPending)

	record, err := env.delivery.Package(context.Background(), batch.ID, PackageOptions{
		Filenames: map[uuid.UUID]string{batch.Items[2].ID: "../../hero shot"},
	})
	require.NoError(t, err)
	require.Equal(t, "client@example.com", record.RecipientEmail)
	require.Equal(t, entity.DeliveryStatusCompleted, record.DeliveryStatus)
	require.Nil(t, record.Token)

	stored, err := env.repo.DeliveryRepo.FindByID(record.ID)
	require.NoError(t, err)
	require.Len(t, stored.Items, 2)
	require.Equal(t, 1, stored.Items[0].Sequence)
	require.Equal(t, "result_1.jpg", stored.Items[0].Filename)
	require.Equal(t, 3, stored.Items[1].Sequence)
	require.Equal(t, "hero shot.jpg", stored.Items[1].Filename)
}

func TestDelivery_PackageRestrictedToRequestedItems(t *testing.T) {
	env := newTestEnv(t)
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(context.Background(), batch.ID, PackageOptions{
		Recipient: "other@example.com",
		ItemIDs:   []uuid.UUID{batch.Items[1].ID},
	})
	require.NoError(t, err)
	require.Equal(t, "other@example.com", record.RecipientEmail)
	require.Len(t, record.Items, 1)
	require.Equal(t, batch.Items[1].ID, record.Items[0].BatchItemID)
}

func TestDelivery_SendMarksDeliveryAndBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)
	env.delivery.newToken = func() (string, error) { return "tok-123", nil }

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	result, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, result.Status)
	require.Equal(t, "tok-123", result.Token)
	require.Equal(t, "https://studio.example.com/results/tok-123", result.DeliveryURL)

	require.Equal(t, 1, env.mailer.callCount())
	email := env.mailer.calls[0]
	require.Equal(t, "client@example.com", email.Recipient)
	require.Equal(t, 2, email.ImageCount)
	require.Equal(t, result.DeliveryURL, email.ActionUrl)

	stored, err := env.repo.DeliveryRepo.FindByID(record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.DeliveryStatusDelivered, stored.DeliveryStatus)
	require.NotNil(t, stored.Token)
	require.Equal(t, "tok-123", *stored.Token)
	require.NotNil(t, stored.DeliveredAt)
	require.NotNil(t, stored.EmailSentAt)
	require.Nil(t, stored.SendClaim)

	got, err := env.repo.BatchRepo.FindByID(batch.ID)
	require.NoError(t, err)
	require.Equal(t, entity.BatchStatusDelivered, got.Status)
}

func TestDelivery_SendIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	first, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, first.Status)

	second, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSkipped, second.Status)
	require.Empty(t, second.Token)

	require.Equal(t, 1, env.mailer.callCount())
}

func TestDelivery_ConcurrentSendsNotifyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mailer.delay = 50 * time.Millisecond
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		results = make([]*SendResult, 2)
		errs    = make([]error, 2)
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.delivery.Send(ctx, record.ID)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	statuses := []SendStatus{results[0].Status, results[1].Status}
	require.ElementsMatch(t, []SendStatus{SendStatusSent, SendStatusSkipped}, statuses)
	require.Equal(t, 1, env.mailer.callCount())
}

func TestDelivery_TransportFailureLeavesRecordRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)
	env.mailer.setErr(errors.New("broker unavailable"))

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	failed, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusFailed, failed.Status)
	require.ErrorIs(t, failed.Err, ErrTransportFailed)
	require.Empty(t, failed.Token)

	stored, err := env.repo.DeliveryRepo.FindByID(record.ID)
	require.NoError(t, err)
	require.Equal(t, entity.DeliveryStatusCompleted, stored.DeliveryStatus)
	require.Nil(t, stored.Token)
	require.Nil(t, stored.SendClaim)

	got, err := env.repo.BatchRepo.FindByID(batch.ID)
	require.NoError(t, err)
	require.Equal(t, entity.BatchStatusCompleted, got.Status)

	env.mailer.setErr(nil)
	retried, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, retried.Status)
	require.Equal(t, 2, env.mailer.callCount())
}

func TestDelivery_StaleClaimIsTakenOver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	now := time.Now()
	claimed, err := env.repo.DeliveryRepo.ClaimSend(record.ID, "crashed-sender", now.Add(-time.Hour), now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	result, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, result.Status)
}

func TestDelivery_SendUnknownDelivery(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.delivery.Send(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrDeliveryNotFound)
}

func TestDelivery_DeliverReady(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedBatch(t, "a@example.com", entity.ItemStatusCompleted, entity.ItemStatusFailed)
	env.seedBatch(t, "b@example.com", entity.ItemStatusCompleted)
	env.seedBatch(t, "c@example.com", entity.ItemStatusPending)
	allFailed := env.seedBatch(t, "d@example.com", entity.ItemStatusFailed)
	require.Equal(t, entity.BatchStatusFailed, allFailed.Status)

	report, err := env.delivery.DeliverReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Sent)
	require.Zero(t, report.Failed)
	require.Equal(t, 1, report.Recipients["a@example.com"].Sent)
	require.Equal(t, 1, report.Recipients["b@example.com"].Sent)
	require.Equal(t, 2, env.mailer.callCount())

	again, err := env.delivery.DeliverReady(ctx)
	require.NoError(t, err)
	require.Zero(t, again.Sent)
	require.Equal(t, 2, env.mailer.callCount())
}

func TestDelivery_DeliverReadyReusesPendingPackage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "a@example.com", entity.ItemStatusCompleted)

	env.mailer.setErr(errors.New("smtp down"))
	report, err := env.delivery.DeliverReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)

	env.mailer.setErr(nil)
	report, err = env.delivery.DeliverReady(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)

	records, err := env.repo.DeliveryRepo.FindByBatchID(batch.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, entity.DeliveryStatusDelivered, records[0].DeliveryStatus)
}

func TestDelivery_ResultsForToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	// Tokens do not exist until a send is confirmed.
	_, err = env.delivery.ResultsForToken(ctx, "")
	require.ErrorIs(t, err, ErrDeliveryNotFound)

	sent, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)

	view, err := env.delivery.ResultsForToken(ctx, sent.Token)
	require.NoError(t, err)
	require.Equal(t, batch.ID, view.BatchID)
	require.Equal(t, entity.BatchStatusDelivered, view.BatchStatus)
	require.Len(t, view.Images, 2)
	require.Equal(t, "result_1.jpg", view.Images[0].Filename)
	require.True(t, strings.HasPrefix(view.Images[0].URL, "https://"+testHost+"/studio/results/"))
	require.Contains(t, view.Images[0].URL, "sp=r")

	_, err = env.delivery.ResultsForToken(ctx, "unknown-token")
	require.ErrorIs(t, err, ErrDeliveryNotFound)
}

func TestDelivery_BuildArchiveOrdersAndSkips(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.put("results/1.png", []byte("one"))
	env.fetcher.put("results/3.jpg", []byte("three"))

	result, err := env.delivery.BuildArchive(context.Background(), []entity.DeliveryItem{
		{Sequence: 1, Filename: "result_1.png", ResultURL: resultLocator("results/1.png")},
		{Sequence: 2, Filename: "result_2.jpg", ResultURL: resultLocator("results/missing.jpg")},
		{Sequence: 3, Filename: "result_3.jpg", ResultURL: resultLocator("results/3.jpg")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, result.Included)
	require.Equal(t, 1, result.Skipped)

	zr, err := zip.NewReader(bytes.NewReader(result.Data), int64(len(result.Data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "result_1.png", zr.File[0].Name)
	require.Equal(t, "result_3.jpg", zr.File[1].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "three", string(data))
}

func TestDelivery_BuildArchiveWithNothingFetchable(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.delivery.BuildArchive(context.Background(), []entity.DeliveryItem{
		{Sequence: 1, Filename: "result_1.jpg", ResultURL: resultLocator("results/gone.jpg")},
	})
	require.ErrorIs(t, err, ErrNoArchiveContent)
}

func TestDelivery_ArchiveForTokenBuildsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	sent, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)

	link, err := env.delivery.ArchiveForToken(ctx, sent.Token)
	require.NoError(t, err)
	require.Equal(t, "ring_results.zip", link.Filename)
	require.Contains(t, link.URL, archiveKey(record.ID))
	require.NotEmpty(t, env.store.get(archiveKey(record.ID)))

	again, err := env.delivery.ArchiveForToken(ctx, sent.Token)
	require.NoError(t, err)
	require.Equal(t, link, again)
	require.Equal(t, 1, env.store.puts)
}

func TestDelivery_ArchiveForTokenWhileLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	sent, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)

	_, ok, err := env.cache.AcquireLock(ctx, archiveLockKey(record.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.delivery.ArchiveForToken(ctx, sent.Token)
	require.ErrorIs(t, err, ErrArchiveInProgress)
	require.Zero(t, env.store.puts)
}

func TestDelivery_ExportManifest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusPending, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	data, err := env.delivery.ExportManifest(ctx, record.ID)
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, []string{"sequence", "filename", "url"}, rows[0])
	require.Equal(t, "1", rows[1][0])
	require.Equal(t, "result_1.jpg", rows[1][1])
	require.Equal(t, "3", rows[2][0])
	require.Contains(t, rows[2][2], "sig=")
}

func TestDelivery_DeleteDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	sent, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	_, err = env.delivery.ArchiveForToken(ctx, sent.Token)
	require.NoError(t, err)

	require.NoError(t, env.delivery.DeleteDelivery(ctx, record.ID))
	require.Nil(t, env.store.get(archiveKey(record.ID)))

	_, err = env.delivery.ResultsForToken(ctx, sent.Token)
	require.ErrorIs(t, err, ErrDeliveryNotFound)
	require.ErrorIs(t, env.delivery.DeleteDelivery(ctx, record.ID), ErrDeliveryNotFound)
}

func TestExportFilename(t *testing.T) {
	item := entity.BatchItem{Sequence: 4, ResultURL: strPtr(resultLocator("results/x/final.PNG"))}

	require.Equal(t, "result_4.png", exportFilename(item, ""))
	require.Equal(t, "necklace.png", exportFilename(item, "necklace"))
	require.Equal(t, "necklace.webp", exportFilename(item, "necklace.webp"))
	require.Equal(t, "evil.png", exportFilename(item, `..\..\evil`))
	require.Equal(t, "result_4.png", exportFilename(item, "   "))
}

func TestUniqueExportFilename(t *testing.T) {
	item := entity.BatchItem{Sequence: 2, ResultURL: strPtr(resultLocator("results/x/2.jpg"))}

	used := map[string]struct{}{}
	require.Equal(t, "front.jpg", uniqueExportFilename(item, "front", used))

	used = map[string]struct{}{"front.jpg": {}}
	require.Equal(t, "result_2.jpg", uniqueExportFilename(item, "front", used))

	used = map[string]struct{}{"result_2.jpg": {}}
	require.Equal(t, "result_2_2.jpg", uniqueExportFilename(item, "", used))

	used = map[string]struct{}{"result_2.jpg": {}, "result_2_2.jpg": {}, "front.jpg": {}}
	require.Equal(t, "result_2_3.jpg", uniqueExportFilename(item, "front", used))
}

func TestDelivery_PackageNamesNeverCollide(t *testing.T) {
	env := newTestEnv(t)
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(context.Background(), batch.ID, PackageOptions{
		Filenames: map[uuid.UUID]string{batch.Items[0].ID: "result_2.jpg"},
	})
	require.NoError(t, err)
	require.Len(t, record.Items, 2)
	require.Equal(t, "result_2.jpg", record.Items[0].Filename)
	require.Equal(t, "result_2_2.jpg", record.Items[1].Filename)

	archive, err := env.delivery.BuildArchive(context.Background(), record.Items)
	require.NoError(t, err)
	require.Equal(t, 2, archive.Included)

	zr, err := zip.NewReader(bytes.NewReader(archive.Data), int64(len(archive.Data)))
	require.NoError(t, err)
	require.Equal(t, "result_2.jpg", zr.File[0].Name)
	require.Equal(t, "result_2_2.jpg", zr.File[1].Name)
}

func TestDelivery_PackageRefusesDeliveredBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	sent, err := env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, sent.Status)

	_, err = env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.ErrorIs(t, err, ErrAlreadyDelivered)
	require.Equal(t, 1, env.mailer.callCount())
}

func TestDelivery_SecondPackageOfBatchIsNotSent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	first, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	second, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	result, err := env.delivery.Send(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, result.Status)

	result, err = env.delivery.Send(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSkipped, result.Status)
	require.Equal(t, 1, env.mailer.callCount())

	untouched, err := env.repo.DeliveryRepo.FindByID(second.ID)
	require.NoError(t, err)
	require.Equal(t, entity.DeliveryStatusCompleted, untouched.DeliveryStatus)
	require.Nil(t, untouched.SendClaim)
}

func TestDelivery_SiblingInFlightBlocksSend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	first, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	second, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)

	now := time.Now()
	claimed, err := env.repo.DeliveryRepo.ClaimSend(first.ID, "other-sender", now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	result, err := env.delivery.Send(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, SendStatusSkipped, result.Status)
	require.Zero(t, env.mailer.callCount())
}

func TestDelivery_NotificationCarriesEmailWindowLinks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusCompleted)

	record, err := env.delivery.Package(ctx, batch.ID, PackageOptions{})
	require.NoError(t, err)
	_, err = env.delivery.Send(ctx, record.ID)
	require.NoError(t, err)

	require.Equal(t, 1, env.mailer.callCount())
	email := env.mailer.calls[0]
	require.Len(t, email.Images, 2)
	for i, img := range email.Images {
		require.Equal(t, record.Items[i].Filename, img.Filename)
		u, err := url.Parse(img.Url)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(img.Url, record.Items[i].ResultURL+"?"), img.Url)
		require.Equal(t, "r", u.Query().Get("sp"))
		require.Equal(t, utils.FormatSignedTime(testNow.Add(48*time.Hour)), u.Query().Get("se"))
	}
}
