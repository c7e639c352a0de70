package service

import (
	"context"
	"testing"
	"time"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestAdminPolicy_Authorize(t *testing.T) {
	policy := NewAdminPolicy("s3cret", []string{" Ops@Studio.com ", ""})

	tests := []struct {
		name   string
		secret string
		email  string
		want   error
	}{
		{"secret", "s3cret", "", nil},
		{"wrong secret", "guess", "ops@studio.com", ErrUnauthorized},
		{"allowlisted email", "", "OPS@studio.com", nil},
		{"unknown email", "", "someone@else.com", ErrForbidden},
		{"nothing presented", "", "", ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Authorize(tt.secret, tt.email)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAdminPolicy_EmptySecretNeverMatches(t *testing.T) {
	policy := NewAdminPolicy("", nil)
	require.ErrorIs(t, policy.Authorize("anything", ""), ErrUnauthorized)
}

func newTestConsole(env *testEnv) *AdminConsole {
	return NewAdminConsole(NewAdminPolicy("s3cret", []string{"ops@studio.com"}),
		env.repo, env.ledger, env.delivery, env.linker, 30*time.Minute)
}

func TestAdminConsole_RejectsUnauthorizedCaller(t *testing.T) {
	env := newTestEnv(t)
	console := newTestConsole(env)
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	_, err := console.Execute(context.Background(), AdminCaller{Email: "intruder@example.com"}, DeleteBatch{BatchID: batch.ID})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = env.repo.BatchRepo.FindByID(batch.ID)
	require.NoError(t, err)
}

func TestAdminConsole_BatchLifecycle(t *testing.T) {
	env := newTestEnv(t)
	console := newTestConsole(env)
	ctx := context.Background()
	caller := AdminCaller{Email: "ops@studio.com"}

	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted, entity.ItemStatusPending)
	env.seedBatch(t, "other@example.com", entity.ItemStatusPending)

	out, err := console.Execute(ctx, caller, ListBatches{Email: "client@example.com"})
	require.NoError(t, err)
	page := out.(*BatchPage)
	require.EqualValues(t, 1, page.Total)
	require.Equal(t, batch.ID, page.Batches[0].ID)
	require.Equal(t, 1, page.Page)
	require.Equal(t, repository.DefaultPageSize, page.PageSize)

	out, err = console.Execute(ctx, caller, ListBatches{Page: 2, PageSize: 500})
	require.NoError(t, err)
	page = out.(*BatchPage)
	require.Equal(t, 2, page.Page)
	require.Equal(t, repository.DefaultPageSize, page.PageSize)
	require.Empty(t, page.Batches)

	out, err = console.Execute(ctx, caller, GetBatch{BatchID: batch.ID})
	require.NoError(t, err)
	detail := out.(*BatchDetail)
	require.Len(t, detail.Items, 2)
	require.NotNil(t, detail.Items[0].ResultURL)
	require.Contains(t, *detail.Items[0].ResultURL, "sig=")

	out, err = console.Execute(ctx, caller, ForceStatus{BatchID: batch.ID, Status: entity.BatchStatusPartial})
	require.NoError(t, err)
	require.Equal(t, entity.BatchStatusPartial, out.(*entity.BatchJob).Status)

	out, err = console.Execute(ctx, caller, PackageBatch{BatchID: batch.ID})
	require.NoError(t, err)
	record := out.(*entity.DeliveryRecord)
	require.Len(t, record.Items, 1)

	out, err = console.Execute(ctx, AdminCaller{Secret: "s3cret"}, SendDelivery{DeliveryID: record.ID})
	require.NoError(t, err)
	require.Equal(t, SendStatusSent, out.(*SendResult).Status)

	out, err = console.Execute(ctx, caller, ExportManifest{DeliveryID: record.ID})
	require.NoError(t, err)
	require.Contains(t, string(out.([]byte)), "result_1.jpg")

	_, err = console.Execute(ctx, caller, DeleteBatch{BatchID: batch.ID})
	require.NoError(t, err)
	_, err = console.Execute(ctx, caller, GetBatch{BatchID: batch.ID})
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestAdminConsole_DeleteOutputAndRelease(t *testing.T) {
	env := newTestEnv(t)
	console := newTestConsole(env)
	ctx := context.Background()
	caller := AdminCaller{Secret: "s3cret"}
	batch := env.seedBatch(t, "", entity.ItemStatusCompleted)

	_, err := console.Execute(ctx, caller, ForceStatus{BatchID: batch.ID, Status: entity.BatchStatusFailed})
	require.NoError(t, err)

	out, err := console.Execute(ctx, caller, DeleteOutput{ItemID: batch.Items[0].ID})
	require.NoError(t, err)
	require.Equal(t, entity.ItemStatusPending, out.(*entity.BatchItem).Status)

	out, err = console.Execute(ctx, caller, ReleaseOverride{BatchID: batch.ID})
	require.NoError(t, err)
	released := out.(*entity.BatchJob)
	require.False(t, released.StatusOverridden)
	require.Equal(t, entity.BatchStatusFailed, released.Status)
	require.Zero(t, released.CompletedImages)

	_, err = console.Execute(ctx, caller, DeleteOutput{ItemID: uuid.New()})
	require.ErrorIs(t, err, ErrItemNotFound)
}

func TestAdminConsole_DeliverReadyAndDeleteDelivery(t *testing.T) {
	env := newTestEnv(t)
	console := newTestConsole(env)
	ctx := context.Background()
	caller := AdminCaller{Secret: "s3cret"}
	batch := env.seedBatch(t, "client@example.com", entity.ItemStatusCompleted)

	out, err := console.Execute(ctx, caller, DeliverReady{})
	require.NoError(t, err)
	require.Equal(t, 1, out.(*DeliverReadyReport).Sent)

	records, err := env.repo.DeliveryRepo.FindByBatchID(batch.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	_, err = console.Execute(ctx, caller, DeleteDelivery{DeliveryID: records[0].ID})
	require.NoError(t, err)

	records, err = env.repo.DeliveryRepo.FindByBatchID(batch.ID)
	require.NoError(t, err)
	require.Empty(t, records)
}
