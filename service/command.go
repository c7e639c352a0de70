package service

import (
	"github.com/formanova/studio-core/entity"
	"github.com/google/uuid"
)

// AdminCommand is the closed set of admin console operations. Only types in
// this package implement it.
type AdminCommand interface {
	adminCommand()
}

type ListBatches struct {
	Status   entity.BatchStatus
	Category entity.JewelryCategory
	Email    string
	Page     int
	PageSize int
}

type GetBatch struct {
	BatchID uuid.UUID
}

type ForceStatus struct {
	BatchID uuid.UUID
	Status  entity.BatchStatus
}

type ReleaseOverride struct {
	BatchID uuid.UUID
}

type DeleteOutput struct {
	ItemID uuid.UUID
}

type DeleteBatch struct {
	BatchID uuid.UUID
}

type PackageBatch struct {
	BatchID   uuid.UUID
	Recipient string
}

type SendDelivery struct {
	DeliveryID uuid.UUID
}

type DeliverReady struct{}

type DeleteDelivery struct {
	DeliveryID uuid.UUID
}

type ExportManifest struct {
	DeliveryID uuid.UUID
}

func (ListBatches) adminCommand()     {}
func (GetBatch) adminCommand()        {}
func (ForceStatus) adminCommand()     {}
func (ReleaseOverride) adminCommand() {}
func (DeleteOutput) adminCommand()    {}
func (DeleteBatch) adminCommand()     {}
func (PackageBatch) adminCommand()    {}
func (SendDelivery) adminCommand()    {}
func (DeliverReady) adminCommand()    {}
func (DeleteDelivery) adminCommand()  {}
func (ExportManifest) adminCommand()  {}

// PipelineCommand is the closed set of operations the generation pipeline
// may call.
type PipelineCommand interface {
	pipelineCommand()
}

type FetchPending struct {
	Statuses []entity.BatchStatus
	Limit    int
}

type UpdateImage struct {
	Update ItemUpdate
}

type BulkUpdate struct {
	Updates []ItemUpdate
}

type DeliverImage struct {
	ImageID  uuid.UUID
	Filename string
}

type Deliver struct {
	BatchID   uuid.UUID
	Recipient string
	Images    []DeliverImage
}

func (FetchPending) pipelineCommand() {}
func (UpdateImage) pipelineCommand()  {}
func (BulkUpdate) pipelineCommand()   {}
func (Deliver) pipelineCommand()      {}
