package dto

import (
	"fmt"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/service"
	"github.com/google/uuid"
)

type AdminCommandRequestDTO struct {
	Action string `json:"action" binding:"required,oneof=list_batches get_batch force_status release_override delete_output delete_batch package send deliver_ready delete_delivery export_manifest"`

	BatchID    string `json:"batch_id"`
	ItemID     string `json:"item_id"`
	DeliveryID string `json:"delivery_id"`
	Status     string `json:"status"`
	Recipient  string `json:"recipient" binding:"omitempty,email"`

	// list_batches filters
	Category string `json:"category"`
	Email    string `json:"email"`
	Page     int    `json:"page" binding:"omitempty,min=1"`
	PageSize int    `json:"page_size" binding:"omitempty,min=1,max=100"`
}

func (r *AdminCommandRequestDTO) ToCommand() (service.AdminCommand, error) {
	switch r.Action {
	case "list_batches":
		return service.ListBatches{
			Status:   entity.BatchStatus(r.Status),
			Category: entity.JewelryCategory(r.Category),
			Email:    r.Email,
			Page:     r.Page,
			PageSize: r.PageSize,
		}, nil
	case "get_batch":
		id, err := parseID("batch_id", r.BatchID)
		return service.GetBatch{BatchID: id}, err
	case "force_status":
		id, err := parseID("batch_id", r.BatchID)
		return service.ForceStatus{BatchID: id, Status: entity.BatchStatus(r.Status)}, err
	case "release_override":
		id, err := parseID("batch_id", r.BatchID)
		return service.ReleaseOverride{BatchID: id}, err
	case "delete_output":
		id, err := parseID("item_id", r.ItemID)
		return service.DeleteOutput{ItemID: id}, err
	case "delete_batch":
		id, err := parseID("batch_id", r.BatchID)
		return service.DeleteBatch{BatchID: id}, err
	case "package":
		id, err := parseID("batch_id", r.BatchID)
		return service.PackageBatch{BatchID: id, Recipient: r.Recipient}, err
	case "send":
		id, err := parseID("delivery_id", r.DeliveryID)
		return service.SendDelivery{DeliveryID: id}, err
	case "deliver_ready":
		return service.DeliverReady{}, nil
	case "delete_delivery":
		id, err := parseID("delivery_id", r.DeliveryID)
		return service.DeleteDelivery{DeliveryID: id}, err
	case "export_manifest":
		id, err := parseID("delivery_id", r.DeliveryID)
		return service.ExportManifest{DeliveryID: id}, err
	}
	return nil, fmt.Errorf("unknown action %q", r.Action)
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s", field)
	}
	return id, nil
}
