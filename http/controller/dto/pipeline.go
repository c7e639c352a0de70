package dto

import (
	"fmt"

	"github.com/formanova/studio-core/entity"
	"github.com/formanova/studio-core/infra/produce"
	"github.com/formanova/studio-core/service"
	"github.com/google/uuid"
)

type DeliverImageDTO struct {
	ImageID  string `json:"image_id" binding:"required,uuid"`
	Filename string `json:"filename" binding:"omitempty,max=255"`
}

// PipelineCommandRequestDTO is the pipeline's wire command. Action selects
// which of the other fields are read.
type PipelineCommandRequestDTO struct {
	Action string `json:"action" binding:"required,oneof=fetch_pending update_image bulk_update deliver"`

	// fetch_pending
	Statuses []string `json:"statuses"`
	Limit    int      `json:"limit" binding:"omitempty,min=1,max=200"`

	// update_image
	Update *produce.ItemUpdate `json:"update"`

	// bulk_update; Async queues the updates instead of applying them inline.
	Updates []produce.ItemUpdate `json:"updates" binding:"omitempty,max=500"`
	Async   bool                 `json:"async"`

	// deliver
	BatchID   string            `json:"batch_id"`
	Recipient string            `json:"recipient" binding:"omitempty,email"`
	Images    []DeliverImageDTO `json:"images" binding:"omitempty,dive"`
}

// ToCommand decodes the request into exactly one pipeline command.
func (r *PipelineCommandRequestDTO) ToCommand() (service.PipelineCommand, error) {
	switch r.Action {
	case "fetch_pending":
		statuses := make([]entity.BatchStatus, len(r.Statuses))
		for i, s := range r.Statuses {
			statuses[i] = entity.BatchStatus(s)
		}
		return service.FetchPending{Statuses: statuses, Limit: r.Limit}, nil

	case "update_image":
		if r.Update == nil {
			return nil, fmt.Errorf("update is required")
		}
		updates, errs := service.ParseItemUpdates([]produce.ItemUpdate{*r.Update})
		if len(errs) > 0 {
			return nil, fmt.Errorf("%s", errs[0].Error)
		}
		return service.UpdateImage{Update: updates[0]}, nil

	case "bulk_update":
		if len(r.Updates) == 0 {
			return nil, fmt.Errorf("updates is required")
		}
		updates, errs := service.ParseItemUpdates(r.Updates)
		if len(errs) > 0 {
			return nil, fmt.Errorf("%s", errs[0].Error)
		}
		return service.BulkUpdate{Updates: updates}, nil

	case "deliver":
		batchID, err := uuid.Parse(r.BatchID)
		if err != nil {
			return nil, fmt.Errorf("invalid batch_id")
		}
		cmd := service.Deliver{BatchID: batchID, Recipient: r.Recipient}
		for _, img := range r.Images {
			id, err := uuid.Parse(img.ImageID)
			if err != nil {
				return nil, fmt.Errorf("invalid image_id %q", img.ImageID)
			}
			cmd.Images = append(cmd.Images, service.DeliverImage{ImageID: id, Filename: img.Filename})
		}
		return cmd, nil
	}
	return nil, fmt.Errorf("unknown action %q", r.Action)
}
