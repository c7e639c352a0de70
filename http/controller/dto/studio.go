package dto

type ListBatchesQueryDTO struct {
	Status   string `form:"status" binding:"omitempty,oneof=pending processing completed failed partial delivered"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PageSize int    `form:"page_size" binding:"omitempty,min=1,max=100"`
}
