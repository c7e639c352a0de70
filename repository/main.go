package repository

import (
	"github.com/formanova/studio-core/infra"
	"gorm.io/gorm"
)

type Repository struct {
	BatchRepo     *BatchRepository
	BatchItemRepo *BatchItemRepository
	DeliveryRepo  *DeliveryRepository
	db            *gorm.DB
}

var repository *Repository

func InitRepository(infra *infra.Infra) *Repository {
	repository = NewRepository(infra.Postgres.DB)
	return repository
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		BatchRepo:     NewBatchRepository(db),
		BatchItemRepo: NewBatchItemRepository(db),
		DeliveryRepo:  NewDeliveryRepository(db),
		db:            db,
	}
}

func GetRepository() *Repository {
	if repository == nil {
		panic("repository not initialized")
	}
	return repository
}

func (r *Repository) WithTransaction(tx *gorm.DB) *Repository {
	return NewRepository(tx)
}

// Transaction runs fn against repositories bound to one database
// transaction, committing when fn returns nil.
func (r *Repository) Transaction(fn func(tx *Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(r.WithTransaction(tx))
	})
}
