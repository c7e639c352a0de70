package infra

import (
	"fmt"
	"log"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/entity"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type PostgresClient struct {
	DB *gorm.DB
}

func InitPostgresClient(cfg *config.EnvConfig) *PostgresClient {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.Postgres.HOST, cfg.Postgres.Username, cfg.Postgres.Password, cfg.Postgres.Database, cfg.Postgres.Port)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("Postgres connection failed: %v", err)
	}

	if err := Migrate(db); err != nil {
		log.Fatalf("Postgres migration failed: %v", err)
	}

	log.Println("Connected to Postgres:", cfg.Postgres.Database+" on "+cfg.Postgres.HOST)

	return &PostgresClient{DB: db}
}

// Migrate creates or updates the ledger and delivery tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.BatchJob{},
		&entity.BatchItem{},
		&entity.DeliveryRecord{},
		&entity.DeliveryItem{},
	)
}
