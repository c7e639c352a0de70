package infra

import (
	"context"

	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/infra/produce"
)

type Infra struct {
	Redis       *RedisClient
	Postgres    *PostgresClient
	Logger      *LoggerClient
	Telemetry   *Telemetry
	RabbitMQ    *RabbitMQClient
	Produce     *produce.Produce
	Minio       *MinioClient
	BlobGateway *BlobGateway
}

var infraInstance *Infra

func InitInfra(cfg *config.Config) *Infra {
	if infraInstance != nil {
		return infraInstance
	}

	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	telemetry := InitTelemetry(cfg.EnvConfig)
	if telemetry == nil {
		panic("Failed to initialize Telemetry service")
	}

	redis := InitRedisClient(cfg.EnvConfig)
	if redis == nil {
		panic("Failed to initialize Redis service")
	}

	postgres := InitPostgresClient(cfg.EnvConfig)
	if postgres == nil {
		panic("Failed to initialize Postgres service")
	}

	rabbitMQ := InitRabbitMQClient(cfg.EnvConfig)
	if rabbitMQ == nil {
		panic("Failed to initialize RabbitMQ service")
	}

	emailChannel, err := rabbitMQ.NewChannel()
	if err != nil {
		panic(err.Error())
	}

	produceService := produce.InitProduce(rabbitMQ.Channel, emailChannel)
	if produceService == nil {
		panic("Failed to initialize Produce service")
	}

	minio := InitMinioClient(cfg.EnvConfig)
	if minio == nil {
		panic("Failed to initialize MinIO service")
	}

	blobGateway := InitBlobGateway(cfg.EnvConfig, telemetry)
	if blobGateway == nil {
		panic("Failed to initialize Blob gateway")
	}

	infraInstance = &Infra{
		Redis:       redis,
		Postgres:    postgres,
		Logger:      logger,
		Telemetry:   telemetry,
		RabbitMQ:    rabbitMQ,
		Produce:     produceService,
		Minio:       minio,
		BlobGateway: blobGateway,
	}

	return infraInstance
}

func GetClient() *Infra {
	if infraInstance == nil {
		panic("Infra not initialized. Call InitInfra() first.")
	}
	return infraInstance
}

// Shutdown flushes telemetry and closes broker connections.
func (i *Infra) Shutdown(ctx context.Context) {
	_ = i.Telemetry.Shutdown(ctx)
	_ = i.Logger.Shutdown(ctx)
	i.RabbitMQ.Close()
}
