package service

import (
	"github.com/formanova/studio-core/config"
	"github.com/formanova/studio-core/infra"
	"github.com/formanova/studio-core/repository"
)

type Services struct {
	Ledger     *BatchLedger
	Linker     *AssetLinker
	Delivery   *DeliveryCoordinator
	Submission *SubmissionService
	Admin      *AdminConsole
	Pipeline   *PipelineAPI
}

func InitServices(cfg *config.Config, inf *infra.Infra, repo *repository.Repository) *Services {
	env := cfg.EnvConfig

	ledger := NewBatchLedger(repo, inf.Logger)
	linker := NewAssetLinker(inf.BlobGateway, defaultLinkConcurrency)
	delivery := NewDeliveryCoordinator(repo, linker, DeliveryDeps{
		Mailer:    inf.Produce.EmailService,
		Fetcher:   inf.BlobGateway,
		Store:     inf.Minio,
		Cache:     inf.Redis,
		Logger:    inf.Logger,
		Telemetry: inf.Telemetry,
	}, DeliveryOptionsFromConfig(env))

	return &Services{
		Ledger:     ledger,
		Linker:     linker,
		Delivery:   delivery,
		Submission: NewSubmissionService(ledger, inf.BlobGateway, inf.Logger, env.Delivery.FetchConcurrency),
		Admin: NewAdminConsole(NewAdminPolicy(env.Admin.Secret, env.Admin.Allowlist),
			repo, ledger, delivery, linker, env.Delivery.PreviewWindow),
		Pipeline: NewPipelineAPI(repo, ledger, delivery, linker, env.Delivery.DownloadWindow),
	}
}
