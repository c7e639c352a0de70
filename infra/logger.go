package infra

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/formanova/studio-core/config"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// LoggerClient writes structured records through slog. With an OTLP endpoint
// configured, records go to the collector through the otelslog bridge and
// carry the trace context of ctx.
type LoggerClient struct {
	logger   *slog.Logger
	provider *sdklog.LoggerProvider
	verbose  bool
}

func InitLoggerClient(cfg *config.EnvConfig) *LoggerClient {
	if cfg.Grafana.OTLPEndpoint == "" {
		log.Println("OTLP endpoint not configured, logging to stdout")
		return NewLoggerClient(os.Stdout, cfg.IsDevelopment())
	}

	exporter, err := otlploghttp.New(context.Background(),
		otlploghttp.WithEndpoint(cfg.Grafana.OTLPEndpoint),
	)
	if err != nil {
		log.Printf("Failed to create OTLP log exporter: %v, falling back to stdout", err)
		return NewLoggerClient(os.Stdout, cfg.IsDevelopment())
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(newResource(cfg)),
	)

	return &LoggerClient{
		logger:   otelslog.NewLogger(cfg.Grafana.ServiceName, otelslog.WithLoggerProvider(provider)),
		provider: provider,
		verbose:  cfg.IsDevelopment(),
	}
}

// NewLoggerClient logs text records to w. verbose enables debug records and
// unredacted recipients.
func NewLoggerClient(w io.Writer, verbose bool) *LoggerClient {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return &LoggerClient{
		logger:  slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
		verbose: verbose,
	}
}

// Verbose reports whether debug output and personal data may be logged.
func (l *LoggerClient) Verbose() bool {
	return l.verbose
}

func (l *LoggerClient) DebugWithContextf(ctx context.Context, format string, args ...interface{}) {
	l.logger.DebugContext(ctx, fmt.Sprintf(format, args...))
}

func (l *LoggerClient) InfoWithContextf(ctx context.Context, format string, args ...interface{}) {
	l.logger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (l *LoggerClient) WarningWithContextf(ctx context.Context, format string, args ...interface{}) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (l *LoggerClient) ErrorWithContextf(ctx context.Context, err error, format string, args ...interface{}) {
	if err != nil {
		l.logger.ErrorContext(ctx, fmt.Sprintf(format, args...), slog.String("error", err.Error()))
		return
	}
	l.logger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func (l *LoggerClient) Shutdown(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	return l.provider.Shutdown(ctx)
}
