package service

import "context"

// Logger is implemented by infra.LoggerClient.
type Logger interface {
	DebugWithContextf(ctx context.Context, format string, args ...interface{})
	InfoWithContextf(ctx context.Context, format string, args ...interface{})
	WarningWithContextf(ctx context.Context, format string, args ...interface{})
	ErrorWithContextf(ctx context.Context, err error, format string, args ...interface{})
	Verbose() bool
}
