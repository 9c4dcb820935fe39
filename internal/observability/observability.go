// Package observability configures the process-wide slog logger.
//
// Formats text and json write to stderr through the stdlib handlers. Formats
// otel and otlp route records through an OpenTelemetry logger provider,
// either printed to stdout or exported over OTLP (HTTP by default, gRPC when
// OTEL_EXPORTER_OTLP_PROTOCOL=grpc; endpoints come from the standard
// OTEL_EXPORTER_OTLP_* environment variables).
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the bridge.
const instrumentationName = "github.com/streetfix/streetfix-client"

// ShutdownFunc flushes and releases logging resources.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Instrument installs the default slog logger for level and format.
// The returned ShutdownFunc must be called before exit to flush exporters.
func Instrument(level slog.Level, format string) (ShutdownFunc, error) {
	return instrument(os.Stderr, level, format)
}

func instrument(w io.Writer, level slog.Level, format string) (ShutdownFunc, error) {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
		return noopShutdown, nil
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(w, opts)))
		return noopShutdown, nil
	case "otel":
		exporter, err := stdoutlog.New()
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		return installProvider(w, exporter, level), nil
	case "otlp":
		exporter, err := newOTLPExporter(context.Background(), otlpProtocol(os.Getenv))
		if err != nil {
			return nil, fmt.Errorf("creating otlp log exporter: %w", err)
		}
		return installProvider(w, exporter, level), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %q", format)
	}
}

// otlpProtocol reads the exporter protocol the way OpenTelemetry SDKs do,
// with the logs-specific variable taking precedence.
func otlpProtocol(getenv func(string) string) string {
	if p := getenv("OTEL_EXPORTER_OTLP_LOGS_PROTOCOL"); p != "" {
		return p
	}
	if p := getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); p != "" {
		return p
	}
	return "http/protobuf"
}

func newOTLPExporter(ctx context.Context, protocol string) (sdklog.Exporter, error) {
	switch protocol {
	case "grpc":
		return otlploggrpc.New(ctx)
	case "http/protobuf":
		return otlploghttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol: %q", protocol)
	}
}

// installProvider routes slog and the global OpenTelemetry logger provider
// through exporter. SDK errors go to w directly: reporting an export failure
// through the failing exporter would lose it.
func installProvider(w io.Writer, exporter sdklog.Exporter, level slog.Level) ShutdownFunc {
	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), severity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))

	fallback := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelWarn}))
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		fallback.Error("opentelemetry error", "error", err)
	}))
	global.SetLoggerProvider(provider)

	slog.SetDefault(slog.New(otelslog.NewHandler(instrumentationName,
		otelslog.WithLoggerProvider(provider),
	)))

	return provider.Shutdown
}

// severity maps a slog level onto the nearest OpenTelemetry minimum severity.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}
