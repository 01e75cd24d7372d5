package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base zerolog.Logger

func init() {
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the process-wide logger with the service name attached.
// Call it once from main before anything logs.
func Init(service string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Logger returns the process-wide logger.
func Logger() *zerolog.Logger {
	return &base
}

// Ctx returns a logger enriched with the trace and span IDs of the current
// span, so log lines can be joined with traces in Jaeger.
func Ctx(ctx context.Context) *zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	if sc := span.SpanContext(); sc.IsValid() {
		l := base.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
		return &l
	}
	return &base
}
