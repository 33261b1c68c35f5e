package observability

import (
	"context"

	"github.com/almasraf/blocking-service/internal/infrastructure/observability"
)

// Setup initializes logging, metrics and tracing in one place. The returned
// function flushes the trace exporter and must run before process exit.
func Setup(serviceName string) func(context.Context) error {
	observability.InitLogger()
	observability.InitMetrics()
	return observability.InitTracing(serviceName)
}
