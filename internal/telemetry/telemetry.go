// Package telemetry wires OpenTelemetry metrics for the queue workers.
//
// Metrics are off unless FWBOT_OTEL_STDOUT=true, in which case they are
// periodically written to stdout; otherwise a no-op provider is installed.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "github.com/forsitet/fwbot"

// Init installs the global meter provider and returns its shutdown function.
func Init(ctx context.Context) (func(context.Context) error, error) {
	if os.Getenv("FWBOT_OTEL_STDOUT") != "true" {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Meter returns the module's meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationScope)
}
