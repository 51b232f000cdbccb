// Package telemetry wires the coordinator's performance counters
// (dispatch throughput/wait, liveness evictions, fleet size) to an
// OpenTelemetry Meter. It is purely observational: nothing in the
// dispatch or liveness hot paths blocks on it, and a construction
// failure degrades to a no-op rather than taking the server down.
package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Telemetry exposes the counters the specification's Dispatcher (C6)
// and LivenessMonitor (C7) update: assigned missions, dispatch wait
// time, heartbeat misses, evictions, and active fleet size.
type Telemetry struct {
	provider *sdkmetric.MeterProvider

	dispatchAssigned  metric.Int64Counter
	dispatchWait      metric.Float64Histogram
	heartbeatsMissed  metric.Int64Counter
	livenessEvictions metric.Int64Counter
	activeDrones      metric.Int64UpDownCounter
}

// New builds a Telemetry instance backed by the stdout metric exporter.
// Any setup failure is logged and a disabled (nil-safe) instance is
// returned so callers never need to nil-check before use.
func New(ctx context.Context, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.Default()
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		logger.Printf("[PERF] telemetry disabled: stdout exporter: %v", err)
		return &Telemetry{}
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter("dronecoord.sentinel")

	t := &Telemetry{provider: provider}

	t.dispatchAssigned, err = meter.Int64Counter("dispatch.assigned_total",
		metric.WithDescription("incidents assigned to a drone"))
	if err != nil {
		logger.Printf("[PERF] telemetry: dispatch.assigned_total: %v", err)
	}

	t.dispatchWait, err = meter.Float64Histogram("dispatch.wait_seconds",
		metric.WithDescription("seconds between incident discovery and assignment"))
	if err != nil {
		logger.Printf("[PERF] telemetry: dispatch.wait_seconds: %v", err)
	}

	t.heartbeatsMissed, err = meter.Int64Counter("liveness.heartbeats_missed_total",
		metric.WithDescription("heartbeat checks with no response"))
	if err != nil {
		logger.Printf("[PERF] telemetry: liveness.heartbeats_missed_total: %v", err)
	}

	t.livenessEvictions, err = meter.Int64Counter("liveness.evictions_total",
		metric.WithDescription("drones evicted for missed heartbeats"))
	if err != nil {
		logger.Printf("[PERF] telemetry: liveness.evictions_total: %v", err)
	}

	t.activeDrones, err = meter.Int64UpDownCounter("registry.active_drones",
		metric.WithDescription("currently registered drones"))
	if err != nil {
		logger.Printf("[PERF] telemetry: registry.active_drones: %v", err)
	}

	return t
}

// RecordDispatch records one ASSIGN_MISSION with its queue wait time.
func (t *Telemetry) RecordDispatch(ctx context.Context, wait time.Duration) {
	if t == nil {
		return
	}
	if t.dispatchAssigned != nil {
		t.dispatchAssigned.Add(ctx, 1)
	}
	if t.dispatchWait != nil {
		t.dispatchWait.Record(ctx, wait.Seconds())
	}
}

// RecordHeartbeatMiss records one missed heartbeat check.
func (t *Telemetry) RecordHeartbeatMiss(ctx context.Context) {
	if t == nil || t.heartbeatsMissed == nil {
		return
	}
	t.heartbeatsMissed.Add(ctx, 1)
}

// RecordEviction records one heartbeat-threshold eviction.
func (t *Telemetry) RecordEviction(ctx context.Context) {
	if t == nil || t.livenessEvictions == nil {
		return
	}
	t.livenessEvictions.Add(ctx, 1)
}

// SetActiveDrones adjusts the active-drone gauge by delta (+1 on
// register, -1 on evict).
func (t *Telemetry) SetActiveDrones(ctx context.Context, delta int64) {
	if t == nil || t.activeDrones == nil {
		return
	}
	t.activeDrones.Add(ctx, delta)
}

// Shutdown flushes and stops the underlying meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
