package observe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/metric"
)

// HostSampler reads machine-wide utilisation in percent.
type HostSampler struct {
	CPU    func(ctx context.Context) (float64, error)
	Memory func(ctx context.Context) (float64, error)
}

// SystemSampler samples the local machine with gopsutil. The CPU figure
// covers the time since the previous sample.
func SystemSampler() HostSampler {
	return HostSampler{
		CPU: func(ctx context.Context) (float64, error) {
			pcts, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return 0, err
			}
			if len(pcts) == 0 {
				return 0, fmt.Errorf("no cpu sample")
			}
			return pcts[0], nil
		},
		Memory: func(ctx context.Context) (float64, error) {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
	}
}

// RegisterHostMetrics exports s as the gauges attune.host.cpu.utilization and
// attune.host.memory.utilization on mp's meter. Samples are taken at
// collection time; a failed sample is logged and skipped.
func RegisterHostMetrics(mp metric.MeterProvider, s HostSampler) error {
	meter := mp.Meter(meterName)
	cpuGauge, err := meter.Float64ObservableGauge("attune.host.cpu.utilization",
		metric.WithDescription("Machine CPU utilisation since the previous collection."),
		metric.WithUnit("%"))
	if err != nil {
		return wrapInstrument("attune.host.cpu.utilization", err)
	}
	memGauge, err := meter.Float64ObservableGauge("attune.host.memory.utilization",
		metric.WithDescription("Machine memory in use."),
		metric.WithUnit("%"))
	if err != nil {
		return wrapInstrument("attune.host.memory.utilization", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if v, err := s.CPU(ctx); err != nil {
			slog.Debug("host cpu sample failed", "err", err)
		} else {
			o.ObserveFloat64(cpuGauge, v)
		}
		if v, err := s.Memory(ctx); err != nil {
			slog.Debug("host memory sample failed", "err", err)
		} else {
			o.ObserveFloat64(memGauge, v)
		}
		return nil
	}, cpuGauge, memGauge)
	if err != nil {
		return fmt.Errorf("observe: host metrics callback: %w", err)
	}
	return nil
}
