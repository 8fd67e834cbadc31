package trainer

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/masashi-y/instance-based-tagging/device"
)

// logHost records the machine the run is on. Probe failures are logged
// and otherwise ignored.
func logHost(logger *zap.Logger, d device.Device) {
	fields := []zap.Field{
		zap.String("device", d.Name()),
		zap.String("blas", device.Backend()),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
	}
	if n, err := cpu.Counts(true); err == nil {
		fields = append(fields, zap.Int("cpus", n))
	} else {
		logger.Debug("cpu probe failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields = append(fields,
			zap.Uint64("mem_total_mb", vm.Total>>20),
			zap.Float64("mem_used_pct", vm.UsedPercent))
	} else {
		logger.Debug("memory probe failed", zap.Error(err))
	}
	logger.Info("host", fields...)
}

// memUsedPercent is the host memory in use, or -1 when unknown.
func memUsedPercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return -1
	}
	return vm.UsedPercent
}
