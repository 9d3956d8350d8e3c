package sandbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/secforge/plugrun/logging/logger"
)

// HostModuleName is the namespace guests import host functions from
const HostModuleName = "plugrun"

// Resource limit kinds for check_resource_limit
const (
	resourceMemory = iota
	resourceCPU
	resourceFileHandles
	resourceNetwork
	resourceExecutionTime
)

// check_resource_limit return values
const (
	limitExceeded = 0
	limitOK       = 1
)

// instantiateHostModule builds the minimal host-function surface for one
// instance. No other channel exists for the guest to reach outside its
// sandbox.
func instantiateHostModule(ctx context.Context, r wazero.Runtime, inst *Instance) error {
	_, err := r.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().WithFunc(inst.hostLog).Export("log").
		NewFunctionBuilder().WithFunc(hostNowMillis).Export("now_millis").
		NewFunctionBuilder().WithFunc(hostMemoryUsage).Export("memory_usage").
		NewFunctionBuilder().WithFunc(inst.hostCheckResourceLimit).Export("check_resource_limit").
		Instantiate(ctx)
	return err
}

// hostLog surfaces guest log lines through the runtime's logger
func (inst *Instance) hostLog(ctx context.Context, mod api.Module, level, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		logger.Warnf(ctx, "plugin %s passed an out-of-range log message", inst.md.ID)
		return
	}

	entry := logger.WithFields(ctx, logrus.Fields{"plugin": inst.md.ID, "instance": inst.id})
	switch level {
	case 0:
		entry.Debug(string(msg))
	case 1:
		entry.Info(string(msg))
	case 2:
		entry.Warn(string(msg))
	default:
		entry.Error(string(msg))
	}
}

func hostNowMillis(context.Context) int64 {
	return time.Now().UnixMilli()
}

func hostMemoryUsage(ctx context.Context, mod api.Module) int64 {
	return memorySize(mod)
}

// hostCheckResourceLimit lets the guest probe its own budgets
func (inst *Instance) hostCheckResourceLimit(ctx context.Context, mod api.Module, kind uint32) uint32 {
	limits := inst.md.Limits

	switch kind {
	case resourceMemory:
		if memorySize(mod) >= limits.MaxMemoryBytes {
			return limitExceeded
		}
	case resourceCPU:
		// Charge the in-flight call's elapsed time against the budget so
		// a guest probing mid-call sees its own consumption
		remaining := inst.fuelRemaining.Load()
		if start := inst.execStart.Load(); start > 0 {
			remaining -= time.Since(time.UnixMilli(start)).Milliseconds()
		}
		if remaining <= 0 {
			return limitExceeded
		}
	case resourceFileHandles:
		if int(inst.filesCreated.Load()) >= limits.MaxFileHandles {
			return limitExceeded
		}
	case resourceNetwork:
		if int(inst.networkRequests.Load()) >= limits.MaxNetworkConnections {
			return limitExceeded
		}
	case resourceExecutionTime:
		start := inst.execStart.Load()
		if start > 0 && time.Since(time.UnixMilli(start)).Milliseconds() >= limits.MaxExecutionTimeMS {
			return limitExceeded
		}
	}
	return limitOK
}
