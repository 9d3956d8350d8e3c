package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/types"
)

// guestHeapBase is where request payloads land when the guest exports no
// allocator. Keeps clear of the data segments most toolchains place in the
// first page.
const guestHeapBase = 0x10000

// memorySize tolerates modules without a memory export
func memorySize(mod api.Module) int64 {
	mem := mod.Memory()
	if mem == nil {
		return 0
	}
	return int64(mem.Size())
}

// Instance is a single sandboxed plugin. Each instance owns a dedicated
// wazero runtime so closing it reclaims everything the guest touched.
type Instance struct {
	id      string
	md      *types.Metadata
	runtime wazero.Runtime
	mod     api.Module

	entry      api.Function
	allocate   api.Function
	deallocate api.Function

	// mu serializes executions, shutdown drains it
	mu     sync.Mutex
	closed atomic.Bool

	execStart       atomic.Int64
	execCount       atomic.Int64
	totalExecMS     atomic.Int64
	fuelConsumed    atomic.Int64
	fuelRemaining   atomic.Int64
	filesCreated    atomic.Int64
	networkRequests atomic.Int64
}

// newInstance builds the instance shell before the guest module exists;
// host functions close over it during instantiation.
func newInstance(md *types.Metadata, r wazero.Runtime) *Instance {
	suffix, err := gonanoid.New(8)
	if err != nil {
		suffix = "00000000"
	}
	inst := &Instance{
		id:      md.ID + "-" + suffix,
		md:      md,
		runtime: r,
	}
	inst.fuelRemaining.Store(md.Limits.MaxCPUTimeMS)
	return inst
}

// bindExports resolves the guest's function surface. The entry point is
// mandatory, the allocator pair is optional.
func (inst *Instance) bindExports(entryPoint string) error {
	inst.entry = inst.mod.ExportedFunction(entryPoint)
	if inst.entry == nil {
		return types.NewError(types.CodeValidationFailed, inst.md.ID,
			fmt.Sprintf("module does not export entry point %q", entryPoint))
	}
	inst.allocate = inst.mod.ExportedFunction("allocate")
	inst.deallocate = inst.mod.ExportedFunction("deallocate")
	return nil
}

func (inst *Instance) ID() string { return inst.id }

func (inst *Instance) Metadata() *types.Metadata { return inst.md }

// Execute runs one request through the guest entry point. Executions are
// serialized per instance, the guest sees one call at a time.
func (inst *Instance) Execute(ctx context.Context, req *types.ExecutionRequest) (*types.ExecutionResult, error) {
	if inst.closed.Load() {
		return nil, types.NewError(types.CodePluginNotFound, inst.md.ID, "instance "+inst.id+" is shut down")
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.closed.Load() {
		return nil, types.NewError(types.CodePluginNotFound, inst.md.ID, "instance "+inst.id+" is shut down")
	}

	// Exhaustion left behind by the previous call surfaces before the
	// guest runs again. The rejected call refills the budget, so the one
	// after it proceeds.
	if inst.md.Limits.MaxCPUTimeMS > 0 && inst.fuelRemaining.Load() <= 0 {
		inst.fuelRemaining.Store(inst.md.Limits.MaxCPUTimeMS)
		return nil, types.NewError(types.CodeResourceLimitExceeded, inst.md.ID,
			fmt.Sprintf("cpu budget of %dms exhausted", inst.md.Limits.MaxCPUTimeMS))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = inst.md.Limits.ExecutionTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Refill the CPU budget for this call
	inst.fuelRemaining.Store(inst.md.Limits.MaxCPUTimeMS)

	start := time.Now()
	inst.execStart.Store(start.UnixMilli())
	defer inst.execStart.Store(0)

	output, warnings, files, conns, err := inst.call(ctx, req)

	elapsed := time.Since(start)
	inst.execCount.Add(1)
	inst.totalExecMS.Add(elapsed.Milliseconds())
	consumed := elapsed.Milliseconds()
	if consumed > inst.md.Limits.MaxCPUTimeMS {
		consumed = inst.md.Limits.MaxCPUTimeMS
	}
	inst.fuelConsumed.Add(consumed)
	inst.fuelRemaining.Add(-consumed)
	inst.filesCreated.Add(files)
	inst.networkRequests.Add(conns)

	result := &types.ExecutionResult{
		PluginID:        inst.md.ID,
		ExecutionID:     req.ExecutionID,
		ExecutionTime:   elapsed,
		MemoryUsed:      memorySize(inst.mod),
		FilesCreated:    int(files),
		NetworkRequests: int(conns),
		Warnings:        warnings,
	}

	// Guest-side failures are reported as data on the result, the error
	// return stays reserved for host-side faults.
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.ErrorCode = types.ErrorCode(err)
		return result, nil
	}

	result.Success = true
	result.Output = output
	return result, nil
}

// call drives one entry point invocation and decodes the response
func (inst *Instance) call(ctx context.Context, req *types.ExecutionRequest) (output []byte, warnings []string, files, conns int64, err error) {
	data, err := encodeRequest(req)
	if err != nil {
		return nil, nil, 0, 0, types.WrapError(types.CodeExecutionFailed, inst.md.ID, "request encoding failed", err)
	}

	ptr, cleanup, err := inst.writeGuestMemory(ctx, data)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	defer cleanup()

	results, callErr := inst.entry.Call(ctx, uint64(ptr), uint64(len(data)))
	if callErr != nil {
		return nil, nil, 0, 0, inst.classifyCallError(ctx, callErr)
	}
	if len(results) < 2 {
		return nil, nil, 0, 0, types.NewError(types.CodeExecutionFailed, inst.md.ID,
			fmt.Sprintf("entry point returned %d values, want (ptr, len)", len(results)))
	}

	outPtr, outLen := uint32(results[0]), uint32(results[1])
	if outLen == 0 {
		return nil, nil, 0, 0, nil
	}
	raw, ok := inst.mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, nil, 0, 0, types.NewError(types.CodeSandbox, inst.md.ID,
			"plugin returned an out-of-range result pointer")
	}
	// Copy out before the guest can reuse the region
	buf := make([]byte, len(raw))
	copy(buf, raw)

	resp := decodeResponse(buf)
	if !resp.Success {
		return nil, resp.Warnings, int64(resp.FilesCreated), int64(resp.NetworkRequests),
			types.NewError(types.CodeExecutionFailed, inst.md.ID, resp.Error)
	}
	return resp.Data, resp.Warnings, int64(resp.FilesCreated), int64(resp.NetworkRequests), nil
}

// writeGuestMemory places the request payload in linear memory, using the
// guest allocator when it exports one
func (inst *Instance) writeGuestMemory(ctx context.Context, data []byte) (uint32, func(), error) {
	noop := func() {}

	mem := inst.mod.Memory()
	if mem == nil {
		return 0, noop, types.NewError(types.CodeSandbox, inst.md.ID, "module exports no linear memory")
	}

	if inst.allocate == nil {
		if !mem.Write(guestHeapBase, data) {
			return 0, noop, types.NewError(types.CodeResourceLimitExceeded, inst.md.ID,
				fmt.Sprintf("request of %d bytes does not fit in plugin memory", len(data)))
		}
		return guestHeapBase, noop, nil
	}

	results, err := inst.allocate.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, noop, types.WrapError(types.CodeSandbox, inst.md.ID, "plugin allocator failed", err)
	}
	ptr := uint32(results[0])
	if !mem.Write(ptr, data) {
		return 0, noop, types.NewError(types.CodeSandbox, inst.md.ID,
			"plugin allocator returned an out-of-range pointer")
	}
	cleanup := noop
	if inst.deallocate != nil {
		size := uint64(len(data))
		cleanup = func() {
			if _, err := inst.deallocate.Call(ctx, uint64(ptr), size); err != nil {
				logger.Debugf(ctx, "deallocate failed for plugin %s: %v", inst.md.ID, err)
			}
		}
	}
	return ptr, cleanup, nil
}

// classifyCallError maps wazero call failures onto the runtime error taxonomy
func (inst *Instance) classifyCallError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return types.WrapError(types.CodeExecutionFailed, inst.md.ID,
			"execution exceeded its time budget", err)
	}
	if exitErr, ok := err.(*sys.ExitError); ok {
		if exitErr.ExitCode() == 0 {
			return types.NewError(types.CodeExecutionFailed, inst.md.ID, "plugin exited before producing a result")
		}
		return types.NewError(types.CodeExecutionFailed, inst.md.ID,
			fmt.Sprintf("plugin exited with code %d", exitErr.ExitCode()))
	}
	// Traps: unreachable, out-of-bounds access, stack overflow
	return types.WrapError(types.CodeSandbox, inst.md.ID, "plugin trapped", err)
}

// Shutdown waits for any in-flight execution to finish, then tears down the
// instance runtime.
func (inst *Instance) Shutdown(ctx context.Context) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := inst.runtime.Close(ctx); err != nil {
		return types.WrapError(types.CodeSandbox, inst.md.ID, "runtime close failed", err)
	}
	return nil
}

// Stats is a point-in-time view of an instance's counters
type Stats struct {
	InstanceID      string        `json:"instance_id"`
	PluginID        string        `json:"plugin_id"`
	Executions      int64         `json:"executions"`
	TotalExecTime   time.Duration `json:"total_exec_time"`
	FuelConsumed    int64         `json:"fuel_consumed"`
	FuelRemaining   int64         `json:"fuel_remaining"`
	MemoryBytes     int64         `json:"memory_bytes"`
	FilesCreated    int64         `json:"files_created"`
	NetworkRequests int64         `json:"network_requests"`
}

func (inst *Instance) Stats() Stats {
	return Stats{
		InstanceID:      inst.id,
		PluginID:        inst.md.ID,
		Executions:      inst.execCount.Load(),
		TotalExecTime:   time.Duration(inst.totalExecMS.Load()) * time.Millisecond,
		FuelConsumed:    inst.fuelConsumed.Load(),
		FuelRemaining:   inst.fuelRemaining.Load(),
		MemoryBytes:     memorySize(inst.mod),
		FilesCreated:    inst.filesCreated.Load(),
		NetworkRequests: inst.networkRequests.Load(),
	}
}
