package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/skeinworks/skein-agent/internal/agent/model"
	"github.com/skeinworks/skein-agent/internal/capability"
)

type sysInfoArgs struct{}

type sysInfoHandler struct{ o Options }

func (h sysInfoHandler) Validate(context.Context, model.Invocation) error { return nil }

// Execute gathers host facts best-effort: any probe that fails on the
// current platform is simply omitted.
func (h sysInfoHandler) Execute(ctx context.Context, _ model.Invocation) (capability.Result, error) {
	out := map[string]any{
		"go_os":   runtime.GOOS,
		"go_arch": runtime.GOARCH,
	}
	var lines []string

	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		out["hostname"] = info.Hostname
		out["platform"] = info.Platform
		out["platform_version"] = info.PlatformVersion
		out["kernel_version"] = info.KernelVersion
		out["uptime_seconds"] = info.Uptime
		lines = append(lines, fmt.Sprintf("host: %s (%s %s, kernel %s)", info.Hostname, info.Platform, info.PlatformVersion, info.KernelVersion))
	}
	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out["cpu_logical_cores"] = cores
		lines = append(lines, fmt.Sprintf("cpu: %d logical cores", cores))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		out["memory_total_bytes"] = vm.Total
		out["memory_used_bytes"] = vm.Used
		out["memory_used_percent"] = vm.UsedPercent
		lines = append(lines, fmt.Sprintf("memory: %.1f%% of %d MiB used", vm.UsedPercent, vm.Total/(1<<20)))
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out["load_1"] = avg.Load1
		out["load_5"] = avg.Load5
		out["load_15"] = avg.Load15
		lines = append(lines, fmt.Sprintf("load: %.2f %.2f %.2f", avg.Load1, avg.Load5, avg.Load15))
	}

	data, err := json.Marshal(out)
	if err != nil {
		return capability.Result{Err: capability.NewError(capability.ErrorCodeExecution, err.Error())}, nil
	}
	return capability.Result{Output: strings.Join(lines, "\n"), Data: data}, nil
}
