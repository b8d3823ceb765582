package sysinfo

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// loadSampleWindow is how long currentLoad samples CPU usage
var loadSampleWindow = 200 * time.Millisecond

type CpuData struct {
	Manufacturer  string  `json:"manufacturer"`
	Brand         string  `json:"brand"`
	Family        string  `json:"family"`
	Model         string  `json:"model"`
	Speed         float64 `json:"speed"`
	Cores         int     `json:"cores"`
	PhysicalCores int     `json:"physicalCores"`
	Cache         int32   `json:"cache"`
}

func cpuInfo(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	physical, err := cpu.CountsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	data := CpuData{Cores: logical, PhysicalCores: physical}
	if len(infos) > 0 {
		data.Manufacturer = infos[0].VendorID
		data.Brand = infos[0].ModelName
		data.Family = infos[0].Family
		data.Model = infos[0].Model
		data.Speed = ghz(infos[0].Mhz)
		data.Cache = infos[0].CacheSize
	}
	return data, nil
}

type SpeedData struct {
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Avg   float64   `json:"avg"`
	Cores []float64 `json:"cores"`
}

func cpuCurrentSpeed(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	mhz := make([]float64, 0, len(infos))
	for _, info := range infos {
		mhz = append(mhz, info.Mhz)
	}
	return speedFromMhz(mhz), nil
}

// speedFromMhz aggregates per-core clock readings into GHz figures rounded to two decimals
func speedFromMhz(mhz []float64) SpeedData {
	data := SpeedData{Cores: make([]float64, 0, len(mhz))}
	if len(mhz) == 0 {
		return data
	}
	data.Min = math.MaxFloat64
	var sum float64
	for _, m := range mhz {
		g := ghz(m)
		data.Cores = append(data.Cores, g)
		sum += g
		data.Min = math.Min(data.Min, g)
		data.Max = math.Max(data.Max, g)
	}
	data.Avg = round2(sum / float64(len(mhz)))
	return data
}

type LoadData struct {
	AvgLoad     float64   `json:"avgLoad"`
	CurrentLoad float64   `json:"currentLoad"`
	Cpus        []CpuLoad `json:"cpus"`
}

type CpuLoad struct {
	Load float64 `json:"load"`
}

func currentLoad(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	perCpu, err := cpu.PercentWithContext(ctx, loadSampleWindow, true)
	if err != nil {
		return nil, err
	}
	data := LoadData{AvgLoad: round2(avg.Load1), Cpus: make([]CpuLoad, 0, len(perCpu))}
	var sum float64
	for _, p := range perCpu {
		data.Cpus = append(data.Cpus, CpuLoad{Load: round2(p)})
		sum += p
	}
	if len(perCpu) > 0 {
		data.CurrentLoad = round2(sum / float64(len(perCpu)))
	}
	return data, nil
}

// fullLoad is the share of non-idle CPU time since boot, in percent
func fullLoad(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(times) == 0 {
		return 0.0, nil
	}
	t := times[0]
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	if total == 0 {
		return 0.0, nil
	}
	return round2((total - t.Idle - t.Iowait) / total * 100), nil
}

type MemData struct {
	Total     uint64 `json:"total"`
	Free      uint64 `json:"free"`
	Used      uint64 `json:"used"`
	Active    uint64 `json:"active"`
	Available uint64 `json:"available"`
	Buffers   uint64 `json:"buffers"`
	Cached    uint64 `json:"cached"`
	SwapTotal uint64 `json:"swaptotal"`
	SwapUsed  uint64 `json:"swapused"`
	SwapFree  uint64 `json:"swapfree"`
}

func memInfo(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return MemData{
		Total:     vm.Total,
		Free:      vm.Free,
		Used:      vm.Used,
		Active:    vm.Active,
		Available: vm.Available,
		Buffers:   vm.Buffers,
		Cached:    vm.Cached,
		SwapTotal: swap.Total,
		SwapUsed:  swap.Used,
		SwapFree:  swap.Free,
	}, nil
}

func ghz(mhz float64) float64 { return round2(mhz / 1000) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
