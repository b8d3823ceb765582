package sysinfo

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

type FsSizeData struct {
	Fs    string  `json:"fs"`
	Type  string  `json:"type"`
	Size  uint64  `json:"size"`
	Used  uint64  `json:"used"`
	Avail uint64  `json:"available"`
	Use   float64 `json:"use"`
	Mount string  `json:"mount"`
}

// fsSize takes an optional device or mount point filter
func fsSize(ctx context.Context, args []json.RawMessage) (any, error) {
	filter, err := optionalString(args, 0)
	if err != nil {
		return nil, err
	}
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]FsSizeData, 0, len(parts))
	for _, p := range parts {
		if filter != "" && p.Device != filter && p.Mountpoint != filter {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			// Unreadable mounts (permissions, stale network fs) are skipped
			continue
		}
		out = append(out, FsSizeData{
			Fs:    p.Device,
			Type:  p.Fstype,
			Size:  usage.Total,
			Used:  usage.Used,
			Avail: usage.Free,
			Use:   round2(usage.UsedPercent),
			Mount: p.Mountpoint,
		})
	}
	return out, nil
}

type BlockDeviceData struct {
	Name     string `json:"name"`
	FsType   string `json:"fsType"`
	Mount    string `json:"mount"`
	ReadOnly bool   `json:"ro"`
}

func blockDevices(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]BlockDeviceData, 0, len(parts))
	for _, p := range parts {
		if !strings.HasPrefix(p.Device, "/dev/") {
			continue
		}
		ro := false
		for _, opt := range p.Opts {
			if opt == "ro" {
				ro = true
			}
		}
		out = append(out, BlockDeviceData{Name: p.Device, FsType: p.Fstype, Mount: p.Mountpoint, ReadOnly: ro})
	}
	return out, nil
}

type InterfaceData struct {
	Iface string   `json:"iface"`
	Mac   string   `json:"mac"`
	Mtu   int      `json:"mtu"`
	Addrs []string `json:"addrs"`
	Flags []string `json:"flags"`
}

func networkInterfaces(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	list, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]InterfaceData, 0, len(list))
	for _, iface := range list {
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
		out = append(out, InterfaceData{
			Iface: iface.Name,
			Mac:   iface.HardwareAddr,
			Mtu:   iface.MTU,
			Addrs: addrs,
			Flags: iface.Flags,
		})
	}
	return out, nil
}

type NetStatsData struct {
	Iface    string `json:"iface"`
	RxBytes  uint64 `json:"rx_bytes"`
	TxBytes  uint64 `json:"tx_bytes"`
	RxErrors uint64 `json:"rx_errors"`
	TxErrors uint64 `json:"tx_errors"`
	RxDrop   uint64 `json:"rx_dropped"`
	TxDrop   uint64 `json:"tx_dropped"`
}

// networkStats takes an optional interface name
func networkStats(ctx context.Context, args []json.RawMessage) (any, error) {
	iface, err := optionalString(args, 0)
	if err != nil {
		return nil, err
	}
	counters, err := net.IOCountersWithContext(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make([]NetStatsData, 0, len(counters))
	for _, c := range counters {
		if iface != "" && c.Name != iface {
			continue
		}
		out = append(out, NetStatsData{
			Iface:    c.Name,
			RxBytes:  c.BytesRecv,
			TxBytes:  c.BytesSent,
			RxErrors: c.Errin,
			TxErrors: c.Errout,
			RxDrop:   c.Dropin,
			TxDrop:   c.Dropout,
		})
	}
	return out, nil
}

type ConnectionData struct {
	Protocol     string `json:"protocol"`
	LocalAddress string `json:"localaddress"`
	LocalPort    uint32 `json:"localport"`
	PeerAddress  string `json:"peeraddress"`
	PeerPort     uint32 `json:"peerport"`
	State        string `json:"state"`
	Pid          int32  `json:"pid"`
}

func networkConnections(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	return Connections(ctx)
}

// Connections lists TCP connections. The gateway allow-list reads it directly.
func Connections(ctx context.Context) ([]ConnectionData, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	out := make([]ConnectionData, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionData{
			Protocol:     "tcp",
			LocalAddress: c.Laddr.IP,
			LocalPort:    c.Laddr.Port,
			PeerAddress:  c.Raddr.IP,
			PeerPort:     c.Raddr.Port,
			State:        c.Status,
			Pid:          c.Pid,
		})
	}
	return out, nil
}

type ProcessData struct {
	Pid       int32   `json:"pid"`
	ParentPid int32   `json:"parentPid"`
	Name      string  `json:"name"`
	User      string  `json:"user"`
	Cpu       float64 `json:"cpu"`
	Mem       float32 `json:"mem"`
}

type ProcessesData struct {
	All  int           `json:"all"`
	List []ProcessData `json:"list"`
}

func processes(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	data := ProcessesData{List: make([]ProcessData, 0, len(procs))}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// The process exited between listing and inspection
			continue
		}
		entry := ProcessData{Pid: p.Pid, Name: name}
		entry.ParentPid, _ = p.PpidWithContext(ctx)
		entry.User, _ = p.UsernameWithContext(ctx)
		if c, err := p.CPUPercentWithContext(ctx); err == nil {
			entry.Cpu = round2(c)
		}
		entry.Mem, _ = p.MemoryPercentWithContext(ctx)
		data.List = append(data.List, entry)
	}
	data.All = len(data.List)
	return data, nil
}
