package sysinfo

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/host"
)

type TimeData struct {
	Current      int64  `json:"current"`
	Uptime       uint64 `json:"uptime"`
	Timezone     string `json:"timezone"`
	TimezoneName string `json:"timezoneName"`
}

func timeInfo(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	now := time.Now()
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, err
	}
	name, _ := now.Zone()
	return TimeData{
		Current:      now.UnixMilli(),
		Uptime:       uptime,
		Timezone:     now.Format("-0700"),
		TimezoneName: name,
	}, nil
}

type SystemData struct {
	Hostname       string `json:"hostname"`
	Uuid           string `json:"uuid"`
	Virtual        bool   `json:"virtual"`
	Virtualization string `json:"virtualization"`
}

func system(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return SystemData{
		Hostname:       info.Hostname,
		Uuid:           info.HostID,
		Virtual:        info.VirtualizationRole == "guest",
		Virtualization: info.VirtualizationSystem,
	}, nil
}

type OsData struct {
	Platform string `json:"platform"`
	Distro   string `json:"distro"`
	Release  string `json:"release"`
	Kernel   string `json:"kernel"`
	Arch     string `json:"arch"`
	Hostname string `json:"hostname"`
	BootTime uint64 `json:"bootTime"`
}

func osInfo(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return OsData{
		Platform: info.OS,
		Distro:   info.Platform,
		Release:  info.PlatformVersion,
		Kernel:   info.KernelVersion,
		Arch:     info.KernelArch,
		Hostname: info.Hostname,
		BootTime: info.BootTime,
	}, nil
}

func versions(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	kernel, err := host.KernelVersionWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"kernel": kernel,
		"go":     runtime.Version(),
	}, nil
}

func shell(_ context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	return os.Getenv("SHELL"), nil
}

type UserData struct {
	User     string `json:"user"`
	Terminal string `json:"tty"`
	Host     string `json:"ip"`
	Started  int    `json:"started"`
}

func users(ctx context.Context, args []json.RawMessage) (any, error) {
	if err := noArgs(args); err != nil {
		return nil, err
	}
	list, err := host.UsersWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserData, 0, len(list))
	for _, u := range list {
		out = append(out, UserData{User: u.User, Terminal: u.Terminal, Host: u.Host, Started: u.Started})
	}
	return out, nil
}

// observe polls forever and only returns when its context is cancelled. The worker runs it
// with no deadline, so it never answers; the gateway keeps it on the transport denylist.
func observe(ctx context.Context, _ []json.RawMessage) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
