// Package sysinfo is the built-in diagnostics plugin. It is admin-only, so
// to everyone else the /api/p/sysinfo route does not exist.
package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/personal-tiny-cloud/tcloud/lib/plugin"
)

const version = "0.1.0"

// Plugin reports process and host diagnostics.
type Plugin struct {
	started time.Time
}

// New creates the plugin, pinning the process start time for uptime.
func New() *Plugin {
	return &Plugin{started: time.Now()}
}

// Info implements plugin.Plugin.
func (p *Plugin) Info() plugin.Info {
	return plugin.Info{
		Name:        "sysinfo",
		Version:     version,
		Description: "process and host diagnostics",
		Source:      "https://github.com/personal-tiny-cloud/tcloud",
		AdminOnly:   true,
	}
}

// Init implements plugin.Plugin. The plugin has no knobs.
func (p *Plugin) Init(plugin.Config) error { return nil }

type runtimeReport struct {
	GoVersion     string  `json:"go_version"`
	OS            string  `json:"os"`
	Arch          string  `json:"arch"`
	CPUs          int     `json:"cpus"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	MemTotal      uint64  `json:"mem_total,omitempty"`
	MemAvailable  uint64  `json:"mem_available,omitempty"`
	Load1         float64 `json:"load1,omitempty"`
	Load5         float64 `json:"load5,omitempty"`
	Load15        float64 `json:"load15,omitempty"`
}

type diskReport struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype,omitempty"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Request implements plugin.Plugin.
func (p *Plugin) Request(_ context.Context, req plugin.Request) (plugin.Response, error) {
	var r struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(req.Body, &r); err != nil {
		return plugin.Text(http.StatusBadRequest, "malformed request"), nil
	}

	switch r.Op {
	case "runtime":
		return plugin.JSON(http.StatusOK, p.runtimeReport()), nil
	case "disk":
		return p.diskReport(req.DataPath)
	default:
		return plugin.Text(http.StatusBadRequest, fmt.Sprintf("unknown op %q", r.Op)), nil
	}
}

// File implements plugin.Plugin. Diagnostics take no uploads.
func (p *Plugin) File(context.Context, plugin.FileRequest) (plugin.Response, error) {
	return plugin.Text(http.StatusMethodNotAllowed, "sysinfo accepts no uploads"), nil
}

// runtimeReport gathers process stats, padding them with host memory and
// load where the platform provides them.
func (p *Plugin) runtimeReport() runtimeReport {
	rep := runtimeReport{
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		CPUs:          runtime.NumCPU(),
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(p.started).Seconds()),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		rep.MemTotal = vm.Total
		rep.MemAvailable = vm.Available
	} else {
		log.Printf("[DEBUG] sysinfo: no host memory stats: %v", err)
	}
	if avg, err := load.Avg(); err == nil {
		rep.Load1, rep.Load5, rep.Load15 = avg.Load1, avg.Load5, avg.Load15
	} else {
		log.Printf("[DEBUG] sysinfo: no load stats: %v", err)
	}
	return rep
}

// diskReport measures the volume holding the data tree; the plugin's own
// directory lives on it, no wider filesystem access needed.
func (p *Plugin) diskReport(path string) (plugin.Response, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return plugin.Response{}, fmt.Errorf("failed to read disk usage for %s: %w", path, err)
	}
	return plugin.JSON(http.StatusOK, diskReport{
		Path:        usage.Path,
		Fstype:      usage.Fstype,
		TotalBytes:  usage.Total,
		FreeBytes:   usage.Free,
		UsedBytes:   usage.Used,
		UsedPercent: usage.UsedPercent,
	}), nil
}
