// Package health serves the /health endpoint of both binaries: liveness
// plus a snapshot of host resource usage.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Report is the /health response body
type Report struct {
	Status  string    `json:"status"`
	Service string    `json:"service"`
	ID      string    `json:"id,omitempty"`
	Started time.Time `json:"started"`
	Uptime  string    `json:"uptime"`
	Host    HostStats `json:"host"`
	// Errors lists host statistics that could not be collected. They do
	// not make the service unhealthy.
	Errors []string `json:"errors,omitempty"`
}

// HostStats is a snapshot of the machine the service runs on
type HostStats struct {
	Hostname        string  `json:"hostname,omitempty"`
	Platform        string  `json:"platform,omitempty"`
	UptimeSeconds   uint64  `json:"uptime_seconds,omitempty"`
	CPUs            int     `json:"cpus,omitempty"`
	Load1           float64 `json:"load1"`
	Load5           float64 `json:"load5"`
	Load15          float64 `json:"load15"`
	MemTotal        uint64  `json:"mem_total"`
	MemUsedPercent  float64 `json:"mem_used_percent"`
	DiskPath        string  `json:"disk_path,omitempty"`
	DiskFree        uint64  `json:"disk_free"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
}

// Checker builds health reports for one service
type Checker struct {
	service string
	id      string
	dataDir string
	started time.Time
}

// NewChecker returns a checker for service. dataDir is the directory whose
// file system usage is reported; empty means the root.
func NewChecker(service, id, dataDir string) *Checker {
	if dataDir == "" {
		dataDir = "/"
	}
	return &Checker{service: service, id: id, dataDir: dataDir, started: time.Now()}
}

// Report collects a health report. Statistics that fail are listed in
// Errors and left zero.
func (c *Checker) Report(ctx context.Context) Report {
	r := Report{
		Status:  "ok",
		Service: c.service,
		ID:      c.id,
		Started: c.started.UTC(),
		Uptime:  time.Since(c.started).Round(time.Second).String(),
	}
	fail := func(what string, err error) {
		r.Errors = append(r.Errors, what+": "+err.Error())
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		fail("host", err)
	} else {
		r.Host.Hostname = info.Hostname
		r.Host.Platform = info.Platform + " " + info.PlatformVersion
		r.Host.UptimeSeconds = info.Uptime
	}
	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		fail("cpu", err)
	} else {
		r.Host.CPUs = n
	}
	if avg, err := load.AvgWithContext(ctx); err != nil {
		fail("load", err)
	} else {
		r.Host.Load1, r.Host.Load5, r.Host.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		fail("memory", err)
	} else {
		r.Host.MemTotal = vm.Total
		r.Host.MemUsedPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, c.dataDir); err != nil {
		fail("disk", err)
	} else {
		r.Host.DiskPath = du.Path
		r.Host.DiskFree = du.Free
		r.Host.DiskUsedPercent = du.UsedPercent
	}
	return r
}

// ServeHTTP writes the report as JSON with status 200
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	cluster.WriteJSON(w, http.StatusOK, c.Report(ctx))
}
