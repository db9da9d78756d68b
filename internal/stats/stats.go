// SPDX-License-Identifier: MIT

// Package stats tracks transfer counters, active clients and a 60-second
// sliding bandwidth window shared by the HTTP and FTP frontends.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fileshare",
		Name:      "downloads_total",
		Help:      "Total completed file downloads",
	})
	downloadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fileshare",
		Name:      "download_bytes_total",
		Help:      "Total bytes served to clients",
	})
	uploadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fileshare",
		Name:      "uploads_total",
		Help:      "Total completed file uploads",
	})
	uploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fileshare",
		Name:      "upload_bytes_total",
		Help:      "Total bytes received from clients",
	})
	activeRequestsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fileshare",
		Name:      "active_requests",
		Help:      "Requests currently in flight",
	})
)

// clientExpiry is how long an IP counts as an active client after its last
// request.
const clientExpiry = 60 * time.Second

// bandwidthWindow is the retention span of the sample ring.
const bandwidthWindow = 60 * time.Second

type sample struct {
	at      time.Time
	dlBytes int64
	ulBytes int64
}

// Collector is the process-wide statistics service.
type Collector struct {
	totalDownloads     atomic.Int64
	totalDownloadBytes atomic.Int64
	totalUploads       atomic.Int64
	totalUploadBytes   atomic.Int64
	activeRequests     atomic.Int64

	mu            sync.Mutex
	clients       map[string]time.Time
	samples       []sample
	fileDownloads map[string]int64

	now func() time.Time
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{
		clients:       make(map[string]time.Time),
		fileDownloads: make(map[string]int64),
		now:           time.Now,
	}
}

// RequestStarted marks a request in flight and refreshes the client's
// activity timestamp.
func (c *Collector) RequestStarted(ip string) {
	c.activeRequests.Add(1)
	activeRequestsGauge.Inc()
	if ip == "" {
		return
	}
	c.mu.Lock()
	c.clients[ip] = c.now()
	c.mu.Unlock()
}

// RequestFinished must be called on every exit path, including errors.
func (c *Collector) RequestFinished() {
	c.activeRequests.Add(-1)
	activeRequestsGauge.Dec()
}

// RecordDownload tallies a completed download of relPath.
func (c *Collector) RecordDownload(relPath string, bytes int64) {
	c.totalDownloads.Add(1)
	c.totalDownloadBytes.Add(bytes)
	downloadsTotal.Inc()
	downloadBytesTotal.Add(float64(bytes))
	c.mu.Lock()
	if relPath != "" {
		c.fileDownloads[relPath]++
	}
	c.samples = append(c.samples, sample{at: c.now(), dlBytes: bytes})
	c.mu.Unlock()
}

// RecordUpload tallies a completed upload.
func (c *Collector) RecordUpload(bytes int64) {
	c.totalUploads.Add(1)
	c.totalUploadBytes.Add(bytes)
	uploadsTotal.Inc()
	uploadBytesTotal.Add(float64(bytes))
	c.mu.Lock()
	c.samples = append(c.samples, sample{at: c.now(), ulBytes: bytes})
	c.mu.Unlock()
}

// RecordSample appends a bandwidth sample without touching the transfer
// counters. Speedtest traffic uses it so synthetic bytes never show up as
// file downloads.
func (c *Collector) RecordSample(dlBytes, ulBytes int64) {
	c.mu.Lock()
	c.samples = append(c.samples, sample{at: c.now(), dlBytes: dlBytes, ulBytes: ulBytes})
	c.mu.Unlock()
}

// DownloadCount returns the per-file tally for the normalized relative path.
func (c *Collector) DownloadCount(relPath string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileDownloads[relPath]
}

// Snapshot is a consistent view of all counters and derived rates.
type Snapshot struct {
	TotalDownloads     int64   `json:"totalDownloads"`
	TotalDownloadBytes int64   `json:"totalDownloadBytes"`
	TotalUploads       int64   `json:"totalUploads"`
	TotalUploadBytes   int64   `json:"totalUploadBytes"`
	ActiveRequests     int64   `json:"activeRequests"`
	ActiveClients      int     `json:"activeClients"`
	DownloadRate       float64 `json:"downloadBytesPerSec"`
	UploadRate         float64 `json:"uploadBytesPerSec"`
}

// Snapshot evicts expired samples and clients, then reports counters plus
// bandwidth averaged over the actual sample span (floor one second).
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	c.mu.Lock()
	cutoff := now.Add(-bandwidthWindow)
	i := 0
	for ; i < len(c.samples); i++ {
		if c.samples[i].at.After(cutoff) {
			break
		}
	}
	c.samples = c.samples[i:]

	var dl, ul int64
	var oldest time.Time
	for idx, s := range c.samples {
		if idx == 0 {
			oldest = s.at
		}
		dl += s.dlBytes
		ul += s.ulBytes
	}

	for ip, last := range c.clients {
		if now.Sub(last) >= clientExpiry {
			delete(c.clients, ip)
		}
	}
	activeClients := len(c.clients)
	c.mu.Unlock()

	span := time.Second
	if !oldest.IsZero() {
		if d := now.Sub(oldest); d > span {
			span = d
		}
	}

	return Snapshot{
		TotalDownloads:     c.totalDownloads.Load(),
		TotalDownloadBytes: c.totalDownloadBytes.Load(),
		TotalUploads:       c.totalUploads.Load(),
		TotalUploadBytes:   c.totalUploadBytes.Load(),
		ActiveRequests:     c.activeRequests.Load(),
		ActiveClients:      activeClients,
		DownloadRate:       float64(dl) / span.Seconds(),
		UploadRate:         float64(ul) / span.Seconds(),
	}
}
