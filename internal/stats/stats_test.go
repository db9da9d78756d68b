// SPDX-License-Identifier: MIT

package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestCountersMonotonic(t *testing.T) {
	c := New()
	c.RecordDownload("a/b.bin", 100)
	c.RecordDownload("a/b.bin", 50)
	c.RecordUpload(30)

	snap := c.Snapshot()
	require.Equal(t, int64(2), snap.TotalDownloads)
	require.Equal(t, int64(150), snap.TotalDownloadBytes)
	require.Equal(t, int64(1), snap.TotalUploads)
	require.Equal(t, int64(30), snap.TotalUploadBytes)
	require.Equal(t, int64(2), c.DownloadCount("a/b.bin"))
	require.Equal(t, int64(0), c.DownloadCount("other"))
}

func TestActiveRequests(t *testing.T) {
	c := New()
	c.RequestStarted("1.2.3.4")
	c.RequestStarted("5.6.7.8")
	require.Equal(t, int64(2), c.Snapshot().ActiveRequests)
	c.RequestFinished()
	c.RequestFinished()
	require.Equal(t, int64(0), c.Snapshot().ActiveRequests)
}

func TestActiveClientsExpiry(t *testing.T) {
	c := New()
	base := time.Now()
	c.now = func() time.Time { return base }
	c.RequestStarted("1.2.3.4")
	c.RequestFinished()
	require.Equal(t, 1, c.Snapshot().ActiveClients)

	c.now = func() time.Time { return base.Add(clientExpiry) }
	require.Equal(t, 0, c.Snapshot().ActiveClients)
}

func TestBandwidthWindow(t *testing.T) {
	c := New()
	base := time.Now()
	c.now = func() time.Time { return base }
	c.RecordDownload("f", 1000)

	c.now = func() time.Time { return base.Add(10 * time.Second) }
	c.RecordDownload("f", 1000)

	snap := c.Snapshot()
	require.InDelta(t, 200.0, snap.DownloadRate, 1.0, "2000 bytes over 10s span")

	// Samples older than the window are evicted on read.
	c.now = func() time.Time { return base.Add(2 * bandwidthWindow) }
	snap = c.Snapshot()
	require.Zero(t, snap.DownloadRate)
}

func TestPrometheusCountersRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}
	for _, name := range []string{
		"fileshare_downloads_total",
		"fileshare_upload_bytes_total",
		"fileshare_active_requests",
	} {
		require.Contains(t, byName, name)
	}
}
