// Package metrics exports the statistics of registered tasks to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bamsammich/volcopy/internal/engine"
	"github.com/bamsammich/volcopy/internal/registry"
)

var taskLabels = []string{"task", "kind"}

// Collector reads every live task of a registry at scrape time.
type Collector struct {
	reg *registry.Registry

	tasks             *prometheus.Desc
	status            *prometheus.Desc
	bytesToRead       *prometheus.Desc
	bytesRead         *prometheus.Desc
	blocksToHash      *prometheus.Desc
	blocksHashed      *prometheus.Desc
	bytesToWrite      *prometheus.Desc
	bytesWritten      *prometheus.Desc
	blocksUnchanged   *prometheus.Desc
	sessionsTotal     *prometheus.Desc
	sessionsCommitted *prometheus.Desc
}

// NewCollector returns a collector over reg.
func NewCollector(reg *registry.Registry) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("volcopy_"+name, help, labels, nil)
	}
	return &Collector{
		reg:               reg,
		tasks:             desc("tasks", "Number of live task handles"),
		status:            desc("task_status", "Task state (1 for the current state)", append(taskLabels, "status")...),
		bytesToRead:       desc("task_bytes_to_read", "Bytes the task will read", taskLabels...),
		bytesRead:         desc("task_bytes_read", "Bytes read so far", taskLabels...),
		blocksToHash:      desc("task_blocks_to_hash", "Blocks the task will hash", taskLabels...),
		blocksHashed:      desc("task_blocks_hashed", "Blocks hashed so far", taskLabels...),
		bytesToWrite:      desc("task_bytes_to_write", "Bytes the task will write", taskLabels...),
		bytesWritten:      desc("task_bytes_written", "Bytes written so far", taskLabels...),
		blocksUnchanged:   desc("task_blocks_unchanged", "Blocks referenced from the previous copy", taskLabels...),
		sessionsTotal:     desc("task_sessions", "Sessions planned", taskLabels...),
		sessionsCommitted: desc("task_sessions_committed", "Sessions committed", taskLabels...),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.tasks, c.status,
		c.bytesToRead, c.bytesRead, c.blocksToHash, c.blocksHashed,
		c.bytesToWrite, c.bytesWritten, c.blocksUnchanged,
		c.sessionsTotal, c.sessionsCommitted,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(c.reg.Len()))

	c.reg.Range(func(_ registry.Handle, t *engine.Task) bool {
		labels := []string{t.ID().String(), t.Kind()}
		current := t.Status()
		for s := engine.StatusInit; s <= engine.StatusFailed; s++ {
			v := 0.0
			if s == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, v, append(labels, s.String())...)
		}

		snap := t.Statistics()
		for _, m := range []struct {
			d *prometheus.Desc
			v int64
		}{
			{c.bytesToRead, snap.BytesToRead},
			{c.bytesRead, snap.BytesRead},
			{c.blocksToHash, snap.BlocksToHash},
			{c.blocksHashed, snap.BlocksHashed},
			{c.bytesToWrite, snap.BytesToWrite},
			{c.bytesWritten, snap.BytesWritten},
			{c.blocksUnchanged, snap.BlocksUnchanged},
			{c.sessionsTotal, snap.SessionsTotal},
			{c.sessionsCommitted, snap.SessionsCommitted},
		} {
			ch <- prometheus.MustNewConstMetric(m.d, prometheus.GaugeValue, float64(m.v), labels...)
		}
		return true
	})
}

// Handler returns an HTTP handler serving the registry's metrics alongside
// the Go runtime and process collectors.
func Handler(reg *registry.Registry) http.Handler {
	pr := prometheus.NewRegistry()
	pr.MustRegister(
		NewCollector(reg),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(pr, promhttp.HandlerOpts{})
}
