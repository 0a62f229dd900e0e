// Copyright 2026 The Poolvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poolvisor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Restart reasons, as reported to MetricsCollector.WorkerRestarted.
const (
	ReasonCrash  = "crash"
	ReasonMemory = "memory"
	ReasonManual = "manual"
)

// MetricsCollector receives pool events for export.
type MetricsCollector interface {
	WorkerSpawned()
	SpawnFailed()
	WorkerRestarted(reason string)
	WorkerTerminated(d time.Duration, forced bool)
	WorkerMemory(uid string, bytes uint64)
	WorkerRemoved(uid string)
	SampleFailed()
	PoolSize(n int)
}

type noopMetrics struct{}

func (noopMetrics) WorkerSpawned()                       {}
func (noopMetrics) SpawnFailed()                         {}
func (noopMetrics) WorkerRestarted(string)               {}
func (noopMetrics) WorkerTerminated(time.Duration, bool) {}
func (noopMetrics) WorkerMemory(string, uint64)          {}
func (noopMetrics) WorkerRemoved(string)                 {}
func (noopMetrics) SampleFailed()                        {}
func (noopMetrics) PoolSize(int)                         {}

// NewNoopMetrics returns a collector that discards everything.
func NewNoopMetrics() MetricsCollector {
	return noopMetrics{}
}

// PrometheusMetrics exports pool events through its own registry, which
// also carries the Go runtime and process collectors of the supervisor.
type PrometheusMetrics struct {
	spawns       prometheus.Counter
	spawnFails   prometheus.Counter
	restarts     *prometheus.CounterVec
	terminations *prometheus.CounterVec
	termDuration prometheus.Histogram
	memory       *prometheus.GaugeVec
	sampleFails  prometheus.Counter
	workers      prometheus.Gauge

	registry *prometheus.Registry
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "poolvisor"
	}
	pm := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
	}

	pm.spawns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Workers started, including respawns",
	})
	pm.spawnFails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawn_failures_total",
		Help:      "Attempts to start a worker that failed",
	})
	pm.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_restarts_total",
		Help:      "Completed worker restarts",
	}, []string{"reason"})
	pm.terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_kills_total",
		Help:      "Workers stopped, by whether SIGKILL was needed",
	}, []string{"forced"})
	pm.termDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_kill_duration_seconds",
		Help:      "Time from SIGTERM until the worker died or was killed",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
	pm.memory = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_resident_memory_bytes",
		Help:      "Last sampled resident memory of each worker",
	}, []string{"uid"})
	pm.sampleFails = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sample_failures_total",
		Help:      "Monitor passes skipped because sampling failed",
	})
	pm.workers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Workers currently tracked by the pool",
	})

	pm.registry.MustRegister(
		pm.spawns,
		pm.spawnFails,
		pm.restarts,
		pm.terminations,
		pm.termDuration,
		pm.memory,
		pm.sampleFails,
		pm.workers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pm
}

func (pm *PrometheusMetrics) WorkerSpawned() {
	pm.spawns.Inc()
}

func (pm *PrometheusMetrics) SpawnFailed() {
	pm.spawnFails.Inc()
}

func (pm *PrometheusMetrics) WorkerRestarted(reason string) {
	pm.restarts.WithLabelValues(reason).Inc()
}

func (pm *PrometheusMetrics) WorkerTerminated(d time.Duration, forced bool) {
	pm.terminations.WithLabelValues(strconv.FormatBool(forced)).Inc()
	pm.termDuration.Observe(d.Seconds())
}

func (pm *PrometheusMetrics) WorkerMemory(uid string, bytes uint64) {
	pm.memory.WithLabelValues(uid).Set(float64(bytes))
}

// WorkerRemoved drops the per worker series so removed uids do not linger.
func (pm *PrometheusMetrics) WorkerRemoved(uid string) {
	pm.memory.DeleteLabelValues(uid)
}

func (pm *PrometheusMetrics) SampleFailed() {
	pm.sampleFails.Inc()
}

func (pm *PrometheusMetrics) PoolSize(n int) {
	pm.workers.Set(float64(n))
}

func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)
