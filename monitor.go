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
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Usage is one resource sample of a process.
type Usage struct {
	Memory uint64  // resident bytes
	CPU    float64 // percent of one core since the previous sample
}

// Sampler measures processes.  A pid that cannot be measured fails the
// whole sample.
type Sampler interface {
	Sample(pids []int) (map[int]Usage, error)
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(pids []int) (map[int]Usage, error)

func (f SamplerFunc) Sample(pids []int) (map[int]Usage, error) {
	return f(pids)
}

// Monitor periodically samples the workers of a pool, and restarts those
// whose memory reaches the pool's threshold.  Passes never overlap: the
// next interval starts only after the previous pass has finished.
type Monitor struct {
	pool    *Pool
	sampler Sampler
	logger  hclog.Logger
	metrics MetricsCollector

	running bool
	stop    chan struct{}
	done    chan struct{}
	mx      sync.Mutex
}

func NewMonitor(pool *Pool, sampler Sampler) *Monitor {
	return &Monitor{
		pool:    pool,
		sampler: sampler,
		logger:  pool.logger.Named("monitor"),
		metrics: pool.metrics,
	}
}

// Start begins sampling every interval.
func (m *Monitor) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = m.pool.cfg.SampleInterval
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.running {
		return ErrMonitorActive
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(interval, m.stop, m.done)
	m.logger.Debug("monitor started", "interval", interval)
	return nil
}

// Stop halts sampling and waits for a pass in progress to complete.
func (m *Monitor) Stop() {
	m.mx.Lock()
	if !m.running {
		m.mx.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mx.Unlock()
	<-done
	m.logger.Debug("monitor stopped")
}

// Running reports whether the monitor has been started and not stopped.
func (m *Monitor) Running() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.running
}

func (m *Monitor) run(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		m.pass(stop)
		t.Reset(interval)
	}
}

func (m *Monitor) pass(stop <-chan struct{}) {
	cands := m.pool.candidates()
	if len(cands) == 0 {
		return
	}
	pids := make([]int, 0, len(cands))
	for _, c := range cands {
		pids = append(pids, c.pid)
	}
	usage, err := m.sampler.Sample(pids)
	if err != nil {
		m.logger.Error("failed to sample workers", "pids", pids, "error", err)
		m.metrics.SampleFailed()
		return
	}

	th := m.pool.cfg.MaxMemory
	unit := UnitMB
	if th != nil {
		unit = th.Unit
	}
	for _, c := range cands {
		u, ok := usage[c.pid]
		if !ok {
			continue
		}
		m.pool.setMemory(c, u.Memory)
		m.metrics.WorkerMemory(c.uid, u.Memory)
		v, err := ConvertFromBytes(float64(u.Memory), unit)
		if err != nil {
			m.logger.Error("bad memory unit", "error", err)
			return
		}
		m.logger.Debug("worker usage", "uid", c.uid, "pid", c.pid,
			"memory", FormatMemory(v, unit), "cpu", u.CPU)

		if th == nil || v < th.Value || !m.pool.AutoRestart() {
			continue
		}
		select {
		case <-stop:
			return
		default:
		}
		if !m.pool.stillCandidate(c) {
			continue
		}
		m.logger.Warn("memory threshold exceeded, restarting worker",
			"uid", c.uid, "pid", c.pid, "threshold", th.String(), "memory", FormatMemory(v, unit))
		if err := m.pool.restart(c.uid, ReasonMemory); err != nil && !errors.Is(err, ErrRestarting) {
			m.logger.Error("memory restart failed", "uid", c.uid, "error", err)
		}
	}
}
