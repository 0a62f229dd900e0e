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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// fakeWorker stands in for a process.  It dies on SIGKILL, and on SIGTERM
// unless it is stubborn.  Exit notifications are delivered from another
// goroutine, as the OS would.
type fakeWorker struct {
	pid      int
	obs      Observer
	stubborn bool

	mx      sync.Mutex
	dead    bool
	signals []os.Signal
	times   []time.Time
}

func (w *fakeWorker) Pid() int {
	return w.pid
}

func (w *fakeWorker) Signal(sig os.Signal) error {
	w.mx.Lock()
	w.signals = append(w.signals, sig)
	w.times = append(w.times, time.Now())
	if w.dead {
		w.mx.Unlock()
		return os.ErrProcessDone
	}
	die := sig == sigKill || (sig == sigTerm && !w.stubborn)
	w.mx.Unlock()
	if die {
		w.exit(fmt.Errorf("signal: %v", sig))
	}
	return nil
}

func (w *fakeWorker) IsDead() bool {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.dead
}

func (w *fakeWorker) exit(err error) {
	w.mx.Lock()
	if w.dead {
		w.mx.Unlock()
		return
	}
	w.dead = true
	w.mx.Unlock()
	go w.obs.disconnect(w, err)
}

// crash makes the worker exit on its own.
func (w *fakeWorker) crash() {
	w.exit(errors.New("exit status 1"))
}

func (w *fakeWorker) sent() []os.Signal {
	w.mx.Lock()
	defer w.mx.Unlock()
	return append([]os.Signal(nil), w.signals...)
}

func (w *fakeWorker) sentAt() []time.Time {
	w.mx.Lock()
	defer w.mx.Unlock()
	return append([]time.Time(nil), w.times...)
}

type fakeSpawner struct {
	mx           sync.Mutex
	nextPid      int
	fail         int // fail this many of the next spawns
	failAll      bool
	stubborn     bool
	crashOnStart bool
	crashFirst   int           // the next this many workers exit at once
	slowAfter    int           // spawns after this many take slow
	slow         time.Duration
	spawns       int
	workers      []*fakeWorker
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPid: 1000}
}

func (s *fakeSpawner) Spawn(obs Observer) (Worker, error) {
	s.mx.Lock()
	s.spawns++
	if s.failAll || s.fail > 0 {
		if s.fail > 0 {
			s.fail--
		}
		s.mx.Unlock()
		return nil, errors.New("injected spawn failure")
	}
	s.nextPid++
	w := &fakeWorker{pid: s.nextPid, obs: obs, stubborn: s.stubborn}
	s.workers = append(s.workers, w)
	crash := s.crashOnStart || s.crashFirst > 0
	if s.crashFirst > 0 {
		s.crashFirst--
	}
	var delay time.Duration
	if s.slow > 0 && s.spawns > s.slowAfter {
		delay = s.slow
	}
	s.mx.Unlock()
	time.Sleep(delay)
	if crash {
		w.crash()
	}
	return w, nil
}

func (s *fakeSpawner) set(fn func(s *fakeSpawner)) {
	s.mx.Lock()
	fn(s)
	s.mx.Unlock()
}

func (s *fakeSpawner) count() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.spawns
}

func (s *fakeSpawner) worker(pid int) *fakeWorker {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, w := range s.workers {
		if w.pid == pid {
			return w
		}
	}
	return nil
}

func (s *fakeSpawner) all() []*fakeWorker {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]*fakeWorker(nil), s.workers...)
}

// adopt records a worker under a new uid without observing its events,
// so its exits go unnoticed.  Spawn adds supervised workers.
func (p *Pool) adopt(w Worker) (string, error) {
	uid := uuid.NewString()
	if err := p.register(uid, w); err != nil {
		return "", err
	}
	return uid, nil
}

func testLogger(t *testing.T) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.Debug,
		Output: &testLog{t: t},
	})
}

// testConfig keeps every timer short.
func testConfig() Config {
	return Config{
		Processes:      2,
		MaxRetries:     3,
		GracePeriod:    100 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		StartupWindow:  30 * time.Millisecond,
		SampleInterval: 20 * time.Millisecond,
		MirrorOutput:   true,
	}
}

// eventually polls cond for up to two seconds.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
