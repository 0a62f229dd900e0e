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
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// Shutdown stops a pool and its monitor exactly once.
type Shutdown struct {
	pool    *Pool
	monitor *Monitor
	logger  hclog.Logger
	once    sync.Once
}

// NewShutdown returns a coordinator for the pool.  The monitor may be nil.
func NewShutdown(pool *Pool, monitor *Monitor, logger hclog.Logger) *Shutdown {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Shutdown{pool: pool, monitor: monitor, logger: logger}
}

// Shutdown disables auto restart, stops the monitor, and terminates every
// worker concurrently, returning when all are gone.  Later calls wait for
// the first one to finish and then return.
func (s *Shutdown) Shutdown() {
	s.once.Do(func() {
		s.logger.Info("shutting down", "workers", s.pool.Len())
		s.pool.DisableAutoRestart()
		if s.monitor != nil {
			s.monitor.Stop()
		}

		var g errgroup.Group
		for _, uid := range s.pool.UIDs() {
			g.Go(func() error {
				err := s.pool.Terminate(uid)
				if errors.Is(err, ErrNotFound) {
					// Removed by a crash or a failed restart meanwhile.
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			s.logger.Error("shutdown incomplete", "error", err)
			return
		}
		s.pool.checkExhausted()
		s.logger.Info("all workers stopped")
	})
}

// RegisterGracefulShutdown runs Shutdown when the process receives SIGINT
// or SIGTERM.  The returned function stops listening for signals.
func (s *Shutdown) RegisterGracefulShutdown() (stop func()) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, sigTerm)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				s.logger.Info("received signal, shutting down gracefully", "signal", signalName(sig))
				go s.Shutdown()
			case <-quit:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
		})
	}
}
