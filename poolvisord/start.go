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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/rest"
)

const httpShutdownTimeout = 5 * time.Second

// run starts the pool described by dc and blocks until the pool is
// exhausted, either because every worker is gone or after a shutdown.
func run(ctx context.Context, dc *daemonConfig) error {
	ring := poolvisor.NewLog(0)
	logger, _ := poolvisor.NewLogger(dc.log, os.Stderr, ring)

	metrics := poolvisor.NewPrometheusMetrics("")
	sp := &poolvisor.ExecSpawner{Path: dc.entrypoint, Args: dc.args}
	pool := poolvisor.NewPool(dc.pool, sp,
		poolvisor.WithLogger(logger),
		poolvisor.WithMetrics(metrics))

	var monitor *poolvisor.Monitor
	if sampler, err := poolvisor.NewProcfsSampler(); err != nil {
		if dc.pool.MaxMemory != nil {
			return err
		}
		logger.Warn("resource sampling unavailable", "error", err)
	} else {
		monitor = poolvisor.NewMonitor(pool, sampler)
	}

	sd := poolvisor.NewShutdown(pool, monitor, logger)
	stop := sd.RegisterGracefulShutdown()
	defer stop()

	var srv *http.Server
	if dc.listen != "" {
		opts := []rest.Option{
			rest.WithLog(ring),
			rest.WithLogger(logger.Named("http")),
		}
		if dc.user != "" {
			opts = append(opts, rest.WithUser(dc.user, dc.hash))
		}
		if dc.metrics {
			opts = append(opts, rest.WithMetrics(metrics.Handler()))
		}
		srv = &http.Server{
			Addr:              dc.listen,
			Handler:           rest.NewHandler(pool, opts...),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("control API listening", "addr", dc.listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control API failed", "error", err)
				go sd.Shutdown()
			}
		}()
	}

	n, err := pool.Start(ctx, dc.pool.Processes)
	if err != nil {
		logger.Warn("some workers failed to start", "error", err)
	}
	logger.Info("pool started", "entrypoint", dc.entrypoint,
		"workers", n, "requested", dc.pool.Processes)

	if monitor != nil {
		if err := monitor.Start(dc.pool.SampleInterval); err != nil {
			logger.Warn("monitor not started", "error", err)
		}
	}

	<-pool.Exhausted()
	sd.Shutdown()

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("control API shutdown", "error", err)
		}
	}
	logger.Info("pool exhausted, exiting")
	return nil
}
