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
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultPollInterval = 300 * time.Millisecond
)

// killResult describes how a two phase kill went.
type killResult struct {
	elapsed time.Duration
	forced  bool
}

// killWorker sends SIGTERM, then polls until the worker is dead.  Once
// more than grace has passed it sends SIGKILL, once, and stops polling
// without waiting for that to take effect.  It always returns.
func killWorker(w Worker, grace, poll time.Duration, logger hclog.Logger) killResult {
	start := time.Now()
	if err := w.Signal(sigTerm); err != nil {
		logger.Trace("SIGTERM not delivered", "pid", w.Pid(), "error", err)
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !w.IsDead() {
		if time.Since(start) > grace {
			logger.Warn("worker ignored SIGTERM, sending SIGKILL",
				"pid", w.Pid(), "grace", grace, "signal", signalName(sigKill))
			if err := w.Signal(sigKill); err != nil {
				logger.Trace("SIGKILL not delivered", "pid", w.Pid(), "error", err)
			}
			return killResult{elapsed: time.Since(start), forced: true}
		}
		<-ticker.C
	}
	return killResult{elapsed: time.Since(start)}
}
