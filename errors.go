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
)

var (
	ErrRegistration   = errors.New("Worker pid already registered")
	ErrNotFound       = errors.New("No such worker")
	ErrSpawnExhausted = errors.New("Worker could not be respawned")
	ErrRestarting     = errors.New("Worker is already restarting")
	ErrRetryExhausted = errors.New("Retry attempts exhausted")
	ErrMonitorActive  = errors.New("Monitor is already running")
	ErrUnknownUnit    = errors.New("Unknown memory unit")
	ErrBadMemory      = errors.New("Bad memory value")
	ErrDraining       = errors.New("Pool is shutting down")
)
