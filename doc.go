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

// Package poolvisor supervises a pool of identical worker processes on a
// single host.  This is similar in concept to a cluster mode process
// manager: a configured number of copies of one entrypoint are started,
// each is restarted when it crashes or when its resident memory grows past
// a threshold, and the whole pool is stopped gracefully on request.
//
// Workers are tracked by a stable uid that survives restarts.  The pid of
// a worker changes each time it is respawned, and the pool never confuses
// a late exit notification from an old process with the current one.
//
// Termination is two phase: SIGTERM, then SIGKILL once a grace period has
// passed.  Respawns go through a bounded retry executor with optional
// exponential backoff, and a worker that keeps failing is dropped from the
// pool.  When the last worker is gone the pool reports itself exhausted.
//
// A Pool may be embedded in an existing program, or driven by the
// poolvisord daemon which adds flag and environment configuration, an
// HTTP control API, and Prometheus metrics.
package poolvisor
