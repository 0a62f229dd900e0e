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
	"os"
)

// Stream identifies which output of a worker a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	}
	return "unknown"
}

// Worker is a handle on one running OS process.  The pid never changes
// for the life of the handle.  Implementations must be comparable, which
// in practice means a pointer type; the pool compares handles to tell the
// current worker of a record from a replaced one.
type Worker interface {
	Pid() int

	// Signal delivers a signal.  Signalling a worker that has already
	// exited returns an error, which callers are free to ignore.
	Signal(sig os.Signal) error

	// IsDead is true once the process has exited and been reaped.
	IsDead() bool
}

// Observer receives the events of a worker.  Each callback is handed the
// worker that produced it.  Nil callbacks are skipped.  Output lines are
// delivered before Disconnect, and Disconnect is delivered exactly once.
type Observer struct {
	Output     func(w Worker, stream Stream, line string)
	Error      func(w Worker, err error)
	Disconnect func(w Worker, err error)
}

func (o Observer) output(w Worker, s Stream, line string) {
	if o.Output != nil {
		o.Output(w, s, line)
	}
}

func (o Observer) error(w Worker, err error) {
	if o.Error != nil {
		o.Error(w, err)
	}
}

func (o Observer) disconnect(w Worker, err error) {
	if o.Disconnect != nil {
		o.Disconnect(w, err)
	}
}

// Spawner starts new workers.  Events for the returned worker go to obs.
// They are delivered from other goroutines, never from within Spawn
// itself, and may begin arriving before Spawn returns.
type Spawner interface {
	Spawn(obs Observer) (Worker, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(obs Observer) (Worker, error)

func (f SpawnerFunc) Spawn(obs Observer) (Worker, error) {
	return f(obs)
}
