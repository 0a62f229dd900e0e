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
	"io"
	"strings"
	"sync"
)

// MultiLogger is an io.Writer that fans each line written to it out to
// several other writers.  A logger writes to the MultiLogger, and sinks
// such as the terminal and the in-memory Log are added and removed while
// it runs.  Input is expected to be text delivered a whole line at a time,
// which is how loggers write.  A sink that fails is skipped for that line.
type MultiLogger struct {
	writers []io.Writer
	lock    sync.Mutex
}

func (l *MultiLogger) Write(b []byte) (int, error) {
	lines := strings.Split(strings.Trim(string(b), "\n"), "\n")
	l.lock.Lock()
	for _, line := range lines {
		out := []byte(line + "\n")
		for _, w := range l.writers {
			w.Write(out)
		}
	}
	l.lock.Unlock()
	return len(b), nil
}

// AddWriter adds a sink.  A sink can only be added once.
func (l *MultiLogger) AddWriter(w io.Writer) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, x := range l.writers {
		if x == w {
			return
		}
	}
	l.writers = append(l.writers, w)
}

// DelWriter removes a sink.
func (l *MultiLogger) DelWriter(w io.Writer) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for i, x := range l.writers {
		if x == w {
			l.writers = append(l.writers[:i], l.writers[i+1:]...)
			break
		}
	}
}

func NewMultiLogger(writers ...io.Writer) *MultiLogger {
	m := &MultiLogger{}
	for _, w := range writers {
		m.AddWriter(w)
	}
	return m
}
