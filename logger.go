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
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogOptions selects how NewLogger formats its output.
type LogOptions struct {
	Name  string
	Level string // trace, debug, info, warn or error
	JSON  bool
	Color bool
}

// NewLogger returns a leveled logger that writes through a MultiLogger,
// so that more sinks can be attached later.  With no writers the output
// goes to stderr.
func NewLogger(opts LogOptions, writers ...io.Writer) (hclog.Logger, *MultiLogger) {
	if len(writers) == 0 {
		writers = []io.Writer{os.Stderr}
	}
	ml := NewMultiLogger(writers...)
	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	color := hclog.ColorOff
	if opts.Color {
		color = hclog.ForceColor
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       opts.Name,
		Level:      level,
		Output:     ml,
		JSONFormat: opts.JSON,
		Color:      color,
	})
	return logger, ml
}

// workerLogger is where the output of worker processes is mirrored.
func workerLogger(l hclog.Logger, w Worker) hclog.Logger {
	return l.Named("worker").With("pid", w.Pid())
}
