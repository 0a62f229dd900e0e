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

//go:build linux

package poolvisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

type cpuMark struct {
	start uint64 // process start time, to notice a reused pid
	cpu   float64
	at    time.Time
}

// ProcfsSampler reads resident memory and CPU time from /proc.
type ProcfsSampler struct {
	fs   procfs.FS
	last map[int]cpuMark
	mx   sync.Mutex
}

func NewProcfsSampler() (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	return &ProcfsSampler{fs: fs, last: make(map[int]cpuMark)}, nil
}

func (s *ProcfsSampler) Sample(pids []int) (map[int]Usage, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	now := time.Now()
	rv := make(map[int]Usage, len(pids))
	marks := make(map[int]cpuMark, len(pids))
	for _, pid := range pids {
		proc, err := s.fs.Proc(pid)
		if err != nil {
			return nil, fmt.Errorf("sample pid %d: %w", pid, err)
		}
		stat, err := proc.Stat()
		if err != nil {
			return nil, fmt.Errorf("sample pid %d: %w", pid, err)
		}
		u := Usage{Memory: uint64(stat.ResidentMemory())}
		mark := cpuMark{start: stat.Starttime, cpu: stat.CPUTime(), at: now}
		if prev, ok := s.last[pid]; ok && prev.start == mark.start {
			if dt := now.Sub(prev.at).Seconds(); dt > 0 && mark.cpu >= prev.cpu {
				u.CPU = 100 * (mark.cpu - prev.cpu) / dt
			}
		}
		marks[pid] = mark
		rv[pid] = u
	}
	s.last = marks
	return rv, nil
}
