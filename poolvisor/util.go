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
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/rest"
)

func workerState(w *rest.WorkerInfo) string {
	if w.Restarting {
		return "restarting"
	}
	if !w.Alive {
		return "dead"
	}
	return "running"
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

func formatMemory(bytes uint64) string {
	if bytes == 0 {
		return "-"
	}
	return poolvisor.HumanBytes(bytes)
}

// sortWorkers puts dead workers first, then restarting ones, then the
// rest oldest first.
func sortWorkers(items []rest.WorkerInfo) {
	rank := func(w *rest.WorkerInfo) int {
		switch {
		case !w.Alive && !w.Restarting:
			return 0
		case w.Restarting:
			return 1
		}
		return 2
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		if ra, rb := rank(a), rank(b); ra != rb {
			return ra < rb
		}
		if !a.Started.Equal(b.Started) {
			return a.Started.Before(b.Started)
		}
		return a.UID < b.UID
	})
}

func parseAuth(s string) (user, pass string, err error) {
	user, pass, found := strings.Cut(s, ":")
	if !found || user == "" {
		return "", "", fmt.Errorf("bad user:pass supplied")
	}
	return user, pass, nil
}

// shortUID abbreviates a uid for narrow displays.
func shortUID(uid string) string {
	if len(uid) > 8 {
		return uid[:8]
	}
	return uid
}
