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
	"context"
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is an in-memory ring of the most recent log lines.  It is an
// io.Writer, so it can sit behind a logger, and readers can wait for new
// lines to arrive.  Ids increase by one per line.
type Log struct {
	records []LogRecord
	next    int // lines written since the last Clear
	id      int64
	changed chan struct{}
	mx      sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

// Write stores each newline delimited line of b as its own record.
func (log *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	if str == "" {
		return len(b), nil
	}
	now := time.Now()
	log.lock()
	for _, line := range strings.Split(str, "\n") {
		log.id++
		log.records[log.next%len(log.records)] = LogRecord{
			Id:   log.id,
			Time: now,
			Text: line,
		}
		log.next++
	}
	close(log.changed)
	log.changed = make(chan struct{})
	log.unlock()
	return len(b), nil
}

// Clear discards the stored lines.  Ids keep increasing.
func (log *Log) Clear() {
	log.lock()
	log.next = 0
	log.unlock()
}

// LastId returns the id of the newest line, suitable as an Etag.
func (log *Log) LastId() int64 {
	log.lock()
	defer log.unlock()
	return log.id
}

// Since returns the retained lines newer than id, oldest first, and the
// id of the newest line.  Pass zero to get everything retained.
func (log *Log) Since(id int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	n := log.next
	if n > len(log.records) {
		n = len(log.records)
	}
	var recs []LogRecord
	for i := log.next - n; i < log.next; i++ {
		r := log.records[i%len(log.records)]
		if r.Id > id {
			recs = append(recs, r)
		}
	}
	return recs, log.id
}

// Watch blocks until a line newer than last has been written, or the
// context is done, and returns the newest id.
func (log *Log) Watch(ctx context.Context, last int64) int64 {
	for {
		log.lock()
		id, ch := log.id, log.changed
		log.unlock()
		if id != last {
			return id
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return id
		}
	}
}

// NewLog returns a Log that keeps up to max lines, or MaxLogRecords when
// max is not positive.
func NewLog(max int) *Log {
	if max <= 0 {
		max = MaxLogRecords
	}
	return &Log{
		records: make([]LogRecord, max),
		changed: make(chan struct{}),
	}
}
