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

// The crash handling protocol is a table.  A worker event is looked up
// together with what the pool knows about the worker's record at that
// moment, and the result says what to do next.

type event int

const (
	evError event = iota
	evDisconnect
)

func (e event) String() string {
	switch e {
	case evError:
		return "error"
	case evDisconnect:
		return "disconnect"
	}
	return "unknown"
}

type action int

const (
	actIgnore action = iota
	actLog
	actMarkDead
	actMarkDeadRestart
	actMarkDeadTerminate
)

var actionNames = map[action]string{
	actIgnore:            "ignore",
	actLog:               "log",
	actMarkDead:          "mark-dead",
	actMarkDeadRestart:   "mark-dead-restart",
	actMarkDeadTerminate: "mark-dead-terminate",
}

func (a action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return "unknown"
}

// recordState is the part of a record, and of the pool, that the
// protocol depends on.  current is true when the event came from the
// worker the record holds now rather than one it has since replaced.
type recordState struct {
	present     bool
	current     bool
	restarting  bool
	terminating bool
	autoRestart bool
}

// normalize clears fields that cannot matter, so that the table only
// needs a row for each distinct case.
func (s recordState) normalize() recordState {
	if !s.present {
		return recordState{}
	}
	if !s.current {
		return recordState{present: true}
	}
	if s.terminating {
		return recordState{present: true, current: true, terminating: true}
	}
	return s
}

var disconnectTable = map[recordState]action{
	{}:              actIgnore,
	{present: true}: actIgnore,

	{present: true, current: true}:                                      actMarkDeadTerminate,
	{present: true, current: true, autoRestart: true}:                   actMarkDeadRestart,
	{present: true, current: true, restarting: true}:                    actMarkDead,
	{present: true, current: true, restarting: true, autoRestart: true}: actMarkDead,
	{present: true, current: true, terminating: true}:                   actMarkDead,
}

func decide(ev event, st recordState) action {
	switch ev {
	case evError:
		return actLog
	case evDisconnect:
		return disconnectTable[st.normalize()]
	}
	return actIgnore
}
