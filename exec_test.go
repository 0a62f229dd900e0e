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

//go:build unix

package poolvisor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type lineCollector struct {
	mx    sync.Mutex
	lines []string
	exit  chan error
}

func (c *lineCollector) observer() Observer {
	c.exit = make(chan error, 1)
	return Observer{
		Output: func(w Worker, s Stream, line string) {
			c.mx.Lock()
			c.lines = append(c.lines, s.String()+": "+line)
			c.mx.Unlock()
		},
		Disconnect: func(w Worker, err error) {
			c.exit <- err
		},
	}
}

func TestExecSpawner(t *testing.T) {
	Convey("Given a shell worker that prints and exits", t, func() {
		sp := &ExecSpawner{
			Path: "/bin/sh",
			Args: []string{"-c", "echo hello; echo oops >&2; exit 3"},
		}
		c := &lineCollector{}
		w, e := sp.Spawn(c.observer())
		So(e, ShouldBeNil)
		So(w.Pid(), ShouldBeGreaterThan, 0)

		var err error
		select {
		case err = <-c.exit:
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not exit")
		}

		Convey("The exit status is reported after all output", func() {
			var ee *exec.ExitError
			So(errors.As(err, &ee), ShouldBeTrue)
			So(ee.ExitCode(), ShouldEqual, 3)
			So(w.IsDead(), ShouldBeTrue)
			c.mx.Lock()
			defer c.mx.Unlock()
			So(c.lines, ShouldContain, "stdout: hello")
			So(c.lines, ShouldContain, "stderr: oops")
		})

		Convey("Signalling a dead worker fails harmlessly", func() {
			So(w.Signal(syscall.SIGTERM), ShouldNotBeNil)
		})
	})

	Convey("A missing executable fails to spawn", t, func() {
		sp := &ExecSpawner{Path: "/nonexistent/worker"}
		_, e := sp.Spawn(Observer{})
		So(e, ShouldNotBeNil)
	})
}

func TestExecPool(t *testing.T) {
	cfg := testConfig()
	cfg.GracePeriod = 300 * time.Millisecond

	Convey("A pool of real processes", t, func() {
		sp := &ExecSpawner{Path: "/bin/sh", Args: []string{"-c", "exec sleep 30"}}
		p := NewPool(cfg, sp, WithLogger(testLogger(t)))
		Reset(func() {
			NewShutdown(p, nil, testLogger(t)).Shutdown()
		})
		n, e := p.Start(context.Background(), 2)
		So(e, ShouldBeNil)
		So(n, ShouldEqual, 2)

		Convey("Terminate stops a cooperative process quickly", func() {
			uid := p.UIDs()[0]
			start := time.Now()
			So(p.Terminate(uid), ShouldBeNil)
			So(time.Since(start), ShouldBeLessThan, cfg.GracePeriod)
		})

		Convey("A killed process is replaced", func() {
			wi := p.Workers()[0]
			So(syscall.Kill(wi.Pid, syscall.SIGKILL), ShouldBeNil)
			So(eventually(func() bool {
				nw, ok := p.Lookup(wi.UID)
				return ok && nw.Restarts == 1 && nw.Alive && !nw.Restarting
			}), ShouldBeTrue)
			nw, _ := p.Lookup(wi.UID)
			So(nw.Pid, ShouldNotEqual, wi.Pid)
		})
	})

	Convey("A process that ignores SIGTERM", t, func() {
		script := "trap '' TERM; echo ready; while :; do sleep 1; done"
		sp := &ExecSpawner{Path: "/bin/sh", Args: []string{"-c", script}}
		p := NewPool(cfg, sp, WithLogger(testLogger(t)))
		w, e := p.Spawn("")
		So(e, ShouldBeNil)
		wi, _ := p.ByPid(w.Pid())
		time.Sleep(100 * time.Millisecond)

		start := time.Now()
		So(p.Terminate(wi.UID), ShouldBeNil)
		So(time.Since(start), ShouldBeGreaterThanOrEqualTo, cfg.GracePeriod)
		So(eventually(w.IsDead), ShouldBeTrue)
	})
}

func TestExecOutputLines(t *testing.T) {
	Convey("Partial and CRLF lines are delivered whole", t, func() {
		sp := &ExecSpawner{Path: "/bin/sh", Args: []string{"-c", `printf 'a\r\nb\nno newline'`}}
		c := &lineCollector{}
		_, e := sp.Spawn(c.observer())
		So(e, ShouldBeNil)
		<-c.exit
		c.mx.Lock()
		defer c.mx.Unlock()
		So(strings.Join(c.lines, "|"), ShouldEqual, "stdout: a|stdout: b|stdout: no newline")
	})
}
