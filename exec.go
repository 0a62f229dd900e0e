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
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ExecWaitDelay bounds how long a worker's output is drained after the
// process itself has exited.  A grandchild that keeps the output open
// would otherwise hold off the exit notification forever.
const ExecWaitDelay = 2 * time.Second

// ExecSpawner starts workers as child processes of the supervisor.  A nil
// Env inherits the supervisor's environment.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

type execWorker struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (w *execWorker) Pid() int {
	return w.cmd.Process.Pid
}

func (w *execWorker) Signal(sig os.Signal) error {
	return w.cmd.Process.Signal(sig)
}

func (w *execWorker) IsDead() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Err returns the exit status once the worker is dead.
func (w *execWorker) Err() error {
	<-w.done
	return w.err
}

func (w *execWorker) doLog(r io.Reader, s Stream, obs Observer, wg *sync.WaitGroup) {
	defer wg.Done()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			obs.output(w, s, strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			return
		}
	}
}

func (w *execWorker) doWait(obs Observer, outs []*io.PipeWriter, wg *sync.WaitGroup) {
	e := w.cmd.Wait()
	for _, pw := range outs {
		pw.Close()
	}
	wg.Wait()

	var exitErr *exec.ExitError
	if e != nil && !errors.As(e, &exitErr) {
		// Not an exit status, but trouble collecting output or
		// reaping the process.
		obs.error(w, e)
	}
	w.err = e
	close(w.done)
	obs.disconnect(w, e)
}

func (s *ExecSpawner) Spawn(obs Observer) (Worker, error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = s.Env
	cmd.Dir = s.Dir
	cmd.WaitDelay = ExecWaitDelay

	outr, outw := io.Pipe()
	errr, errw := io.Pipe()
	cmd.Stdout = outw
	cmd.Stderr = errw

	if err := cmd.Start(); err != nil {
		outw.Close()
		errw.Close()
		return nil, err
	}

	w := &execWorker{cmd: cmd, done: make(chan struct{})}
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go w.doLog(outr, Stdout, obs, wg)
	go w.doLog(errr, Stderr, obs, wg)
	go w.doWait(obs, []*io.PipeWriter{outw, errw}, wg)
	return w, nil
}
