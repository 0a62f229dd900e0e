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
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/net/context"

	"github.com/gdamore/poolvisor/rest"
)

/*
   The screen looks like this:

    Server: http://127.0.0.1:8321                              Poolvisor
    4 workers  4 alive  0 restarting  2 restarts
    UID       PID    STATE       UPTIME    RESTARTS  MEMORY
    3f2a9c1e  4121   running     0:10:32   0         41.2 MB
    ...
    [Q]uit [R]estart [T]erminate [L]refresh
*/

var (
	styleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	styleGood = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorGreen).
			Bold(true)
	styleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorYellow)
	styleError = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorMaroon).
			Bold(true)
	styleKey = tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver).
			Bold(true)
	styleHeader = tcell.StyleDefault.Bold(true)
	styleSelect = tcell.StyleDefault.Reverse(true)
	styleDead   = tcell.StyleDefault.Foreground(tcell.ColorRed)
)

const (
	appName       = "Poolvisor"
	watchInterval = 2 * time.Second
)

type top struct {
	client *rest.Client
	addr   string
	screen tcell.Screen

	lock    sync.Mutex
	pool    *rest.PoolInfo
	workers []rest.WorkerInfo
	err     error
	sel     string // uid of the selected worker
	message string
}

func (t *top) refresh(ctx context.Context) {
	etag := ""
	for {
		// Memory samples do not change the Etag, so cap the watch and
		// refetch to keep them current.
		wctx, cancel := context.WithTimeout(ctx, watchInterval)
		items, tag, err := t.client.WatchWorkers(wctx, etag)
		cancel()
		if err != nil && ctx.Err() == nil && wctx.Err() != nil {
			items, tag, err = t.client.Workers(ctx)
		}
		var p *rest.PoolInfo
		if err == nil {
			etag = tag
			p, err = t.client.GetPool(ctx)
		}
		if ctx.Err() != nil {
			return
		}
		t.lock.Lock()
		if err == nil {
			sortWorkers(items)
			t.workers = items
			t.pool = p
		}
		t.err = err
		t.lock.Unlock()
		t.screen.PostEvent(tcell.NewEventInterrupt(nil))

		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// selected returns the index of the selected worker, selecting the first
// one when the previous selection is gone.  Call with the lock held.
func (t *top) selected() int {
	for i := range t.workers {
		if t.workers[i].UID == t.sel {
			return i
		}
	}
	if len(t.workers) == 0 {
		t.sel = ""
		return -1
	}
	t.sel = t.workers[0].UID
	return 0
}

func (t *top) move(delta int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	i := t.selected()
	if i < 0 {
		return
	}
	i += delta
	if i < 0 {
		i = 0
	}
	if i >= len(t.workers) {
		i = len(t.workers) - 1
	}
	t.sel = t.workers[i].UID
}

// act runs op against the selected worker in the background, reporting
// the outcome on the status line.
func (t *top) act(ctx context.Context, verb string, op func(context.Context, string) error) {
	t.lock.Lock()
	uid := t.sel
	t.lock.Unlock()
	if uid == "" {
		return
	}
	t.setMessage(fmt.Sprintf("%s %s...", verb, shortUID(uid)))
	go func() {
		msg := fmt.Sprintf("%s %s: done", verb, shortUID(uid))
		if err := op(ctx, uid); err != nil {
			msg = fmt.Sprintf("%s %s: %v", verb, shortUID(uid), err)
		}
		t.setMessage(msg)
	}()
}

func (t *top) setMessage(msg string) {
	t.lock.Lock()
	t.message = msg
	t.lock.Unlock()
	t.screen.PostEvent(tcell.NewEventInterrupt(nil))
}

func (t *top) puts(x, y int, style tcell.Style, s string) int {
	for _, r := range s {
		t.screen.SetContent(x, y, r, nil, style)
		x++
	}
	return x
}

func (t *top) fill(y int, style tcell.Style) {
	w, _ := t.screen.Size()
	for x := 0; x < w; x++ {
		t.screen.SetContent(x, y, ' ', nil, style)
	}
}

// keys draws words such as "[Q]uit", highlighting the bracketed letter.
func (t *top) keys(y int, words []string) {
	t.fill(y, styleNormal)
	x := 0
	for i, word := range words {
		if i != 0 {
			x = t.puts(x, y, styleNormal, " ")
		}
		style := styleNormal
		for _, r := range word {
			switch r {
			case '[':
				x = t.puts(x, y, styleNormal, "[")
				style = styleKey
			case ']':
				style = styleNormal
				x = t.puts(x, y, styleNormal, "]")
			default:
				x = t.puts(x, y, style, string(r))
			}
		}
	}
}

func (t *top) draw() {
	t.lock.Lock()
	defer t.lock.Unlock()

	s := t.screen
	s.Clear()
	w, h := s.Size()
	if h < 5 {
		s.Show()
		return
	}

	t.fill(0, styleNormal)
	t.puts(0, 0, styleNormal, "Server: "+t.addr)
	t.puts(w-len(appName), 0, styleNormal, appName)

	status, style := "", styleNormal
	switch {
	case t.err != nil:
		status, style = "Cannot get status: "+t.err.Error(), styleError
	case t.pool == nil:
		status = "Loading..."
	default:
		p := t.pool
		status = fmt.Sprintf("%d workers  %d alive  %d restarting  %d restarts",
			p.Workers, p.Alive, p.Restarting, p.Restarts)
		switch {
		case p.Exhausted || p.Workers == 0:
			style = styleError
		case p.Restarting > 0 || p.Alive < p.Workers:
			style = styleWarn
		default:
			style = styleGood
		}
	}
	if t.message != "" {
		status += "  |  " + t.message
	}
	t.fill(1, style)
	t.puts(0, 1, style, status)

	line := "%-10s%-8s%-12s%-10s%-10s%s"
	t.puts(0, 2, styleHeader, fmt.Sprintf(line, "UID", "PID", "STATE", "UPTIME", "RESTARTS", "MEMORY"))

	sel := t.selected()
	rows := h - 4
	first := 0
	if sel >= rows {
		first = sel - rows + 1
	}
	for i := first; i < len(t.workers) && i-first < rows; i++ {
		wi := &t.workers[i]
		style := tcell.StyleDefault
		if !wi.Alive {
			style = styleDead
		}
		if i == sel {
			style = styleSelect
			t.fill(3+i-first, style)
		}
		t.puts(0, 3+i-first, style, fmt.Sprintf(line, shortUID(wi.UID),
			fmt.Sprint(wi.Pid), workerState(wi),
			formatDuration(time.Since(wi.Started)),
			fmt.Sprint(wi.Restarts), formatMemory(wi.Memory)))
	}

	t.keys(h-1, []string{"[Q]uit", "[R]estart", "[T]erminate", "[L]refresh"})
	s.Show()
}

func runTop(ctx context.Context, client *rest.Client, addr string) error {
	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := &top{client: client, addr: addr, screen: screen}
	go t.refresh(ctx)

	// Uptimes change even when nothing else does.
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				screen.PostEvent(tcell.NewEventInterrupt(nil))
			}
		}
	}()

	t.draw()
	for {
		switch ev := screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			screen.Sync()
		case *tcell.EventKey:
			switch ev.Key() {
			case tcell.KeyCtrlC, tcell.KeyEscape:
				return nil
			case tcell.KeyCtrlL:
				screen.Sync()
			case tcell.KeyUp:
				t.move(-1)
			case tcell.KeyDown:
				t.move(1)
			case tcell.KeyRune:
				switch ev.Rune() {
				case 'q', 'Q':
					return nil
				case 'r', 'R':
					t.act(ctx, "restart", t.client.RestartWorker)
				case 't', 'T':
					t.act(ctx, "terminate", t.client.TerminateWorker)
				case 'k':
					t.move(-1)
				case 'j':
					t.move(1)
				case 'l', 'L':
					screen.Sync()
				}
			}
		}
		t.draw()
	}
}
