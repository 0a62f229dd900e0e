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
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func WithPool(t *testing.T, cfg Config, fn func(p *Pool, sp *fakeSpawner)) func() {
	return func() {
		sp := newFakeSpawner()
		p := NewPool(cfg, sp, WithLogger(testLogger(t)))
		So(p, ShouldNotBeNil)
		Reset(func() {
			NewShutdown(p, nil, testLogger(t)).Shutdown()
		})
		fn(p, sp)
	}
}

func TestRegister(t *testing.T) {
	Convey("Registering workers", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			w1 := &fakeWorker{pid: 1}
			w2 := &fakeWorker{pid: 2}
			uid1, e := p.adopt(w1)
			So(e, ShouldBeNil)
			uid2, e := p.adopt(w2)
			So(e, ShouldBeNil)
			So(uid1, ShouldNotEqual, uid2)
			So(p.Len(), ShouldEqual, 2)

			Convey("A duplicate pid is rejected", func() {
				_, e := p.adopt(&fakeWorker{pid: 1})
				So(errors.Is(e, ErrRegistration), ShouldBeTrue)
				So(p.Len(), ShouldEqual, 2)
			})

			Convey("Workers can be found by uid and pid", func() {
				wi, ok := p.Lookup(uid2)
				So(ok, ShouldBeTrue)
				So(wi.Pid, ShouldEqual, 2)
				So(wi.Alive, ShouldBeTrue)
				So(wi.Restarting, ShouldBeFalse)

				wi, ok = p.ByPid(1)
				So(ok, ShouldBeTrue)
				So(wi.UID, ShouldEqual, uid1)

				_, ok = p.ByPid(3)
				So(ok, ShouldBeFalse)
				_, ok = p.Lookup("nosuch")
				So(ok, ShouldBeFalse)
			})

			Convey("Snapshots list every uid", func() {
				So(len(p.Workers()), ShouldEqual, 2)
				So(p.UIDs(), ShouldContain, uid1)
				So(p.UIDs(), ShouldContain, uid2)
				So(p.Info().Alive, ShouldEqual, 2)
			})
		}))
}

func TestStart(t *testing.T) {
	Convey("Starting a pool", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			Convey("Spawns every worker", func() {
				n, e := p.Start(context.Background(), 4)
				So(e, ShouldBeNil)
				So(n, ShouldEqual, 4)
				So(p.Len(), ShouldEqual, 4)
				So(sp.count(), ShouldEqual, 4)
				So(closed(p.Exhausted()), ShouldBeFalse)

				ws := p.Workers()
				for i := 1; i < len(ws); i++ {
					So(ws[i].Started.Before(ws[i-1].Started), ShouldBeFalse)
				}
			})

			Convey("Tolerates some failures", func() {
				sp.set(func(s *fakeSpawner) { s.fail = 1 })
				n, e := p.Start(context.Background(), 3)
				So(e, ShouldNotBeNil)
				So(n, ShouldEqual, 2)
				So(p.Len(), ShouldEqual, 2)
				So(closed(p.Exhausted()), ShouldBeFalse)
			})

			Convey("Is exhausted when nothing starts", func() {
				sp.set(func(s *fakeSpawner) { s.failAll = true })
				n, e := p.Start(context.Background(), 3)
				So(e, ShouldNotBeNil)
				So(n, ShouldEqual, 0)
				So(closed(p.Exhausted()), ShouldBeTrue)
			})
		}))

	cfg := testConfig()
	cfg.DisableAutoRestart = true
	Convey("Starting a pool without auto restart", t,
		WithPool(t, cfg, func(p *Pool, sp *fakeSpawner) {
			Convey("An early exit is not exhaustion while siblings start", func() {
				sp.set(func(s *fakeSpawner) {
					s.crashFirst = 1
					s.slowAfter = 1
					s.slow = 50 * time.Millisecond
				})
				n, e := p.Start(context.Background(), 3)
				So(e, ShouldBeNil)
				So(n, ShouldEqual, 3)
				So(eventually(func() bool { return p.Len() == 2 }), ShouldBeTrue)
				So(closed(p.Exhausted()), ShouldBeFalse)

				Convey("And the pool is exhausted once the rest exit", func() {
					for _, fw := range sp.all() {
						fw.crash()
					}
					So(eventually(func() bool { return closed(p.Exhausted()) }), ShouldBeTrue)
					So(p.Len(), ShouldEqual, 0)
				})
			})

			Convey("Workers that all exit during Start exhaust the pool", func() {
				sp.set(func(s *fakeSpawner) { s.crashOnStart = true })
				n, e := p.Start(context.Background(), 2)
				So(e, ShouldBeNil)
				So(n, ShouldEqual, 2)
				So(eventually(func() bool { return closed(p.Exhausted()) }), ShouldBeTrue)
			})
		}))
}

func TestTerminate(t *testing.T) {
	Convey("Terminating workers", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			n, _ := p.Start(context.Background(), 2)
			So(n, ShouldEqual, 2)
			uids := p.UIDs()

			Convey("An unknown uid is not found and changes nothing", func() {
				e := p.Terminate("nosuch")
				So(errors.Is(e, ErrNotFound), ShouldBeTrue)
				So(p.Len(), ShouldEqual, 2)
			})

			Convey("A worker is stopped and removed", func() {
				wi, _ := p.Lookup(uids[0])
				So(p.Terminate(uids[0]), ShouldBeNil)
				So(p.Len(), ShouldEqual, 1)
				w := sp.worker(wi.Pid)
				So(w.IsDead(), ShouldBeTrue)
				So(w.sent(), ShouldResemble, []os.Signal{sigTerm})
				So(closed(p.Exhausted()), ShouldBeFalse)

				Convey("And no restart follows its exit", func() {
					time.Sleep(50 * time.Millisecond)
					So(sp.count(), ShouldEqual, 2)
					So(p.Len(), ShouldEqual, 1)
				})

				Convey("Removing the last worker exhausts the pool", func() {
					So(p.Terminate(uids[1]), ShouldBeNil)
					So(p.Len(), ShouldEqual, 0)
					So(closed(p.Exhausted()), ShouldBeTrue)
				})
			})
		}))

	Convey("Terminating a stubborn worker", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			sp.set(func(s *fakeSpawner) { s.stubborn = true })
			w, e := p.Spawn("")
			So(e, ShouldBeNil)
			wi, _ := p.ByPid(w.Pid())
			start := time.Now()
			So(p.Terminate(wi.UID), ShouldBeNil)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, testConfig().GracePeriod)
			So(sp.worker(w.Pid()).sent(), ShouldResemble, []os.Signal{sigTerm, sigKill})
			So(p.Len(), ShouldEqual, 0)
		}))
}

func TestCrash(t *testing.T) {
	Convey("A crashing worker with auto restart", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			w, e := p.Spawn("")
			So(e, ShouldBeNil)
			old, _ := p.ByPid(w.Pid())
			sp.worker(w.Pid()).crash()

			So(eventually(func() bool {
				wi, ok := p.Lookup(old.UID)
				return ok && wi.Restarts == 1 && !wi.Restarting
			}), ShouldBeTrue)

			Convey("Keeps its uid under a new pid", func() {
				wi, _ := p.Lookup(old.UID)
				So(wi.Pid, ShouldNotEqual, old.Pid)
				So(wi.Alive, ShouldBeTrue)
				So(p.Len(), ShouldEqual, 1)
				So(sp.count(), ShouldEqual, 2)
				_, ok := p.ByPid(old.Pid)
				So(ok, ShouldBeFalse)
			})

			Convey("A late exit notice from the old worker is ignored", func() {
				ow := sp.worker(old.Pid)
				ow.obs.disconnect(ow, nil)
				time.Sleep(50 * time.Millisecond)
				wi, _ := p.Lookup(old.UID)
				So(wi.Alive, ShouldBeTrue)
				So(wi.Restarts, ShouldEqual, 1)
				So(sp.count(), ShouldEqual, 2)
			})
		}))

	cfg := testConfig()
	cfg.DisableAutoRestart = true
	Convey("A crashing worker without auto restart", t,
		WithPool(t, cfg, func(p *Pool, sp *fakeSpawner) {
			So(p.AutoRestart(), ShouldBeFalse)
			w, e := p.Spawn("")
			So(e, ShouldBeNil)
			sp.worker(w.Pid()).crash()
			So(eventually(func() bool { return p.Len() == 0 }), ShouldBeTrue)
			So(sp.count(), ShouldEqual, 1)
			So(closed(p.Exhausted()), ShouldBeTrue)
		}))
}

func TestRestart(t *testing.T) {
	Convey("Restarting workers", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			w, e := p.Spawn("")
			So(e, ShouldBeNil)
			wi, _ := p.ByPid(w.Pid())
			uid := wi.UID

			Convey("An unknown uid is not found", func() {
				e := p.Restart("nosuch")
				So(errors.Is(e, ErrNotFound), ShouldBeTrue)
			})

			Convey("A manual restart replaces the worker", func() {
				So(p.Restart(uid), ShouldBeNil)
				nw, ok := p.Lookup(uid)
				So(ok, ShouldBeTrue)
				So(nw.Pid, ShouldNotEqual, wi.Pid)
				So(nw.Restarts, ShouldEqual, 1)
				So(sp.worker(wi.Pid).IsDead(), ShouldBeTrue)
				So(p.Info().Restarts, ShouldEqual, 1)
			})

			Convey("A second restart of the same uid is refused", func() {
				var wg sync.WaitGroup
				var first error
				wg.Add(1)
				go func() {
					defer wg.Done()
					first = p.Restart(uid)
				}()
				So(eventually(func() bool {
					wi, _ := p.Lookup(uid)
					return wi.Restarting
				}), ShouldBeTrue)
				e := p.Restart(uid)
				So(errors.Is(e, ErrRestarting), ShouldBeTrue)
				wg.Wait()
				So(first, ShouldBeNil)
				So(sp.count(), ShouldEqual, 2)
			})

			Convey("Transient spawn failures are retried", func() {
				sp.set(func(s *fakeSpawner) { s.fail = 2 })
				So(p.Restart(uid), ShouldBeNil)
				So(sp.count(), ShouldEqual, 4)
				nw, _ := p.Lookup(uid)
				So(nw.Alive, ShouldBeTrue)
			})

			Convey("Workers that die at once exhaust the retries", func() {
				sp.set(func(s *fakeSpawner) { s.crashOnStart = true })
				e := p.Restart(uid)
				So(errors.Is(e, ErrSpawnExhausted), ShouldBeTrue)
				So(sp.count(), ShouldEqual, 1+testConfig().MaxRetries)
				_, ok := p.Lookup(uid)
				So(ok, ShouldBeFalse)
				So(closed(p.Exhausted()), ShouldBeTrue)
			})

			Convey("Spawner failures exhaust the retries", func() {
				sp.set(func(s *fakeSpawner) { s.failAll = true })
				e := p.Restart(uid)
				So(errors.Is(e, ErrSpawnExhausted), ShouldBeTrue)
				So(errors.Is(e, ErrRetryExhausted), ShouldBeTrue)
				So(p.Len(), ShouldEqual, 0)
			})

			Convey("A replacement that exits right after settling is restarted again", func() {
				// Drive one attempt by hand to exit the new worker just
				// after the attempt has settled.
				p.lock()
				rec := p.procs[uid]
				rec.restarting = true
				p.unlock()
				p.kill(w)

				nw, e := p.respawn(uid, rec)
				So(e, ShouldBeNil)
				p.lock()
				restarting, restarts := rec.restarting, rec.restarts
				p.unlock()
				So(restarting, ShouldBeFalse)
				So(restarts, ShouldEqual, 1)

				nw.(*fakeWorker).crash()
				So(eventually(func() bool {
					cur, ok := p.Lookup(uid)
					return ok && cur.Alive && cur.Pid != nw.Pid() && cur.Restarts == 2
				}), ShouldBeTrue)
			})

			Convey("A terminate during the restart wins", func() {
				done := make(chan error, 1)
				go func() {
					done <- p.Restart(uid)
				}()
				So(eventually(func() bool { return sp.count() == 2 }), ShouldBeTrue)
				So(p.Terminate(uid), ShouldBeNil)
				e := <-done
				So(errors.Is(e, ErrNotFound), ShouldBeTrue)
				So(p.Len(), ShouldEqual, 0)
				for _, fw := range sp.all() {
					So(eventually(fw.IsDead), ShouldBeTrue)
				}
			})
		}))

	cfg := testConfig()
	cfg.StartupWindow = time.Second
	Convey("Draining the pool cuts a restart short", t,
		WithPool(t, cfg, func(p *Pool, sp *fakeSpawner) {
			w, e := p.Spawn("")
			So(e, ShouldBeNil)
			wi, _ := p.ByPid(w.Pid())
			done := make(chan error, 1)
			go func() {
				done <- p.Restart(wi.UID)
			}()
			So(eventually(func() bool { return sp.count() == 2 }), ShouldBeTrue)
			p.DisableAutoRestart()
			e = <-done
			So(errors.Is(e, ErrDraining), ShouldBeTrue)
			_, ok := p.Lookup(wi.UID)
			So(ok, ShouldBeFalse)
		}))

	cfg = testConfig()
	cfg.RestartRate = 5
	Convey("Restarts are rate limited across the pool", t,
		WithPool(t, cfg, func(p *Pool, sp *fakeSpawner) {
			n, _ := p.Start(context.Background(), 2)
			So(n, ShouldEqual, 2)
			uids := p.UIDs()
			start := time.Now()
			So(p.Restart(uids[0]), ShouldBeNil)
			So(p.Restart(uids[1]), ShouldBeNil)
			So(time.Since(start), ShouldBeGreaterThanOrEqualTo, 150*time.Millisecond)
		}))
}

func TestDisableAutoRestart(t *testing.T) {
	Convey("Disabling auto restart", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			So(p.AutoRestart(), ShouldBeTrue)
			_, e := p.Spawn("")
			So(e, ShouldBeNil)
			p.DisableAutoRestart()
			So(p.AutoRestart(), ShouldBeFalse)
			So(p.Info().Draining, ShouldBeTrue)

			Convey("Refuses new workers", func() {
				_, e := p.Spawn("")
				So(errors.Is(e, ErrDraining), ShouldBeTrue)
			})

			Convey("Turns crashes into removals", func() {
				sp.all()[0].crash()
				So(eventually(func() bool { return p.Len() == 0 }), ShouldBeTrue)
				So(sp.count(), ShouldEqual, 1)
			})
		}))
}

func TestWatchSerial(t *testing.T) {
	Convey("Watching the pool", t,
		WithPool(t, testConfig(), func(p *Pool, sp *fakeSpawner) {
			old := p.Info().Serial

			Convey("Wakes on a change", func() {
				go func() {
					time.Sleep(20 * time.Millisecond)
					p.Spawn("")
				}()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				So(p.WatchSerial(ctx, old), ShouldNotEqual, old)
			})

			Convey("Returns the old serial on timeout", func() {
				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
				defer cancel()
				So(p.WatchSerial(ctx, old), ShouldEqual, old)
			})
		}))
}

func TestMirrorOutput(t *testing.T) {
	run := func(mirror bool) []LogRecord {
		log := NewLog(0)
		logger, _ := NewLogger(LogOptions{Name: "pool", Level: "debug"}, log)
		cfg := testConfig()
		cfg.MirrorOutput = mirror
		sp := newFakeSpawner()
		p := NewPool(cfg, sp, WithLogger(logger))
		defer NewShutdown(p, nil, logger).Shutdown()
		w, e := p.Spawn("")
		So(e, ShouldBeNil)
		fw := sp.worker(w.Pid())
		fw.obs.output(fw, Stdout, "hello from stdout")
		fw.obs.output(fw, Stderr, "hello from stderr")
		recs, _ := log.Since(0)
		return recs
	}
	texts := func(recs []LogRecord) string {
		s := ""
		for _, r := range recs {
			s += r.Text + "\n"
		}
		return s
	}

	Convey("Worker output is mirrored when enabled", t, func() {
		s := texts(run(true))
		So(s, ShouldContainSubstring, "[INFO]  pool.worker: hello from stdout")
		So(s, ShouldContainSubstring, "[ERROR] pool.worker: hello from stderr")
	})

	Convey("Worker output is dropped when disabled", t, func() {
		s := texts(run(false))
		So(s, ShouldNotContainSubstring, "hello from")
	})
}
