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
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultStartupWindow  = 3 * time.Second
	DefaultSampleInterval = 500 * time.Millisecond
)

// Config is the validated configuration of a pool.  Zero durations and
// counts are replaced by their defaults in NewPool.
type Config struct {
	Processes          int
	MaxRetries         int
	DisableAutoRestart bool
	ExpBackoff         bool
	MaxMemory          *Threshold
	GracePeriod        time.Duration
	SampleInterval     time.Duration
	MirrorOutput       bool
	StartupWindow      time.Duration
	PollInterval       time.Duration
	RestartRate        float64 // restarts per second across the pool, 0 is unlimited
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		Processes:      runtime.NumCPU(),
		MaxRetries:     DefaultRetries,
		GracePeriod:    DefaultGracePeriod,
		SampleInterval: DefaultSampleInterval,
		MirrorOutput:   true,
		StartupWindow:  DefaultStartupWindow,
		PollInterval:   DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Processes <= 0 {
		c.Processes = d.Processes
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.StartupWindow <= 0 {
		c.StartupWindow = d.StartupWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

type record struct {
	uid         string
	worker      Worker
	alive       bool
	restarting  bool
	terminating bool
	started     time.Time
	restarts    int
	memory      uint64
}

// WorkerInfo is a snapshot of one tracked worker.
type WorkerInfo struct {
	UID        string    `json:"uid"`
	Pid        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	Restarting bool      `json:"restarting"`
	Started    time.Time `json:"started"`
	Restarts   int       `json:"restarts"`
	Memory     uint64    `json:"memory"`
}

func (r *record) info() WorkerInfo {
	return WorkerInfo{
		UID:        r.uid,
		Pid:        r.worker.Pid(),
		Alive:      r.alive,
		Restarting: r.restarting,
		Started:    r.started,
		Restarts:   r.restarts,
		Memory:     r.memory,
	}
}

// PoolInfo summarizes the pool.  Serial changes whenever any worker
// changes state, which makes it usable as an Etag.
type PoolInfo struct {
	Serial      int64     `json:"serial,string"`
	Workers     int       `json:"workers"`
	Alive       int       `json:"alive"`
	Restarting  int       `json:"restarting"`
	Restarts    int       `json:"restarts"`
	AutoRestart bool      `json:"autoRestart"`
	Draining    bool      `json:"draining"`
	Exhausted   bool      `json:"exhausted"`
	CreateTime  time.Time `json:"created"`
	UpdateTime  time.Time `json:"updated"`
}

// Option customizes a Pool.
type Option func(*Pool)

func WithLogger(l hclog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

func WithMetrics(m MetricsCollector) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithRetrier replaces the respawn policy derived from the Config.
func WithRetrier(r *Retrier) Option {
	return func(p *Pool) {
		p.retrier = r
	}
}

// Pool tracks a set of workers by uid, and owns the protocol that restarts
// and terminates them.  It is safe for concurrent use.  The mutex is never
// held while waiting on a process, a timer, or the spawner.
type Pool struct {
	cfg     Config
	spawner Spawner
	logger  hclog.Logger
	metrics MetricsCollector
	retrier *Retrier
	limiter *rate.Limiter

	procs       map[string]*record
	pending     int // spawns in flight from Start
	autoRestart bool
	draining    bool
	restarts    int
	serial      int64
	createTime  time.Time
	updateTime  time.Time
	cvs         map[*sync.Cond]bool
	mx          sync.Mutex

	exhausted chan struct{}
	exhaust   sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewPool returns an empty pool.  Workers are added with Start or Spawn.
func NewPool(cfg Config, sp Spawner, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	now := time.Now()
	p := &Pool{
		cfg:         cfg,
		spawner:     sp,
		procs:       make(map[string]*record),
		autoRestart: !cfg.DisableAutoRestart,
		serial:      now.UnixNano(),
		createTime:  now,
		updateTime:  now,
		cvs:         make(map[*sync.Cond]bool),
		exhausted:   make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = hclog.NewNullLogger()
	}
	if p.metrics == nil {
		p.metrics = NewNoopMetrics()
	}
	if p.retrier == nil {
		p.retrier = NewRetrier(cfg.MaxRetries, cfg.ExpBackoff)
	}
	if p.retrier.Logger == nil {
		p.retrier.Logger = p.logger.Named("retry")
	}
	limit := rate.Inf
	if cfg.RestartRate > 0 {
		limit = rate.Limit(cfg.RestartRate)
	}
	p.limiter = rate.NewLimiter(limit, 1)
	return p
}

func (p *Pool) lock() {
	p.mx.Lock()
}

func (p *Pool) unlock() {
	p.mx.Unlock()
}

// bumpSerial records a state change and wakes watchers.  Call with the
// lock held.
func (p *Pool) bumpSerial() {
	p.updateTime = time.Now()
	p.serial++
	for cv := range p.cvs {
		cv.Broadcast()
	}
}

// WatchSerial waits until the serial differs from old, or the context is
// done, and returns the current serial.
func (p *Pool) WatchSerial(ctx context.Context, old int64) int64 {
	cv := sync.NewCond(&p.mx)
	stop := context.AfterFunc(ctx, func() {
		p.lock()
		cv.Broadcast()
		p.unlock()
	})
	defer stop()

	p.lock()
	defer p.unlock()
	p.cvs[cv] = true
	for p.serial == old && ctx.Err() == nil {
		cv.Wait()
	}
	delete(p.cvs, cv)
	return p.serial
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.cfg
}

// Exhausted is closed once the pool has no workers left, whether through
// shutdown or because every worker failed to respawn.
func (p *Pool) Exhausted() <-chan struct{} {
	return p.exhausted
}

func (p *Pool) signalExhausted() {
	p.exhaust.Do(func() {
		p.logger.Info("no workers left in the pool")
		close(p.exhausted)
	})
}

func (p *Pool) isExhausted() bool {
	select {
	case <-p.exhausted:
		return true
	default:
		return false
	}
}

// AutoRestart reports whether crashed or oversized workers are restarted.
func (p *Pool) AutoRestart() bool {
	p.lock()
	defer p.unlock()
	return p.autoRestart
}

// DisableAutoRestart turns off automatic restarts for good.  Restarts in
// progress are abandoned, and no new workers may be spawned.  This is the
// first step of a shutdown.
func (p *Pool) DisableAutoRestart() {
	p.lock()
	p.autoRestart = false
	p.draining = true
	p.bumpSerial()
	p.unlock()
	p.cancel()
}

func (p *Pool) isDraining() bool {
	p.lock()
	defer p.unlock()
	return p.draining
}

// byPid finds the alive record holding pid.  Call with the lock held.
func (p *Pool) byPid(pid int) *record {
	for _, r := range p.procs {
		if r.alive && r.worker.Pid() == pid {
			return r
		}
	}
	return nil
}

func (p *Pool) register(uid string, w Worker) error {
	p.lock()
	defer p.unlock()
	if other := p.byPid(w.Pid()); other != nil {
		p.logger.Warn("pid is already registered", "pid", w.Pid(), "uid", other.uid)
		return fmt.Errorf("pid %d: %w", w.Pid(), ErrRegistration)
	}
	p.procs[uid] = &record{
		uid:     uid,
		worker:  w,
		alive:   true,
		started: time.Now(),
	}
	p.bumpSerial()
	p.metrics.PoolSize(len(p.procs))
	return nil
}

// attach makes w the current worker of an existing record.
func (p *Pool) attach(uid string, w Worker) error {
	p.lock()
	defer p.unlock()
	rec := p.procs[uid]
	if rec == nil || rec.terminating {
		return fmt.Errorf("uid %s: %w", uid, ErrNotFound)
	}
	if other := p.byPid(w.Pid()); other != nil && other != rec {
		p.logger.Warn("pid is already registered", "pid", w.Pid(), "uid", other.uid)
		return fmt.Errorf("pid %d: %w", w.Pid(), ErrRegistration)
	}
	rec.worker = w
	rec.alive = true
	rec.started = time.Now()
	p.bumpSerial()
	return nil
}

// Spawn starts one worker.  With an empty uid the worker is added under
// a new uid.  Otherwise it replaces the current worker of that uid.
func (p *Pool) Spawn(uid string) (Worker, error) {
	if p.isDraining() {
		return nil, ErrDraining
	}
	fresh := uid == ""
	if fresh {
		uid = uuid.NewString()
	}

	// Events may arrive before the worker is recorded; the disconnect
	// handler waits on ready so that it sees the record.
	ready := make(chan struct{})
	defer close(ready)

	w, err := p.spawner.Spawn(p.observer(uid, ready))
	if err != nil {
		p.metrics.SpawnFailed()
		p.logger.Error("failed to start worker", "uid", uid, "error", err)
		return nil, fmt.Errorf("spawn worker: %w", err)
	}
	if fresh {
		err = p.register(uid, w)
	} else {
		err = p.attach(uid, w)
	}
	if err != nil {
		p.logger.Error("discarding unregistered worker", "uid", uid, "pid", w.Pid(), "error", err)
		w.Signal(sigKill)
		return nil, err
	}
	p.metrics.WorkerSpawned()
	p.logger.Info("worker started", "uid", uid, "pid", w.Pid())
	return w, nil
}

func (p *Pool) observer(uid string, ready <-chan struct{}) Observer {
	return Observer{
		Output: func(w Worker, s Stream, line string) {
			if !p.cfg.MirrorOutput {
				return
			}
			if s == Stderr {
				workerLogger(p.logger, w).Error(line)
			} else {
				workerLogger(p.logger, w).Info(line)
			}
		},
		Error: func(w Worker, err error) {
			<-ready
			p.handle(evError, uid, w, err)
		},
		Disconnect: func(w Worker, err error) {
			<-ready
			p.handle(evDisconnect, uid, w, err)
		},
	}
}

// handle runs the crash handling protocol for one worker event.
func (p *Pool) handle(ev event, uid string, w Worker, err error) {
	p.lock()
	st := recordState{autoRestart: p.autoRestart}
	rec := p.procs[uid]
	if rec != nil {
		st.present = true
		st.current = rec.worker == w
		st.restarting = rec.restarting
		st.terminating = rec.terminating
	}
	act := decide(ev, st)
	switch act {
	case actMarkDead, actMarkDeadRestart, actMarkDeadTerminate:
		rec.alive = false
		p.bumpSerial()
	}
	p.unlock()

	logger := p.logger.With("uid", uid, "pid", w.Pid(), "event", ev)
	if err != nil {
		logger = logger.With("error", err)
	}
	switch act {
	case actIgnore:
		logger.Debug("ignoring event", "present", st.present)
	case actLog:
		logger.Error("worker reported an error")
	case actMarkDead:
		logger.Warn("worker exited")
	case actMarkDeadRestart:
		logger.Warn("worker exited, replacing it")
		if err := p.restart(uid, ReasonCrash); err != nil {
			logger.Debug("replacement failed", "result", err)
		}
	case actMarkDeadTerminate:
		logger.Warn("worker exited, removing it")
		if err := p.Terminate(uid); err != nil {
			logger.Debug("removal failed", "result", err)
		}
	}
}

// Start spawns n workers concurrently and returns how many started.  The
// error is the first spawn failure, if any.  The pool is not considered
// exhausted while spawns are in flight; if it is empty once they finish,
// it is.
func (p *Pool) Start(ctx context.Context, n int) (int, error) {
	var started atomic.Int64
	var g errgroup.Group
	p.lock()
	p.pending += n
	p.unlock()
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer func() {
				p.lock()
				p.pending--
				p.unlock()
			}()
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := p.Spawn(""); err != nil {
				return err
			}
			started.Add(1)
			return nil
		})
	}
	err := g.Wait()
	// Workers that exited while siblings were still starting did not
	// exhaust the pool; look again now that nothing is pending.
	p.checkExhausted()
	return int(started.Load()), err
}

func (p *Pool) kill(w Worker) killResult {
	res := killWorker(w, p.cfg.GracePeriod, p.cfg.PollInterval, p.logger)
	p.metrics.WorkerTerminated(res.elapsed, res.forced)
	return res
}

// remove deletes rec if it is still the record for uid.  Call with the
// lock held; the caller checks for exhaustion after unlocking.
func (p *Pool) remove(uid string, rec *record) bool {
	if p.procs[uid] != rec {
		return false
	}
	delete(p.procs, uid)
	p.bumpSerial()
	p.metrics.WorkerRemoved(uid)
	p.metrics.PoolSize(len(p.procs))
	return true
}

func (p *Pool) checkExhausted() {
	p.lock()
	empty := len(p.procs) == 0 && p.pending == 0
	p.unlock()
	if empty {
		p.signalExhausted()
	}
}

// Terminate stops the worker of uid with SIGTERM, escalating to SIGKILL
// after the grace period, and removes uid from the pool.
func (p *Pool) Terminate(uid string) error {
	p.lock()
	rec := p.procs[uid]
	if rec == nil {
		p.unlock()
		p.logger.Error("cannot terminate unknown worker", "uid", uid)
		return fmt.Errorf("terminate %s: %w", uid, ErrNotFound)
	}
	rec.terminating = true
	w := rec.worker
	p.bumpSerial()
	p.unlock()

	// Once terminating is set no restart can swap in another worker, so
	// w stays the current worker until the record is gone.
	p.logger.Info("terminating worker", "uid", uid, "pid", w.Pid())
	res := p.kill(w)
	p.lock()
	p.remove(uid, rec)
	p.unlock()
	p.logger.Info("worker terminated", "uid", uid, "pid", w.Pid(),
		"elapsed", res.elapsed, "forced", res.forced)
	p.checkExhausted()
	return nil
}

// Restart replaces the worker of uid with a new one, keeping the uid.
func (p *Pool) Restart(uid string) error {
	return p.restart(uid, ReasonManual)
}

func (p *Pool) restart(uid string, reason string) error {
	p.lock()
	rec := p.procs[uid]
	if rec == nil || rec.terminating {
		p.unlock()
		p.logger.Error("cannot restart unknown worker", "uid", uid)
		return fmt.Errorf("restart %s: %w", uid, ErrNotFound)
	}
	if rec.restarting {
		p.unlock()
		p.logger.Debug("worker is already restarting", "uid", uid)
		return fmt.Errorf("restart %s: %w", uid, ErrRestarting)
	}
	rec.restarting = true
	old := rec.worker
	p.bumpSerial()
	p.unlock()

	p.logger.Info("restarting worker", "uid", uid, "pid", old.Pid(), "reason", reason)
	p.kill(old)

	err := p.limiter.Wait(p.ctx)
	var w Worker
	if err == nil {
		w, err = Retry(p.ctx, p.retrier, "respawn "+uid, func() (Worker, error) {
			return p.respawn(uid, rec)
		})
	}
	if err != nil {
		p.abandon(uid, rec)
		if errors.Is(err, ErrRetryExhausted) {
			p.logger.Error("giving up on worker", "uid", uid, "error", err)
			return fmt.Errorf("restart %s: %w: %w", uid, ErrSpawnExhausted, err)
		}
		p.logger.Info("restart abandoned", "uid", uid, "reason", err)
		if p.ctx.Err() != nil && !errors.Is(err, ErrDraining) {
			return fmt.Errorf("restart %s: %w: %w", uid, ErrDraining, err)
		}
		return fmt.Errorf("restart %s: %w", uid, err)
	}

	p.metrics.WorkerRestarted(reason)
	p.logger.Info("worker restarted", "uid", uid, "old", old.Pid(), "pid", w.Pid())
	return nil
}

// respawn is one attempt at replacing the worker of rec.  The new worker
// must stay up for the startup window to count.
func (p *Pool) respawn(uid string, rec *record) (Worker, error) {
	w, err := p.Spawn(uid)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDraining) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	if err := sleepContext(p.ctx, p.cfg.StartupWindow); err != nil {
		return nil, Permanent(err)
	}

	p.lock()
	gone := p.procs[uid] != rec
	alive := rec.alive && rec.worker == w
	if !gone && alive {
		// Settled under the lock the crash handler takes: an exit from
		// here on finds restarting clear and is handled as a new crash.
		rec.restarting = false
		rec.restarts++
		p.restarts++
		p.bumpSerial()
	}
	p.unlock()

	if gone {
		w.Signal(sigKill)
		return nil, Permanent(fmt.Errorf("uid %s: %w", uid, ErrNotFound))
	}
	if !alive {
		w.Signal(sigKill)
		return nil, fmt.Errorf("worker %d exited within %v of starting", w.Pid(), p.cfg.StartupWindow)
	}
	return w, nil
}

// abandon drops a record whose restart failed, killing whatever worker
// it still holds.
func (p *Pool) abandon(uid string, rec *record) {
	p.lock()
	removed := p.remove(uid, rec)
	w := rec.worker
	rec.restarting = false
	p.unlock()
	if removed && !w.IsDead() {
		w.Signal(sigKill)
	}
	p.checkExhausted()
}

// Workers returns a snapshot of every tracked worker, oldest first.
func (p *Pool) Workers() []WorkerInfo {
	p.lock()
	rv := make([]WorkerInfo, 0, len(p.procs))
	for _, r := range p.procs {
		rv = append(rv, r.info())
	}
	p.unlock()
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Started.Equal(rv[j].Started) {
			return rv[i].UID < rv[j].UID
		}
		return rv[i].Started.Before(rv[j].Started)
	})
	return rv
}

func (p *Pool) Lookup(uid string) (WorkerInfo, bool) {
	p.lock()
	defer p.unlock()
	if r := p.procs[uid]; r != nil {
		return r.info(), true
	}
	return WorkerInfo{}, false
}

// ByPid finds the alive worker with the given pid.  A pid whose worker
// has exited may already belong to an unrelated process, so dead records
// never match.
func (p *Pool) ByPid(pid int) (WorkerInfo, bool) {
	p.lock()
	defer p.unlock()
	if r := p.byPid(pid); r != nil {
		return r.info(), true
	}
	return WorkerInfo{}, false
}

func (p *Pool) UIDs() []string {
	p.lock()
	rv := make([]string, 0, len(p.procs))
	for uid := range p.procs {
		rv = append(rv, uid)
	}
	p.unlock()
	sort.Strings(rv)
	return rv
}

func (p *Pool) Len() int {
	p.lock()
	defer p.unlock()
	return len(p.procs)
}

func (p *Pool) Info() PoolInfo {
	p.lock()
	defer p.unlock()
	i := PoolInfo{
		Serial:      p.serial,
		Workers:     len(p.procs),
		Restarts:    p.restarts,
		AutoRestart: p.autoRestart,
		Draining:    p.draining,
		Exhausted:   p.isExhausted(),
		CreateTime:  p.createTime,
		UpdateTime:  p.updateTime,
	}
	for _, r := range p.procs {
		if r.alive {
			i.Alive++
		}
		if r.restarting {
			i.Restarting++
		}
	}
	return i
}

type candidate struct {
	uid string
	pid int
}

// candidates are the workers eligible for sampling: alive and not in the
// middle of a restart or termination.
func (p *Pool) candidates() []candidate {
	p.lock()
	defer p.unlock()
	var rv []candidate
	for _, r := range p.procs {
		if r.alive && !r.restarting && !r.terminating {
			rv = append(rv, candidate{uid: r.uid, pid: r.worker.Pid()})
		}
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].uid < rv[j].uid })
	return rv
}

// stillCandidate reports whether c describes the record as it is now.
func (p *Pool) stillCandidate(c candidate) bool {
	p.lock()
	defer p.unlock()
	r := p.procs[c.uid]
	return r != nil && r.alive && !r.restarting && !r.terminating && r.worker.Pid() == c.pid
}

func (p *Pool) setMemory(c candidate, bytes uint64) {
	p.lock()
	defer p.unlock()
	if r := p.procs[c.uid]; r != nil && r.worker.Pid() == c.pid {
		r.memory = bytes
	}
}
