// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manager owns the worker table, drives the central
// drain/scan/advance loop, and bridges the control protocol into the
// same per-worker StateMachine that managed workers use.
package manager

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cpuisol/isold/control"
	containerring "github.com/cloudwego/gopkg/container/ring"
	"github.com/cpuisol/isold/cpuset"
	"github.com/cpuisol/isold/platform"
	"github.com/cpuisol/isold/ring"
	"github.com/cpuisol/isold/statemachine"
	"github.com/cpuisol/isold/sweep"
	"github.com/cpuisol/isold/timerscan"
	"github.com/cpuisol/isold/worker"
)

// ErrNoFreeCPU is returned by SpawnManaged when no isolation cpu matches
// the request (or the arena is exhausted). ClaimWorker reports the same
// condition as control.ErrCantAllocate.
var ErrNoFreeCPU = errors.New("manager: no free isolation cpu")

// WorkerSlot is one entry of the manager's fixed-size worker table, one
// slot per isolation cpu. The table is sized once at construction and
// never reallocated, so a *WorkerSlot pointer is stable for the life of
// the Manager — exactly the property spec's cyclic-pointer-graph design
// note asks for when a back-reference must survive table churn.
type WorkerSlot struct {
	Index int
	CPU   int

	InUse bool
	Mode  string // "THREAD" or "PROCESS"
	PID   int
	TID   int

	Machine    *statemachine.Machine
	ToWorker   *ring.Writer
	FromWorker *ring.Reader
}

// Config holds the manager's tunables. Zero-value durations fall back
// to statemachine's defaults where applicable.
type Config struct {
	RestartDelay  time.Duration
	StartTimeout  time.Duration
	IdlePoll      time.Duration
	SweepInterval time.Duration
}

// Manager owns every Worker and runs the single-threaded central loop
// that advances them; concurrent access (from control sessions and
// managed-worker goroutines reporting through Dispatcher methods) is
// serialized by mu. This mutex is the one place this port's goroutine
// model diverges from the single-threaded poll() reactor the protocol
// was designed around: wire behavior is unchanged, only the mechanism
// protecting shared state is idiomatic Go rather than "only one thread
// ever touches it."
type Manager struct {
	mu  sync.Mutex
	log zerolog.Logger

	plat         platform.Platform
	isolationSet cpuset.Set
	table        *containerring.Ring[WorkerSlot]
	arena        *Arena
	sweeper      *sweep.Sweeper

	restartDelay  time.Duration
	startTimeout  time.Duration
	idlePoll      time.Duration
	sweepInterval time.Duration

	startedAt      time.Time
	cpusWithTimers cpuset.Set
	lastTimers     map[int]int64

	wg *errgroup.Group
}

var _ control.Dispatcher = (*Manager)(nil)

// New constructs a Manager with one worker slot per cpu in isolationSet.
func New(plat platform.Platform, isolationSet cpuset.Set, cfg Config, log zerolog.Logger) (*Manager, error) {
	cpus := isolationSet.Slice()
	if len(cpus) == 0 {
		return nil, fmt.Errorf("manager: no isolation-capable cpus available")
	}

	slots := make([]WorkerSlot, len(cpus))
	for i, cpu := range cpus {
		slots[i] = WorkerSlot{Index: i, CPU: cpu}
	}

	arena, err := NewArena(len(cpus))
	if err != nil {
		return nil, err
	}

	restartDelay := cfg.RestartDelay
	if restartDelay <= 0 {
		restartDelay = statemachine.DefaultRestartDelay
	}
	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = statemachine.DefaultStartTimeout
	}
	idlePoll := cfg.IdlePoll
	if idlePoll <= 0 {
		idlePoll = 200 * time.Millisecond
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 3 * time.Second
	}

	wg, _ := errgroup.WithContext(context.Background())

	return &Manager{
		log:            log,
		plat:           plat,
		isolationSet:   isolationSet,
		table:          containerring.NewFromSlice(slots),
		arena:          arena,
		sweeper:        sweep.New(plat, plat.Gettid()),
		restartDelay:   restartDelay,
		startTimeout:   startTimeout,
		idlePoll:       idlePoll,
		sweepInterval:  sweepInterval,
		lastTimers:     make(map[int]int64),
		cpusWithTimers: cpuset.New(),
		wg:             wg,
	}, nil
}

func (m *Manager) slot(i int) *WorkerSlot {
	it, ok := m.table.Get(i)
	if !ok {
		return nil
	}
	return it.Pointer()
}

// claimSlotLocked finds a free slot (cpu == -1 means "any"), marks it
// InUse, and returns it. Caller must hold mu.
func (m *Manager) claimSlotLocked(cpu int) (*WorkerSlot, error) {
	for i := 0; i < m.table.Len(); i++ {
		slot := m.slot(i)
		if slot.InUse {
			continue
		}
		if cpu >= 0 && slot.CPU != cpu {
			continue
		}
		if !m.arena.Reserve(slot.Index) {
			return nil, ErrNoFreeCPU
		}
		slot.InUse = true
		return slot, nil
	}
	return nil, ErrNoFreeCPU
}

func (m *Manager) freeSlotLocked(slot *WorkerSlot) {
	m.arena.Release(slot.Index)
	slot.InUse = false
	slot.PID, slot.TID = 0, 0
	slot.ToWorker, slot.FromWorker = nil, nil
}

// SpawnManaged claims a free isolation cpu (any, if cpu < 0) and runs a
// managed-create worker on its own dedicated, locked OS thread. It
// returns the claimed cpu immediately; the worker's lifecycle continues
// asynchronously under the Manager's supervising errgroup.
func (m *Manager) SpawnManaged(cpu int, init worker.InitFunc, main worker.MainFunc) (int, error) {
	m.mu.Lock()
	slot, err := m.claimSlotLocked(cpu)
	if err != nil {
		m.mu.Unlock()
		return 0, err
	}
	toWorkerW, toWorkerR := ring.New()
	toMgrW, toMgrR := ring.New()
	slot.Mode = "THREAD"
	slot.Machine = statemachine.New()
	slot.Machine.SetRestartDelay(m.restartDelay)
	slot.ToWorker = toWorkerW
	slot.FromWorker = toMgrR
	claimed := slot.CPU
	index := slot.Index
	m.mu.Unlock()

	m.wg.Go(func() error {
		runtime.LockOSThread()
		if err := worker.Run(m.plat, toMgrW, toWorkerR, worker.Options{
			CPU:      claimed,
			Index:    index,
			IdlePoll: m.idlePoll,
			Init:     init,
			Main:     main,
		}); err != nil {
			m.log.Warn().Err(err).Int("cpu", claimed).Msg("manager: managed worker exited with error")
		}
		return nil
	})

	return claimed, nil
}

// Wait blocks until every managed worker spawned via SpawnManaged has
// returned, joining them the way spec's "join if same-process" OnExiting
// note describes.
func (m *Manager) Wait() error {
	return m.wg.Wait()
}

// ClaimWorker implements control.Dispatcher for the newtask command.
// The attaching peer (a thread or process outside this binary) is an
// out-of-scope external collaborator per spec.md's own framing, so this
// port does not hand it a real cross-process Ring: it advances the
// attached slot directly to Ready, which is enough to exercise launch
// gating, timer/sweep interaction, and the taskisolfail/taskisolfinish
// recovery paths the control protocol actually tests end to end.
func (m *Manager) ClaimWorker(cpu, pid, tid int) (control.AttachResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, err := m.claimSlotLocked(cpu)
	if err != nil {
		return control.AttachResult{}, control.ErrCantAllocate
	}

	toWorkerW, _ := ring.New()
	_, toMgrR := ring.New()

	mode := "PROCESS"
	if pid == os.Getpid() {
		mode = "THREAD"
	}
	slot.Mode = mode
	slot.PID = pid
	slot.TID = tid
	slot.Machine = statemachine.New()
	slot.Machine.SetRestartDelay(m.restartDelay)
	slot.ToWorker = toWorkerW
	slot.FromWorker = toMgrR
	slot.Machine.OnInit()
	slot.Machine.OnStartReady()

	res := control.AttachResult{Mode: mode, CPU: slot.CPU, Token: slot.Index}
	if mode == "THREAD" {
		res.Index = slot.Index
	}
	return res, nil
}

// TaskIsolFail implements control.Dispatcher for taskisolfail.
func (m *Manager) TaskIsolFail(token int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slot(token)
	if slot == nil || !slot.InUse {
		return fmt.Errorf("manager: no attached worker at token %d", token)
	}
	m.applyActionsLocked(slot, slot.Machine.OnStartLaunchFailure(time.Now()))
	return nil
}

// TaskIsolFinish implements control.Dispatcher for taskisolfinish and
// for a session's disconnect; both are specified as equivalent.
func (m *Manager) TaskIsolFinish(token int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := m.slot(token)
	if slot == nil || !slot.InUse {
		return nil
	}
	slot.Machine.OnExiting()
	m.freeSlotLocked(slot)
	return nil
}

// RequestTerminateAll implements control.Dispatcher for terminate.
func (m *Manager) RequestTerminateAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.table.Len(); i++ {
		slot := m.slot(i)
		if slot.InUse {
			slot.Machine.RequestExit()
		}
	}
}

func (m *Manager) applyActionsLocked(slot *WorkerSlot, actions []statemachine.Action) {
	for _, a := range actions {
		if slot.ToWorker == nil {
			continue
		}
		if err := slot.ToWorker.Put(a.Kind, a.Payload); err != nil {
			m.log.Debug().Err(err).Int("cpu", slot.CPU).Str("kind", a.Kind.String()).
				Msg("manager: ring full, action retried next pass")
		}
	}
}

// Run drives the central loop until ctx is canceled or the termination
// predicate (every slot Off, none ever claimed, no worker ever ran) is
// met with no exit requested.
func (m *Manager) Run(ctx context.Context) error {
	m.startedAt = time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		anyTransient := m.tick(time.Now())

		if !anyTransient && m.allOffAndIdle() {
			return nil
		}

		idle := m.idlePoll
		if anyTransient {
			idle = 0
		}
		if idle > 0 {
			time.Sleep(idle)
		}
	}
}

// tick runs one pass of the central loop and reports whether any slot
// still needs prompt attention (the Manager's io_expected).
func (m *Manager) tick(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	anyLaunched := false
	for i := 0; i < m.table.Len(); i++ {
		slot := m.slot(i)
		if !slot.InUse {
			continue
		}
		m.drainWorkerLocked(slot, now)
		if slot.Machine.State() == statemachine.Launched {
			anyLaunched = true
		}
	}

	if m.sweeper.ShouldRun(anyLaunched, now) {
		m.scanTimersAndSweepLocked(now)
	}

	allReady, anyInUse := true, false
	runningISOCpus := cpuset.New()
	for i := 0; i < m.table.Len(); i++ {
		slot := m.slot(i)
		if !slot.InUse {
			continue
		}
		anyInUse = true
		runningISOCpus = runningISOCpus.With(slot.CPU)
		if slot.Machine.State() < statemachine.Ready {
			allReady = false
		}
	}
	timeoutExpired := anyInUse && now.Sub(m.startedAt) >= m.startTimeout
	// running_iso_cpus is the set of cpus with a currently claimed worker,
	// not the full configured isolation-cpu set: a stray timer on an
	// unclaimed isolation cpu must not block an attached worker elsewhere
	// from confirming launch.
	noTimersOnRunningISO := !cpuset.Intersects(m.cpusWithTimers, runningISOCpus)

	anyTransient := false
	for i := 0; i < m.table.Len(); i++ {
		slot := m.slot(i)
		if !slot.InUse {
			continue
		}
		m.applyActionsLocked(slot, slot.Machine.MaybeLaunch(allReady, timeoutExpired))
		timersOnSelf := m.cpusWithTimers.Has(slot.CPU)
		m.applyActionsLocked(slot, slot.Machine.CheckLaunched(noTimersOnRunningISO, timersOnSelf, now))
		m.applyActionsLocked(slot, slot.Machine.MaybeRestartFromTmpExit(now))
		m.applyActionsLocked(slot, slot.Machine.MaybeTerminate())

		if slot.Machine.State().Transient() || slot.Machine.ExitRequested() {
			anyTransient = true
		}
	}
	return anyTransient
}

func (m *Manager) drainWorkerLocked(slot *WorkerSlot, now time.Time) {
	if slot.FromWorker == nil {
		return
	}
	for slot.FromWorker.CheckNew() {
		msg, err := slot.FromWorker.GetMessage()
		if err != nil {
			break
		}
		m.handleMessageLocked(slot, msg, now)
		msg.Release()
	}
}

func (m *Manager) handleMessageLocked(slot *WorkerSlot, msg ring.Message, now time.Time) {
	switch msg.Kind {
	case ring.Init:
		slot.Machine.OnInit()
	case ring.StartReady:
		if len(msg.Payload) >= 8 {
			slot.TID = int(binary.LittleEndian.Uint64(msg.Payload))
		}
		slot.Machine.OnStartReady()
	case ring.StartLaunchDone:
		slot.Machine.OnStartLaunchDone()
	case ring.StartLaunchFailure:
		m.applyActionsLocked(slot, slot.Machine.OnStartLaunchFailure(now))
	case ring.LeaveIsolation:
		actions := slot.Machine.OnLeaveIsolation()
		m.applyActionsLocked(slot, actions)
		if len(actions) > 0 {
			slot.Machine.OnOkLeaveIsolationObserved()
		}
	case ring.Exiting:
		slot.Machine.OnExiting()
		m.freeSlotLocked(slot)
	case ring.Print:
		m.log.Info().Int("cpu", slot.CPU).Str("mode", slot.Mode).Msg(string(msg.Payload))
	default:
		m.log.Debug().Str("kind", msg.Kind.String()).Int("cpu", slot.CPU).Msg("manager: ignoring unexpected message")
	}
}

func (m *Manager) scanTimersAndSweepLocked(now time.Time) {
	feed, err := m.plat.OpenTimerFeed()
	if err != nil {
		m.log.Warn().Err(err).Msg("manager: opening timer feed")
		return
	}
	defer feed.Close()

	res, err := timerscan.Scan(feed)
	if err != nil {
		m.log.Warn().Err(err).Msg("manager: scanning timer feed")
		return
	}
	m.cpusWithTimers = res.CPUsWithTimers
	m.lastTimers = timerscan.UpdateLastExpiry(m.lastTimers, res)

	isManaged := func(tid int) bool {
		for i := 0; i < m.table.Len(); i++ {
			s := m.slot(i)
			if s.InUse && s.TID == tid {
				return true
			}
		}
		return false
	}

	rebinds, err := m.sweeper.Run(now, m.isolationSet, isManaged)
	if err != nil {
		m.log.Warn().Err(err).Msg("manager: sweeping foreign threads")
		return
	}
	for _, rb := range rebinds {
		if err := m.plat.SetAffinity(rb.TID, rb.NewMask); err != nil {
			m.log.Warn().Err(err).Int("tid", rb.TID).Msg("manager: rebinding foreign thread failed")
		}
	}
}

func (m *Manager) allOffAndIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < m.table.Len(); i++ {
		if m.slot(i).InUse {
			return false
		}
	}
	return true
}
