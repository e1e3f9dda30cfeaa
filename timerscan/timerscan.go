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

// Package timerscan parses the kernel's /proc/timer_list text feed into
// a per-cpu view of currently active timers, used by the manager to
// decide when an isolation cpu is quiescent enough to confirm launch.
package timerscan

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cpuisol/isold/cpuset"
)

// KTimeMax is the kernel's "never expires" sentinel, printed verbatim in
// the timer feed as 9223372036854775807.
const KTimeMax int64 = 1<<63 - 1

// TimerType distinguishes the four timer kinds recognized in the feed.
type TimerType int

const (
	HrTimer TimerType = iota
	CpuTimer
	BTickDev
	CpuTickDev
)

func (t TimerType) String() string {
	switch t {
	case HrTimer:
		return "HrTimer"
	case CpuTimer:
		return "CpuTimer"
	case BTickDev:
		return "BTickDev"
	case CpuTickDev:
		return "CpuTickDev"
	default:
		return fmt.Sprintf("TimerType(%d)", int(t))
	}
}

// Timer records one active timer attributed to a cpu.
type Timer struct {
	Type       TimerType
	CPU        int
	LastUpdate int64
	Expires    int64
}

// clockEventState mirrors include/linux/clockchips.h's enum clock_event_state.
const (
	clockEvtStateDetached = iota
	clockEvtStateShutdown
	clockEvtStatePeriodic
	clockEvtStateOneshot
	clockEvtStateOneshotStopped
)

const (
	hrtimerStateInactive = 0x00
	hrtimerStateEnqueued = 0x01
)

// Result is one completed pass over the timer feed.
type Result struct {
	Now            int64
	Timers         []Timer
	CPUsWithTimers cpuset.Set
}

// Scan reads the timer feed from r and classifies every timer it finds.
// It never returns cpu-specific errors for malformed trailing sections;
// it stops cleanly at EOF or a scanner error.
func Scan(r io.Reader) (Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	res := Result{Now: KTimeMax, CPUsWithTimers: cpuset.New()}

	curCPU := -1
	var pendingHR *hrState
	inBroadcast := false
	var bcMode int = -1
	var bcNextEvent int64 = KTimeMax
	var perCPUMode int = -1
	var perCPUNextEvent int64 = KTimeMax
	perCPUDeviceCPU := -1

	flushHR := func() {
		if pendingHR != nil && pendingHR.active() {
			res.addTimer(Timer{Type: HrTimer, CPU: curCPU, LastUpdate: res.Now, Expires: pendingHR.expiry()})
		}
		pendingHR = nil
	}
	flushPerCPUTick := func() {
		if perCPUDeviceCPU >= 0 && (perCPUMode == clockEvtStatePeriodic || perCPUMode == clockEvtStateOneshot) && perCPUNextEvent != KTimeMax {
			res.addTimer(Timer{Type: CpuTickDev, CPU: perCPUDeviceCPU, LastUpdate: res.Now, Expires: perCPUNextEvent})
		}
		perCPUDeviceCPU = -1
		perCPUMode = -1
		perCPUNextEvent = KTimeMax
	}
	flushBroadcast := func(mask cpuset.Set) {
		if (bcMode == clockEvtStatePeriodic || bcMode == clockEvtStateOneshot) && bcNextEvent != KTimeMax {
			for _, cpu := range mask.Slice() {
				res.addTimer(Timer{Type: BTickDev, CPU: cpu, LastUpdate: res.Now, Expires: bcNextEvent})
			}
		}
		bcMode = -1
		bcNextEvent = KTimeMax
	}

	var broadcastMask cpuset.Set
	var broadcastOneshotMask cpuset.Set

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "now at"):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				if v, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
					res.Now = v
				}
			}

		case strings.HasPrefix(line, "cpu:"):
			flushHR()
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "cpu:")))
			if err == nil {
				curCPU = n
			}

		case strings.HasPrefix(line, "# expires at"):
			if pendingHR != nil {
				pendingHR.parseLine2(line)
			}

		case strings.HasPrefix(line, "#"):
			flushHR()
			pendingHR = parseHRLine1(line)

		case strings.HasPrefix(line, ".expires_next"):
			if v, ok := parseColonNsecs(line); ok && v != KTimeMax {
				res.addTimer(Timer{Type: CpuTimer, CPU: curCPU, LastUpdate: res.Now, Expires: v})
			}

		case strings.HasPrefix(line, "Tick Device:"):
			flushHR()
			flushPerCPUTick()
			flushBroadcast(cpuset.Union(broadcastMask, broadcastOneshotMask))
			inBroadcast = false
			broadcastMask, broadcastOneshotMask = cpuset.New(), cpuset.New()

		case line == "Broadcast device":
			inBroadcast = true

		case strings.HasPrefix(line, "Per CPU device:"):
			inBroadcast = false
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Per CPU device:")))
			if err == nil {
				perCPUDeviceCPU = n
			}

		case strings.HasPrefix(line, "mode:"):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "mode:")))
			if err == nil {
				if inBroadcast {
					bcMode = n
				} else {
					perCPUMode = n
				}
			}

		case strings.HasPrefix(line, "next_event:"):
			if v, ok := parseColonNsecs(line); ok {
				if inBroadcast {
					bcNextEvent = v
				} else {
					perCPUNextEvent = v
				}
			}

		case strings.HasPrefix(line, "tick_broadcast_mask:"):
			mask := strings.TrimSpace(strings.TrimPrefix(line, "tick_broadcast_mask:"))
			if s, err := cpuset.ParseHexMask(mask); err == nil {
				broadcastMask = s
			}

		case strings.HasPrefix(line, "tick_broadcast_oneshot_mask:"):
			mask := strings.TrimSpace(strings.TrimPrefix(line, "tick_broadcast_oneshot_mask:"))
			if s, err := cpuset.ParseHexMask(mask); err == nil {
				broadcastOneshotMask = s
			}
		}
	}
	flushHR()
	flushPerCPUTick()
	flushBroadcast(cpuset.Union(broadcastMask, broadcastOneshotMask))

	if err := sc.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// UpdateLastExpiry folds one Scan pass into a per-cpu "latest observed
// timer expiry" map, carried by the manager across passes. Any cpu whose
// tracked expiry has already passed (lasttimer < now) is reset to
// KTimeMax, matching the per-pass reset the timer feed implies.
func UpdateLastExpiry(prev map[int]int64, res Result) map[int]int64 {
	out := make(map[int]int64, len(prev))
	for cpu, exp := range prev {
		out[cpu] = exp
	}
	for _, t := range res.Timers {
		if cur, ok := out[t.CPU]; !ok || t.Expires > cur {
			out[t.CPU] = t.Expires
		}
	}
	for cpu, exp := range out {
		if exp < res.Now {
			out[cpu] = KTimeMax
		}
	}
	return out
}

func (r *Result) addTimer(t Timer) {
	r.Timers = append(r.Timers, t)
	r.CPUsWithTimers = r.CPUsWithTimers.With(t.CPU)
}

// hrState accumulates the two lines describing one high resolution timer:
//
//	#0: <ffff8003fda67bd0>, tick_sched_timer, S:01
//	# expires at 78753860000000-78753860000000 nsecs [in 3758380 to 3758380 nsecs]
type hrState struct {
	state   int
	softexp int64
	exp     int64
}

func parseHRLine1(line string) *hrState {
	h := &hrState{state: hrtimerStateInactive, softexp: KTimeMax, exp: KTimeMax}
	idx := strings.LastIndex(line, "S:")
	if idx < 0 {
		return h
	}
	val := strings.TrimSpace(line[idx+2:])
	val = strings.Fields(val)[0]
	if n, err := strconv.ParseInt(val, 16, 64); err == nil {
		h.state = int(n)
	}
	return h
}

func (h *hrState) parseLine2(line string) {
	// "# expires at A-B nsecs [in C to D nsecs]"
	line = strings.TrimPrefix(line, "# expires at")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	parts := strings.SplitN(fields[0], "-", 2)
	if len(parts) != 2 {
		return
	}
	if v, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
		h.softexp = v
	}
	if v, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
		h.exp = v
	}
}

func (h *hrState) active() bool {
	return h.state&hrtimerStateEnqueued != 0 && (h.exp != KTimeMax || h.softexp != KTimeMax)
}

func (h *hrState) expiry() int64 {
	if h.exp != KTimeMax {
		return h.exp
	}
	return h.softexp
}

// parseColonNsecs parses lines shaped "<label>: <value> nsecs" or
// "<label>:<value> nsecs", returning the integer value.
func parseColonNsecs(line string) (int64, bool) {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return 0, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
