// Package core owns the execution-context plumbing the JIT depends on: which
// goroutine is the CPU thread, marshalling work onto it, stepping state and
// the downcount-based core timing.
//
// Exactly one goroutine at a time may be the CPU thread. It is pinned to an
// OS thread while executing compiled code because the stack guard protects
// that thread's native stack specifically.
package core

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"

	"github.com/sticks-stuff/dolphin/log"
)

var cpuThreadMgr = gls.NewContextManager()

const cpuThreadKey = "dolphin-cpu-thread"

// System bundles the transient runtime state the JIT consults: CPU thread
// identity and job queue, stepping, MMU mode and pause-on-panic mode.
type System struct {
	cpu    CPUState
	timing CoreTiming

	mmuMode      atomic.Bool
	pauseOnPanic atomic.Bool

	// jobs queued for the CPU thread, pumped at dispatch boundaries
	jobs     chan func()
	loopLive atomic.Bool
	inlineMu sync.Mutex
}

func NewSystem() *System {
	return &System{
		jobs: make(chan func(), 64),
	}
}

func (s *System) CPU() *CPUState          { return &s.cpu }
func (s *System) CoreTiming() *CoreTiming { return &s.timing }

func (s *System) IsMMUMode() bool            { return s.mmuMode.Load() }
func (s *System) SetMMUMode(v bool)          { s.mmuMode.Store(v) }
func (s *System) IsPauseOnPanicMode() bool   { return s.pauseOnPanic.Load() }
func (s *System) SetPauseOnPanicMode(v bool) { s.pauseOnPanic.Store(v) }

// IsCPUThread reports whether the calling goroutine is the designated CPU
// thread.
func (s *System) IsCPUThread() bool {
	v, ok := cpuThreadMgr.GetValue(cpuThreadKey)
	return ok && v.(bool)
}

// AsCPUThread runs fn with the calling goroutine declared as the CPU thread,
// pinned to its OS thread for the duration. The run loop wraps itself in this;
// tests use it to fake the execution context.
func (s *System) AsCPUThread(fn func()) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	cpuThreadMgr.SetValues(gls.Values{cpuThreadKey: true}, fn)
}

// DeclareLoopRunning marks a live CPU loop that pumps queued jobs; foreign
// threads block on the queue instead of running inline. Call the returned
// func when the loop exits.
func (s *System) DeclareLoopRunning() func() {
	s.loopLive.Store(true)
	return func() {
		s.loopLive.Store(false)
		s.PumpJobs() // nothing may be left stranded behind a dead loop
	}
}

// RunOnCPUThread executes fn on the CPU thread and returns once it has run.
// From the CPU thread itself it runs inline. While a CPU loop is live it is
// queued and picked up at the next dispatch boundary. With no loop running it
// executes on the caller, declared as the CPU thread for the duration, under
// a lock so two foreign threads cannot interleave.
func (s *System) RunOnCPUThread(fn func()) {
	if s.IsCPUThread() {
		fn()
		return
	}
	if s.loopLive.Load() {
		done := make(chan struct{})
		s.jobs <- func() {
			defer close(done)
			fn()
		}
		<-done
		return
	}
	s.inlineMu.Lock()
	defer s.inlineMu.Unlock()
	s.AsCPUThread(fn)
}

// PumpJobs drains queued CPU-thread jobs. Must be called from the CPU thread
// (the run loop does, between blocks).
func (s *System) PumpJobs() {
	for {
		select {
		case job := <-s.jobs:
			job()
		default:
			return
		}
	}
}

// CPUState tracks stepping and stop requests for the execution loop.
type CPUState struct {
	stepping atomic.Bool
	stopReq  atomic.Bool
}

// IsStepping reports whether the debugger has the core in single-step mode.
func (c *CPUState) IsStepping() bool { return c.stepping.Load() }

func (c *CPUState) SetStepping(v bool) {
	c.stepping.Store(v)
	log.Debug(log.CoreMonitoring, "stepping mode changed", "stepping", v)
}

// RequestStop asks the run loop to exit at the next dispatch boundary.
func (c *CPUState) RequestStop()        { c.stopReq.Store(true) }
func (c *CPUState) StopRequested() bool { return c.stopReq.Load() }
func (c *CPUState) ClearStop()          { c.stopReq.Store(false) }
