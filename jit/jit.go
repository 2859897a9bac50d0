// Package jit is the control plane of the dynamic recompiler: it decides
// whether, how safely and under what options guest code gets translated and
// executed. Code emission itself lives behind the Backend interface.
package jit

import (
	"fmt"
	"sync/atomic"

	"github.com/sticks-stuff/dolphin/config"
	"github.com/sticks-stuff/dolphin/core"
	"github.com/sticks-stuff/dolphin/log"
	"github.com/sticks-stuff/dolphin/powerpc"
)

const (
	// DefaultMaxBlockSize caps the decoded window per translation unit.
	DefaultMaxBlockSize = 1024
	// sliceCycles is the downcount budget per dispatch slice.
	sliceCycles = 20000
	// maxLinkDepth bounds nested linked dispatch so a pathological guest
	// cannot grow the host stack without ever crossing the guard.
	maxLinkDepth = 64
)

// Backend turns a decoded window into an executable entry. It reads the
// engine's option set and merge policy while compiling; it must not keep the
// window slice after returning.
type Backend interface {
	CompileBlock(e *Engine, ops []powerpc.CodeOp) (BlockEntry, error)
}

// compileState is the merge window of the block currently being compiled.
type compileState struct {
	op               []powerpc.CodeOp
	index            int
	instructionsLeft int
	blockStart       uint32
}

// Engine is the JIT engine instance: one per emulated core, tied to the CPU
// thread that executes its compiled code.
type Engine struct {
	sys         *core.System
	cfg         *config.Store
	mem         powerpc.Memory
	ppcState    *powerpc.State
	breakpoints *powerpc.BreakPoints
	memChecks   *powerpc.MemChecks
	analyzer    *powerpc.Analyzer
	backend     Backend
	blockCache  *BlockCache
	guard       StackGuardStrategy

	snapshot atomic.Pointer[ConfigSnapshot]
	jo       CodeGenOptions
	js       compileState

	maxBlockSize int
	blockBudget  int
	reportFatal  func(format string, args ...any)

	// BLR optimization state machine. blrFaulted is one-way: after a stack
	// fault the optimization never re-arms for this engine instance.
	enableBlrOptimization  bool
	cleanupAfterStackFault bool
	blrFaulted             bool

	linkDepth int

	cfgCallbackID int
}

// Params are the collaborators an Engine needs. All fields are required.
type Params struct {
	System      *core.System
	Config      *config.Store
	Memory      powerpc.Memory
	State       *powerpc.State
	BreakPoints *powerpc.BreakPoints
	MemChecks   *powerpc.MemChecks
	Backend     Backend
}

type EngineOption func(*Engine)

// WithFastmemArena declares whether a fastmem arena is mapped. The engine
// does not own the arena; it only gates code generation on its presence.
func WithFastmemArena(available bool) EngineOption {
	return func(e *Engine) { e.jo.FastmemArena = available }
}

// WithStackGuardStrategy overrides the platform default guard strategy.
func WithStackGuardStrategy(s StackGuardStrategy) EngineOption {
	return func(e *Engine) { e.guard = s }
}

// WithMaxBlockSize caps the translation window.
func WithMaxBlockSize(n int) EngineOption {
	return func(e *Engine) { e.maxBlockSize = n }
}

// WithBlockBudget stops the run loop after n executed blocks (0 = unlimited).
func WithBlockBudget(n int) EngineOption {
	return func(e *Engine) { e.blockBudget = n }
}

// WithFatalReporter routes environment-integrity diagnostics. The default
// logs at error level; emulation continues either way.
func WithFatalReporter(fn func(format string, args ...any)) EngineOption {
	return func(e *Engine) { e.reportFatal = fn }
}

func NewEngine(p Params, opts ...EngineOption) (*Engine, error) {
	switch {
	case p.System == nil, p.Config == nil, p.Memory == nil, p.State == nil,
		p.BreakPoints == nil, p.MemChecks == nil, p.Backend == nil:
		return nil, fmt.Errorf("jit: all engine collaborators are required")
	}

	e := &Engine{
		sys:          p.System,
		cfg:          p.Config,
		mem:          p.Memory,
		ppcState:     p.State,
		breakpoints:  p.BreakPoints,
		memChecks:    p.MemChecks,
		analyzer:     powerpc.NewAnalyzer(),
		backend:      p.Backend,
		blockCache:   NewBlockCache(),
		guard:        NewPageGuardStrategy(),
		maxBlockSize: DefaultMaxBlockSize,
	}
	e.reportFatal = func(format string, args ...any) {
		log.Error(log.JitMonitoring, fmt.Sprintf(format, args...))
	}
	for _, opt := range opts {
		opt(e)
	}

	e.analyzer.SetBreakpointQuery(e.breakpoints.IsAddressBreakPoint)

	// Config changes arrive on arbitrary threads; the refresh must not race
	// in-flight dispatch, so it is marshalled onto the CPU thread.
	e.cfgCallbackID = e.cfg.AddChangedCallback(func() {
		e.sys.RunOnCPUThread(e.RefreshConfig)
	})
	e.memChecks.SetChangedCallback(func() {
		e.sys.RunOnCPUThread(func() {
			e.UpdateMemoryAndExceptionOptions()
			// cached units captured the old option set by value
			e.ClearCache()
		})
	})
	e.breakpoints.SetChangedCallback(func() {
		e.sys.RunOnCPUThread(func() {
			// units compiled before the change may span the breakpoint
			if e.snapshot.Load().EnableDebugging {
				e.ClearCache()
			}
		})
	})
	e.sys.RunOnCPUThread(e.RefreshConfig)
	return e, nil
}

// Close releases the config subscription and the stack guard. The engine
// must not be used afterwards.
func (e *Engine) Close() {
	e.cfg.RemoveChangedCallback(e.cfgCallbackID)
	e.memChecks.SetChangedCallback(nil)
	e.breakpoints.SetChangedCallback(nil)
	e.UnprotectStack()
}

func (e *Engine) BlockCache() *BlockCache       { return e.blockCache }
func (e *Engine) State() *powerpc.State         { return e.ppcState }
func (e *Engine) System() *core.System          { return e.sys }
func (e *Engine) Memory() powerpc.Memory        { return e.mem }
func (e *Engine) MemChecks() *powerpc.MemChecks { return e.memChecks }

func (e *Engine) fetch(addr uint32) (uint32, bool) {
	return e.mem.Read32(addr)
}

// Dispatch resolves the current guest PC to a compiled unit, compiling on
// miss. CPU thread only; not reentrant from a second thread.
func (e *Engine) Dispatch() (*Block, error) {
	if b := e.blockCache.Dispatch(e.ppcState.PC); b != nil {
		return b, nil
	}
	return e.Jit(e.ppcState.PC)
}

// Jit compiles the block at addr and inserts it into the cache.
func (e *Engine) Jit(addr uint32) (*Block, error) {
	b, err := e.compile(addr, e.windowCap())
	if err != nil {
		return nil, err
	}
	e.blockCache.Insert(b)
	return b, nil
}

func (e *Engine) windowCap() int {
	if e.snapshot.Load().JitOff || e.sys.CPU().IsStepping() {
		return 1
	}
	return e.maxBlockSize
}

func (e *Engine) compile(addr uint32, maxOps int) (*Block, error) {
	// The option set may be stale: watchpoints and MSR bits move between
	// blocks, so re-derive before every compilation.
	e.UpdateMemoryAndExceptionOptions()

	ops, err := e.analyzer.Analyze(addr, e.fetch, maxOps)
	if err != nil {
		return nil, fmt.Errorf("analyze block at %#x: %w", addr, err)
	}

	e.js = compileState{op: ops, blockStart: addr}
	entry, err := e.backend.CompileBlock(e, ops)
	if err != nil {
		return nil, fmt.Errorf("compile block at %#x: %w", addr, err)
	}

	var cycles int32
	end := addr
	for i := range ops {
		cycles += ops[i].Info.Cycles
		if ops[i].Address >= end {
			end = ops[i].Address + 4
		}
	}
	b := &Block{
		Address:         addr,
		EndAddress:      end,
		NumInstructions: len(ops),
		Cycles:          cycles,
		LinkAllowed:     e.BlockLinkingEnabled(),
		Entry:           entry,
	}
	log.Trace(log.JitMonitoring, "compiled block", "addr", addr, "ops", len(ops), "cycles", cycles)
	return b, nil
}

// MarkCompiling is called by the backend as it walks the window; it keeps
// the merge window positioned on the instruction being compiled.
func (e *Engine) MarkCompiling(i int) {
	e.js.index = i
	e.js.instructionsLeft = len(e.js.op) - 1 - i
}

// BlockLinkingEnabled reports whether compiled calls may bypass the
// dispatcher right now.
func (e *Engine) BlockLinkingEnabled() bool {
	return e.jo.EnableBlocklink && e.enableBlrOptimization
}

// LookupLink returns the compiled unit linked dispatch may jump into for
// addr, or nil when the target must go through the dispatcher instead.
func (e *Engine) LookupLink(addr uint32) *Block {
	if !e.BlockLinkingEnabled() || e.linkDepth >= maxLinkDepth {
		return nil
	}
	b := e.blockCache.Dispatch(addr)
	if b == nil || !b.LinkAllowed {
		return nil
	}
	return b
}

// ExecuteLinked runs a linked target, tracking nesting depth.
func (e *Engine) ExecuteLinked(b *Block) int32 {
	e.linkDepth++
	defer func() { e.linkDepth-- }()
	return b.Entry()
}

// InitBLROptimization decides once per execution session whether the
// block-linking call optimization is attempted at all.
func (e *Engine) InitBLROptimization() {
	cfg := e.snapshot.Load()
	e.enableBlrOptimization = e.jo.EnableBlocklink && cfg.FastmemEnabled &&
		!cfg.EnableDebugging && !e.blrFaulted
	e.cleanupAfterStackFault = false
}

// ProtectStack arms the stack guard. Environment-integrity failures disable
// the optimization and surface a diagnostic; emulation continues.
func (e *Engine) ProtectStack() {
	if !e.enableBlrOptimization {
		return
	}
	if err := e.guard.Arm(); err != nil {
		e.reportFatal("Block linking optimization disabled: %v", err)
		e.enableBlrOptimization = false
	}
}

// UnprotectStack disarms the stack guard. Idempotent.
func (e *Engine) UnprotectStack() {
	e.guard.Disarm()
}

// HandleStackFault is called from the host's trap delivery with no guarantee
// about remaining stack. It returns true when the fault was ours and the
// world has been stabilized, false when it must propagate.
func (e *Engine) HandleStackFault() bool {
	// It's possible the stack fault was caused by something other than the
	// BLR optimization. If the fault came from another thread, or the
	// optimization was never armed, there is nothing we can do about it.
	if !e.enableBlrOptimization || !e.sys.IsCPUThread() {
		return false
	}

	log.Warn(log.JitMonitoring, "BLR cache disabled due to excessive BL in the emulated program")

	e.guard.OnFaultDetected()
	e.enableBlrOptimization = false
	e.blrFaulted = true

	// The whole cache has to go to get rid of the bad linked calls, but not
	// from in here. Expire the downcount so we are forced back to the
	// dispatcher, drop the cache index, and leave the heavy cleanup for the
	// next safe boundary.
	e.blockCache.InvalidateICache(0, 0xffffffff, true)
	e.sys.CoreTiming().ForceExceptionCheck(0)
	e.cleanupAfterStackFault = true

	return true
}

// CleanUpAfterStackFault finishes fault recovery at a dispatch boundary,
// where stack headroom is ordinary again.
func (e *Engine) CleanUpAfterStackFault() {
	if !e.cleanupAfterStackFault {
		return
	}
	e.ClearCache()
	e.cleanupAfterStackFault = false
	e.guard.PostFaultCleanup()
}

// ClearCache flushes every compiled unit.
func (e *Engine) ClearCache() {
	e.blockCache.Clear()
}

// Run executes guest code on the calling goroutine (declared as the CPU
// thread) until a stop is requested, the block budget is exhausted, or the
// debugger switches to stepping. The stack guard is armed for the duration.
func (e *Engine) Run() error {
	var err error
	if e.sys.IsCPUThread() {
		err = e.runLoop()
	} else {
		e.sys.AsCPUThread(func() { err = e.runLoop() })
	}
	return err
}

func (e *Engine) runLoop() error {
	loopDone := e.sys.DeclareLoopRunning()
	defer loopDone()

	e.InitBLROptimization()
	e.ProtectStack()
	defer e.UnprotectStack()

	cpu := e.sys.CPU()
	ct := e.sys.CoreTiming()
	executed := 0

	for !cpu.StopRequested() {
		e.CleanUpAfterStackFault()
		e.sys.PumpJobs()
		if cpu.IsStepping() {
			// the debugger drives SingleStep from here on
			return nil
		}

		ct.ResetSlice(sliceCycles)
		for !cpu.StopRequested() {
			pc := e.ppcState.PC
			if executed > 0 && e.snapshot.Load().EnableDebugging &&
				e.breakpoints.IsAddressBreakPoint(pc) {
				log.Info(log.JitMonitoring, "breakpoint hit", "addr", pc)
				cpu.RequestStop()
				break
			}

			b, err := e.Dispatch()
			if err != nil {
				return err
			}
			cycles := b.Entry()
			e.ppcState.PC = e.ppcState.NPC
			executed++

			if e.blockBudget > 0 && executed >= e.blockBudget {
				cpu.RequestStop()
				break
			}
			if e.ppcState.ExceptionPending {
				log.Debug(log.JitMonitoring, "guest exception raised", "pc", e.ppcState.PC)
				e.ppcState.ExceptionPending = false
				break
			}
			if ct.Advance(cycles) {
				break
			}
		}
	}
	return nil
}

// SingleStep executes exactly one guest instruction. Cached multi-op units
// are bypassed with a throwaway one-instruction unit so the step granularity
// is always a single instruction.
func (e *Engine) SingleStep() error {
	pc := e.ppcState.PC
	b := e.blockCache.Dispatch(pc)
	if b == nil || b.NumInstructions != 1 {
		var err error
		b, err = e.compile(pc, 1)
		if err != nil {
			return err
		}
	}
	b.Entry()
	e.ppcState.PC = e.ppcState.NPC
	return nil
}
