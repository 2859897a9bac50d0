package jit

import (
	"github.com/sticks-stuff/dolphin/config"
	"github.com/sticks-stuff/dolphin/powerpc"
)

// ConfigSnapshot is the frozen view of persistent configuration plus the
// runtime modes that feed code generation. It is rebuilt whole by
// RefreshConfig and swapped in atomically; nothing mutates a published
// snapshot.
type ConfigSnapshot struct {
	JitOff                  bool
	JitLoadStoreOff         bool
	JitLoadStoreLXzOff      bool
	JitLoadStoreLwzOff      bool
	JitLoadStoreLbzxOff     bool
	JitLoadStoreFloatingOff bool
	JitLoadStorePairedOff   bool
	JitFloatingPointOff     bool
	JitIntegerOff           bool
	JitPairedOff            bool
	JitSystemRegistersOff   bool
	JitBranchOff            bool
	JitRegisterCacheOff     bool

	EnableDebugging           bool
	EnableFloatExceptions     bool
	EnableDivByZeroExceptions bool
	LowDCBZHack               bool
	FPRF                      bool
	AccurateNaNs              bool
	FastmemEnabled            bool
	MMUEnabled                bool
	PauseOnPanicEnabled       bool
	AccurateCPUCacheEnabled   bool
	FollowBranch              bool
}

// CodeGenOptions are the derived switches the backend keys emission off.
// Recomputed by UpdateMemoryAndExceptionOptions; read-only to the backend.
type CodeGenOptions struct {
	Fastmem             bool
	FastmemArena        bool
	Memcheck            bool
	FPExceptions        bool
	DivByZeroExceptions bool
	EnableBlocklink     bool
}

// RefreshConfig rebuilds the configuration snapshot from the store and the
// runtime mode queries, then re-derives the code generation options. It must
// run on the CPU thread; the config-changed callback registered at
// construction marshals itself there.
func (e *Engine) RefreshConfig() {
	cfg := &ConfigSnapshot{
		JitOff:                  e.cfg.GetBool(config.MainJitOff),
		JitLoadStoreOff:         e.cfg.GetBool(config.MainJitLoadStoreOff),
		JitLoadStoreLXzOff:      e.cfg.GetBool(config.MainJitLoadStoreLXzOff),
		JitLoadStoreLwzOff:      e.cfg.GetBool(config.MainJitLoadStoreLwzOff),
		JitLoadStoreLbzxOff:     e.cfg.GetBool(config.MainJitLoadStoreLbzxOff),
		JitLoadStoreFloatingOff: e.cfg.GetBool(config.MainJitLoadStoreFloatingOff),
		JitLoadStorePairedOff:   e.cfg.GetBool(config.MainJitLoadStorePairedOff),
		JitFloatingPointOff:     e.cfg.GetBool(config.MainJitFloatingPointOff),
		JitIntegerOff:           e.cfg.GetBool(config.MainJitIntegerOff),
		JitPairedOff:            e.cfg.GetBool(config.MainJitPairedOff),
		JitSystemRegistersOff:   e.cfg.GetBool(config.MainJitSystemRegistersOff),
		JitBranchOff:            e.cfg.GetBool(config.MainJitBranchOff),
		JitRegisterCacheOff:     e.cfg.GetBool(config.MainJitRegisterCacheOff),

		EnableDebugging:           e.cfg.GetBool(config.MainEnableDebugging),
		EnableFloatExceptions:     e.cfg.GetBool(config.MainFloatExceptions),
		EnableDivByZeroExceptions: e.cfg.GetBool(config.MainDivideByZeroExceptions),
		LowDCBZHack:               e.cfg.GetBool(config.MainLowDCBZHack),
		FPRF:                      e.cfg.GetBool(config.MainFPRF),
		AccurateNaNs:              e.cfg.GetBool(config.MainAccurateNaNs),
		FastmemEnabled:            e.cfg.GetBool(config.MainFastmem),
		AccurateCPUCacheEnabled:   e.cfg.GetBool(config.MainAccurateCPUCache),
		FollowBranch:              e.cfg.GetBool(config.MainJitFollowBranch),

		MMUEnabled:          e.sys.IsMMUMode(),
		PauseOnPanicEnabled: e.sys.IsPauseOnPanicMode(),
	}
	if cfg.AccurateCPUCacheEnabled {
		cfg.FastmemEnabled = false
		// The hack is unneeded if the data cache is being emulated.
		cfg.LowDCBZHack = false
	}

	e.analyzer.SetDebuggingEnabled(cfg.EnableDebugging)
	e.analyzer.SetBranchFollowingEnabled(cfg.FollowBranch)
	e.analyzer.SetFloatExceptionsEnabled(cfg.EnableFloatExceptions)
	e.analyzer.SetDivByZeroExceptionsEnabled(cfg.EnableDivByZeroExceptions)

	e.snapshot.Store(cfg)
	e.jo.EnableBlocklink = !cfg.EnableDebugging && !cfg.JitOff
	e.UpdateMemoryAndExceptionOptions()
}

// Snapshot returns the current configuration snapshot. The returned value is
// immutable; hold the pointer, not the fields, if consistency across several
// reads matters.
func (e *Engine) Snapshot() *ConfigSnapshot {
	return e.snapshot.Load()
}

// UpdateMemoryAndExceptionOptions re-derives the code generation option set
// from the snapshot, the watchpoint registry and the current MMU state. It is
// a deterministic projection; call it as often as needed.
func (e *Engine) UpdateMemoryAndExceptionOptions() {
	cfg := e.snapshot.Load()
	anyWatchpoints := e.memChecks.HasAny()
	e.jo.Fastmem = cfg.FastmemEnabled && e.jo.FastmemArena &&
		(!e.ppcState.MSR.DR || !anyWatchpoints)
	e.jo.Memcheck = cfg.MMUEnabled || cfg.PauseOnPanicEnabled || anyWatchpoints
	e.jo.FPExceptions = cfg.EnableFloatExceptions
	e.jo.DivByZeroExceptions = cfg.EnableDivByZeroExceptions
}

// Options returns a copy of the current code generation option set.
func (e *Engine) Options() CodeGenOptions {
	return e.jo
}

// ShouldHandleFPExceptionForInstruction decides per instruction whether the
// generator must emit the exception-check path. Full float-exception fidelity
// covers every exception-capable instruction; divide-only fidelity covers
// just the divides.
func (e *Engine) ShouldHandleFPExceptionForInstruction(op *powerpc.CodeOp) bool {
	if e.jo.FPExceptions {
		return op.Info.Flags&powerpc.FlagFloatException != 0
	}
	if e.jo.DivByZeroExceptions {
		return op.Info.Flags&powerpc.FlagFloatDiv != 0
	}
	return false
}

// CanMergeNextInstructions reports whether the next count instructions after
// the one being compiled may be fused into one unit. Fusing is refused while
// single-stepping, past the end of the window, across a breakpoint (when
// debugging), and across any branch target.
func (e *Engine) CanMergeNextInstructions(count int) bool {
	if e.sys.CPU().IsStepping() || e.js.instructionsLeft < count {
		return false
	}
	// Be careful: a breakpoint kills flags in between instructions
	debugging := e.snapshot.Load().EnableDebugging
	for i := 1; i <= count; i++ {
		op := &e.js.op[e.js.index+i]
		if debugging && e.breakpoints.IsAddressBreakPoint(op.Address) {
			return false
		}
		if op.IsBranchTarget {
			return false
		}
	}
	return true
}
