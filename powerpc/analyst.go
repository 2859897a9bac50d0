package powerpc

import (
	"fmt"

	"github.com/sticks-stuff/dolphin/log"
)

// CodeOp is one decoded, not-yet-compiled guest instruction plus the analysis
// metadata the code generator consumes.
type CodeOp struct {
	Address uint32
	Inst    uint32
	Info    *OpInfo

	// IsBranchTarget marks instructions a branch inside the same window can
	// land on. Fusing across one would let a jump skip half a fused unit.
	IsBranchTarget bool

	// CanCauseException is set during analysis when the corresponding
	// exception fidelity is enabled, so later passes agree with the
	// configuration snapshot taken alongside.
	CanCauseException bool
}

// InstructionFetcher reads a guest instruction word. ok=false means the
// address is not readable (end of mapped code).
type InstructionFetcher func(addr uint32) (inst uint32, ok bool)

// StaticBranchTarget resolves the target of a direct branch. Indirect
// branches (bclr, bcctr) have no static target.
func StaticBranchTarget(addr uint32, inst uint32) (uint32, bool) {
	switch PrimaryOp(inst) {
	case 18: // b: LI is a 26-bit signed word offset
		li := inst & 0x03FFFFFC
		if li&0x02000000 != 0 {
			li |= 0xFC000000
		}
		if inst&2 != 0 { // AA
			return li, true
		}
		return addr + li, true
	case 16: // bc: BD is a 16-bit signed word offset
		bd := inst & 0xFFFC
		if bd&0x8000 != 0 {
			bd |= 0xFFFF0000
		}
		if inst&2 != 0 { // AA
			return bd, true
		}
		return addr + bd, true
	}
	return 0, false
}

// IsCall reports whether the instruction writes the link register (bl form).
func IsCall(inst uint32) bool {
	switch PrimaryOp(inst) {
	case 16, 18:
		return inst&1 != 0 // LK
	case 19:
		xo := ExtOp10(inst)
		return (xo == 16 || xo == 528) && inst&1 != 0
	}
	return false
}

// Analyzer decodes instruction windows for the compiler. Its enablement flags
// are set by the JIT each time the configuration snapshot is refreshed, so
// analysis never disagrees with the options the block is compiled under.
type Analyzer struct {
	debuggingEnabled           bool
	branchFollowingEnabled     bool
	floatExceptionsEnabled     bool
	divByZeroExceptionsEnabled bool
	breakpointAt               func(addr uint32) bool
}

func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

func (a *Analyzer) SetDebuggingEnabled(v bool)           { a.debuggingEnabled = v }
func (a *Analyzer) SetBranchFollowingEnabled(v bool)     { a.branchFollowingEnabled = v }
func (a *Analyzer) SetFloatExceptionsEnabled(v bool)     { a.floatExceptionsEnabled = v }
func (a *Analyzer) SetDivByZeroExceptionsEnabled(v bool) { a.divByZeroExceptionsEnabled = v }

// SetBreakpointQuery installs the debugger's breakpoint lookup. While
// debugging, a window ends before any address the query reports, so every
// breakpoint lands on a dispatch boundary.
func (a *Analyzer) SetBreakpointQuery(fn func(addr uint32) bool) { a.breakpointAt = fn }

// Analyze decodes a window of at most maxOps instructions starting at addr.
// The window ends at the first block-ending instruction, except that one
// unconditional non-linking direct branch may be followed through (branch
// following is off while debugging so blocks stay addressable). While
// debugging, windows also end before breakpoint addresses. Conditional
// branch targets that land inside the window are marked as branch targets.
func (a *Analyzer) Analyze(addr uint32, fetch InstructionFetcher, maxOps int) ([]CodeOp, error) {
	ops := make([]CodeOp, 0, 16)
	index := make(map[uint32]int)
	followed := false

	cur := addr
	for len(ops) < maxOps {
		if len(ops) > 0 && a.debuggingEnabled && a.breakpointAt != nil && a.breakpointAt(cur) {
			// the breakpoint must start its own block so dispatch sees it
			break
		}
		inst, ok := fetch(cur)
		if !ok {
			if len(ops) == 0 {
				return nil, fmt.Errorf("no readable instruction at %#x", addr)
			}
			break
		}
		info := Decode(inst)
		op := CodeOp{Address: cur, Inst: inst, Info: info}
		if info.Flags&FlagFloatException != 0 && a.floatExceptionsEnabled {
			op.CanCauseException = true
		} else if info.Flags&FlagFloatDiv != 0 && a.divByZeroExceptionsEnabled {
			op.CanCauseException = true
		}
		if _, dup := index[cur]; dup {
			// followed a branch back into the window; stop before looping
			break
		}
		index[cur] = len(ops)
		ops = append(ops, op)

		if info.Flags&FlagEndBlock != 0 {
			if PrimaryOp(inst) == 18 && inst&1 == 0 &&
				a.branchFollowingEnabled && !a.debuggingEnabled && !followed {
				if target, ok := StaticBranchTarget(cur, inst); ok && target != cur {
					followed = true
					cur = target
					continue
				}
			}
			break
		}
		cur += 4
	}

	// resolve in-window branch targets
	for _, op := range ops {
		if op.Info.Flags&FlagBranch == 0 {
			continue
		}
		if target, ok := StaticBranchTarget(op.Address, op.Inst); ok {
			if j, in := index[target]; in {
				ops[j].IsBranchTarget = true
			}
		}
	}

	log.Trace(log.PowerPCMonitoring, "analyzed window", "addr", addr, "ops", len(ops))
	return ops, nil
}
