// Package cachedinterp is a caching interpreter backend: each translation
// unit is compiled to a chain of Go closures, one per guest instruction,
// dispatched without re-decoding. It is the portable reference backend the
// control plane is exercised against.
package cachedinterp

import (
	"fmt"
	"math"

	"github.com/sticks-stuff/dolphin/jit"
	"github.com/sticks-stuff/dolphin/log"
	"github.com/sticks-stuff/dolphin/powerpc"
)

// stepResult tells the unit driver what to do after an instruction.
type stepResult int

const (
	stepNext stepResult = iota
	stepExit
)

type stepFunc func(st *powerpc.State) stepResult

// Stats counts compile-time decisions, mostly for inspection from the
// debugger shell.
type Stats struct {
	Compiled int // instructions compiled on the fast path
	Fallback int // instructions routed through the generic fallback
	Merged   int // instruction pairs fused into one step
}

// Backend compiles decoded windows into closure chains.
type Backend struct {
	// OnSyscall is invoked for the sc instruction. When nil, sc raises a
	// guest exception instead.
	OnSyscall func(st *powerpc.State)

	stats Stats
}

func New() *Backend {
	return &Backend{}
}

func (b *Backend) Stats() Stats {
	return b.stats
}

func (b *Backend) CompileBlock(e *jit.Engine, ops []powerpc.CodeOp) (jit.BlockEntry, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("cachedinterp: empty window")
	}

	snap := e.Snapshot()
	opts := e.Options()
	mem := e.Memory()
	checks := e.MemChecks()
	st := e.State()

	steps := make([]stepFunc, 0, len(ops))
	var cycles int32
	for i := range ops {
		cycles += ops[i].Info.Cycles
	}

	for i := 0; i < len(ops); i++ {
		e.MarkCompiling(i)
		op := &ops[i]

		if categoryDisabled(snap, op.Info.Flags) {
			steps = append(steps, b.compileFallback(op, opts, mem, checks))
			b.stats.Fallback++
			continue
		}

		// Immediate-pair fusion: addis rD,0,hi followed by ori rD,rD,lo is
		// a single constant load when the merge window allows it.
		if hi, lo, rd, ok := immediatePair(ops, i); ok && e.CanMergeNextInstructions(1) {
			value := hi<<16 | lo
			reg := rd
			next := ops[i+1].Address + 4
			steps = append(steps, func(st *powerpc.State) stepResult {
				st.GPR[reg] = value
				st.NPC = next
				return stepNext
			})
			b.stats.Merged++
			b.stats.Compiled += 2
			i++
			continue
		}

		step, err := b.compileOne(e, op, opts, mem, checks)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
		b.stats.Compiled++
	}

	linkable := e.BlockLinkingEnabled()
	entry := func() int32 {
		for _, step := range steps {
			if step(st) == stepExit {
				break
			}
		}
		total := cycles
		if linkable && !st.ExceptionPending && e.System().CoreTiming().Downcount() > 0 {
			if lb := e.LookupLink(st.NPC); lb != nil {
				st.PC = st.NPC
				total += e.ExecuteLinked(lb)
			}
		}
		return total
	}
	return entry, nil
}

// categoryDisabled maps an instruction class to its per-category disable.
func categoryDisabled(snap *jit.ConfigSnapshot, flags powerpc.OpFlag) bool {
	switch {
	case flags&powerpc.FlagLoadStoreFloat != 0:
		return snap.JitLoadStoreFloatingOff || snap.JitLoadStoreOff
	case flags&powerpc.FlagLoadStore != 0:
		return snap.JitLoadStoreOff
	case flags&powerpc.FlagFloat != 0:
		return snap.JitFloatingPointOff
	case flags&powerpc.FlagBranch != 0:
		return snap.JitBranchOff
	case flags&powerpc.FlagSystem != 0:
		return snap.JitSystemRegistersOff
	case flags&powerpc.FlagInteger != 0:
		return snap.JitIntegerOff
	}
	return false
}

// compileFallback builds the slow path for a category that is excluded from
// fast compilation: decode-and-execute at run time, never merged.
func (b *Backend) compileFallback(op *powerpc.CodeOp, opts jit.CodeGenOptions, mem powerpc.Memory, checks *powerpc.MemChecks) stepFunc {
	inst := op.Inst
	addr := op.Address
	return func(st *powerpc.State) stepResult {
		st.NPC = addr + 4
		return interpretOne(st, inst, addr, opts, mem, checks, b.onSyscall())
	}
}

func (b *Backend) compileOne(e *jit.Engine, op *powerpc.CodeOp, opts jit.CodeGenOptions, mem powerpc.Memory, checks *powerpc.MemChecks) (stepFunc, error) {
	inst := op.Inst
	addr := op.Address
	next := addr + 4

	checkFP := op.Info.Flags&powerpc.FlagFloat != 0 &&
		e.ShouldHandleFPExceptionForInstruction(op)

	step := func(st *powerpc.State) stepResult {
		st.NPC = next
		return interpretOne(st, inst, addr, opts, mem, checks, b.onSyscall())
	}
	if !checkFP {
		return step, nil
	}
	// FP exception prologue: the divide-by-zero sticky bit and the pending
	// exception must be settled before the result is written back.
	isDiv := op.Info.Flags&powerpc.FlagFloatDiv != 0
	return func(st *powerpc.State) stepResult {
		st.NPC = next
		if isDiv && divisorIsZero(st, inst) {
			st.FPSCRZX = true
			if opts.DivByZeroExceptions {
				st.ExceptionPending = true
				return stepExit
			}
		}
		return interpretOne(st, inst, addr, opts, mem, checks, b.onSyscall())
	}, nil
}

func (b *Backend) onSyscall() func(st *powerpc.State) {
	if b.OnSyscall != nil {
		return b.OnSyscall
	}
	return func(st *powerpc.State) { st.ExceptionPending = true }
}

// immediatePair recognizes addis rD,0,hi ; ori rD,rD,lo at window offset i.
func immediatePair(ops []powerpc.CodeOp, i int) (hi, lo uint32, rd int, ok bool) {
	if i+1 >= len(ops) {
		return 0, 0, 0, false
	}
	a, o := ops[i].Inst, ops[i+1].Inst
	if powerpc.PrimaryOp(a) != 15 || powerpc.PrimaryOp(o) != 24 {
		return 0, 0, 0, false
	}
	rdA := int(a >> 21 & 0x1f)
	raA := int(a >> 16 & 0x1f)
	rsO := int(o >> 21 & 0x1f)
	raO := int(o >> 16 & 0x1f)
	if raA != 0 || rdA != rsO || rsO != raO {
		return 0, 0, 0, false
	}
	if ops[i+1].Address != ops[i].Address+4 {
		return 0, 0, 0, false
	}
	return a & 0xffff, o & 0xffff, rdA, true
}

func divisorIsZero(st *powerpc.State, inst uint32) bool {
	fb := inst >> 11 & 0x1f
	return math.Float64frombits(st.FPR[fb]) == 0
}

// condTaken evaluates the BO/BI condition of a conditional branch, including
// the CTR decrement side effect.
func condTaken(st *powerpc.State, bo, bi uint32) bool {
	if bo&4 == 0 {
		st.CTR--
		ctrOK := (st.CTR != 0) != (bo&2 != 0)
		if !ctrOK {
			return false
		}
	}
	if bo&16 == 0 {
		crBit := st.CR >> (31 - bi) & 1
		if (crBit == 1) != (bo&8 != 0) {
			return false
		}
	}
	return true
}

func guestAddress(st *powerpc.State, inst uint32) uint32 {
	ra := inst >> 16 & 0x1f
	var base uint32
	if ra != 0 {
		base = st.GPR[ra]
	}
	return base + uint32(int32(int16(inst&0xffff)))
}

// interpretOne executes a single instruction against st. NPC has already
// been set to the fall-through address; branches overwrite it.
func interpretOne(st *powerpc.State, inst, addr uint32, opts jit.CodeGenOptions, mem powerpc.Memory, checks *powerpc.MemChecks, onSyscall func(*powerpc.State)) stepResult {
	rd := inst >> 21 & 0x1f
	ra := inst >> 16 & 0x1f
	rb := inst >> 11 & 0x1f
	simm := uint32(int32(int16(inst & 0xffff)))

	switch powerpc.PrimaryOp(inst) {
	case 7: // mulli
		st.GPR[rd] = uint32(int32(st.GPR[ra]) * int32(int16(inst&0xffff)))
	case 12: // addic
		sum := uint64(st.GPR[ra]) + uint64(simm)
		st.GPR[rd] = uint32(sum)
		if sum > 0xffffffff {
			st.XER |= powerpc.XERCarry
		} else {
			st.XER &^= powerpc.XERCarry
		}
	case 14: // addi
		if ra == 0 {
			st.GPR[rd] = simm
		} else {
			st.GPR[rd] = st.GPR[ra] + simm
		}
	case 15: // addis
		if ra == 0 {
			st.GPR[rd] = simm << 16
		} else {
			st.GPR[rd] = st.GPR[ra] + simm<<16
		}
	case 24: // ori
		st.GPR[ra] = st.GPR[rd] | inst&0xffff
	case 28: // andi.
		st.GPR[ra] = st.GPR[rd] & inst & 0xffff
		updateCR0(st, st.GPR[ra])
	case 16: // bc
		bo := inst >> 21 & 0x1f
		bi := inst >> 16 & 0x1f
		if condTaken(st, bo, bi) {
			target, _ := powerpc.StaticBranchTarget(addr, inst)
			if inst&1 != 0 {
				st.LR = addr + 4
			}
			st.NPC = target
			return stepExit
		}
	case 17: // sc
		if onSyscall != nil {
			onSyscall(st)
		} else {
			st.ExceptionPending = true
		}
		return stepExit
	case 18: // b
		target, _ := powerpc.StaticBranchTarget(addr, inst)
		if inst&1 != 0 {
			st.LR = addr + 4
		}
		st.NPC = target
		// A followed branch keeps executing inside the same unit; the next
		// step carries the target address, so falling through is correct
		// whether or not this branch ended the window.
	case 19:
		switch powerpc.ExtOp10(inst) {
		case 16: // bclr
			bo := inst >> 21 & 0x1f
			bi := inst >> 16 & 0x1f
			if condTaken(st, bo, bi) {
				target := st.LR &^ 3
				if inst&1 != 0 {
					st.LR = addr + 4
				}
				st.NPC = target
				return stepExit
			}
		case 528: // bcctr
			bo := inst >> 21 & 0x1f
			bi := inst >> 16 & 0x1f
			if condTaken(st, bo, bi) {
				target := st.CTR &^ 3
				if inst&1 != 0 {
					st.LR = addr + 4
				}
				st.NPC = target
				return stepExit
			}
		}
	case 32: // lwz
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "read") {
			return stepExit
		}
		v, ok := mem.Read32(ea)
		if !ok {
			st.ExceptionPending = true
			return stepExit
		}
		st.GPR[rd] = v
	case 34: // lbz
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "read") {
			return stepExit
		}
		v, ok := mem.Read8(ea)
		if !ok {
			st.ExceptionPending = true
			return stepExit
		}
		st.GPR[rd] = uint32(v)
	case 36: // stw
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "write") {
			return stepExit
		}
		if !mem.Write32(ea, st.GPR[rd]) {
			st.ExceptionPending = true
			return stepExit
		}
	case 38: // stb
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "write") {
			return stepExit
		}
		if !mem.Write8(ea, uint8(st.GPR[rd])) {
			st.ExceptionPending = true
			return stepExit
		}
	case 48: // lfs
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "read") {
			return stepExit
		}
		v, ok := mem.Read32(ea)
		if !ok {
			st.ExceptionPending = true
			return stepExit
		}
		st.FPR[rd] = math.Float64bits(float64(math.Float32frombits(v)))
	case 50: // lfd
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "read") {
			return stepExit
		}
		hi, ok1 := mem.Read32(ea)
		lo, ok2 := mem.Read32(ea + 4)
		if !ok1 || !ok2 {
			st.ExceptionPending = true
			return stepExit
		}
		st.FPR[rd] = uint64(hi)<<32 | uint64(lo)
	case 52: // stfs
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "write") {
			return stepExit
		}
		bits := math.Float32bits(float32(math.Float64frombits(st.FPR[rd])))
		if !mem.Write32(ea, bits) {
			st.ExceptionPending = true
			return stepExit
		}
	case 54: // stfd
		ea := guestAddress(st, inst)
		if trapWatchpoint(st, opts, checks, ea, addr, "write") {
			return stepExit
		}
		d := st.FPR[rd]
		if !mem.Write32(ea, uint32(d>>32)) || !mem.Write32(ea+4, uint32(d)) {
			st.ExceptionPending = true
			return stepExit
		}
	case 31:
		switch powerpc.ExtOp10(inst) {
		case 266: // add
			st.GPR[rd] = st.GPR[ra] + st.GPR[rb]
		case 40: // subf
			st.GPR[rd] = st.GPR[rb] - st.GPR[ra]
		case 235: // mullw
			st.GPR[rd] = uint32(int32(st.GPR[ra]) * int32(st.GPR[rb]))
		case 491: // divw
			if st.GPR[rb] != 0 {
				st.GPR[rd] = uint32(int32(st.GPR[ra]) / int32(st.GPR[rb]))
			} else {
				st.GPR[rd] = 0
			}
		case 28: // and
			st.GPR[ra] = st.GPR[rd] & st.GPR[rb]
		case 444: // or
			st.GPR[ra] = st.GPR[rd] | st.GPR[rb]
		case 339: // mfspr
			switch sprField(inst) {
			case 1:
				st.GPR[rd] = st.XER
			case 8:
				st.GPR[rd] = st.LR
			case 9:
				st.GPR[rd] = st.CTR
			}
		case 467: // mtspr
			switch sprField(inst) {
			case 1:
				st.XER = st.GPR[rd]
			case 8:
				st.LR = st.GPR[rd]
			case 9:
				st.CTR = st.GPR[rd]
			}
		}
	case 59:
		fa := math.Float64frombits(st.FPR[ra])
		fb := math.Float64frombits(st.FPR[rb])
		var r float64
		switch powerpc.ExtOp5(inst) {
		case 18: // fdivs
			r = fa / fb
		case 20: // fsubs
			r = fa - fb
		case 21: // fadds
			r = fa + fb
		case 25: // fmuls
			fc := math.Float64frombits(st.FPR[inst>>6&0x1f])
			r = fa * fc
		default:
			return stepNext
		}
		st.FPR[rd] = math.Float64bits(float64(float32(r)))
	case 63:
		if powerpc.ExtOp10(inst) == 72 { // fmr
			st.FPR[rd] = st.FPR[rb]
			return stepNext
		}
		fa := math.Float64frombits(st.FPR[ra])
		fb := math.Float64frombits(st.FPR[rb])
		var r float64
		switch powerpc.ExtOp5(inst) {
		case 18: // fdiv
			r = fa / fb
		case 20: // fsub
			r = fa - fb
		case 21: // fadd
			r = fa + fb
		case 25: // fmul
			fc := math.Float64frombits(st.FPR[inst>>6&0x1f])
			r = fa * fc
		default:
			return stepNext
		}
		st.FPR[rd] = math.Float64bits(r)
	}
	return stepNext
}

func sprField(inst uint32) uint32 {
	return inst>>16&0x1f | inst>>11&0x1f<<5
}

// updateCR0 records the signed comparison of v against zero in CR field 0.
// The summary overflow copy is left clear; XER only carries CA here.
func updateCR0(st *powerpc.State, v uint32) {
	var f uint32
	switch {
	case int32(v) < 0:
		f = 8
	case int32(v) > 0:
		f = 4
	default:
		f = 2
	}
	st.CR = st.CR&0x0fffffff | f<<28
}

// trapWatchpoint raises a guest exception when a guarded access is hit and
// the option set says accesses must be checked.
func trapWatchpoint(st *powerpc.State, opts jit.CodeGenOptions, checks *powerpc.MemChecks, ea, pc uint32, kind string) bool {
	if !opts.Memcheck || !checks.Covers(ea) {
		return false
	}
	log.Info(log.JitMonitoring, "watchpoint hit", "kind", kind, "ea", ea, "pc", pc)
	st.ExceptionPending = true
	return true
}
