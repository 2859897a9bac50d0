package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sticks-stuff/dolphin/config"
	"github.com/sticks-stuff/dolphin/powerpc"
)

// loadWindow decodes a straight-line window and pins the merge position.
func (r *testRig) loadWindow(t *testing.T, addr uint32, insts ...uint32) {
	t.Helper()
	for i, inst := range insts {
		r.ram.Write32(addr+uint32(i)*4, inst)
	}
	ops, err := r.engine.analyzer.Analyze(addr, r.engine.fetch, len(insts))
	require.NoError(t, err)
	require.Len(t, ops, len(insts))
	r.engine.js = compileState{op: ops, blockStart: addr}
	r.engine.MarkCompiling(0)
}

func TestCanMergeWithinWindow(t *testing.T) {
	r := newTestRig(t)
	r.loadWindow(t, 0x100,
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
		powerpc.EncodeAddi(5, 5, 1),
	)

	assert.True(t, r.engine.CanMergeNextInstructions(1))
	assert.True(t, r.engine.CanMergeNextInstructions(2))
	assert.False(t, r.engine.CanMergeNextInstructions(3))
}

func TestCanMergeRefusedAtWindowEnd(t *testing.T) {
	r := newTestRig(t)
	r.loadWindow(t, 0x100,
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
	)
	r.engine.MarkCompiling(1)

	assert.False(t, r.engine.CanMergeNextInstructions(1))
}

func TestCanMergeRefusedWhileStepping(t *testing.T) {
	r := newTestRig(t)
	r.loadWindow(t, 0x100,
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
	)

	r.sys.CPU().SetStepping(true)
	assert.False(t, r.engine.CanMergeNextInstructions(1))
	r.sys.CPU().SetStepping(false)
	assert.True(t, r.engine.CanMergeNextInstructions(1))
}

func TestCanMergeRefusedAcrossBranchTarget(t *testing.T) {
	r := newTestRig(t)
	// bc +8 jumps over the addi at 0x104 to the addi at 0x108, making
	// 0x108 an in-window branch target.
	r.loadWindow(t, 0x100,
		powerpc.EncodeBc(4, 2, 8),
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
	)

	assert.True(t, r.engine.CanMergeNextInstructions(1))
	assert.False(t, r.engine.CanMergeNextInstructions(2))

	// the veto applies with debugging on or off
	r.cfg.SetBool(config.MainEnableDebugging, true)
	r.loadWindow(t, 0x100,
		powerpc.EncodeBc(4, 2, 8),
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
	)
	assert.False(t, r.engine.CanMergeNextInstructions(2))
}

func TestCanMergeBreakpointVetoOnlyWhileDebugging(t *testing.T) {
	r := newTestRig(t)
	r.loadWindow(t, 0x100,
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
	)
	r.bps.Add(0x104)

	// breakpoints are inert without the debugging interface
	assert.True(t, r.engine.CanMergeNextInstructions(1))

	// while debugging the analyzer already cuts windows at known
	// breakpoints, so the veto matters for one added after analysis
	r.cfg.SetBool(config.MainEnableDebugging, true)
	r.bps.Remove(0x104)
	r.loadWindow(t, 0x100,
		powerpc.EncodeAddi(3, 3, 1),
		powerpc.EncodeAddi(4, 4, 1),
	)
	r.bps.Add(0x104)
	assert.False(t, r.engine.CanMergeNextInstructions(1))
}
