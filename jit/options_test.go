package jit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sticks-stuff/dolphin/config"
	"github.com/sticks-stuff/dolphin/powerpc"
)

func TestRefreshConfigDefaults(t *testing.T) {
	r := newTestRig(t)
	snap := r.engine.Snapshot()
	require.NotNil(t, snap)

	assert.False(t, snap.JitOff)
	assert.True(t, snap.FastmemEnabled)
	assert.True(t, snap.FollowBranch)
	assert.False(t, snap.MMUEnabled)
	assert.True(t, r.engine.jo.EnableBlocklink)
}

func TestAccurateCPUCacheForcesIncompatibleOptionsOff(t *testing.T) {
	r := newTestRig(t)
	r.cfg.SetBool(config.MainLowDCBZHack, true)
	require.True(t, r.engine.Snapshot().LowDCBZHack)

	r.cfg.SetBool(config.MainAccurateCPUCache, true)
	snap := r.engine.Snapshot()
	assert.False(t, snap.FastmemEnabled)
	assert.False(t, snap.LowDCBZHack)

	// the store itself keeps the user's values; only the snapshot is clamped
	assert.True(t, r.cfg.GetBool(config.MainFastmem))
	assert.True(t, r.cfg.GetBool(config.MainLowDCBZHack))
}

func TestRefreshConfigIsDeterministic(t *testing.T) {
	r := newTestRig(t)
	r.cfg.SetBool(config.MainFPRF, true)
	r.cfg.SetBool(config.MainAccurateNaNs, true)

	s1 := *r.engine.Snapshot()
	r.engine.RefreshConfig()
	s2 := *r.engine.Snapshot()
	assert.Equal(t, s1, s2)
}

func TestBlocklinkDerivation(t *testing.T) {
	r := newTestRig(t)
	require.True(t, r.engine.jo.EnableBlocklink)

	r.cfg.SetBool(config.MainEnableDebugging, true)
	assert.False(t, r.engine.jo.EnableBlocklink)

	r.cfg.SetBool(config.MainEnableDebugging, false)
	r.cfg.SetBool(config.MainJitOff, true)
	assert.False(t, r.engine.jo.EnableBlocklink)
}

func TestFastmemDerivation(t *testing.T) {
	r := newTestRig(t, WithFastmemArena(true))
	r.engine.UpdateMemoryAndExceptionOptions()
	assert.True(t, r.engine.jo.Fastmem)

	// translation on with a watchpoint set means every access is checked
	r.state.MSR.DR = true
	r.mcs.Add(powerpc.MemCheck{Start: 0x1000, End: 0x1003})
	assert.False(t, r.engine.jo.Fastmem)
	assert.True(t, r.engine.jo.Memcheck)

	r.mcs.Clear()
	assert.True(t, r.engine.jo.Fastmem)
	assert.False(t, r.engine.jo.Memcheck)
}

func TestFastmemRequiresArena(t *testing.T) {
	r := newTestRig(t)
	r.engine.UpdateMemoryAndExceptionOptions()
	assert.False(t, r.engine.jo.Fastmem)
}

func TestMemcheckFollowsRuntimeModes(t *testing.T) {
	r := newTestRig(t)
	require.False(t, r.engine.jo.Memcheck)

	r.sys.SetMMUMode(true)
	r.engine.RefreshConfig()
	assert.True(t, r.engine.jo.Memcheck)

	r.sys.SetMMUMode(false)
	r.sys.SetPauseOnPanicMode(true)
	r.engine.RefreshConfig()
	assert.True(t, r.engine.jo.Memcheck)
}

func TestShouldHandleFPExceptionForInstruction(t *testing.T) {
	r := newTestRig(t)
	fdivs := powerpc.CodeOp{Inst: powerpc.EncodeFdiv(1, 2, 3), Info: powerpc.Decode(powerpc.EncodeFdiv(1, 2, 3))}
	fadd := powerpc.CodeOp{Inst: powerpc.EncodeFadd(1, 2, 3), Info: powerpc.Decode(powerpc.EncodeFadd(1, 2, 3))}
	fmr := powerpc.CodeOp{Inst: powerpc.EncodeFmr(1, 2), Info: powerpc.Decode(powerpc.EncodeFmr(1, 2))}

	cases := []struct {
		name               string
		fpExc, divExc      bool
		wantDiv, wantArith bool
	}{
		{"no fidelity", false, false, false, false},
		{"divide only", false, true, true, false},
		{"full float", true, false, true, true},
		{"both", true, true, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r.engine.jo.FPExceptions = tc.fpExc
			r.engine.jo.DivByZeroExceptions = tc.divExc
			assert.Equal(t, tc.wantDiv, r.engine.ShouldHandleFPExceptionForInstruction(&fdivs))
			assert.Equal(t, tc.wantArith, r.engine.ShouldHandleFPExceptionForInstruction(&fadd))
			assert.False(t, r.engine.ShouldHandleFPExceptionForInstruction(&fmr))
		})
	}
}
